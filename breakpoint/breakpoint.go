// Package breakpoint resolves source locations to addresses, manages the
// set of active software breakpoints, and patches/restores trap
// instructions through a caller-supplied process reader/writer. See §4.5
// of the specification. Unlike the teacher's single global
// map[uint32]bool membership test (`coprocessor/developer/breakpoints.go`),
// each entry here is a full record with hit counting, conditions and
// logpoints, following the richer Breakpoint shape the specification
// defines.
package breakpoint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jetsetilly/coredbg/arch"
	"github.com/jetsetilly/coredbg/dbgerrors"
	"github.com/jetsetilly/coredbg/engine"
	"github.com/jetsetilly/coredbg/symtab"
)

// Breakpoint is one active (or pending-remove) breakpoint.
type Breakpoint struct {
	ID            uint32
	Address       uint64
	File          string
	Line          uint32
	Column        uint32
	OriginalBytes []byte
	Enabled       bool
	HitCount      uint32
	Condition     string
	HitCondition  string
	LogMessage    string
	IsTemporary   bool

	written bool // true once OriginalBytes has been captured and the trap is live
}

// Manager owns the set of breakpoints for one target architecture.
type Manager struct {
	arch    arch.Descriptor
	nextID  uint32
	entries map[uint32]*Breakpoint
}

// NewManager creates an empty breakpoint set for the given architecture.
func NewManager(a arch.Descriptor) *Manager {
	return &Manager{arch: a, nextID: 1, entries: make(map[uint32]*Breakpoint)}
}

// fileQuality scores how well candidate matches requested, per §4.5:
// 3 = exact equality, 2 = one is a path suffix of the other, 1 = basenames
// match, 0 = no match.
func fileQuality(requested, candidate string) int {
	if requested == candidate {
		return 3
	}
	if strings.HasSuffix(candidate, requested) || strings.HasSuffix(requested, candidate) {
		return 2
	}
	if basename(requested) == basename(candidate) {
		return 1
	}
	return 0
}

func basename(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Resolve finds the best line-table entry matching file/line/column and
// creates a new enabled Breakpoint for it.
func (m *Manager) Resolve(file string, line uint32, column *uint32, lineEntries []symtab.LineEntry, condition, hitCondition, logMessage string) (*Breakpoint, error) {
	var best *symtab.LineEntry
	bestQuality := -1
	bestExactLine := false
	bestColumnDelta := -1

	for i := range lineEntries {
		e := &lineEntries[i]
		if e.EndSequence || !e.IsStmt {
			continue
		}
		q := fileQuality(file, e.File)
		if q == 0 {
			continue
		}
		exactLine := e.Line == line
		if !exactLine && e.Line < line {
			continue // only nearest-line->=-requested is an acceptable fallback
		}

		columnDelta := -1
		if column != nil {
			d := int(e.Column) - int(*column)
			if d < 0 {
				d = -d
			}
			columnDelta = d
		}

		better := false
		switch {
		case best == nil:
			better = true
		case q != bestQuality:
			better = q > bestQuality
		case exactLine != bestExactLine:
			better = exactLine
		case column != nil && columnDelta != bestColumnDelta:
			better = bestColumnDelta < 0 || columnDelta < bestColumnDelta
		case e.Line != best.Line:
			better = e.Line < best.Line
		}

		if better {
			best = e
			bestQuality = q
			bestExactLine = exactLine
			bestColumnDelta = columnDelta
			if q == 3 && exactLine && column == nil {
				break // short-circuit: can't do better than an exact path + exact line
			}
		}
	}

	if best == nil {
		return nil, dbgerrors.ErrNoAddressForLine
	}

	bp := &Breakpoint{
		ID:           m.nextID,
		Address:      best.Address,
		File:         best.File,
		Line:         best.Line,
		Enabled:      true,
		Condition:    condition,
		HitCondition: hitCondition,
		LogMessage:   logMessage,
	}
	if column != nil {
		bp.Column = *column
	}
	m.nextID++
	m.entries[bp.ID] = bp
	return bp, nil
}

// SetInstruction parses reference as a hex address (an optional "0x"
// prefix), applies offset (which may wrap), and creates an unresolved
// breakpoint at the resulting address.
func (m *Manager) SetInstruction(reference string, offset int64) (*Breakpoint, error) {
	reference = strings.TrimPrefix(strings.TrimSpace(reference), "0x")
	addr, err := strconv.ParseUint(reference, 16, 64)
	if err != nil {
		return nil, dbgerrors.Errorf(dbgerrors.CategoryBreakpoint, "%q: %w", reference, dbgerrors.ErrInvalidInstructionReference)
	}
	addr = uint64(int64(addr) + offset)

	bp := &Breakpoint{ID: m.nextID, Address: addr, Enabled: true}
	m.nextID++
	m.entries[bp.ID] = bp
	return bp, nil
}

// SetTemporary creates a one-shot breakpoint at address.
func (m *Manager) SetTemporary(address uint64) *Breakpoint {
	bp := &Breakpoint{ID: m.nextID, Address: address, Enabled: true, IsTemporary: true}
	m.nextID++
	m.entries[bp.ID] = bp
	return bp
}

// Get returns the breakpoint with the given id.
func (m *Manager) Get(id uint32) (*Breakpoint, bool) {
	bp, ok := m.entries[id]
	return bp, ok
}

// All returns every breakpoint currently tracked, in no particular order.
func (m *Manager) All() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(m.entries))
	for _, bp := range m.entries {
		out = append(out, bp)
	}
	return out
}

// memoryReadWriter is the subset of process control this package needs to
// patch and restore trap instructions.
type memoryReadWriter interface {
	ReadMemory(addr uint64, size int) ([]byte, bool)
	WriteMemory(addr uint64, data []byte) bool
}

// Write activates bp: the trap instruction's original bytes are read and
// saved, then the trap instruction is written in their place.
func (m *Manager) Write(bp *Breakpoint, process memoryReadWriter) error {
	if bp.written {
		return nil
	}
	trap := m.arch.TrapInstruction
	original, ok := process.ReadMemory(bp.Address, len(trap))
	if !ok {
		return dbgerrors.Errorf(dbgerrors.CategoryProcess, "reading original bytes at 0x%x", bp.Address)
	}
	bp.OriginalBytes = original
	if !process.WriteMemory(bp.Address, trap) {
		return dbgerrors.Errorf(dbgerrors.CategoryProcess, "writing trap instruction at 0x%x", bp.Address)
	}
	bp.written = true
	return nil
}

// Remove restores bp's original bytes (if the trap was written) and
// discards the entry.
func (m *Manager) Remove(id uint32, process memoryReadWriter) error {
	bp, ok := m.entries[id]
	if !ok {
		return dbgerrors.ErrBreakpointNotFound
	}
	if bp.Enabled && bp.written {
		if !process.WriteMemory(bp.Address, bp.OriginalBytes) {
			return dbgerrors.Errorf(dbgerrors.CategoryProcess, "restoring original bytes at 0x%x", bp.Address)
		}
	}
	delete(m.entries, id)
	return nil
}

// ShouldStop increments bp's hit count and decides whether execution should
// actually stop here, per §4.5's evaluation order: condition, then
// hit_condition, then logpoint suppression.
func ShouldStop(bp *Breakpoint, evaluate engine.ConditionEvaluator) bool {
	bp.HitCount++

	if bp.Condition != "" && evaluate != nil {
		if !evaluate(bp.Condition) {
			return false
		}
	}

	if bp.HitCondition != "" {
		return evaluateHitCondition(bp.HitCondition, bp.HitCount)
	}

	if bp.LogMessage != "" {
		return false
	}

	return true
}

// evaluateHitCondition parses the grammar in §4.5: a bare decimal N means
// hit_count == N; an operator from {>=, >, ==, =, <=, <, %} followed by a
// decimal N applies that comparison (for %, true when N>0 and
// hit_count%N==0, or when N==0). An unrecognised operator stops execution.
func evaluateHitCondition(cond string, hitCount uint32) bool {
	cond = strings.TrimSpace(cond)

	for _, op := range []string{">=", "==", "<=", ">", "<", "=", "%"} {
		if strings.HasPrefix(cond, op) {
			rest := strings.TrimSpace(cond[len(op):])
			n, err := strconv.ParseUint(rest, 10, 32)
			if err != nil {
				return true
			}
			nn := uint32(n)
			switch op {
			case ">=":
				return hitCount >= nn
			case ">":
				return hitCount > nn
			case "==", "=":
				return hitCount == nn
			case "<=":
				return hitCount <= nn
			case "<":
				return hitCount < nn
			case "%":
				if nn == 0 {
					return true
				}
				return hitCount%nn == 0
			}
		}
	}

	if n, err := strconv.ParseUint(cond, 10, 32); err == nil {
		return hitCount == uint32(n)
	}

	return true
}

// CleanupTemporary removes every temporary breakpoint that has fired at
// least once, restoring original bytes first.
func (m *Manager) CleanupTemporary(process memoryReadWriter) error {
	for id, bp := range m.entries {
		if bp.IsTemporary && bp.HitCount > 0 {
			if err := m.Remove(id, process); err != nil {
				return fmt.Errorf("cleaning up temporary breakpoint %d: %w", id, err)
			}
		}
	}
	return nil
}
