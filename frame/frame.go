// Package frame interprets DWARF call frame information — the CIE/FDE
// structures stored in .eh_frame and .debug_frame — to compute the Canonical
// Frame Address and register-restore rules needed to unwind one stack frame.
// See §4.2 of the specification.
package frame

import (
	"encoding/binary"

	"github.com/jetsetilly/coredbg/dbgerrors"
	"github.com/jetsetilly/coredbg/engine"
	"github.com/jetsetilly/coredbg/leb128"
	"github.com/jetsetilly/coredbg/logger"
)

// ExpressionEvaluator evaluates a DWARF expression (a CFA or register rule's
// Expression bytes) against the CFA and the callee's registers/memory,
// returning the computed address or value. This module's location package
// provides one; frame itself has no opinion on expression syntax, matching
// the callback-based design in §6.
type ExpressionEvaluator func(expr []byte, cfa uint64, regs engine.RegisterReader, mem engine.MemoryReader) (uint64, bool)

// ComputeCFA evaluates a row's CFA rule against the callee's register
// state, returning false if the rule cannot be resolved (an unreadable
// register, or a RuleExpression with no evaluator supplied).
func ComputeCFA(row Row, regs engine.RegisterReader, mem engine.MemoryReader, eval ExpressionEvaluator) (uint64, bool) {
	if row.CFA.Expression != nil {
		if eval == nil {
			return 0, false
		}
		return eval(row.CFA.Expression, 0, regs, mem)
	}
	base, ok := regs(row.CFA.Register)
	if !ok {
		return 0, false
	}
	return uint64(int64(base) + row.CFA.Offset), true
}

// ResolveRegister recovers a single register's value in the caller's frame,
// per the rule recorded for it in row. A register with no rule at all is
// read unchanged from regs (DWARF's "same value" default), as is one under
// RuleSameValue; RuleUndefined reports ok=false.
func ResolveRegister(row Row, reg uint64, cfa uint64, regs engine.RegisterReader, mem engine.MemoryReader, eval ExpressionEvaluator) (value uint64, ok bool) {
	rule, found := row.Registers[reg]
	if !found {
		return regs(reg)
	}

	switch rule.Kind {
	case RuleUndefined:
		return 0, false
	case RuleSameValue:
		return regs(reg)
	case RuleOffset:
		addr := uint64(int64(cfa) + rule.Offset)
		return mem(addr, 8)
	case RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), true
	case RuleRegister:
		return regs(rule.Register)
	case RuleExpression:
		if eval == nil {
			return 0, false
		}
		addr, ok := eval(rule.Expression, cfa, regs, mem)
		if !ok {
			return 0, false
		}
		return mem(addr, 8)
	case RuleValExpression:
		if eval == nil {
			return 0, false
		}
		return eval(rule.Expression, cfa, regs, mem)
	default:
		return 0, false
	}
}

// RuleKind is the kind of rule governing how a register's value in the
// caller's frame is recovered.
type RuleKind int

const (
	// RuleUndefined means the register's value in the caller is not
	// recoverable.
	RuleUndefined RuleKind = iota
	// RuleSameValue means the register is unchanged from the callee.
	RuleSameValue
	// RuleOffset means the register was saved at CFA+Offset.
	RuleOffset
	// RuleValOffset means the register's value (not its saved location) is
	// CFA+Offset.
	RuleValOffset
	// RuleRegister means the register's value is in a different register.
	RuleRegister
	// RuleExpression means the register was saved at the address computed
	// by evaluating Expression.
	RuleExpression
	// RuleValExpression means the register's value is the result of
	// evaluating Expression.
	RuleValExpression
)

// RegisterRule describes how to recover one register's value in the caller.
type RegisterRule struct {
	Kind       RuleKind
	Offset     int64
	Register   uint64
	Expression []byte
}

// CFARule describes how the Canonical Frame Address is computed: either
// Register+Offset, or the result of evaluating Expression.
type CFARule struct {
	Register   uint64
	Offset     int64
	Expression []byte
}

// Row is one row of the call frame table: the rules in effect starting at
// Location, until the next row's Location.
type Row struct {
	Location  uint64
	CFA       CFARule
	Registers map[uint64]RegisterRule
}

func (r Row) clone() Row {
	c := Row{Location: r.Location, CFA: r.CFA, Registers: make(map[uint64]RegisterRule, len(r.Registers))}
	for k, v := range r.Registers {
		c.Registers[k] = v
	}
	return c
}

// table is the mutable state the CFA interpreter builds up one instruction
// at a time. current is the row under construction; initial is the CIE's
// initial row, consulted by DW_CFA_restore[_extended].
type table struct {
	current     Row
	initial     Row
	stack       []Row
	byteOrder   binary.ByteOrder
	pointerSize int
}

func newTable(byteOrder binary.ByteOrder, pointerSize int) *table {
	row := Row{Registers: make(map[uint64]RegisterRule)}
	return &table{current: row, initial: row.clone(), byteOrder: byteOrder, pointerSize: pointerSize}
}

func (t *table) pointerWidth() int { return t.pointerSize }

func (t *table) byteOrderOrDefault() binary.ByteOrder {
	if t.byteOrder == nil {
		return binary.LittleEndian
	}
	return t.byteOrder
}

// CIE is a Common Information Entry: the template a set of FDEs share.
type CIE struct {
	Version               byte
	CodeAlignmentFactor    uint64
	DataAlignmentFactor    int64
	ReturnAddressRegister  uint64
	FDEPointerEncoding     byte
	Instructions           []byte
}

// FDE is a Frame Description Entry: the unwind instructions for one
// contiguous range of code addresses.
type FDE struct {
	CIE          *CIE
	StartAddress uint64
	EndAddress   uint64 // exclusive
	Instructions []byte
}

func (f *FDE) Contains(pc uint64) bool {
	return pc >= f.StartAddress && pc < f.EndAddress
}

// Section is a parsed .debug_frame or .eh_frame section: a set of CIEs and
// the FDEs that reference them.
type Section struct {
	byteOrder binary.ByteOrder
	pointerSize int
	cies      map[uint64]*CIE
	fdes      []*FDE
}

// Parse reads a raw (already decompressed) .debug_frame or .eh_frame
// section. isEHFrame selects .eh_frame's 0x00000000 CIE-id convention over
// .debug_frame's 0xffffffff/0xffffffffffffffff convention; the two sections
// are otherwise structurally identical to this parser.
func Parse(data []byte, byteOrder binary.ByteOrder, pointerSize int, isEHFrame bool) (*Section, error) {
	sec := &Section{byteOrder: byteOrder, pointerSize: pointerSize, cies: make(map[uint64]*CIE)}

	idx := 0
	for idx < len(data) {
		if idx+4 > len(data) {
			return nil, dbgerrors.Errorf(dbgerrors.CategorySection, "truncated frame entry length: %w", dbgerrors.ErrTruncatedSection)
		}
		entryStart := idx
		length := uint64(byteOrder.Uint32(data[idx:]))
		idx += 4

		is64 := false
		if length == 0xffffffff {
			if idx+8 > len(data) {
				return nil, dbgerrors.ErrTruncatedSection
			}
			length = byteOrder.Uint64(data[idx:])
			idx += 8
			is64 = true
		}

		if length == 0 {
			// zero-length terminator entry (common at the end of .eh_frame)
			continue
		}

		if idx+int(length) > len(data) {
			return nil, dbgerrors.ErrTruncatedSection
		}
		bodyStart := idx
		b := data[idx : idx+int(length)]
		idx += int(length)

		idWidth := 4
		if is64 {
			idWidth = 8
		}
		if len(b) < idWidth {
			return nil, dbgerrors.ErrTruncatedSection
		}
		var id uint64
		if is64 {
			id = byteOrder.Uint64(b)
		} else {
			id = uint64(byteOrder.Uint32(b))
		}

		isCIE := (isEHFrame && id == 0) || (!isEHFrame && (id == 0xffffffff || id == 0xffffffffffffffff))
		if isCIE {
			cie, err := parseCIE(b[idWidth:], byteOrder)
			if err != nil {
				return nil, err
			}
			sec.cies[uint64(entryStart)] = cie
			continue
		}

		// FDE: id is a pointer/offset back to its CIE. In .debug_frame it is
		// the absolute section offset of the CIE; in .eh_frame it is the
		// FDE-relative backward byte distance from the id field itself.
		var cieOffset uint64
		if isEHFrame {
			pointerFieldOffset := uint64(entryStart) + uint64(is64Extra(is64))
			cieOffset = pointerFieldOffset - id
		} else {
			cieOffset = id
		}
		cie, ok := sec.cies[cieOffset]
		if !ok {
			logger.Logf("frame", "FDE at offset %d refers to unknown CIE at %d", entryStart, cieOffset)
			continue
		}

		n := idWidth
		fieldOffset := uint64(bodyStart + n)
		start, size, consumed, err := readFDERange(b[n:], byteOrder, pointerSize, cie.FDEPointerEncoding, fieldOffset)
		if err != nil {
			return nil, err
		}
		n += consumed

		fde := &FDE{CIE: cie, StartAddress: start, EndAddress: start + size, Instructions: append([]byte(nil), b[n:]...)}
		sec.fdes = append(sec.fdes, fde)
	}

	return sec, nil
}

func is64Extra(is64 bool) int {
	if is64 {
		return 12 // 4-byte 0xffffffff escape + 8-byte length
	}
	return 4
}

// readFDERange decodes an FDE's initial-location/address-range pair,
// honoring the CIE's FDE pointer encoding when operating on .eh_frame (GCC's
// "zR" augmentation); .debug_frame has no such encoding and always uses a
// plain pointerSize-wide absolute value. fieldOffset is the byte address
// (here, the section-relative byte offset) of b[0], the initial-location
// field itself; it is only consulted when the encoding's DW_EH_PE_pcrel bit
// (0x10) is set, in which case the decoded initial-location value is
// relative to that address rather than absolute.
func readFDERange(b []byte, byteOrder binary.ByteOrder, pointerSize int, encoding byte, fieldOffset uint64) (start, size uint64, consumed int, err error) {
	width := pointerSize
	if encoding&0x07 == ehPEudata4 || encoding&0x07 == ehPEsdata4 {
		width = 4
	} else if encoding&0x07 == ehPEudata8 || encoding&0x07 == ehPEsdata8 {
		width = 8
	}
	if len(b) < width*2 {
		return 0, 0, 0, dbgerrors.ErrTruncatedSection
	}
	start = readWidth(b[0:width], byteOrder)
	if encoding&ehPEpcrel != 0 {
		// sdata4 deltas are signed: a negative offset (the common case when
		// the FDE's code precedes .eh_frame in memory) must be sign-extended
		// before adding fieldOffset, or it reads back as a huge address.
		if width == 4 && encoding&ehPEsigned != 0 {
			start = uint64(int64(int32(uint32(start))))
		}
		start += fieldOffset
	}
	size = readWidth(b[width:width*2], byteOrder)
	return start, size, width * 2, nil
}

func readWidth(b []byte, byteOrder binary.ByteOrder) uint64 {
	switch len(b) {
	case 4:
		return uint64(byteOrder.Uint32(b))
	case 8:
		return byteOrder.Uint64(b)
	default:
		return 0
	}
}

const (
	ehPEabsptr = 0x00
	ehPEudata4 = 0x03
	ehPEudata8 = 0x04
	ehPEsdata4 = 0x0b
	ehPEsdata8 = 0x0c

	// ehPEpcrel is the DW_EH_PE_pcrel modifier bit (0x10): the encoded value
	// is relative to the byte address of the encoded field itself.
	ehPEpcrel = 0x10
	// ehPEsigned is set on the sleb128/sdata2/sdata4/sdata8 base encodings.
	ehPEsigned = 0x08
)

// parseCIE decodes a CIE following the initial 4/8-byte id field already
// consumed by the caller. Only version 1, 3 and 4 CIEs with augmentation
// strings limited to a leading "z" (and the codes GCC emits after it) are
// supported; see Non-goals in §1.
func parseCIE(b []byte, byteOrder binary.ByteOrder) (*CIE, error) {
	if len(b) < 1 {
		return nil, dbgerrors.ErrTruncatedSection
	}
	cie := &CIE{Version: b[0]}
	n := 1

	augStart := n
	for n < len(b) && b[n] != 0 {
		n++
	}
	if n >= len(b) {
		return nil, dbgerrors.ErrTruncatedSection
	}
	augmentation := string(b[augStart:n])
	n++ // NUL terminator

	if cie.Version >= 4 {
		// address_size, segment_selector_size
		if n+2 > len(b) {
			return nil, dbgerrors.ErrTruncatedSection
		}
		n += 2
	}

	var l int
	cie.CodeAlignmentFactor, l = leb128.DecodeULEB128(b[n:])
	n += l
	cie.DataAlignmentFactor, l = leb128.DecodeSLEB128(b[n:])
	n += l

	if cie.Version == 1 {
		cie.ReturnAddressRegister = uint64(b[n])
		n++
	} else {
		cie.ReturnAddressRegister, l = leb128.DecodeULEB128(b[n:])
		n += l
	}

	if len(augmentation) > 0 && augmentation[0] == 'z' {
		var augLen uint64
		augLen, l = leb128.DecodeULEB128(b[n:])
		n += l
		augData := b[n : n+int(augLen)]
		n += int(augLen)

		ai := 0
		for _, c := range augmentation[1:] {
			switch c {
			case 'R':
				if ai < len(augData) {
					cie.FDEPointerEncoding = augData[ai]
					ai++
				}
			case 'L':
				ai++
			case 'P':
				if ai < len(augData) {
					enc := augData[ai]
					ai++ // personality encoding byte
					// the encoded personality pointer itself is skipped: we
					// never call personality routines.
					switch enc & 0x0f {
					case 0x02, 0x0a:
						ai += 2
					case 0x03, 0x0b:
						ai += 4
					case 0x00, 0x04, 0x0c:
						ai += 8
					case 0x01, 0x09:
						if ai < len(augData) {
							_, l := leb128.DecodeULEB128(augData[ai:])
							ai += l
						}
					}
				}
			case 'S':
				// signal frame; no augmentation data
			}
		}
	}

	cie.Instructions = append([]byte(nil), b[n:]...)
	return cie, nil
}

// CIEs returns every Common Information Entry parsed from the section,
// keyed by its byte offset. Intended for diagnostic dumps (package diag);
// the interpreter itself only ever looks CIEs up through an FDE's CIE
// field.
func (sec *Section) CIEs() map[uint64]*CIE {
	return sec.cies
}

// FDEs returns every Frame Description Entry parsed from the section, in
// file order. Intended for diagnostic dumps (package diag).
func (sec *Section) FDEs() []*FDE {
	return sec.fdes
}

// FDEFor returns the FDE covering pc, or nil if none does.
func (sec *Section) FDEFor(pc uint64) *FDE {
	for _, f := range sec.fdes {
		if f.Contains(pc) {
			return f
		}
	}
	return nil
}

// RowAt runs the CFA interpreter over cie.Instructions followed by
// fde.Instructions, stopping at the last row whose Location is <= pc, and
// returns that row.
func (sec *Section) RowAt(fde *FDE, pc uint64) (Row, error) {
	tab := newTable(sec.byteOrder, sec.pointerSize)
	tab.current.Location = fde.StartAddress

	if err := run(fde.CIE, fde.CIE.Instructions, tab); err != nil {
		return Row{}, err
	}
	tab.initial = tab.current.clone()

	best := tab.current.clone()
	ptr := 0
	for ptr < len(fde.Instructions) {
		consumed, newRow, err := step(fde.CIE, fde.Instructions[ptr:], tab)
		if err != nil {
			return Row{}, err
		}
		ptr += consumed
		if newRow && tab.current.Location <= pc {
			best = tab.current.clone()
		} else if !newRow {
			best.CFA = tab.current.CFA
			best.Registers = tab.current.Registers
		}
		if tab.current.Location > pc {
			break
		}
	}
	return best, nil
}

func run(cie *CIE, instructions []byte, tab *table) error {
	ptr := 0
	for ptr < len(instructions) {
		consumed, _, err := step(cie, instructions[ptr:], tab)
		if err != nil {
			return err
		}
		ptr += consumed
	}
	return nil
}
