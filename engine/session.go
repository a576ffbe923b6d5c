package engine

import (
	"github.com/jetsetilly/coredbg/arch"
	"github.com/jetsetilly/coredbg/breakpoint"
	"github.com/jetsetilly/coredbg/frame"
	"github.com/jetsetilly/coredbg/location"
	"github.com/jetsetilly/coredbg/objfile"
	"github.com/jetsetilly/coredbg/symtab"
	"github.com/jetsetilly/coredbg/unwind"
	"github.com/jetsetilly/coredbg/variable"
)

// ProcessMemory is the subset of process control breakpoint activation
// needs: reading a trap instruction's original bytes and writing it back
// (or writing the trap itself). Any caller-supplied process driver that
// implements these two methods can be passed to the breakpoint-facing
// methods below.
type ProcessMemory interface {
	ReadMemory(addr uint64, size int) ([]byte, bool)
	WriteMemory(addr uint64, data []byte) bool
}

// Session ties an object file's parsed debug sections, an architecture
// descriptor, and a breakpoint manager together, and adapts package
// location's expression evaluator to package frame's callback shape so the
// CFA interpreter and the DWARF expression stack machine can cooperate
// without importing one another. See §2 and §9 of the specification for
// why the subsystems stay decoupled like this.
type Session struct {
	Image       *objfile.Image
	Arch        arch.Descriptor
	Breakpoints *breakpoint.Manager

	debugFrame *frame.Section
	ehFrame    *frame.Section
}

// NewSession parses image's .debug_frame and/or .eh_frame sections (if
// present) and returns a ready-to-use Session for the given architecture.
func NewSession(image *objfile.Image, a arch.Descriptor) (*Session, error) {
	s := &Session{Image: image, Arch: a, Breakpoints: breakpoint.NewManager(a)}

	if info := image.Sections.DebugFrame(); info != nil {
		data, err := image.SectionDataDecompressed(info)
		if err != nil {
			return nil, err
		}
		sec, err := frame.Parse(data, image.ByteOrder, a.PointerSize, false)
		if err != nil {
			return nil, err
		}
		s.debugFrame = sec
	}

	if info := image.Sections.EHFrame(); info != nil {
		data, err := image.SectionDataDecompressed(info)
		if err != nil {
			return nil, err
		}
		sec, err := frame.Parse(data, image.ByteOrder, a.PointerSize, true)
		if err != nil {
			return nil, err
		}
		s.ehFrame = sec
	}

	return s, nil
}

// FindFDE locates the frame section and FDE covering pc, preferring
// .debug_frame (present on statically linked/uncompressed builds) over
// .eh_frame (the runtime-unwind copy most toolchains also emit).
func (s *Session) FindFDE(pc uint64) (*frame.Section, *frame.FDE, bool) {
	if s.debugFrame != nil {
		if fde := s.debugFrame.FDEFor(pc); fde != nil {
			return s.debugFrame, fde, true
		}
	}
	if s.ehFrame != nil {
		if fde := s.ehFrame.FDEFor(pc); fde != nil {
			return s.ehFrame, fde, true
		}
	}
	return nil, nil, false
}

// returnAddressRegister is the conventional DWARF register number holding
// the caller's return address on this architecture: the link register
// where one exists (AArch64), else the program-counter register slot that
// .eh_frame's CIE return_address_register field references on x86_64 (the
// value itself is recovered from the stack via a RuleOffset rule, not from
// a live register).
func (s *Session) returnAddressRegister() uint64 {
	if s.Arch.LinkRegister >= 0 {
		return uint64(s.Arch.LinkRegister)
	}
	return s.Arch.ProgramCounterRegister
}

// ExpressionEvaluator adapts package location's expression evaluator to
// frame.ExpressionEvaluator's callback shape, so the CFA interpreter can
// resolve expression-based CFA/register rules (DW_OP_call_frame_cfa
// expressions embedded in a frame row) without frame importing location.
func (s *Session) ExpressionEvaluator() frame.ExpressionEvaluator {
	return func(expr []byte, cfa uint64, regs RegisterReader, mem MemoryReader) (uint64, bool) {
		eval := &location.Evaluator{
			ByteOrder:   s.Image.ByteOrder,
			PointerSize: s.Arch.PointerSize,
			Registers:   regs,
			Memory:      mem,
			CFA:         cfa,
		}
		res, ok := eval.Evaluate(expr)
		if !ok {
			return 0, false
		}
		switch res.Kind {
		case location.KindAddress:
			return res.Address, true
		case location.KindValue:
			return res.Value, true
		case location.KindRegister:
			if regs == nil {
				return 0, false
			}
			return regs(res.Register)
		default:
			return 0, false
		}
	}
}

// Unwind walks the stack starting at startPC using the CFA interpreter,
// per §4.4.
func (s *Session) Unwind(startPC uint64, regs RegisterReader, mem MemoryReader, functions []symtab.FunctionInfo, lines []symtab.LineEntry, maxDepth int) []unwind.Frame {
	return unwind.CFAUnwind(startPC, regs, mem, functions, lines, maxDepth, s.FindFDE, s.ExpressionEvaluator(), s.returnAddressRegister())
}

// UnwindFramePointer walks the stack using the frame-pointer fallback
// algorithm, for targets built without CFI (or as a sanity cross-check
// against Unwind).
func (s *Session) UnwindFramePointer(startPC, startFP uint64, mem MemoryReader, functions []symtab.FunctionInfo, lines []symtab.LineEntry, maxDepth int) []unwind.Frame {
	return unwind.FramePointerUnwind(startPC, startFP, mem, functions, lines, maxDepth)
}

// LocationEvaluator builds a location.Evaluator configured for one frame.
// cfa and frameBase are normally recovered by a preceding Unwind step (cfa
// from frame.ComputeCFA; frameBase is often the same value, except on
// architectures/compilers where DW_AT_frame_base differs from the CFA).
func (s *Session) LocationEvaluator(regs RegisterReader, mem MemoryReader, cfa, frameBase uint64) *location.Evaluator {
	return &location.Evaluator{
		ByteOrder:   s.Image.ByteOrder,
		PointerSize: s.Arch.PointerSize,
		Registers:   regs,
		Memory:      mem,
		CFA:         cfa,
		FrameBase:   frameBase,
	}
}

// InspectVariable evaluates and formats a single variable for the frame
// described by cfa/frameBase, per §4.6.
func (s *Session) InspectVariable(v symtab.VariableInfo, regs RegisterReader, mem MemoryReader, cfa, frameBase uint64) string {
	return variable.Inspect(v, s.LocationEvaluator(regs, mem, cfa, frameBase))
}

// InspectLocals evaluates and formats every variable in vars for the frame
// described by cfa/frameBase.
func (s *Session) InspectLocals(vars []symtab.VariableInfo, regs RegisterReader, mem MemoryReader, cfa, frameBase uint64) []variable.NamedValue {
	return variable.InspectLocals(vars, s.LocationEvaluator(regs, mem, cfa, frameBase))
}

// ResolveBreakpoint resolves file/line/column to an address and activates a
// trap instruction there through process, per §4.5.
func (s *Session) ResolveBreakpoint(file string, line uint32, column *uint32, lineEntries []symtab.LineEntry, condition, hitCondition, logMessage string, process ProcessMemory) (*breakpoint.Breakpoint, error) {
	bp, err := s.Breakpoints.Resolve(file, line, column, lineEntries, condition, hitCondition, logMessage)
	if err != nil {
		return nil, err
	}
	if err := s.Breakpoints.Write(bp, process); err != nil {
		return nil, err
	}
	return bp, nil
}

// RemoveBreakpoint restores original bytes (if the trap was ever written)
// and discards the breakpoint.
func (s *Session) RemoveBreakpoint(id uint32, process ProcessMemory) error {
	return s.Breakpoints.Remove(id, process)
}
