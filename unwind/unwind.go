// Package unwind walks a call stack using either the CFA-based algorithm
// (via the frame package's CFA interpreter) or the frame-pointer-based
// algorithm, and resolves each frame's program counter to a function name
// and source location. See §4.4 of the specification.
package unwind

import (
	"github.com/ianlancetaylor/demangle"

	"github.com/jetsetilly/coredbg/engine"
	"github.com/jetsetilly/coredbg/frame"
	"github.com/jetsetilly/coredbg/symtab"
)

// Frame is one recovered stack frame.
type Frame struct {
	FrameIndex uint32
	PC         uint64
	Function   string
	File       string
	Line       uint32
}

// FindFunctionForPC returns the first FunctionInfo whose range contains pc,
// or a zero FunctionInfo and false if none does (describeFrame then names
// the frame "<unknown>").
func FindFunctionForPC(functions []symtab.FunctionInfo, pc uint64) (symtab.FunctionInfo, bool) {
	for _, f := range functions {
		if f.Contains(pc) {
			return f, true
		}
	}
	return symtab.FunctionInfo{}, false
}

// findLine returns the line table row whose Address most closely precedes
// pc (the usual PC-to-line mapping for a non-statement-boundary address).
func findLine(lines []symtab.LineEntry, pc uint64) (symtab.LineEntry, bool) {
	var best symtab.LineEntry
	found := false
	for _, l := range lines {
		if l.EndSequence || l.Address > pc {
			continue
		}
		if !found || l.Address > best.Address {
			best = l
			found = true
		}
	}
	return best, found
}

// demangledName demangles a C++/Rust mangled symbol name for display,
// falling back to the raw name if it does not look mangled or demangling
// fails.
func demangledName(name string) string {
	if out := demangle.Filter(name); out != name {
		return out
	}
	return name
}

func describeFrame(frameIndex uint32, pc uint64, functions []symtab.FunctionInfo, lines []symtab.LineEntry) Frame {
	fr := Frame{FrameIndex: frameIndex, PC: pc, Function: "<unknown>"}
	if fn, ok := FindFunctionForPC(functions, pc); ok {
		fr.Function = demangledName(fn.Name)
	}
	if l, ok := findLine(lines, pc); ok {
		fr.File = l.File
		fr.Line = l.Line
	}
	return fr
}

func isTopOfStack(name string) bool {
	return name == "main" || name == "_start"
}

// CFAUnwind walks the stack starting at startPC using DWARF call frame
// information. regs and mem observe the current frame's state; findFDE
// locates the FDE (and its owning Section) covering a given PC, returning
// ok=false when no FDE covers it. The caller is responsible for updating
// regs/mem between iterations to reflect each recovered frame — this
// function only drives the CFA interpreter and the stop conditions.
func CFAUnwind(startPC uint64, regs engine.RegisterReader, mem engine.MemoryReader,
	functions []symtab.FunctionInfo, lines []symtab.LineEntry, maxDepth int,
	findFDE func(pc uint64) (*frame.Section, *frame.FDE, bool),
	eval frame.ExpressionEvaluator, returnAddressRegister uint64) []Frame {

	var frames []Frame
	pc := startPC

	for len(frames) < maxDepth {
		fr := describeFrame(uint32(len(frames)), pc, functions, lines)
		frames = append(frames, fr)

		if isTopOfStack(fr.Function) {
			break
		}

		sec, fde, ok := findFDE(pc)
		if !ok {
			break
		}
		row, err := sec.RowAt(fde, pc)
		if err != nil {
			break
		}

		cfa, ok := frame.ComputeCFA(row, regs, mem, eval)
		if !ok {
			break
		}
		returnAddress, ok := frame.ResolveRegister(row, returnAddressRegister, cfa, regs, mem, eval)
		if !ok || returnAddress == 0 {
			break
		}

		pc = returnAddress
	}

	return frames
}

// FramePointerUnwind walks the stack starting at startPC/startFP using the
// standard x86_64/AArch64 frame-pointer convention: the saved FP is stored
// at [fp], and the return address at [fp+8].
func FramePointerUnwind(startPC, startFP uint64, mem engine.MemoryReader,
	functions []symtab.FunctionInfo, lines []symtab.LineEntry, maxDepth int) []Frame {

	var frames []Frame
	pc := startPC
	fp := startFP

	for len(frames) < maxDepth {
		fr := describeFrame(uint32(len(frames)), pc, functions, lines)
		frames = append(frames, fr)

		if isTopOfStack(fr.Function) || fp == 0 {
			break
		}

		savedFP, ok := mem(fp, 8)
		if !ok {
			break
		}
		returnAddress, ok := mem(fp+8, 8)
		if !ok || returnAddress == 0 {
			break
		}
		if savedFP <= fp {
			break
		}

		pc = returnAddress
		fp = savedFP
	}

	return frames
}
