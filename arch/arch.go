// Package arch defines the per-architecture constants the CFA interpreter,
// location evaluator and breakpoint manager need: DWARF register numbering,
// the frame-pointer/link-register/program-counter register numbers, and the
// trap instruction used for software breakpoints.
//
// See §9 ("Register number spaces") and §6 ("Trap instructions") of the
// specification.
package arch

import "fmt"

// ID identifies a target architecture.
type ID int

const (
	X86_64 ID = iota
	ARM64
)

// Descriptor carries everything a component needs to know about a target
// architecture without hard-coding register numbers inline.
type Descriptor struct {
	Name string

	// PointerSize is the width, in bytes, of an address on this
	// architecture.
	PointerSize int

	// FramePointerRegister and StackPointerRegister are the DWARF register
	// numbers conventionally used as the frame base and CFA anchor.
	FramePointerRegister  uint64
	StackPointerRegister  uint64
	ProgramCounterRegister uint64

	// LinkRegister is the return-address register on architectures that
	// pass it in a register rather than on the stack (AArch64). -1 on
	// architectures with no such register.
	LinkRegister int

	// TrapInstruction is the byte sequence written over an instruction to
	// implement a software breakpoint; its length (1 on x86_64, 4 on AArch64)
	// is the number of original bytes saved per breakpoint.
	TrapInstruction []byte
}

// X86_64Descriptor is the DWARF register mapping for x86_64:
// {0:rax, 1:rdx, 2:rcx, 3:rbx, 4:rsi, 5:rdi, 6:rbp, 7:rsp, 8..15:r8..r15, 16:rip}.
var X86_64Descriptor = Descriptor{
	Name:                   "x86_64",
	PointerSize:            8,
	FramePointerRegister:   6,
	StackPointerRegister:   7,
	ProgramCounterRegister: 16,
	LinkRegister:           -1,
	TrapInstruction:        []byte{0xCC},
}

// ARM64Descriptor is the DWARF register mapping for AArch64:
// {0..30: x0..x30, 31: sp, 32: pc}, with x29 the frame pointer and x30 the
// link register.
var ARM64Descriptor = Descriptor{
	Name:                   "arm64",
	PointerSize:            8,
	FramePointerRegister:   29,
	StackPointerRegister:   31,
	ProgramCounterRegister: 32,
	LinkRegister:           30,
	TrapInstruction:        []byte{0x00, 0x00, 0x20, 0xD4}, // BRK #0, little-endian
}

// Get returns the Descriptor for id.
func Get(id ID) Descriptor {
	switch id {
	case ARM64:
		return ARM64Descriptor
	default:
		return X86_64Descriptor
	}
}

// RegisterName returns a conventional display name for a DWARF register
// number on this architecture, or a generic "rNN" / "xNN" fallback.
func (d Descriptor) RegisterName(reg uint64) string {
	switch d.Name {
	case "x86_64":
		names := []string{"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
			"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip"}
		if int(reg) < len(names) {
			return names[reg]
		}
	case "arm64":
		if reg <= 30 {
			return fmt.Sprintf("x%d", reg)
		}
		switch reg {
		case 31:
			return "sp"
		case 32:
			return "pc"
		}
	}
	return fmt.Sprintf("r%d", reg)
}
