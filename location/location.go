// Package location evaluates DWARF location expressions — the stack
// machine described in DWARF §2.5 — against a live register/memory state,
// and reads location lists (.debug_loc / .debug_loclists) to pick the
// expression in force at a given program counter. See §4.3 of the
// specification.
package location

import (
	"encoding/binary"

	"github.com/jetsetilly/coredbg/engine"
	"github.com/jetsetilly/coredbg/leb128"
	"github.com/jetsetilly/coredbg/logger"
)

// Kind classifies the result of evaluating a location expression.
type Kind int

const (
	// KindAddress means the variable lives at a memory address.
	KindAddress Kind = iota
	// KindRegister means the variable's value is held directly in a
	// register (DW_OP_regN/regx — a "register location").
	KindRegister
	// KindValue means the expression computed the variable's value
	// directly rather than its address (DW_OP_stack_value).
	KindValue
	// KindImplicit means the variable's value is a fixed byte sequence
	// baked into the expression (DW_OP_implicit_value).
	KindImplicit
	// KindComposite means the variable's value is assembled from pieces,
	// each independently located (DW_OP_piece/DW_OP_bit_piece).
	KindComposite
	// KindImplicitPointer means the variable's value is itself the address
	// described by another DIE's location, offset by ByteOffset
	// (DW_OP_implicit_pointer/DW_OP_GNU_implicit_pointer) — typical of an
	// optimized-out pointer whose pointee the compiler could still track.
	KindImplicitPointer
)

// Piece is one fragment of a composite location, produced by DW_OP_piece or
// DW_OP_bit_piece.
type Piece struct {
	Kind     Kind
	Address  uint64
	Register uint64
	Value    uint64
	Bytes    []byte
	BitSize  uint64 // 0 means "whole unit", per DW_OP_piece
}

// Result is the outcome of evaluating a location expression.
type Result struct {
	Kind       Kind
	Address    uint64
	Register   uint64
	Value      uint64
	Bytes      []byte
	Pieces     []Piece
	DieOffset  uint64 // KindImplicitPointer: the referenced DIE's offset
	ByteOffset int64  // KindImplicitPointer: byte offset into the pointee
}

// DieLocationResolver fetches the DW_AT_location expression of the debug
// information entry at dieOffset, for DW_OP_call2/call4/call_ref and
// DW_OP_implicit_pointer/DW_OP_GNU_implicit_pointer. The caller's DWARF-info
// reader owns abbreviation/attribute decoding; this evaluator only needs the
// resulting expression bytes. ok is false if dieOffset does not resolve to a
// location expression (e.g. the DIE has no DW_AT_location, or the offset is
// unknown).
type DieLocationResolver func(dieOffset uint64) (expr []byte, ok bool)

// Evaluator holds the callbacks and target parameters needed to evaluate
// DWARF expressions: register/memory access, the CFA of the current frame
// (pushed by DW_OP_call_frame_cfa), the frame base (the base of every
// DW_OP_fbreg; callers whose frame base is the CFA pass the CFA here too),
// and the .debug_addr contents plus the unit's offset into them for indexed
// forms.
type Evaluator struct {
	ByteOrder   binary.ByteOrder
	PointerSize int
	Registers   engine.RegisterReader
	Memory      engine.MemoryReader
	CFA         uint64
	FrameBase   uint64
	DebugAddr   []byte // raw .debug_addr section contents, for addrx/constx
	AddrBase    uint64 // offset into DebugAddr of the current unit's address table
	DieResolver DieLocationResolver
}

type stackEntry struct {
	value      uint64
	stackValue bool // true if this entry is a pushed value rather than an address
	register   bool // true if this entry is a register location (DW_OP_regN/regx)
}

// Evaluate runs expr as a DWARF expression and returns its result. There is
// no separate error result: an operation that cannot be resolved against the
// live process (e.g. an unmapped register) or an opcode this evaluator does
// not handle returns ok=false, per §7's "CFI/location failures are silent"
// policy.
func (e *Evaluator) Evaluate(expr []byte) (Result, bool) {
	var stack []stackEntry
	var pieces []Piece

	push := func(v uint64, isValue bool) { stack = append(stack, stackEntry{value: v, stackValue: isValue}) }
	pushRegister := func(reg uint64) { stack = append(stack, stackEntry{value: reg, register: true}) }
	pop := func() (stackEntry, bool) {
		if len(stack) == 0 {
			return stackEntry{}, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	ptr := 0
	for ptr < len(expr) {
		op := expr[ptr]
		consumed := 1

		switch {
		case op >= 0x30 && op <= 0x4f: // DW_OP_lit0..lit31
			push(uint64(op-0x30), true)

		case op >= 0x50 && op <= 0x6f: // DW_OP_reg0..reg31
			pushRegister(uint64(op - 0x50))

		case op >= 0x70 && op <= 0x8f: // DW_OP_breg0..breg31
			reg := uint64(op - 0x70)
			offset, n := leb128.DecodeSLEB128(expr[ptr+1:])
			consumed += n
			v, ok := e.Registers(reg)
			if !ok {
				logger.Logf("location", "DW_OP_breg%d: register unavailable", reg)
				return Result{}, false
			}
			push(uint64(int64(v)+offset), false)

		default:
			switch op {
			case 0x03: // DW_OP_addr
				if ptr+1+e.PointerSize > len(expr) {
					return Result{}, false
				}
				push(readUint(expr[ptr+1:ptr+1+e.PointerSize], e.ByteOrder), false)
				consumed += e.PointerSize

			case 0x06: // DW_OP_deref
				a, ok := pop()
				if !ok {
					return Result{}, false
				}
				v, ok := e.Memory(a.value, e.PointerSize)
				if !ok {
					return Result{}, false
				}
				push(v, true)

			case 0x08: // DW_OP_const1u
				push(uint64(expr[ptr+1]), true)
				consumed++
			case 0x09: // DW_OP_const1s
				push(uint64(int64(int8(expr[ptr+1]))), true)
				consumed++
			case 0x0a: // DW_OP_const2u
				push(uint64(e.ByteOrder.Uint16(expr[ptr+1:])), true)
				consumed += 2
			case 0x0b: // DW_OP_const2s
				push(uint64(int64(int16(e.ByteOrder.Uint16(expr[ptr+1:])))), true)
				consumed += 2
			case 0x0c: // DW_OP_const4u
				push(uint64(e.ByteOrder.Uint32(expr[ptr+1:])), true)
				consumed += 4
			case 0x0d: // DW_OP_const4s
				push(uint64(int64(int32(e.ByteOrder.Uint32(expr[ptr+1:])))), true)
				consumed += 4
			case 0x0e: // DW_OP_const8u
				push(e.ByteOrder.Uint64(expr[ptr+1:]), true)
				consumed += 8
			case 0x0f: // DW_OP_const8s
				push(e.ByteOrder.Uint64(expr[ptr+1:]), true)
				consumed += 8
			case 0x10: // DW_OP_constu
				v, n := leb128.DecodeULEB128(expr[ptr+1:])
				push(v, true)
				consumed += n
			case 0x11: // DW_OP_consts
				v, n := leb128.DecodeSLEB128(expr[ptr+1:])
				push(uint64(v), true)
				consumed += n

			case 0x12: // DW_OP_dup
				v, ok := pop()
				if !ok {
					return Result{}, false
				}
				push(v.value, v.stackValue)
				push(v.value, v.stackValue)
			case 0x13: // DW_OP_drop
				if _, ok := pop(); !ok {
					return Result{}, false
				}
			case 0x16: // DW_OP_swap
				a, ok1 := pop()
				b, ok2 := pop()
				if !ok1 || !ok2 {
					return Result{}, false
				}
				push(a.value, a.stackValue)
				push(b.value, b.stackValue)
			case 0x14: // DW_OP_over
				if len(stack) < 2 {
					return Result{}, false
				}
				v := stack[len(stack)-2]
				push(v.value, v.stackValue)
			case 0x15: // DW_OP_pick
				idx := int(expr[ptr+1])
				consumed++
				if idx >= len(stack) {
					return Result{}, false
				}
				v := stack[len(stack)-1-idx]
				push(v.value, v.stackValue)
			case 0x17: // DW_OP_rot
				if len(stack) < 3 {
					return Result{}, false
				}
				n := len(stack)
				stack[n-1], stack[n-2], stack[n-3] = stack[n-2], stack[n-3], stack[n-1]

			case 0x19: // DW_OP_abs
				a, ok := pop()
				if !ok {
					return Result{}, false
				}
				v := int64(a.value)
				if v < 0 {
					v = -v
				}
				push(uint64(v), a.stackValue)
			case 0x1a: // DW_OP_and
				if !binop(&stack, func(a, b uint64) uint64 { return a & b }) {
					return Result{}, false
				}
			case 0x1b: // DW_OP_div
				a, b, ok := pop2(&stack)
				if !ok || b == 0 {
					return Result{}, false
				}
				push2(&stack, uint64(int64(a)/int64(b)))
			case 0x1c: // DW_OP_minus
				a, b, ok := pop2(&stack)
				if !ok {
					return Result{}, false
				}
				push2(&stack, a-b)
			case 0x1d: // DW_OP_mod
				a, b, ok := pop2(&stack)
				if !ok || b == 0 {
					return Result{}, false
				}
				push2(&stack, a%b)
			case 0x1e: // DW_OP_mul
				if !binop(&stack, func(a, b uint64) uint64 { return a * b }) {
					return Result{}, false
				}
			case 0x1f: // DW_OP_neg
				a, ok := pop()
				if !ok {
					return Result{}, false
				}
				push(uint64(-int64(a.value)), a.stackValue)
			case 0x20: // DW_OP_not
				a, ok := pop()
				if !ok {
					return Result{}, false
				}
				push(^a.value, a.stackValue)
			case 0x21: // DW_OP_or
				if !binop(&stack, func(a, b uint64) uint64 { return a | b }) {
					return Result{}, false
				}
			case 0x22: // DW_OP_plus
				if !binop(&stack, func(a, b uint64) uint64 { return a + b }) {
					return Result{}, false
				}
			case 0x23: // DW_OP_plus_uconst
				a, ok := pop()
				if !ok {
					return Result{}, false
				}
				v, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				push(a.value+v, a.stackValue)
			case 0x24: // DW_OP_shl
				if !binop(&stack, func(a, b uint64) uint64 { return a << b }) {
					return Result{}, false
				}
			case 0x25: // DW_OP_shr
				if !binop(&stack, func(a, b uint64) uint64 { return a >> b }) {
					return Result{}, false
				}
			case 0x26: // DW_OP_shra
				a, b, ok := pop2(&stack)
				if !ok {
					return Result{}, false
				}
				push2(&stack, uint64(int64(a)>>b))
			case 0x27: // DW_OP_xor
				if !binop(&stack, func(a, b uint64) uint64 { return a ^ b }) {
					return Result{}, false
				}

			case 0x28: // DW_OP_bra
				a, ok := pop()
				if !ok {
					return Result{}, false
				}
				off := int16(e.ByteOrder.Uint16(expr[ptr+1:]))
				consumed += 2
				if a.value != 0 {
					ptr += consumed + int(off)
					continue
				}
			case 0x2f: // DW_OP_skip
				off := int16(e.ByteOrder.Uint16(expr[ptr+1:]))
				consumed += 2
				ptr += consumed + int(off)
				continue

			case 0x29, 0x2a, 0x2b, 0x2c, 0x2d, 0x2e: // eq, ge, gt, le, lt, ne
				a, b, ok := pop2(&stack)
				if !ok {
					return Result{}, false
				}
				var r bool
				sa, sb := int64(a), int64(b)
				switch op {
				case 0x29:
					r = sa == sb
				case 0x2a:
					r = sa >= sb
				case 0x2b:
					r = sa > sb
				case 0x2c:
					r = sa <= sb
				case 0x2d:
					r = sa < sb
				case 0x2e:
					r = sa != sb
				}
				v := uint64(0)
				if r {
					v = 1
				}
				push(v, true)

			case 0x90: // DW_OP_regx
				reg, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				pushRegister(reg)

			case 0x91: // DW_OP_fbreg
				offset, n := leb128.DecodeSLEB128(expr[ptr+1:])
				consumed += n
				push(uint64(int64(e.FrameBase)+offset), false)

			case 0x92: // DW_OP_bregx
				reg, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				offset, n2 := leb128.DecodeSLEB128(expr[ptr+1+n:])
				consumed += n2
				v, ok := e.Registers(reg)
				if !ok {
					return Result{}, false
				}
				push(uint64(int64(v)+offset), false)

			case 0x94: // DW_OP_deref_size
				size := int(expr[ptr+1])
				consumed++
				a, ok := pop()
				if !ok {
					return Result{}, false
				}
				v, ok := e.Memory(a.value, size)
				if !ok {
					return Result{}, false
				}
				push(v, true)

			case 0x96: // DW_OP_nop
				// no operation

			case 0x9c: // DW_OP_call_frame_cfa
				push(e.CFA, false)

			case 0x9f: // DW_OP_stack_value
				a, ok := pop()
				if !ok {
					return Result{}, false
				}
				return Result{Kind: KindValue, Value: a.value}, true

			case 0x9e: // DW_OP_implicit_value
				size, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				if ptr+consumed+int(size) > len(expr) {
					return Result{}, false
				}
				b := append([]byte(nil), expr[ptr+consumed:ptr+consumed+int(size)]...)
				consumed += int(size)
				return Result{Kind: KindImplicit, Bytes: b}, true

			case 0xa1: // DW_OP_addrx
				idx, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				v, ok := e.readDebugAddr(idx)
				if !ok {
					return Result{}, false
				}
				push(v, false)

			case 0xa2: // DW_OP_constx
				idx, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				v, ok := e.readDebugAddr(idx)
				if !ok {
					return Result{}, false
				}
				push(v, true)

			case 0x93: // DW_OP_piece
				size, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				p, ok := pieceFromTop(&stack, size*8)
				if !ok {
					return Result{}, false
				}
				pieces = append(pieces, p)

			case 0x9d: // DW_OP_bit_piece
				bitSize, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				_, n2 := leb128.DecodeULEB128(expr[ptr+1+n:]) // bit offset, not modeled further
				consumed += n2
				p, ok := pieceFromTop(&stack, bitSize)
				if !ok {
					return Result{}, false
				}
				pieces = append(pieces, p)

			case 0xa3, 0xf3: // DW_OP_entry_value, DW_OP_GNU_entry_value
				size, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				consumed += int(size)
				// entry values require knowing the register/memory state at
				// function entry, which this evaluator (handed only the
				// current frame's state) cannot reconstruct; treated as
				// unresolved rather than guessed at.
				logger.Log("location", "DW_OP_entry_value is not resolvable without caller-entry register state")
				return Result{}, false

			case 0xa5: // DW_OP_regval_type
				reg, n := leb128.DecodeULEB128(expr[ptr+1:])
				consumed += n
				_, n2 := leb128.DecodeULEB128(expr[ptr+1+n:]) // type-DIE offset, not modeled further
				consumed += n2
				v, ok := e.Registers(reg)
				if !ok {
					return Result{}, false
				}
				push(v, true)

			case 0xa4: // DW_OP_const_type
				n := 1
				_, l := leb128.DecodeULEB128(expr[ptr+n:]) // type-DIE offset, not modeled further
				n += l
				if ptr+n+1 > len(expr) {
					return Result{}, false
				}
				size := int(expr[ptr+n])
				n++
				if size > 8 || ptr+n+size > len(expr) {
					return Result{}, false
				}
				push(readLittleEndian(expr[ptr+n:ptr+n+size]), true)
				n += size
				consumed = n

			case 0xa0, 0xf2: // DW_OP_implicit_pointer, DW_OP_GNU_implicit_pointer
				if ptr+1+e.PointerSize > len(expr) {
					return Result{}, false
				}
				dieOffset := readUint(expr[ptr+1:ptr+1+e.PointerSize], e.ByteOrder)
				consumed += e.PointerSize
				byteOffset, n := leb128.DecodeSLEB128(expr[ptr+consumed:])
				consumed += n
				return Result{Kind: KindImplicitPointer, DieOffset: dieOffset, ByteOffset: byteOffset}, true

			case 0x98, 0x99, 0x9a: // DW_OP_call2, DW_OP_call4, DW_OP_call_ref
				var dieOffset uint64
				switch op {
				case 0x98:
					dieOffset = uint64(e.ByteOrder.Uint16(expr[ptr+1:]))
					consumed += 2
				case 0x99:
					dieOffset = uint64(e.ByteOrder.Uint32(expr[ptr+1:]))
					consumed += 4
				case 0x9a:
					if ptr+1+e.PointerSize > len(expr) {
						return Result{}, false
					}
					dieOffset = readUint(expr[ptr+1:ptr+1+e.PointerSize], e.ByteOrder)
					consumed += e.PointerSize
				}
				if e.DieResolver == nil {
					return Result{}, false
				}
				sub, ok := e.DieResolver(dieOffset)
				if !ok {
					return Result{}, false
				}
				res, ok := e.Evaluate(sub)
				if !ok {
					return Result{}, false
				}
				switch res.Kind {
				case KindAddress:
					push(res.Address, false)
				case KindValue:
					push(res.Value, true)
				case KindRegister:
					pushRegister(res.Register)
				default:
					return Result{}, false
				}

			default:
				logger.Logf("location", "unhandled operation 0x%02x", op)
				return Result{}, false
			}
		}

		ptr += consumed
	}

	if len(pieces) > 0 {
		return Result{Kind: KindComposite, Pieces: pieces}, true
	}

	top, ok := pop()
	if !ok {
		return Result{}, false
	}
	switch {
	case top.register:
		return Result{Kind: KindRegister, Register: top.value}, true
	default:
		return Result{Kind: KindAddress, Address: top.value}, true
	}
}

func (e *Evaluator) readDebugAddr(index uint64) (uint64, bool) {
	off := e.AddrBase + index*uint64(e.PointerSize)
	if off+uint64(e.PointerSize) > uint64(len(e.DebugAddr)) {
		return 0, false
	}
	return readUint(e.DebugAddr[off:off+uint64(e.PointerSize)], e.ByteOrder), true
}

// readLittleEndian reads up to 8 bytes as an unsigned little-endian integer,
// per DW_OP_const_type's fixed byte-order regardless of the target's own
// byte order.
func readLittleEndian(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * uint(i))
	}
	return v
}

func readUint(b []byte, order binary.ByteOrder) uint64 {
	switch len(b) {
	case 4:
		return uint64(order.Uint32(b))
	case 8:
		return order.Uint64(b)
	default:
		return 0
	}
}

func binop(stack *[]stackEntry, f func(a, b uint64) uint64) bool {
	a, b, ok := pop2(stack)
	if !ok {
		return false
	}
	push2(stack, f(a, b))
	return true
}

func pop2(stack *[]stackEntry) (a, b uint64, ok bool) {
	if len(*stack) < 2 {
		return 0, 0, false
	}
	top := (*stack)[len(*stack)-1]
	next := (*stack)[len(*stack)-2]
	*stack = (*stack)[:len(*stack)-2]
	return next.value, top.value, true
}

func push2(stack *[]stackEntry, v uint64) {
	*stack = append(*stack, stackEntry{value: v, stackValue: true})
}

func pieceFromTop(stack *[]stackEntry, bitSize uint64) (Piece, bool) {
	if len(*stack) == 0 {
		// an omitted location means the piece has no value (optimized out)
		return Piece{Kind: KindImplicit, BitSize: bitSize}, true
	}
	top := (*stack)[len(*stack)-1]
	*stack = (*stack)[:len(*stack)-1]
	switch {
	case top.register:
		return Piece{Kind: KindRegister, Register: top.value, BitSize: bitSize}, true
	case top.stackValue:
		return Piece{Kind: KindValue, Value: top.value, BitSize: bitSize}, true
	default:
		return Piece{Kind: KindAddress, Address: top.value, BitSize: bitSize}, true
	}
}
