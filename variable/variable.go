// Package variable evaluates a variable's DWARF location expression and
// formats the resulting bytes according to its base-type encoding. See §4.6
// of the specification.
package variable

import (
	"fmt"
	"math"
	"strings"

	"github.com/jetsetilly/coredbg/location"
	"github.com/jetsetilly/coredbg/logger"
	"github.com/jetsetilly/coredbg/symtab"
)

// optimizedOut is what an empty byte sequence formats as, per §4.6.
const optimizedOut = "<optimized out>"

// Inspect evaluates variable's location expression against eval and formats
// the result. eval's Registers/Memory/CFA/FrameBase must already be set up
// for the frame the variable belongs to.
func Inspect(variable symtab.VariableInfo, eval *location.Evaluator) string {
	data, ok := resolveBytes(variable.LocationExpr, variable.ByteSize, eval)
	if !ok {
		logger.Logf("variable", "%s: could not resolve location", variable.Name)
		return optimizedOut
	}
	return format(variable, data, eval)
}

// InspectLocals evaluates every variable in variables against eval,
// returning name/formatted-value pairs in the order supplied.
func InspectLocals(variables []symtab.VariableInfo, eval *location.Evaluator) []NamedValue {
	out := make([]NamedValue, 0, len(variables))
	for _, v := range variables {
		out = append(out, NamedValue{Name: v.Name, Value: Inspect(v, eval)})
	}
	return out
}

// NamedValue pairs a variable's name with its formatted value.
type NamedValue struct {
	Name  string
	Value string
}

// resolveBytes evaluates expr and reads size bytes of the variable's value,
// following whichever location.Kind the expression produced.
func resolveBytes(expr []byte, size uint64, eval *location.Evaluator) ([]byte, bool) {
	if len(expr) == 0 {
		return nil, false
	}
	res, ok := eval.Evaluate(expr)
	if !ok {
		return nil, false
	}
	return bytesFromResult(res, size, eval)
}

func bytesFromResult(res location.Result, size uint64, eval *location.Evaluator) ([]byte, bool) {
	switch res.Kind {
	case location.KindAddress:
		return readMemory(eval, res.Address, size)
	case location.KindRegister:
		if eval.Registers == nil {
			return nil, false
		}
		v, ok := eval.Registers(res.Register)
		if !ok {
			return nil, false
		}
		return truncateOrPad(leBytes(v, eval), size), true
	case location.KindValue:
		return truncateOrPad(leBytes(res.Value, eval), size), true
	case location.KindImplicit:
		return truncateOrPad(res.Bytes, size), true
	case location.KindComposite:
		return bytesFromPieces(res.Pieces, eval)
	case location.KindImplicitPointer:
		return bytesFromImplicitPointer(res, size, eval)
	}
	return nil, false
}

// bytesFromImplicitPointer resolves the DIE location.DieOffset refers to,
// evaluates it for an address, applies res.ByteOffset, and reads size bytes
// from the result. This is the common "optimized-out pointer whose pointee
// the compiler could still track" case; if the resolver is unavailable or
// the pointee has no address-yielding location, the variable reads back as
// unavailable rather than guessed at.
func bytesFromImplicitPointer(res location.Result, size uint64, eval *location.Evaluator) ([]byte, bool) {
	if eval.DieResolver == nil {
		return nil, false
	}
	expr, ok := eval.DieResolver(res.DieOffset)
	if !ok {
		return nil, false
	}
	pointee, ok := eval.Evaluate(expr)
	if !ok || pointee.Kind != location.KindAddress {
		return nil, false
	}
	addr := uint64(int64(pointee.Address) + res.ByteOffset)
	return readMemory(eval, addr, size)
}

// bytesFromPieces concatenates each piece's bytes in order, per the
// DW_OP_piece/DW_OP_bit_piece composite-location convention. Bit-level
// offsets within a piece are not sub-selected; the whole unit backing each
// piece is used, which is sufficient for the byte-aligned pieces mainstream
// compilers emit.
func bytesFromPieces(pieces []location.Piece, eval *location.Evaluator) ([]byte, bool) {
	var out []byte
	for _, p := range pieces {
		unitSize := uint64(p.BitSize+7) / 8
		if unitSize == 0 {
			unitSize = uint64(eval.PointerSize)
		}
		pr := location.Result{Kind: p.Kind, Address: p.Address, Register: p.Register, Value: p.Value, Bytes: p.Bytes}
		b, ok := bytesFromResult(pr, unitSize, eval)
		if !ok {
			return nil, false
		}
		out = append(out, b...)
	}
	return out, true
}

// readMemory reads size bytes starting at addr, in chunks of at most 8
// bytes (the width engine.MemoryReader natively supports).
func readMemory(eval *location.Evaluator, addr, size uint64) ([]byte, bool) {
	if eval.Memory == nil {
		return nil, false
	}
	out := make([]byte, 0, size)
	for uint64(len(out)) < size {
		chunk := size - uint64(len(out))
		if chunk > 8 {
			chunk = 8
		}
		v, ok := eval.Memory(addr+uint64(len(out)), int(chunk))
		if !ok {
			return nil, false
		}
		out = append(out, leBytes(v, eval)[:chunk]...)
	}
	return out, true
}

func leBytes(v uint64, eval *location.Evaluator) []byte {
	b := make([]byte, 8)
	byteOrder(eval).PutUint64(b, v)
	return b
}

func byteOrder(eval *location.Evaluator) interface {
	PutUint64([]byte, uint64)
} {
	if eval.ByteOrder != nil {
		return eval.ByteOrder
	}
	return littleEndian{}
}

// littleEndian is used only when the evaluator was not configured with a
// byte order, which should not happen in practice (Evaluator always comes
// from a session with a known target endianness).
type littleEndian struct{}

func (littleEndian) PutUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func truncateOrPad(b []byte, size uint64) []byte {
	if uint64(len(b)) >= size {
		return b[:size]
	}
	out := make([]byte, size)
	copy(out, b)
	return out
}

func format(variable symtab.VariableInfo, data []byte, eval *location.Evaluator) string {
	if len(data) == 0 {
		return optimizedOut
	}
	switch variable.Encoding {
	case symtab.EncodingStruct:
		return formatStruct(variable, data, eval)
	case symtab.EncodingArray:
		return formatArray(variable, data, eval)
	default:
		return formatScalar(variable.Encoding, variable.ByteSize, data)
	}
}

func formatScalar(encoding symtab.BaseTypeEncoding, byteSize uint64, data []byte) string {
	if len(data) == 0 {
		return optimizedOut
	}
	switch encoding {
	case symtab.EncodingSigned, symtab.EncodingSignedChar:
		return fmt.Sprintf("%d", signedValue(data))
	case symtab.EncodingUnsigned, symtab.EncodingUnsignedChar:
		return fmt.Sprintf("%d", unsignedValue(data))
	case symtab.EncodingAddress:
		return fmt.Sprintf("0x%016x", unsignedValue(data))
	case symtab.EncodingBoolean:
		if unsignedValue(data) != 0 {
			return "true"
		}
		return "false"
	case symtab.EncodingFloat:
		return formatFloat(byteSize, data)
	}
	return fmt.Sprintf("0x%x", data)
}

func unsignedValue(data []byte) uint64 {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

func signedValue(data []byte) int64 {
	v := unsignedValue(data)
	bits := uint(len(data)) * 8
	if bits == 0 || bits >= 64 {
		return int64(v)
	}
	signBit := uint64(1) << (bits - 1)
	if v&signBit != 0 {
		v -= uint64(1) << bits
	}
	return int64(v)
}

func formatFloat(byteSize uint64, data []byte) string {
	switch byteSize {
	case 4:
		bits := uint32(unsignedValue(data))
		return fmt.Sprintf("%g", math.Float32frombits(bits))
	default:
		bits := unsignedValue(data)
		return fmt.Sprintf("%g", math.Float64frombits(bits))
	}
}

// formatStruct walks variable.Fields, evaluating each field's relative
// location sub-expression against the struct's own evaluated base.
func formatStruct(variable symtab.VariableInfo, data []byte, eval *location.Evaluator) string {
	var parts []string
	for _, f := range variable.Fields {
		part := formatField(f, data, eval)
		parts = append(parts, fmt.Sprintf("%s: %s", f.Name, part))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatField(f symtab.FieldDescriptor, structBytes []byte, eval *location.Evaluator) string {
	if len(f.LocationExpr) > 0 {
		b, ok := resolveBytes(f.LocationExpr, f.ByteSize, eval)
		if ok {
			return formatScalar(f.Encoding, f.ByteSize, b)
		}
	}
	// fall back to slicing the already-read struct bytes at ByteOffset
	start := f.ByteOffset
	end := start + f.ByteSize
	if end > uint64(len(structBytes)) {
		return optimizedOut
	}
	return formatScalar(f.Encoding, f.ByteSize, structBytes[start:end])
}

// formatArray slices data into variable.ElementCount elements of
// ElementByteSize each, formatting as many as the available bytes allow.
func formatArray(variable symtab.VariableInfo, data []byte, eval *location.Evaluator) string {
	elemSize := variable.ElementByteSize
	if elemSize == 0 {
		return "[]"
	}
	var parts []string
	for i := uint64(0); i < variable.ElementCount; i++ {
		start := i * elemSize
		end := start + elemSize
		if end > uint64(len(data)) {
			break
		}
		parts = append(parts, formatScalar(variable.ElementEncoding, elemSize, data[start:end]))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
