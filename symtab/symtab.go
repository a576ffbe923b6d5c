// Package symtab models the data this engine consumes from an external
// collaborator: the DWARF parser that extracts function, line, file and
// variable information from .debug_info/.debug_line. That parser is out of
// scope for this module (see §1) — these types describe its output shape so
// the breakpoint manager, unwinder and variable inspector have something
// concrete to operate on.
package symtab

// FunctionInfo describes a single subprogram DIE.
type FunctionInfo struct {
	Name   string
	LowPC  uint64
	HighPC uint64 // exclusive; zero means "unknown extent"
}

// Contains reports whether pc falls within [LowPC, HighPC). If HighPC is
// zero the function is treated as matching any pc >= LowPC, per §4.4's
// find_function_for_pc rule.
func (f FunctionInfo) Contains(pc uint64) bool {
	if f.HighPC == 0 {
		return pc >= f.LowPC
	}
	return pc >= f.LowPC && pc < f.HighPC
}

// FileEntry describes a source file referenced by the line table.
type FileEntry struct {
	Path string
}

// LineEntry is one row of the line number program's matrix.
type LineEntry struct {
	Address     uint64
	File        string
	Line        uint32
	Column      uint32
	IsStmt      bool
	EndSequence bool
}

// FieldDescriptor describes one member of a struct type, for Variable
// Inspector struct formatting.
type FieldDescriptor struct {
	Name         string
	ByteOffset   uint64
	Encoding     BaseTypeEncoding
	ByteSize     uint64
	LocationExpr []byte // relative sub-expression, evaluated against the struct's base location
}

// BaseTypeEncoding is the small set of DWARF base-type encodings the
// Variable Inspector knows how to format, per §4.6.
type BaseTypeEncoding int

const (
	EncodingSigned BaseTypeEncoding = iota
	EncodingSignedChar
	EncodingUnsigned
	EncodingUnsignedChar
	EncodingAddress
	EncodingBoolean
	EncodingFloat
	EncodingStruct
	EncodingArray
)

// VariableInfo describes a single variable or parameter DIE sufficient for
// the Variable Inspector to evaluate and format it.
type VariableInfo struct {
	Name         string
	LocationExpr []byte
	Encoding     BaseTypeEncoding
	ByteSize     uint64

	// Fields is populated when Encoding is EncodingStruct.
	Fields []FieldDescriptor

	// ElementEncoding/ElementByteSize/ElementCount are populated when
	// Encoding is EncodingArray.
	ElementEncoding  BaseTypeEncoding
	ElementByteSize  uint64
	ElementCount     uint64
}
