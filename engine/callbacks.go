// Package engine wires the four subsystems (objfile, frame, location,
// breakpoint) together behind the callback interfaces the rest of this
// module uses to reach into a live, externally-controlled process: reading
// registers and memory, and evaluating caller-supplied break conditions.
// See §6 of the specification.
package engine

// RegisterReader reads the current value of a DWARF register number. ok is
// false if reg is out of range or not currently known.
type RegisterReader func(reg uint64) (value uint64, ok bool)

// MemoryReader reads size bytes (1, 2, 4 or 8) at addr as a little-endian
// integer. ok is false if addr is not mapped or size is unsupported.
type MemoryReader func(addr uint64, size int) (value uint64, ok bool)

// ConditionEvaluator evaluates a caller-defined condition expression
// attached to a breakpoint and reports whether the breakpoint should fire.
// Parsing/evaluating the expression language itself is out of scope for
// this module (see Non-goals, §1); callers supply their own evaluator.
type ConditionEvaluator func(expr string) bool
