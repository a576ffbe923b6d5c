// Package dbgerrors provides the curated error convention used throughout
// coredbg: every failure carries a Category so callers can distinguish fatal
// load errors from the silent, non-fatal failures the CFA interpreter and
// location evaluator are specified to return.
package dbgerrors

import "fmt"

// Category classifies a curated error. See §7 of the specification this
// module implements for the fatal/non-fatal split per category.
type Category int

const (
	// CategoryObjectLoad covers fatal failures loading an object file:
	// TooSmall, InvalidMagic, UnsupportedFormat, IncompleteRead.
	CategoryObjectLoad Category = iota

	// CategorySection covers non-fatal per-section failures: TruncatedSection,
	// InvalidCompressedSection, DecompressFailed.
	CategorySection

	// CategoryCFI covers CFA-interpreter failures. These are never surfaced
	// to a caller as an error — they cause the unwinder to stop and return no
	// result — but are logged under this category.
	CategoryCFI

	// CategoryLocation covers location-evaluator failures, logged the same
	// way as CategoryCFI.
	CategoryLocation

	// CategoryBreakpoint covers breakpoint-manager failures: NoAddressForLine,
	// InvalidInstructionReference, BreakpointNotFound.
	CategoryBreakpoint

	// CategoryProcess covers errors surfaced unchanged from the external
	// process-control collaborator.
	CategoryProcess
)

func (c Category) String() string {
	switch c {
	case CategoryObjectLoad:
		return "object-load"
	case CategorySection:
		return "section"
	case CategoryCFI:
		return "cfi"
	case CategoryLocation:
		return "location"
	case CategoryBreakpoint:
		return "breakpoint"
	case CategoryProcess:
		return "process"
	default:
		return "unknown"
	}
}

// curated is an error that remembers its category and an optional wrapped
// cause, so both fmt.Errorf-style %w unwrapping and category matching work.
type curated struct {
	category Category
	message  string
	wrapped  error
}

// Errorf creates a new curated error under category. If one of args is an
// error and the format string ends in ": %w" it will be unwrapped normally
// by errors.Is/errors.As via Unwrap.
func Errorf(category Category, format string, args ...interface{}) error {
	e := fmt.Errorf(format, args...)
	var wrapped error
	for _, a := range args {
		if err, ok := a.(error); ok {
			wrapped = err
			break
		}
	}
	return curated{category: category, message: e.Error(), wrapped: wrapped}
}

func (e curated) Error() string {
	return e.message
}

func (e curated) Unwrap() error {
	return e.wrapped
}

// CategoryOf returns the category of err if it is a curated error, and false
// otherwise.
func CategoryOf(err error) (Category, bool) {
	if err == nil {
		return 0, false
	}
	if e, ok := err.(curated); ok {
		return e.category, true
	}
	return 0, false
}

// Is reports whether err is a curated error in the given category.
func Is(err error, category Category) bool {
	c, ok := CategoryOf(err)
	return ok && c == category
}

// Sentinel errors for the non-fatal, per-section object-load failures and the
// breakpoint-manager failures named explicitly by §7 of the specification.
var (
	ErrTooSmall                = Errorf(CategoryObjectLoad, "input too small to be a valid object file")
	ErrInvalidMagic            = Errorf(CategoryObjectLoad, "unrecognised object file magic")
	ErrUnsupportedFormat       = Errorf(CategoryObjectLoad, "unsupported object file format")
	ErrIncompleteRead          = Errorf(CategoryObjectLoad, "incomplete read of object file")
	ErrTruncatedSection        = Errorf(CategorySection, "section offset and size exceed image bounds")
	ErrInvalidCompressedSection = Errorf(CategorySection, "compressed section header is invalid")
	ErrDecompressFailed        = Errorf(CategorySection, "failed to decompress section")
	ErrNoAddressForLine        = Errorf(CategoryBreakpoint, "no address found for requested line")
	ErrInvalidInstructionReference = Errorf(CategoryBreakpoint, "instruction reference could not be parsed")
	ErrBreakpointNotFound      = Errorf(CategoryBreakpoint, "breakpoint id not found")
)
