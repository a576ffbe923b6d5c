package location

import (
	"encoding/binary"

	"github.com/jetsetilly/coredbg/dbgerrors"
	"github.com/jetsetilly/coredbg/leb128"
)

// Entry is one range of a location list: the expression in Expression
// applies for program counters in [LowPC, HighPC).
type Entry struct {
	LowPC, HighPC uint64
	Expression    []byte
}

// ReadDebugLoc parses a DWARF4 .debug_loc list starting at offset, reading
// until the list's two-zero-words terminator. base is the compilation
// unit's low_pc, used to resolve "base address selection" entries
// (LowPC == max address) and normal entries, which are CU-relative.
func ReadDebugLoc(data []byte, offset uint64, byteOrder binary.ByteOrder, pointerSize int, base uint64) ([]Entry, error) {
	maxAddr := maxAddress(pointerSize)
	var entries []Entry

	ptr := offset
	for {
		if ptr+uint64(pointerSize)*2 > uint64(len(data)) {
			return nil, dbgerrors.ErrTruncatedSection
		}
		first := readUint(data[ptr:ptr+uint64(pointerSize)], byteOrder)
		ptr += uint64(pointerSize)
		second := readUint(data[ptr:ptr+uint64(pointerSize)], byteOrder)
		ptr += uint64(pointerSize)

		if first == 0 && second == 0 {
			break
		}
		if first == maxAddr {
			base = second
			continue
		}

		if ptr+2 > uint64(len(data)) {
			return nil, dbgerrors.ErrTruncatedSection
		}
		exprLen := uint64(byteOrder.Uint16(data[ptr:]))
		ptr += 2
		if ptr+exprLen > uint64(len(data)) {
			return nil, dbgerrors.ErrTruncatedSection
		}
		expr := append([]byte(nil), data[ptr:ptr+exprLen]...)
		ptr += exprLen

		entries = append(entries, Entry{LowPC: base + first, HighPC: base + second, Expression: expr})
	}
	return entries, nil
}

// DWARF5 .debug_loclists entry kind codes, from §7.29 of the DWARF5
// standard.
const (
	llEndOfList     = 0x00
	llBaseAddressx  = 0x01
	llStartxEndx    = 0x02
	llStartxLength  = 0x03
	llOffsetPair    = 0x04
	llDefaultLoc    = 0x05
	llBaseAddress   = 0x06
	llStartEnd      = 0x07
	llStartLength   = 0x08
)

// List is the result of parsing a DWARF5 .debug_loclists entry list.
// Entries are explicit ranges, checked first and in order; Default, when
// non-nil, is the DW_LLE_default_location expression and is consulted only
// when no entry in Entries covers the queried pc.
type List struct {
	Entries []Entry
	Default []byte
}

// At returns the expression in force at pc: an explicit entry if one
// covers it, falling back to the list's default_location expression (if
// any) only when no explicit range matches.
func (l List) At(pc uint64) []byte {
	if e := EntryAt(l.Entries, pc); e != nil {
		return e
	}
	return l.Default
}

// ReadDebugLoclists parses a DWARF5 .debug_loclists list starting at
// offset. addrx resolves an index into .debug_addr to an address (needed
// for the indexed entry kinds); pass nil if the unit has no DW_AT_addr_base.
// Indexed range entries whose addresses cannot be resolved are skipped; a
// DW_LLE_base_addressx whose address cannot be resolved ends the list there,
// returning the entries read so far.
func ReadDebugLoclists(data []byte, offset uint64, byteOrder binary.ByteOrder, base uint64, addrx func(index uint64) (uint64, bool)) (List, error) {
	var list List
	ptr := offset

	readExpr := func() ([]byte, error) {
		l, n := leb128.DecodeULEB128(data[ptr:])
		ptr += uint64(n)
		if ptr+l > uint64(len(data)) {
			return nil, dbgerrors.ErrTruncatedSection
		}
		e := append([]byte(nil), data[ptr:ptr+l]...)
		ptr += l
		return e, nil
	}

	for ptr < uint64(len(data)) {
		kind := data[ptr]
		ptr++

		switch kind {
		case llEndOfList:
			return list, nil

		case llBaseAddressx:
			idx, n := leb128.DecodeULEB128(data[ptr:])
			ptr += uint64(n)
			if addrx == nil {
				return list, nil
			}
			a, ok := addrx(idx)
			if !ok {
				return list, nil
			}
			base = a

		case llStartxEndx:
			startIdx, n := leb128.DecodeULEB128(data[ptr:])
			ptr += uint64(n)
			endIdx, n := leb128.DecodeULEB128(data[ptr:])
			ptr += uint64(n)
			expr, err := readExpr()
			if err != nil {
				return List{}, err
			}
			if addrx == nil {
				continue
			}
			start, ok1 := addrx(startIdx)
			end, ok2 := addrx(endIdx)
			if ok1 && ok2 {
				list.Entries = append(list.Entries, Entry{LowPC: start, HighPC: end, Expression: expr})
			}

		case llStartxLength:
			startIdx, n := leb128.DecodeULEB128(data[ptr:])
			ptr += uint64(n)
			length, n := leb128.DecodeULEB128(data[ptr:])
			ptr += uint64(n)
			expr, err := readExpr()
			if err != nil {
				return List{}, err
			}
			if addrx == nil {
				continue
			}
			start, ok := addrx(startIdx)
			if ok {
				list.Entries = append(list.Entries, Entry{LowPC: start, HighPC: start + length, Expression: expr})
			}

		case llOffsetPair:
			lowOff, n := leb128.DecodeULEB128(data[ptr:])
			ptr += uint64(n)
			highOff, n := leb128.DecodeULEB128(data[ptr:])
			ptr += uint64(n)
			expr, err := readExpr()
			if err != nil {
				return List{}, err
			}
			list.Entries = append(list.Entries, Entry{LowPC: base + lowOff, HighPC: base + highOff, Expression: expr})

		case llDefaultLoc:
			expr, err := readExpr()
			if err != nil {
				return List{}, err
			}
			list.Default = expr

		case llBaseAddress:
			if ptr+8 > uint64(len(data)) {
				return List{}, dbgerrors.ErrTruncatedSection
			}
			base = byteOrder.Uint64(data[ptr:])
			ptr += 8

		case llStartEnd:
			if ptr+16 > uint64(len(data)) {
				return List{}, dbgerrors.ErrTruncatedSection
			}
			start := byteOrder.Uint64(data[ptr:])
			end := byteOrder.Uint64(data[ptr+8:])
			ptr += 16
			expr, err := readExpr()
			if err != nil {
				return List{}, err
			}
			list.Entries = append(list.Entries, Entry{LowPC: start, HighPC: end, Expression: expr})

		case llStartLength:
			if ptr+8 > uint64(len(data)) {
				return List{}, dbgerrors.ErrTruncatedSection
			}
			start := byteOrder.Uint64(data[ptr:])
			ptr += 8
			length, n := leb128.DecodeULEB128(data[ptr:])
			ptr += uint64(n)
			expr, err := readExpr()
			if err != nil {
				return List{}, err
			}
			list.Entries = append(list.Entries, Entry{LowPC: start, HighPC: start + length, Expression: expr})

		default:
			return List{}, dbgerrors.Errorf(dbgerrors.CategoryLocation, "unrecognised loclists entry kind 0x%02x", kind)
		}
	}

	return list, nil
}

// EntryAt returns the expression in force at pc, or nil if none covers it.
func EntryAt(entries []Entry, pc uint64) []byte {
	for _, e := range entries {
		if pc >= e.LowPC && pc < e.HighPC {
			return e.Expression
		}
	}
	return nil
}

func maxAddress(pointerSize int) uint64 {
	if pointerSize >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(8*uint(pointerSize)) - 1
}
