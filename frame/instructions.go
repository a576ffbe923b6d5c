package frame

import (
	"github.com/jetsetilly/coredbg/dbgerrors"
	"github.com/jetsetilly/coredbg/leb128"
)

// DWARF call frame instruction opcodes, from §6.4.2 / §7.23 of the DWARF
// standard. The top two bits of the first byte select a four-way split:
// 0x00 selects an "extended" opcode in the low six bits; 0x01/0x02/0x03
// pack a small operand (a register number or code-alignment delta) into
// the low six bits themselves.
const (
	cfaExtendedMask = 0xc0
	cfaAdvanceLoc   = 0x01 << 6
	cfaOffset       = 0x02 << 6
	cfaRestore      = 0x03 << 6

	cfaNop              = 0x00
	cfaSetLoc           = 0x01
	cfaAdvanceLoc1      = 0x02
	cfaAdvanceLoc2      = 0x03
	cfaAdvanceLoc4      = 0x04
	cfaOffsetExtended   = 0x05
	cfaRestoreExtended  = 0x06
	cfaUndefined        = 0x07
	cfaSameValue        = 0x08
	cfaRegister         = 0x09
	cfaRememberState    = 0x0a
	cfaRestoreState     = 0x0b
	cfaDefCFA           = 0x0c
	cfaDefCFARegister   = 0x0d
	cfaDefCFAOffset     = 0x0e
	cfaDefCFAExpression = 0x0f
	cfaExpression       = 0x10
	cfaOffsetExtendedSF = 0x11
	cfaDefCFASF         = 0x12
	cfaDefCFAOffsetSF   = 0x13
	cfaValOffset        = 0x14
	cfaValOffsetSF      = 0x15
	cfaValExpression    = 0x16

	// cfaGNUArgsSize is GCC's vendor extension recording the size of
	// outgoing argument space at the current location; purely informational
	// for stack unwinding, so its one ULEB128 operand is decoded and
	// discarded.
	cfaGNUArgsSize = 0x2e
)

// step decodes one call frame instruction, mutates tab accordingly, and
// returns the number of bytes consumed and whether the instruction created a
// new table row (i.e. advanced Location).
func step(cie *CIE, b []byte, tab *table) (consumed int, newRow bool, err error) {
	if len(b) == 0 {
		return 0, false, dbgerrors.ErrTruncatedSection
	}

	top := b[0] & cfaExtendedMask
	low := b[0] &^ cfaExtendedMask

	switch top {
	case cfaAdvanceLoc:
		delta := uint64(low) * cie.CodeAlignmentFactor
		tab.current.Location += delta
		return 1, true, nil

	case cfaOffset:
		n := 1
		o, l := leb128.DecodeULEB128(b[n:])
		n += l
		tab.current.Registers[uint64(low)] = RegisterRule{Kind: RuleOffset, Offset: int64(o) * cie.DataAlignmentFactor}
		return n, false, nil

	case cfaRestore:
		if r, ok := tab.initial.Registers[uint64(low)]; ok {
			tab.current.Registers[uint64(low)] = r
		} else {
			delete(tab.current.Registers, uint64(low))
		}
		return 1, false, nil
	}

	// top == 0x00: extended opcode in the low six bits
	switch low {
	case cfaNop:
		return 1, false, nil

	case cfaSetLoc:
		width := tab.pointerWidth()
		if len(b) < 1+width {
			return 0, false, dbgerrors.ErrTruncatedSection
		}
		tab.current.Location = readWidth(b[1:1+width], tab.byteOrderOrDefault())
		return 1 + width, true, nil

	case cfaAdvanceLoc1:
		if len(b) < 2 {
			return 0, false, dbgerrors.ErrTruncatedSection
		}
		delta := uint64(b[1]) * cie.CodeAlignmentFactor
		tab.current.Location += delta
		return 2, true, nil

	case cfaAdvanceLoc2:
		if len(b) < 3 {
			return 0, false, dbgerrors.ErrTruncatedSection
		}
		delta := uint64(leU16(b[1:3])) * cie.CodeAlignmentFactor
		tab.current.Location += delta
		return 3, true, nil

	case cfaAdvanceLoc4:
		if len(b) < 5 {
			return 0, false, dbgerrors.ErrTruncatedSection
		}
		delta := uint64(leU32(b[1:5])) * cie.CodeAlignmentFactor
		tab.current.Location += delta
		return 5, true, nil

	case cfaOffsetExtended:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		o, l := leb128.DecodeULEB128(b[n:])
		n += l
		tab.current.Registers[reg] = RegisterRule{Kind: RuleOffset, Offset: int64(o) * cie.DataAlignmentFactor}
		return n, false, nil

	case cfaRestoreExtended:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		if r, ok := tab.initial.Registers[reg]; ok {
			tab.current.Registers[reg] = r
		} else {
			delete(tab.current.Registers, reg)
		}
		return n, false, nil

	case cfaUndefined:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		tab.current.Registers[reg] = RegisterRule{Kind: RuleUndefined}
		return n, false, nil

	case cfaSameValue:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		tab.current.Registers[reg] = RegisterRule{Kind: RuleSameValue}
		return n, false, nil

	case cfaRegister:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		other, l := leb128.DecodeULEB128(b[n:])
		n += l
		tab.current.Registers[reg] = RegisterRule{Kind: RuleRegister, Register: other}
		return n, false, nil

	case cfaRememberState:
		tab.stack = append(tab.stack, tab.current.clone())
		return 1, false, nil

	case cfaRestoreState:
		if len(tab.stack) == 0 {
			return 1, false, dbgerrors.Errorf(dbgerrors.CategoryCFI, "restore_state with an empty state stack")
		}
		top := tab.stack[len(tab.stack)-1]
		tab.stack = tab.stack[:len(tab.stack)-1]
		loc := tab.current.Location
		tab.current = top.clone()
		tab.current.Location = loc
		return 1, false, nil

	case cfaDefCFA:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		offset, l := leb128.DecodeULEB128(b[n:])
		n += l
		tab.current.CFA = CFARule{Register: reg, Offset: int64(offset)}
		return n, false, nil

	case cfaDefCFARegister:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		tab.current.CFA.Register = reg
		return n, false, nil

	case cfaDefCFAOffset:
		n := 1
		offset, l := leb128.DecodeULEB128(b[n:])
		n += l
		tab.current.CFA.Offset = int64(offset)
		return n, false, nil

	case cfaDefCFAExpression:
		n := 1
		blockLen, l := leb128.DecodeULEB128(b[n:])
		n += l
		if n+int(blockLen) > len(b) {
			return 0, false, dbgerrors.ErrTruncatedSection
		}
		tab.current.CFA = CFARule{Expression: append([]byte(nil), b[n:n+int(blockLen)]...)}
		n += int(blockLen)
		return n, false, nil

	case cfaExpression:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		blockLen, l := leb128.DecodeULEB128(b[n:])
		n += l
		if n+int(blockLen) > len(b) {
			return 0, false, dbgerrors.ErrTruncatedSection
		}
		tab.current.Registers[reg] = RegisterRule{Kind: RuleExpression, Expression: append([]byte(nil), b[n:n+int(blockLen)]...)}
		n += int(blockLen)
		return n, false, nil

	case cfaOffsetExtendedSF:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		o, l := leb128.DecodeSLEB128(b[n:])
		n += l
		tab.current.Registers[reg] = RegisterRule{Kind: RuleOffset, Offset: o * cie.DataAlignmentFactor}
		return n, false, nil

	case cfaDefCFASF:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		o, l := leb128.DecodeSLEB128(b[n:])
		n += l
		tab.current.CFA = CFARule{Register: reg, Offset: o * cie.DataAlignmentFactor}
		return n, false, nil

	case cfaDefCFAOffsetSF:
		n := 1
		o, l := leb128.DecodeSLEB128(b[n:])
		n += l
		tab.current.CFA.Offset = o * cie.DataAlignmentFactor
		return n, false, nil

	case cfaValOffset:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		o, l := leb128.DecodeULEB128(b[n:])
		n += l
		tab.current.Registers[reg] = RegisterRule{Kind: RuleValOffset, Offset: int64(o) * cie.DataAlignmentFactor}
		return n, false, nil

	case cfaValOffsetSF:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		o, l := leb128.DecodeSLEB128(b[n:])
		n += l
		tab.current.Registers[reg] = RegisterRule{Kind: RuleValOffset, Offset: o * cie.DataAlignmentFactor}
		return n, false, nil

	case cfaValExpression:
		n := 1
		reg, l := leb128.DecodeULEB128(b[n:])
		n += l
		blockLen, l := leb128.DecodeULEB128(b[n:])
		n += l
		if n+int(blockLen) > len(b) {
			return 0, false, dbgerrors.ErrTruncatedSection
		}
		tab.current.Registers[reg] = RegisterRule{Kind: RuleValExpression, Expression: append([]byte(nil), b[n:n+int(blockLen)]...)}
		n += int(blockLen)
		return n, false, nil

	case cfaGNUArgsSize:
		n := 1
		_, l := leb128.DecodeULEB128(b[n:])
		n += l
		return n, false, nil

	default:
		// DW_CFA_lo_user..DW_CFA_hi_user and any opcode this interpreter does
		// not recognize. There is no general way to know the operand length
		// of a vendor-defined opcode, so this is treated as a hard stop
		// rather than guessed at.
		return 0, false, dbgerrors.Errorf(dbgerrors.CategoryCFI, "unrecognised call frame instruction 0x%02x", b[0])
	}
}

func leU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
