package frame_test

import (
	"encoding/binary"
	"testing"

	"github.com/jetsetilly/coredbg/frame"
	"github.com/jetsetilly/coredbg/leb128"
	"github.com/jetsetilly/coredbg/test"
)

// buildDebugFrame assembles a minimal, well-formed .debug_frame buffer: one
// CIE (code alignment 1, data alignment -4, return address register 16)
// defining CFA = r7+8, followed by one FDE covering [0x1000, 0x1100) that
// advances four bytes and then records r6 at CFA-8.
func buildDebugFrame(t *testing.T) []byte {
	t.Helper()

	var cieBody []byte
	cieBody = append(cieBody, 3, 0) // version 3, empty augmentation string
	cieBody = leb128.EncodeULEB128(cieBody, 1)
	cieBody = leb128.EncodeSLEB128(cieBody, -4)
	cieBody = leb128.EncodeULEB128(cieBody, 16)

	cieInstructions := []byte{0x0c} // DW_CFA_def_cfa
	cieInstructions = leb128.EncodeULEB128(cieInstructions, 7)
	cieInstructions = leb128.EncodeULEB128(cieInstructions, 8)
	cieBody = append(cieBody, cieInstructions...)

	cieEntry := make([]byte, 4)
	binary.LittleEndian.PutUint32(cieEntry, uint32(4+len(cieBody)))
	idField := make([]byte, 4)
	binary.LittleEndian.PutUint32(idField, 0xffffffff)
	cieEntry = append(cieEntry, idField...)
	cieEntry = append(cieEntry, cieBody...)

	fdeInstructions := []byte{0x02, 0x04} // DW_CFA_advance_loc1, delta 4
	fdeInstructions = append(fdeInstructions, 0x05)
	fdeInstructions = leb128.EncodeULEB128(fdeInstructions, 6)
	fdeInstructions = leb128.EncodeULEB128(fdeInstructions, 2)

	var fdeBody []byte
	cieOffsetField := make([]byte, 4)
	binary.LittleEndian.PutUint32(cieOffsetField, 0) // CIE starts at offset 0
	fdeBody = append(fdeBody, cieOffsetField...)
	startAddr := make([]byte, 8)
	binary.LittleEndian.PutUint64(startAddr, 0x1000)
	fdeBody = append(fdeBody, startAddr...)
	size := make([]byte, 8)
	binary.LittleEndian.PutUint64(size, 0x100)
	fdeBody = append(fdeBody, size...)
	fdeBody = append(fdeBody, fdeInstructions...)

	fdeEntry := make([]byte, 4)
	binary.LittleEndian.PutUint32(fdeEntry, uint32(len(fdeBody)))
	fdeEntry = append(fdeEntry, fdeBody...)

	return append(cieEntry, fdeEntry...)
}

func TestParseAndRowAt(t *testing.T) {
	data := buildDebugFrame(t)
	sec, err := frame.Parse(data, binary.LittleEndian, 8, false)
	test.ExpectSuccess(t, err)

	fde := sec.FDEFor(0x1050)
	if fde == nil {
		t.Fatalf("expected an FDE covering 0x1050")
	}

	row, err := sec.RowAt(fde, 0x1050)
	test.ExpectSuccess(t, err)
	test.Equate(t, row.CFA.Register, uint64(7))
	test.Equate(t, row.CFA.Offset, int64(8))

	rule, ok := row.Registers[6]
	if !ok {
		t.Fatalf("expected a rule for register 6")
	}
	test.Equate(t, rule.Kind, frame.RuleOffset)
	test.Equate(t, rule.Offset, int64(-8))
}

func TestRowAtBeforeAdvance(t *testing.T) {
	data := buildDebugFrame(t)
	sec, err := frame.Parse(data, binary.LittleEndian, 8, false)
	test.ExpectSuccess(t, err)

	fde := sec.FDEFor(0x1000)
	row, err := sec.RowAt(fde, 0x1000)
	test.ExpectSuccess(t, err)
	if _, ok := row.Registers[6]; ok {
		t.Fatalf("register 6 rule should not apply before the advance_loc1")
	}
}

func TestComputeCFAAndResolveRegister(t *testing.T) {
	data := buildDebugFrame(t)
	sec, err := frame.Parse(data, binary.LittleEndian, 8, false)
	test.ExpectSuccess(t, err)

	fde := sec.FDEFor(0x1050)
	row, err := sec.RowAt(fde, 0x1050)
	test.ExpectSuccess(t, err)

	regs := func(reg uint64) (uint64, bool) {
		if reg == 7 {
			return 0x7ffff000, true
		}
		return 0, false
	}
	mem := map[uint64]uint64{0x7ffff000 + 8 - 8: 0xdeadbeef}
	memReader := func(addr uint64, size int) (uint64, bool) {
		v, ok := mem[addr]
		return v, ok
	}

	cfa, ok := frame.ComputeCFA(row, regs, memReader, nil)
	test.ExpectSuccess(t, ok)
	test.Equate(t, cfa, uint64(0x7ffff008))

	val, ok := frame.ResolveRegister(row, 6, cfa, regs, memReader, nil)
	test.ExpectSuccess(t, ok)
	test.Equate(t, val, uint64(0xdeadbeef))
}

func TestUnknownCIEReferenceIsSkippedNotFatal(t *testing.T) {
	// an FDE whose CIE back-reference doesn't resolve should be dropped,
	// not treated as a parse error, since later FDEs may still be valid.
	fdeBody := make([]byte, 4+8+8)
	binary.LittleEndian.PutUint32(fdeBody[0:4], 0x99999999)
	entry := make([]byte, 4)
	binary.LittleEndian.PutUint32(entry, uint32(len(fdeBody)))
	entry = append(entry, fdeBody...)

	sec, err := frame.Parse(entry, binary.LittleEndian, 8, false)
	test.ExpectSuccess(t, err)
	if sec.FDEFor(0) != nil {
		t.Fatalf("expected no FDE to be recorded")
	}
}

// TestEHFramePCRelativeFDEAddress builds an .eh_frame buffer with a "zR"
// augmented CIE whose FDE pointer encoding is pcrel|sdata4 (0x1b, GCC's
// usual choice), and checks that the FDE's initial location is resolved
// relative to the byte address of its own encoded field rather than taken
// as an absolute value.
func TestEHFramePCRelativeFDEAddress(t *testing.T) {
	var cieBody []byte
	cieBody = append(cieBody, 1)          // version 1
	cieBody = append(cieBody, 'z', 'R', 0) // augmentation string
	cieBody = leb128.EncodeULEB128(cieBody, 1)  // code_alignment_factor
	cieBody = leb128.EncodeSLEB128(cieBody, -4) // data_alignment_factor
	cieBody = append(cieBody, 16)                // return_address_register (version 1: raw byte)
	cieBody = leb128.EncodeULEB128(cieBody, 1)   // augmentation_length
	cieBody = append(cieBody, 0x1b)              // FDE pointer encoding: pcrel|sdata4

	cieEntry := make([]byte, 4)
	idField := make([]byte, 4) // .eh_frame CIE id is always 0
	cieEntry = append(cieEntry, idField...)
	cieEntry = append(cieEntry, cieBody...)
	binary.LittleEndian.PutUint32(cieEntry[0:4], uint32(len(cieEntry)-4))

	fdeStart := len(cieEntry)
	pointerFieldOffset := uint64(fdeStart + 4) // right after the FDE's length field
	cieBackOffset := pointerFieldOffset        // CIE starts at absolute offset 0
	wantStart := uint64(0x402000)

	var fdeBody []byte
	cieIDField := make([]byte, 4)
	binary.LittleEndian.PutUint32(cieIDField, uint32(cieBackOffset))
	fdeBody = append(fdeBody, cieIDField...)

	fieldOffset := uint64(fdeStart+4) + uint64(len(fdeBody)) // address of the initial-location field
	delta := int32(int64(wantStart) - int64(fieldOffset))
	startField := make([]byte, 4)
	binary.LittleEndian.PutUint32(startField, uint32(delta))
	fdeBody = append(fdeBody, startField...)

	sizeField := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeField, 0x100)
	fdeBody = append(fdeBody, sizeField...)

	fdeEntry := make([]byte, 4)
	binary.LittleEndian.PutUint32(fdeEntry, uint32(len(fdeBody)))
	fdeEntry = append(fdeEntry, fdeBody...)

	data := append(cieEntry, fdeEntry...)

	sec, err := frame.Parse(data, binary.LittleEndian, 8, true)
	test.ExpectSuccess(t, err)

	fde := sec.FDEFor(wantStart)
	if fde == nil {
		t.Fatalf("expected an FDE covering %#x", wantStart)
	}
	test.Equate(t, fde.StartAddress, wantStart)
	test.Equate(t, fde.EndAddress, wantStart+0x100)
}

// TestGNUArgsSizeIsSkippedNotFatal checks that GCC's DW_CFA_GNU_args_size
// opcode (0x2e), interleaved between ordinary instructions, is decoded and
// discarded rather than aborting the whole row with an "unrecognised
// instruction" error.
func TestGNUArgsSizeIsSkippedNotFatal(t *testing.T) {
	var cieBody []byte
	cieBody = append(cieBody, 3, 0)
	cieBody = leb128.EncodeULEB128(cieBody, 1)
	cieBody = leb128.EncodeSLEB128(cieBody, -4)
	cieBody = leb128.EncodeULEB128(cieBody, 16)
	cieInstructions := []byte{0x0c}
	cieInstructions = leb128.EncodeULEB128(cieInstructions, 7)
	cieInstructions = leb128.EncodeULEB128(cieInstructions, 8)
	cieBody = append(cieBody, cieInstructions...)

	cieEntry := make([]byte, 4)
	binary.LittleEndian.PutUint32(cieEntry, uint32(4+len(cieBody)))
	idField := make([]byte, 4)
	binary.LittleEndian.PutUint32(idField, 0xffffffff)
	cieEntry = append(cieEntry, idField...)
	cieEntry = append(cieEntry, cieBody...)

	fdeInstructions := []byte{0x02, 0x04} // advance_loc1, delta 4
	fdeInstructions = append(fdeInstructions, 0x2e)
	fdeInstructions = leb128.EncodeULEB128(fdeInstructions, 8) // GNU_args_size 8
	fdeInstructions = append(fdeInstructions, 0x05)             // offset_extended
	fdeInstructions = leb128.EncodeULEB128(fdeInstructions, 6)
	fdeInstructions = leb128.EncodeULEB128(fdeInstructions, 2)

	var fdeBody []byte
	cieOffsetField := make([]byte, 4)
	fdeBody = append(fdeBody, cieOffsetField...)
	startAddr := make([]byte, 8)
	binary.LittleEndian.PutUint64(startAddr, 0x1000)
	fdeBody = append(fdeBody, startAddr...)
	size := make([]byte, 8)
	binary.LittleEndian.PutUint64(size, 0x100)
	fdeBody = append(fdeBody, size...)
	fdeBody = append(fdeBody, fdeInstructions...)

	fdeEntry := make([]byte, 4)
	binary.LittleEndian.PutUint32(fdeEntry, uint32(len(fdeBody)))
	fdeEntry = append(fdeEntry, fdeBody...)

	data := append(cieEntry, fdeEntry...)
	sec, err := frame.Parse(data, binary.LittleEndian, 8, false)
	test.ExpectSuccess(t, err)

	fde := sec.FDEFor(0x1050)
	if fde == nil {
		t.Fatalf("expected an FDE covering 0x1050")
	}
	row, err := sec.RowAt(fde, 0x1050)
	test.ExpectSuccess(t, err)
	rule, ok := row.Registers[6]
	if !ok {
		t.Fatalf("expected a rule for register 6")
	}
	test.Equate(t, rule.Kind, frame.RuleOffset)
	test.Equate(t, rule.Offset, int64(-8))
}
