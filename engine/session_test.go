package engine_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/jetsetilly/coredbg/arch"
	"github.com/jetsetilly/coredbg/engine"
	"github.com/jetsetilly/coredbg/leb128"
	"github.com/jetsetilly/coredbg/objfile"
	"github.com/jetsetilly/coredbg/symtab"
	"github.com/jetsetilly/coredbg/test"
)

// buildDebugFrame assembles one CIE (CFA = r7+8) and one FDE covering
// [0x1000, 0x1100) that records r6 at CFA-8 after a 4-byte advance. Same
// fixture shape as frame_test.go's, reused here to exercise the Session
// wiring rather than the CFA interpreter in isolation.
func buildDebugFrame(t *testing.T) []byte {
	t.Helper()

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

	fdeInstructions := []byte{0x02, 0x04}
	fdeInstructions = append(fdeInstructions, 0x05)
	fdeInstructions = leb128.EncodeULEB128(fdeInstructions, 6)
	fdeInstructions = leb128.EncodeULEB128(fdeInstructions, 2)

	var fdeBody []byte
	cieOffsetField := make([]byte, 4)
	binary.LittleEndian.PutUint32(cieOffsetField, 0)
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

// buildELF64 assembles a minimal little-endian ELF64 image with one named
// section, enough for objfile.Load to discover it. Mirrors the helper in
// objfile/objfile_test.go.
func buildELF64(t *testing.T, name string, content []byte) []byte {
	t.Helper()

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(name)
	shstrtab.WriteByte(0)
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	const ehdrSize = 64
	const shdrSize = 64

	dataOff := uint64(ehdrSize)
	sectionOff := dataOff
	var body bytes.Buffer
	body.Write(content)
	dataOff += uint64(len(content))
	shstrtabOff := dataOff
	body.Write(shstrtab.Bytes())
	dataOff += uint64(shstrtab.Len())
	shoff := dataOff

	var buf bytes.Buffer
	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], "\x7fELF")
	ehdr[4] = 2
	ehdr[5] = 1
	binary.LittleEndian.PutUint64(ehdr[0x28:0x30], shoff)
	binary.LittleEndian.PutUint16(ehdr[0x3a:0x3c], shdrSize)
	binary.LittleEndian.PutUint16(ehdr[0x3c:0x3e], 3) // null + section + shstrtab
	binary.LittleEndian.PutUint16(ehdr[0x3e:0x40], 2)
	buf.Write(ehdr)
	buf.Write(body.Bytes())

	writeShdr := func(nameOffVal uint32, offset, size uint64) {
		h := make([]byte, shdrSize)
		binary.LittleEndian.PutUint32(h[0:4], nameOffVal)
		binary.LittleEndian.PutUint64(h[24:32], offset)
		binary.LittleEndian.PutUint64(h[32:40], size)
		buf.Write(h)
	}
	writeShdr(0, 0, 0)
	writeShdr(nameOff, sectionOff, uint64(len(content)))
	writeShdr(shstrtabNameOff, shstrtabOff, uint64(shstrtab.Len()))

	return buf.Bytes()
}

func loadSession(t *testing.T) *engine.Session {
	t.Helper()
	elf := buildELF64(t, ".debug_frame", buildDebugFrame(t))
	path := filepath.Join(t.TempDir(), "image.elf")
	if err := os.WriteFile(path, elf, 0644); err != nil {
		t.Fatalf("writing temp object file: %v", err)
	}

	im, err := objfile.Load(path)
	test.ExpectSuccess(t, err)
	t.Cleanup(func() { im.Close() })

	s, err := engine.NewSession(im, arch.Get(arch.X86_64))
	test.ExpectSuccess(t, err)
	return s
}

func TestNewSessionParsesDebugFrame(t *testing.T) {
	s := loadSession(t)
	_, fde, ok := s.FindFDE(0x1004)
	test.ExpectSuccess(t, ok)
	test.Equate(t, fde.StartAddress, uint64(0x1000))
}

func TestNewSessionNoFDEOutsideRange(t *testing.T) {
	s := loadSession(t)
	_, _, ok := s.FindFDE(0x5000)
	test.ExpectFailure(t, ok)
}

func TestUnwindDescribesStartFrame(t *testing.T) {
	s := loadSession(t)

	regs := map[uint64]uint64{7: 0x2000} // rsp, used as CFA base (r7+8)
	mem := map[uint64]uint64{0x2000: 0x3000, 0x1ff8: 0x4242} // CFA-8: saved r6; CFA itself unused here

	registerReader := func(reg uint64) (uint64, bool) {
		v, ok := regs[reg]
		return v, ok
	}
	memoryReader := func(addr uint64, size int) (uint64, bool) {
		v, ok := mem[addr]
		return v, ok
	}

	functions := []symtab.FunctionInfo{{Name: "target", LowPC: 0x1000, HighPC: 0x1100}}
	frames := s.Unwind(0x1004, registerReader, memoryReader, functions, nil, 1)
	test.Equate(t, len(frames), 1)
	test.Equate(t, frames[0].Function, "target")
}

func TestResolveAndRemoveBreakpoint(t *testing.T) {
	s := loadSession(t)
	lines := []symtab.LineEntry{{Address: 0x1000, File: "/src/main.c", Line: 10, IsStmt: true}}

	proc := &fakeProcess{mem: map[uint64]byte{0x1000: 0x90}}
	bp, err := s.ResolveBreakpoint("/src/main.c", 10, nil, lines, "", "", "", proc)
	test.ExpectSuccess(t, err)
	test.Equate(t, proc.mem[0x1000], byte(0xCC))

	test.ExpectSuccess(t, s.RemoveBreakpoint(bp.ID, proc))
	test.Equate(t, proc.mem[0x1000], byte(0x90))
}

type fakeProcess struct {
	mem map[uint64]byte
}

func (p *fakeProcess) ReadMemory(addr uint64, size int) ([]byte, bool) {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		v, ok := p.mem[addr+uint64(i)]
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (p *fakeProcess) WriteMemory(addr uint64, data []byte) bool {
	for i, b := range data {
		p.mem[addr+uint64(i)] = b
	}
	return true
}
