package objfile_test

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/jetsetilly/coredbg/objfile"
	"github.com/jetsetilly/coredbg/test"
)

// buildELF64 assembles a minimal little-endian ELF64 image containing the
// named sections (each filled with its given content) plus a section header
// string table, enough for objfile.Load to discover them.
func buildELF64(t *testing.T, sections map[string][]byte, compressed map[string]bool) []byte {
	t.Helper()

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}

	// build shstrtab
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0) // index 0 is always the empty string
	nameOff := map[string]uint32{}
	for _, name := range names {
		nameOff[name] = uint32(shstrtab.Len())
		shstrtab.WriteString(name)
		shstrtab.WriteByte(0)
	}
	const shstrtabName = ".shstrtab"
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(shstrtabName)
	shstrtab.WriteByte(0)

	const ehdrSize = 64
	const shdrSize = 64

	// lay out section contents right after the ELF header
	dataOff := uint64(ehdrSize)
	type laidOut struct {
		name   string
		offset uint64
		size   uint64
	}
	var laid []laidOut
	var body bytes.Buffer
	for _, name := range names {
		laid = append(laid, laidOut{name: name, offset: dataOff, size: uint64(len(sections[name]))})
		body.Write(sections[name])
		dataOff += uint64(len(sections[name]))
	}
	shstrtabOff := dataOff
	body.Write(shstrtab.Bytes())
	dataOff += uint64(shstrtab.Len())

	shoff := dataOff

	var buf bytes.Buffer
	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], "\x7fELF")
	ehdr[4] = 2 // ELFCLASS64
	ehdr[5] = 1 // ELFDATA2LSB
	binary.LittleEndian.PutUint64(ehdr[0x28:0x30], shoff)
	binary.LittleEndian.PutUint16(ehdr[0x3a:0x3c], shdrSize)
	binary.LittleEndian.PutUint16(ehdr[0x3c:0x3e], uint16(len(laid)+2)) // +null +shstrtab
	binary.LittleEndian.PutUint16(ehdr[0x3e:0x40], uint16(len(laid)+1))
	buf.Write(ehdr)
	buf.Write(body.Bytes())

	writeShdr := func(nameOffVal uint32, flags uint64, offset, size uint64) {
		h := make([]byte, shdrSize)
		binary.LittleEndian.PutUint32(h[0:4], nameOffVal)
		binary.LittleEndian.PutUint64(h[8:16], flags)
		binary.LittleEndian.PutUint64(h[24:32], offset)
		binary.LittleEndian.PutUint64(h[32:40], size)
		buf.Write(h)
	}

	writeShdr(0, 0, 0, 0) // null section
	for _, l := range laid {
		var flags uint64
		if compressed[l.name] {
			flags = 0x800
		}
		writeShdr(nameOff[l.name], flags, l.offset, l.size)
	}
	writeShdr(shstrtabNameOff, 0, shstrtabOff, uint64(shstrtab.Len()))

	return buf.Bytes()
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.elf")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing temp object file: %v", err)
	}
	return path
}

func TestDiscoversUncompressedSection(t *testing.T) {
	content := []byte("debug info payload")
	elf := buildELF64(t, map[string][]byte{".debug_info": content}, nil)
	path := writeTemp(t, elf)

	im, err := objfile.Load(path)
	test.ExpectSuccess(t, err)
	defer im.Close()

	info := im.Sections.DebugInfo()
	if info == nil {
		t.Fatalf("expected .debug_info to be discovered")
	}
	test.Equate(t, info.Compression, objfile.CompressionNone)

	got, err := im.SectionData(info)
	test.ExpectSuccess(t, err)
	test.Equate(t, got, content)
}

func TestDiscoversCompressedSHFSection(t *testing.T) {
	plain := []byte("this is the uncompressed debug_line contents, repeated for zlib to have something to squeeze")

	var compressedBody bytes.Buffer
	w := zlib.NewWriter(&compressedBody)
	w.Write(plain)
	w.Close()

	var chdr bytes.Buffer
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(hdr[0:4], 1) // ELFCOMPRESS_ZLIB
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(plain)))
	chdr.Write(hdr)
	chdr.Write(compressedBody.Bytes())

	elf := buildELF64(t, map[string][]byte{".debug_line": chdr.Bytes()}, map[string]bool{".debug_line": true})
	path := writeTemp(t, elf)

	im, err := objfile.Load(path)
	test.ExpectSuccess(t, err)
	defer im.Close()

	info := im.Sections.DebugLine()
	if info == nil {
		t.Fatalf("expected .debug_line to be discovered")
	}
	test.Equate(t, info.Compression, objfile.CompressionSHF64)

	got, err := im.SectionDataDecompressed(info)
	test.ExpectSuccess(t, err)
	test.Equate(t, got, plain)
}

func TestZDebugPrefixedSection(t *testing.T) {
	plain := []byte("frame unwind info, also padded out so zlib compresses it meaningfully")

	var compressedBody bytes.Buffer
	w := zlib.NewWriter(&compressedBody)
	w.Write(plain)
	w.Close()

	var payload bytes.Buffer
	payload.WriteString("ZLIB")
	sizeField := make([]byte, 8)
	binary.BigEndian.PutUint64(sizeField, uint64(len(plain)))
	payload.Write(sizeField)
	payload.Write(compressedBody.Bytes())

	elf := buildELF64(t, map[string][]byte{".zdebug_frame": payload.Bytes()}, nil)
	path := writeTemp(t, elf)

	im, err := objfile.Load(path)
	test.ExpectSuccess(t, err)
	defer im.Close()

	info := im.Sections.DebugFrame()
	if info == nil {
		t.Fatalf("expected .zdebug_frame to map to the debug_frame slot")
	}
	test.Equate(t, info.Compression, objfile.CompressionZDebug)

	got, err := im.SectionDataDecompressed(info)
	test.ExpectSuccess(t, err)
	test.Equate(t, got, plain)
}

func TestDwoSuffixMapsToSameSlot(t *testing.T) {
	content := []byte("split dwarf info")
	elf := buildELF64(t, map[string][]byte{".debug_info.dwo": content}, nil)
	path := writeTemp(t, elf)

	im, err := objfile.Load(path)
	test.ExpectSuccess(t, err)
	defer im.Close()

	info := im.Sections.DebugInfo()
	if info == nil {
		t.Fatalf("expected .debug_info.dwo to map to the debug_info slot")
	}
	got, err := im.SectionData(info)
	test.ExpectSuccess(t, err)
	test.Equate(t, got, content)
}

func TestTooSmallInput(t *testing.T) {
	path := writeTemp(t, []byte{0x7f, 0x45})
	_, err := objfile.Load(path)
	test.ExpectFailure(t, err == nil)
}

func TestInvalidMagic(t *testing.T) {
	path := writeTemp(t, bytes.Repeat([]byte{0x00}, 64))
	_, err := objfile.Load(path)
	test.ExpectFailure(t, err == nil)
}

func TestTruncatedSectionIsReported(t *testing.T) {
	elf := buildELF64(t, map[string][]byte{".debug_info": []byte("x")}, nil)
	path := writeTemp(t, elf)

	im, err := objfile.Load(path)
	test.ExpectSuccess(t, err)
	defer im.Close()

	bogus := &objfile.SectionInfo{Offset: uint64(len(elf) + 1000), Size: 10}
	_, err = im.SectionData(bogus)
	test.ExpectFailure(t, err == nil)
}
