package objfile

import (
	"encoding/binary"

	"github.com/jetsetilly/coredbg/dbgerrors"
)

// ELF e_ident indices and class/data values this engine supports. Only
// little-endian 32/64-bit ELF is in scope (see Non-goals, §1).
const (
	eiClass   = 4
	eiData    = 5
	elfClass32 = 1
	elfClass64 = 2
	elfData2LSB = 1
)

const shfCompressed = 0x800

// parseELF walks the ELF section header table directly, rather than via
// debug/elf, so that compressed sections are reported with their raw
// {offset, size, compression kind} instead of being silently inflated.
func (im *Image) parseELF() error {
	data := im.bytes()
	if len(data) < 64 {
		return dbgerrors.ErrTooSmall
	}

	if data[eiData] != elfData2LSB {
		return dbgerrors.Errorf(dbgerrors.CategoryObjectLoad, "big-endian ELF is not supported: %w", dbgerrors.ErrUnsupportedFormat)
	}
	im.ByteOrder = binary.LittleEndian

	switch data[eiClass] {
	case elfClass64:
		return im.parseELF64()
	case elfClass32:
		return im.parseELF32()
	default:
		return dbgerrors.ErrInvalidMagic
	}
}

// Elf64_Ehdr fields used here: e_shoff @ 0x28 (8), e_shentsize @ 0x3a (2),
// e_shnum @ 0x3c (2), e_shstrndx @ 0x3e (2).
func (im *Image) parseELF64() error {
	data := im.bytes()
	if len(data) < 0x40 {
		return dbgerrors.ErrIncompleteRead
	}

	shoff := im.ByteOrder.Uint64(data[0x28:0x30])
	shentsize := im.ByteOrder.Uint16(data[0x3a:0x3c])
	shnum := im.ByteOrder.Uint16(data[0x3c:0x3e])
	shstrndx := im.ByteOrder.Uint16(data[0x3e:0x40])

	const hdrSize = 64
	if shentsize < hdrSize {
		return dbgerrors.Errorf(dbgerrors.CategoryObjectLoad, "implausible ELF64 section header size %d: %w", shentsize, dbgerrors.ErrUnsupportedFormat)
	}

	type rawShdr struct {
		name  uint32
		flags uint64
		offset uint64
		size  uint64
	}

	readShdr := func(i uint16) (rawShdr, error) {
		off := shoff + uint64(i)*uint64(shentsize)
		if off+hdrSize > uint64(len(data)) {
			return rawShdr{}, dbgerrors.ErrIncompleteRead
		}
		h := data[off : off+hdrSize]
		return rawShdr{
			name:   im.ByteOrder.Uint32(h[0:4]),
			flags:  im.ByteOrder.Uint64(h[8:16]),
			offset: im.ByteOrder.Uint64(h[24:32]),
			size:   im.ByteOrder.Uint64(h[32:40]),
		}, nil
	}

	if shstrndx >= shnum {
		return dbgerrors.Errorf(dbgerrors.CategoryObjectLoad, "section name string table index out of range: %w", dbgerrors.ErrUnsupportedFormat)
	}
	strtabHdr, err := readShdr(shstrndx)
	if err != nil {
		return err
	}
	strtab, err := im.SectionData(&SectionInfo{Offset: strtabHdr.offset, Size: strtabHdr.size})
	if err != nil {
		return err
	}

	for i := uint16(0); i < shnum; i++ {
		sh, err := readShdr(i)
		if err != nil {
			return err
		}
		name := elfString(strtab, sh.name)
		if name == "" {
			continue
		}
		info := SectionInfo{Offset: sh.offset, Size: sh.size}
		if sh.flags&shfCompressed != 0 {
			info.Compression = CompressionSHF64
		}
		im.Sections.recordSection(name, info)
	}
	return nil
}

// Elf32_Ehdr fields used here: e_shoff @ 0x20 (4), e_shentsize @ 0x2e (2),
// e_shnum @ 0x30 (2), e_shstrndx @ 0x32 (2).
func (im *Image) parseELF32() error {
	data := im.bytes()
	if len(data) < 0x34 {
		return dbgerrors.ErrIncompleteRead
	}

	shoff := uint64(im.ByteOrder.Uint32(data[0x20:0x24]))
	shentsize := im.ByteOrder.Uint16(data[0x2e:0x30])
	shnum := im.ByteOrder.Uint16(data[0x30:0x32])
	shstrndx := im.ByteOrder.Uint16(data[0x32:0x34])

	const hdrSize = 40
	if shentsize < hdrSize {
		return dbgerrors.Errorf(dbgerrors.CategoryObjectLoad, "implausible ELF32 section header size %d: %w", shentsize, dbgerrors.ErrUnsupportedFormat)
	}

	type rawShdr struct {
		name   uint32
		flags  uint32
		offset uint32
		size   uint32
	}

	readShdr := func(i uint16) (rawShdr, error) {
		off := shoff + uint64(i)*uint64(shentsize)
		if off+hdrSize > uint64(len(data)) {
			return rawShdr{}, dbgerrors.ErrIncompleteRead
		}
		h := data[off : off+hdrSize]
		return rawShdr{
			name:   im.ByteOrder.Uint32(h[0:4]),
			flags:  im.ByteOrder.Uint32(h[8:12]),
			offset: im.ByteOrder.Uint32(h[16:20]),
			size:   im.ByteOrder.Uint32(h[20:24]),
		}, nil
	}

	if shstrndx >= shnum {
		return dbgerrors.Errorf(dbgerrors.CategoryObjectLoad, "section name string table index out of range: %w", dbgerrors.ErrUnsupportedFormat)
	}
	strtabHdr, err := readShdr(shstrndx)
	if err != nil {
		return err
	}
	strtab, err := im.SectionData(&SectionInfo{Offset: uint64(strtabHdr.offset), Size: uint64(strtabHdr.size)})
	if err != nil {
		return err
	}

	for i := uint16(0); i < shnum; i++ {
		sh, err := readShdr(i)
		if err != nil {
			return err
		}
		name := elfString(strtab, sh.name)
		if name == "" {
			continue
		}
		info := SectionInfo{Offset: uint64(sh.offset), Size: uint64(sh.size)}
		if sh.flags&shfCompressed != 0 {
			info.Compression = CompressionSHF32
		}
		im.Sections.recordSection(name, info)
	}
	return nil
}

// elfString reads a NUL-terminated string from an ELF string table at off.
func elfString(strtab []byte, off uint32) string {
	if uint64(off) >= uint64(len(strtab)) {
		return ""
	}
	end := off
	for end < uint32(len(strtab)) && strtab[end] != 0 {
		end++
	}
	return string(strtab[off:end])
}
