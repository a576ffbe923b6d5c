package objfile

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/jetsetilly/coredbg/dbgerrors"
	"github.com/jetsetilly/coredbg/logger"
)

// Image is an opened object file with its DWARF sections located. Large
// images are mapped into memory with mmap-go rather than read fully into a
// []byte, so that opening a multi-gigabyte binary with embedded debug info
// does not require a matching multi-gigabyte heap allocation.
type Image struct {
	path     string
	data     mmap.MMap
	fallback []byte // used instead of data when mmap fails and the file is read with os.ReadFile
	file     *os.File

	ByteOrder binary.ByteOrder
	Sections  DebugSections
}

// bytes returns the full backing image contents.
func (im *Image) bytes() []byte {
	if im.data != nil {
		return im.data
	}
	return im.fallback
}

// Load opens the object file at path, memory-maps it, and discovers its
// DWARF sections. The returned Image must be closed with Close when no
// longer needed.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dbgerrors.Errorf(dbgerrors.CategoryObjectLoad, "opening %s: %w", path, err)
	}

	im := &Image{path: path, file: f, ByteOrder: binary.LittleEndian}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dbgerrors.Errorf(dbgerrors.CategoryObjectLoad, "stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		f.Close()
		return nil, dbgerrors.ErrTooSmall
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		// fall back to a plain read; some filesystems (tmpfs variants, pipes
		// used in tests) don't support mmap.
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			f.Close()
			return nil, dbgerrors.Errorf(dbgerrors.CategoryObjectLoad, "reading %s: %w", path, rerr)
		}
		im.fallback = data
	} else {
		im.data = m
	}

	if err := im.identifyAndParse(); err != nil {
		im.Close()
		return nil, err
	}

	logger.Logf("objfile", "loaded %s (%d bytes, %d sections)", path, len(im.bytes()), sectionCount(&im.Sections))
	return im, nil
}

func sectionCount(d *DebugSections) int {
	n := 0
	for _, s := range d.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Close releases the image's backing memory mapping and file handle.
func (im *Image) Close() error {
	var err error
	if im.data != nil {
		err = im.data.Unmap()
	}
	if im.file != nil {
		if cerr := im.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

const (
	elfMagic   = "\x7fELF"
	machoMagic32LE = 0xFEEDFACE
	machoMagic64LE = 0xFEEDFACF
)

// identifyAndParse sniffs the image's magic number and dispatches to the
// appropriate section-header walker.
func (im *Image) identifyAndParse() error {
	data := im.bytes()
	if len(data) < 4 {
		return dbgerrors.ErrTooSmall
	}

	switch {
	case bytes.Equal(data[:4], []byte(elfMagic)):
		return im.parseELF()
	case binary.LittleEndian.Uint32(data[:4]) == machoMagic64LE:
		return im.parseMachO64()
	case binary.LittleEndian.Uint32(data[:4]) == machoMagic32LE:
		return dbgerrors.Errorf(dbgerrors.CategoryObjectLoad, "32-bit Mach-O is not supported: %w", dbgerrors.ErrUnsupportedFormat)
	default:
		return dbgerrors.ErrInvalidMagic
	}
}

// SectionData returns a section's raw, still-possibly-compressed bytes.
func (im *Image) SectionData(info *SectionInfo) ([]byte, error) {
	data := im.bytes()
	end := info.Offset + info.Size
	if info.Offset > uint64(len(data)) || end > uint64(len(data)) || end < info.Offset {
		return nil, dbgerrors.ErrTruncatedSection
	}
	return data[info.Offset:end], nil
}

// SectionDataDecompressed returns a section's bytes, transparently
// decompressing ".zdebug_"-prefixed (zlib, with a "ZLIB" + big-endian u64
// size header) and SHF_COMPRESSED (ELF Chdr + zlib) sections. Sections with
// Compression == CompressionNone are returned unchanged.
func (im *Image) SectionDataDecompressed(info *SectionInfo) ([]byte, error) {
	raw, err := im.SectionData(info)
	if err != nil {
		return nil, err
	}

	switch info.Compression {
	case CompressionNone:
		return raw, nil

	case CompressionZDebug:
		const zdebugHeader = "ZLIB"
		if len(raw) < 12 || string(raw[:4]) != zdebugHeader {
			return nil, dbgerrors.ErrInvalidCompressedSection
		}
		size := binary.BigEndian.Uint64(raw[4:12])
		return inflate(raw[12:], size)

	case CompressionSHF32:
		// Elf32_Chdr: ch_type(4) ch_size(4) ch_addralign(4)
		if len(raw) < 12 {
			return nil, dbgerrors.ErrInvalidCompressedSection
		}
		chType := im.ByteOrder.Uint32(raw[0:4])
		size := uint64(im.ByteOrder.Uint32(raw[4:8]))
		if chType != 1 { // ELFCOMPRESS_ZLIB
			return nil, dbgerrors.ErrInvalidCompressedSection
		}
		return inflate(raw[12:], size)

	case CompressionSHF64:
		// Elf64_Chdr: ch_type(4) ch_reserved(4) ch_size(8) ch_addralign(8)
		if len(raw) < 24 {
			return nil, dbgerrors.ErrInvalidCompressedSection
		}
		chType := im.ByteOrder.Uint32(raw[0:4])
		size := im.ByteOrder.Uint64(raw[8:16])
		if chType != 1 {
			return nil, dbgerrors.ErrInvalidCompressedSection
		}
		return inflate(raw[24:], size)

	default:
		return raw, nil
	}
}

func inflate(compressed []byte, expectedSize uint64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, dbgerrors.Errorf(dbgerrors.CategorySection, "zlib header: %w", err)
	}
	defer r.Close()

	out := make([]byte, 0, expectedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, dbgerrors.Errorf(dbgerrors.CategorySection, "zlib decompress: %w", err)
	}
	return buf.Bytes(), nil
}
