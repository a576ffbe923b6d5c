package objfile

import (
	"github.com/jetsetilly/coredbg/dbgerrors"
)

const lcSegment64 = 0x19

// parseMachO64 walks the Mach-O load command list and records every
// recognised DWARF section found in an LC_SEGMENT_64 command, whichever
// segment holds it (__DWARF for the debug sections, __TEXT for __eh_frame).
// Only 64-bit little-endian Mach-O is in scope.
func (im *Image) parseMachO64() error {
	data := im.bytes()
	const machHeaderSize = 32
	if len(data) < machHeaderSize {
		return dbgerrors.ErrTooSmall
	}

	ncmds := im.ByteOrder.Uint32(data[16:20])
	sizeofcmds := im.ByteOrder.Uint32(data[20:24])
	if uint64(machHeaderSize)+uint64(sizeofcmds) > uint64(len(data)) {
		return dbgerrors.ErrIncompleteRead
	}

	off := uint64(machHeaderSize)
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > uint64(len(data)) {
			return dbgerrors.ErrIncompleteRead
		}
		cmd := im.ByteOrder.Uint32(data[off : off+4])
		cmdsize := im.ByteOrder.Uint32(data[off+4 : off+8])
		if cmdsize < 8 || off+uint64(cmdsize) > uint64(len(data)) {
			return dbgerrors.ErrIncompleteRead
		}

		if cmd == lcSegment64 {
			if err := im.parseSegment64(data[off : off+uint64(cmdsize)]); err != nil {
				return err
			}
		}

		off += uint64(cmdsize)
	}
	return nil
}

// segment_command_64 is 72 bytes; each trailing section_64 is 80 bytes.
func (im *Image) parseSegment64(cmd []byte) error {
	const segHeaderSize = 72
	const sectSize = 80
	if len(cmd) < segHeaderSize {
		return dbgerrors.ErrIncompleteRead
	}

	nsects := im.ByteOrder.Uint32(cmd[64:68])
	want := segHeaderSize + uint64(nsects)*sectSize
	if uint64(len(cmd)) < want {
		return dbgerrors.ErrIncompleteRead
	}

	for i := uint32(0); i < nsects; i++ {
		base := segHeaderSize + uint64(i)*sectSize
		s := cmd[base : base+sectSize]
		name := machoCString(s[0:16])
		size := im.ByteOrder.Uint64(s[24:32])
		offset := uint64(im.ByteOrder.Uint32(s[32:36]))
		im.Sections.recordSection(name, SectionInfo{Offset: offset, Size: size})
	}
	return nil
}

func machoCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
