// Package leb128 implements the variable-length integer encodings used
// throughout DWARF (section 7.6 of the DWARF 5 standard).
package leb128

// DecodeULEB128 decodes an unsigned LEB128 value from the front of encoded,
// returning the decoded value and the number of bytes consumed.
func DecodeULEB128(encoded []uint8) (uint64, int) {
	var result uint64
	var shift uint64

	var n int
	for _, v := range encoded {
		n++
		result |= uint64(v&0x7f) << shift
		if v&0x80 == 0x00 {
			break
		}
		shift += 7
	}

	return result, n
}

// DecodeSLEB128 decodes a signed LEB128 value from the front of encoded,
// returning the decoded value and the number of bytes consumed.
func DecodeSLEB128(encoded []uint8) (int64, int) {
	const size = 64

	var result int64
	var shift uint64

	var v uint8
	var n int
	for _, v = range encoded {
		n++
		result |= int64(v&0x7f) << shift
		shift += 7
		if v&0x80 == 0x00 {
			break
		}
	}

	if shift < size && v&0x40 != 0 {
		result |= -(1 << shift)
	}

	return result, n
}

// EncodeULEB128 appends the ULEB128 encoding of v to dst and returns the
// extended slice. Used by tests that need to construct synthetic DWARF
// streams.
func EncodeULEB128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			break
		}
	}
	return dst
}

// EncodeSLEB128 appends the SLEB128 encoding of v to dst and returns the
// extended slice.
func EncodeSLEB128(dst []byte, v int64) []byte {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		dst = append(dst, b)
	}
	return dst
}
