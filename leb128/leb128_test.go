package leb128_test

import (
	"testing"

	"github.com/jetsetilly/coredbg/leb128"
	"github.com/jetsetilly/coredbg/test"
)

func TestULEB128RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 129, 16384, 1 << 33, ^uint64(0)}
	for _, v := range values {
		enc := leb128.EncodeULEB128(nil, v)
		dec, n := leb128.DecodeULEB128(enc)
		test.ExpectEquality(t, dec, v)
		test.ExpectEquality(t, n, len(enc))
	}
}

func TestSLEB128RoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, -64, 64, -65, 1 << 40, -(1 << 40)}
	for _, v := range values {
		enc := leb128.EncodeSLEB128(nil, v)
		dec, n := leb128.DecodeSLEB128(enc)
		test.ExpectEquality(t, dec, v)
		test.ExpectEquality(t, n, len(enc))
	}
}

func TestULEB128KnownEncodings(t *testing.T) {
	v, n := leb128.DecodeULEB128([]byte{0xe5, 0x8e, 0x26})
	test.ExpectEquality(t, v, uint64(624485))
	test.ExpectEquality(t, n, 3)
}

func TestSLEB128KnownEncodings(t *testing.T) {
	v, n := leb128.DecodeSLEB128([]byte{0x9b, 0xf1, 0x59})
	test.ExpectEquality(t, v, int64(-624485))
	test.ExpectEquality(t, n, 3)
}
