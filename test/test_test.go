package test_test

import (
	"errors"
	"testing"

	"github.com/jetsetilly/coredbg/test"
)

func TestExpectFailure(t *testing.T) {
	test.ExpectFailure(t, false)
	test.ExpectFailure(t, errors.New("test"))
}

func TestExpectSuccess(t *testing.T) {
	test.ExpectSuccess(t, true)
	var err error
	test.ExpectSuccess(t, err)
	test.ExpectSuccess(t, nil)
}

func TestExpectEquality(t *testing.T) {
	test.ExpectEquality(t, 10, 5+5)
	test.ExpectEquality(t, true, true)
	test.ExpectEquality(t, true, !false)
}

func TestExpectInequality(t *testing.T) {
	test.ExpectInequality(t, 11, 5+5)
	test.ExpectInequality(t, true, false)
}

func TestExpectApproximate(t *testing.T) {
	test.ExpectApproximate(t, 10, 11, 0.1)
}

func TestRingWriter(t *testing.T) {
	r, err := test.NewRingWriter(10)
	test.Equate(t, err, nil)

	test.Equate(t, r.String(), "")

	r.Write([]byte("abcde"))
	test.Equate(t, r.String(), "abcde")

	r.Write([]byte("fgh"))
	test.Equate(t, r.String(), "abcdefgh")

	r.Write([]byte("ij"))
	test.Equate(t, r.String(), "abcdefghij")

	r.Write([]byte("kl"))
	test.Equate(t, r.String(), "cdefghijkl")
	r.Write([]byte("mn"))
	test.Equate(t, r.String(), "efghijklmn")

	r.Write([]byte("1234567890"))
	test.Equate(t, r.String(), "1234567890")

	r.Write([]byte("1234567890ABC"))
	test.Equate(t, r.String(), "4567890ABC")

	r.Reset()
	test.Equate(t, r.String(), "")
	r.Write([]byte("1234567890ABC"))
	test.Equate(t, r.String(), "4567890ABC")
}

func TestCappedWriter(t *testing.T) {
	c, err := test.NewCappedWriter(10)
	test.Equate(t, err, nil)

	test.Equate(t, c.String(), "")

	c.Write([]byte("a"))
	test.Equate(t, c.String(), "a")

	c.Write([]byte("bcd"))
	test.Equate(t, c.String(), "abcd")

	c.Write([]byte("efghij"))
	test.Equate(t, c.String(), "abcdefghij")

	c.Write([]byte("klm"))
	test.Equate(t, c.String(), "abcdefghij")

	c.Reset()
	test.Equate(t, c.String(), "")

	c.Write([]byte("abcdefghij"))
	test.Equate(t, c.String(), "abcdefghij")

	c.Reset()
	test.Equate(t, c.String(), "")

	c.Write([]byte("abcdefghijklm"))
	test.Equate(t, c.String(), "abcdefghij")
}
