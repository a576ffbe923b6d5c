// Package test provides small assertion and buffer helpers shared by every
// _test.go file in this module, in place of a third-party assertion library.
package test

import (
	"math"
	"reflect"
	"testing"
)

// ExpectFailure fails the test if value is not a falsy result: false, a
// non-nil error, or nil.
func ExpectFailure(t *testing.T, value interface{}) {
	t.Helper()
	switch v := value.(type) {
	case bool:
		if v {
			t.Errorf("expected failure, got success")
		}
	case error:
		if v == nil {
			t.Errorf("expected failure, got success")
		}
	case nil:
		// nil is treated as an expected-failure marker (e.g. "no result")
	default:
		t.Errorf("unsupported type for ExpectFailure: %T", value)
	}
}

// ExpectSuccess fails the test if value is not a truthy result: true, a nil
// error, or nil.
func ExpectSuccess(t *testing.T, value interface{}) {
	t.Helper()
	switch v := value.(type) {
	case bool:
		if !v {
			t.Errorf("expected success, got failure")
		}
	case error:
		if v != nil {
			t.Errorf("expected success, got error: %v", v)
		}
	case nil:
		// nil is fine
	default:
		t.Errorf("unsupported type for ExpectSuccess: %T", value)
	}
}

// ExpectEquality fails the test if a and b are not deeply equal.
func ExpectEquality(t *testing.T, a, b interface{}) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		t.Errorf("expected equality: %v != %v", a, b)
	}
}

// ExpectInequality fails the test if a and b are deeply equal.
func ExpectInequality(t *testing.T, a, b interface{}) {
	t.Helper()
	if reflect.DeepEqual(a, b) {
		t.Errorf("expected inequality: %v == %v", a, b)
	}
}

// ExpectApproximate fails the test if a and b differ by more than tolerance
// expressed as a fraction of b (0.1 allows a to differ from b by 10%).
func ExpectApproximate(t *testing.T, a, b float64, tolerance float64) {
	t.Helper()
	if math.Abs(a-b) > math.Abs(b*tolerance) {
		t.Errorf("expected %v to be within a fraction %v of %v", a, tolerance, b)
	}
}

// Equate is a lighter-weight equivalent of ExpectEquality used when the
// calling test file already reads as "equate this to that".
func Equate(t *testing.T, a, b interface{}) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		t.Errorf("%v != %v", a, b)
	}
}
