package heiferr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same", New(InvalidInput, EndOfData, "x"), ErrEndOfData, true},
		{"wrapped", fmt.Errorf("reading box: %w", New(InvalidInput, EndOfData, "")), ErrEndOfData, true},
		{"code only", New(InvalidInput, NoFtypBox, ""), ErrInvalidInput, true},
		{"different sub", New(InvalidInput, NoFtypBox, ""), ErrEndOfData, false},
		{"different code", New(UnsupportedFeature, EndOfData, ""), ErrEndOfData, false},
		{"security", New(MemoryAllocation, SecurityLimitExceeded, "nesting"), ErrSecurityLimitExceeded, true},
		{"foreign", errors.New("boom"), ErrInvalidInput, false},
	}
	for _, tt := range tests {
		if got := errors.Is(tt.err, tt.target); got != tt.want {
			t.Errorf("%s: errors.Is = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if c := CodeOf(nil); c != OK {
		t.Errorf("CodeOf(nil) = %v", c)
	}
	err := fmt.Errorf("wrap: %w", New(Canceled, Unspecified, ""))
	if c := CodeOf(err); c != Canceled {
		t.Errorf("CodeOf = %v, want Canceled", c)
	}
	if s := SubCodeOf(New(InvalidInput, MissingGridImages, "")); s != MissingGridImages {
		t.Errorf("SubCodeOf = %v", s)
	}
}

func TestErrorString(t *testing.T) {
	got := New(InvalidInput, NoPitmBox, "detail").Error()
	want := "heif: invalid input: no 'pitm' box: detail"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
