package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestOf(t *testing.T) {
	cause := errors.New("nack")
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"bare code", SpingErr2, SpingErr2},
		{"wrapped E", Wrap(IoError, "afc.set_target", cause), IoError},
		{"fmt wrapped E", fmt.Errorf("commit: %w", Wrap(ReadbackMismatch, "vgpu", nil)), ReadbackMismatch},
		{"fmt wrapped code", fmt.Errorf("x: %w", Timeout), Timeout},
		{"plain", cause, Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Of(tt.err); got != tt.want {
				t.Fatalf("Of() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEIsAndUnwrap(t *testing.T) {
	cause := errors.New("i2c nack")
	e := Wrap(IoError, "bq2589x.write", cause)
	if !errors.Is(e, IoError) {
		t.Fatal("errors.Is(e, IoError) = false")
	}
	if errors.Is(e, Timeout) {
		t.Fatal("errors.Is(e, Timeout) = true")
	}
	if !errors.Is(e, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if got, want := e.Error(), "bq2589x.write: io_error"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	e.Msg = "reg 0x04"
	if got, want := e.Error(), "bq2589x.write: io_error: reg 0x04"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestOfPrefersOutermostCode(t *testing.T) {
	err := Wrap(SpingErr1, "afc.communicate", SpingTooShort)
	if got := Of(err); got != SpingErr1 {
		t.Fatalf("Of() = %q, want %q", got, SpingErr1)
	}
	if !errors.Is(err, SpingTooShort) {
		t.Fatal("cause code not reachable")
	}
}
