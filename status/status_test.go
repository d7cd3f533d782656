package status

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type codedErr struct{ code Code }

func (c codedErr) Error() string    { return fmt.Sprintf("coded %d", c.code) }
func (c codedErr) StatusCode() Code { return c.code }

func TestConvert(t *testing.T) {
	notFound := New(NotFound, "no such widget")

	tests := []struct {
		name     string
		err      error
		wantCode Code
		wantMsg  string
	}{
		{"plain", errors.New("boom"), Unknown, "boom"},
		{"status", notFound, NotFound, "no such widget"},
		{"wrapped", fmt.Errorf("lookup: %w", notFound), NotFound, "no such widget"},
		{"negative", New(Code(-3), "bad code"), Unknown, "bad code"},
		{"coder", codedErr{code: 5}, NotFound, "coded 5"},
		{"negative coder", codedErr{code: -1}, Unknown, "coded -1"},
		{"app code", New(Code(4000), "custom"), Code(4000), "custom"},
		{"ok code", New(OK, "handler failed"), Unknown, "handler failed"},
		{"ok coder", codedErr{code: OK}, Unknown, "coded 0"},
		{"canceled", context.Canceled, Canceled, context.Canceled.Error()},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), DeadlineExceeded, "wait: context deadline exceeded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Convert(tc.err)
			if got.Code != tc.wantCode {
				t.Errorf("Convert(%v) code: got %v, want %v", tc.err, got.Code, tc.wantCode)
			}
			if got.Message != tc.wantMsg {
				t.Errorf("Convert(%v) message: got %q, want %q", tc.err, got.Message, tc.wantMsg)
			}
		})
	}

	if got := Convert(nil); got != nil {
		t.Errorf("Convert(nil): got %v, want nil", got)
	}
}

func TestDetailsPreserved(t *testing.T) {
	type detail struct{ Field string }
	err := New(InvalidArgument, "bad field").WithDetails(detail{Field: "name"})
	got := Convert(fmt.Errorf("validate: %w", err))
	d, ok := got.Details.(detail)
	if !ok || d.Field != "name" {
		t.Errorf("Details: got %#v, want detail{name}", got.Details)
	}
}

func TestOKCodeIsUnknown(t *testing.T) {
	err := New(OK, "handler failed").WithDetails("why")
	got := Convert(fmt.Errorf("call: %w", err))
	if got.Code != Unknown || got.Message != "handler failed" || got.Details != "why" {
		t.Errorf("Convert: got (%v, %q, %v), want (UNKNOWN, %q, why)", got.Code, got.Message, got.Details, "handler failed")
	}
	if got := CodeOf(err); got != Unknown {
		t.Errorf("CodeOf: got %v, want UNKNOWN", got)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != OK {
		t.Errorf("CodeOf(nil): got %v, want OK", got)
	}
	if got := CodeOf(NewCanceled()); got != Canceled {
		t.Errorf("CodeOf(NewCanceled()): got %v, want CANCELED", got)
	}
	sentinel := New(NotFound, "a")
	if !errors.Is(fmt.Errorf("x: %w", sentinel), sentinel) {
		t.Error("errors.Is should find a wrapped sentinel")
	}
}

func TestCodeString(t *testing.T) {
	if got := Unauthenticated.String(); got != "UNAUTHENTICATED" {
		t.Errorf("String: got %q", got)
	}
	if got := Code(99).String(); got != "CODE(99)" {
		t.Errorf("String: got %q", got)
	}
}
