package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestUnavailableWrapping(t *testing.T) {
	base := errors.New("boom")
	err := Unavailable("head", base)
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to unwrap")
	}
	if again := Unavailable("get", err); again != err {
		t.Fatalf("expected double wrap to be a no-op")
	}
	if got := err.Error(); got != "backend unavailable (head): boom" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestIsUnavailableClasses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", ErrNotFound, false},
		{"wrapped not found", fmt.Errorf("head: %w", ErrNotFound), false},
		{"forbidden", ErrForbidden, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "s3.invalid"}, true},
	}
	for _, tc := range cases {
		if got := IsUnavailable(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, got)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("stat: %w", ErrNotFound)) {
		t.Fatalf("expected wrapped not found")
	}
	if IsNotFound(Unavailable("stat", errors.New("x"))) {
		t.Fatalf("unavailable must not read as not found")
	}
}
