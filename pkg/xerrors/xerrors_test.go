package xerrors

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindPermission, "op", "", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindPermission},
		{name: "double wrapped", err: fmt.Errorf("outer: %w", E(KindIntegrity, "get", "abc/1")), kind: KindIntegrity},
		{name: "deadline", err: context.DeadlineExceeded, kind: KindTimeout},
		{name: "iofs permission", err: iofs.ErrPermission, kind: KindPermission},
		{name: "iofs exist", err: iofs.ErrExist, kind: KindAlreadyExists},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(E(KindUnreachable, "put", "")) {
		t.Fatalf("unreachable should be transient")
	}
	if !IsTransient(fmt.Errorf("call: %w", context.DeadlineExceeded)) {
		t.Fatalf("deadline should be transient")
	}
	if IsTransient(E(KindIntegrity, "get", "")) {
		t.Fatalf("integrity must not be retried")
	}
	if IsTransient(E(KindNotFound, "get", "")) {
		t.Fatalf("not found must not be retried")
	}
}

func TestQuorumErrorDetail(t *testing.T) {
	qe := &QuorumError{
		Attempt: "a1",
		Need:    5,
		Got:     4,
		Failures: []ShardFailure{
			{Index: 5, Node: "n6", Kind: KindTimeout},
			{Index: 2, Node: "n3", Kind: KindUnreachable, Err: errors.New("connection refused")},
		},
	}
	err := Wrap(KindQuorum, "certify", "fp", qe)
	if KindOf(err) != KindQuorum {
		t.Fatalf("kind = %v", KindOf(err))
	}
	msg := err.Error()
	if !strings.Contains(msg, "4 of 5") {
		t.Fatalf("message missing counts: %s", msg)
	}
	if strings.Index(msg, "shard 2") > strings.Index(msg, "shard 5") {
		t.Fatalf("failures should be listed by index: %s", msg)
	}
	if got := Failures(err); len(got) != 2 {
		t.Fatalf("Failures() len = %d", len(got))
	}
}
