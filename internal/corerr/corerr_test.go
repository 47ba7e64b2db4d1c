package corerr

import (
	"errors"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	e := New(KindUsage, "missing --lockfile")
	if e.Kind != KindUsage {
		t.Errorf("Kind = %v, want %v", e.Kind, KindUsage)
	}
	if e.Err != nil {
		t.Errorf("Err = %v, want nil", e.Err)
	}
	if !strings.Contains(e.Error(), "missing --lockfile") {
		t.Errorf("Error() = %q, want it to contain message", e.Error())
	}
}

func TestNewfFormatsMessage(t *testing.T) {
	e := Newf(KindFetchIO, "fetch %s failed: %d", "pkg-a", 500)
	want := "fetch pkg-a failed: 500"
	if !strings.Contains(e.Error(), want) {
		t.Errorf("Error() = %q, want it to contain %q", e.Error(), want)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap(KindFetchIO, cause, "downloading tarball")
	if e.Unwrap() == nil {
		t.Fatal("Unwrap() = nil, want wrapped cause")
	}
	if !errors.Is(e, cause) {
		t.Errorf("errors.Is(e, cause) = false, want true")
	}
	if !strings.Contains(e.Error(), "connection reset") {
		t.Errorf("Error() = %q, want it to mention the cause", e.Error())
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(KindFetchIO, nil, "anything") != nil {
		t.Error("Wrap(kind, nil, msg) should return nil")
	}
	if Wrapf(KindFetchIO, nil, "anything %d", 1) != nil {
		t.Error("Wrapf(kind, nil, format, args) should return nil")
	}
}

func TestWrapfFormatsMessage(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrapf(KindStoreIO, cause, "writing %s", "manifest.json")
	if !strings.Contains(e.Error(), "writing manifest.json") {
		t.Errorf("Error() = %q, want it to contain formatted message", e.Error())
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindUsage, 2},
		{KindLockfileMalformed, 1},
		{KindIntegrityInvalid, 1},
		{KindIntegrityMismatch, 1},
		{KindArchiveCorrupt, 1},
		{KindManifestMalformed, 1},
		{KindFetchIO, 1},
		{KindStoreIO, 1},
		{KindMaterializeIO, 1},
	}
	for _, c := range cases {
		e := New(c.kind, "x")
		if got := e.ExitCode(); got != c.want {
			t.Errorf("Kind(%s).ExitCode() = %d, want %d", c.kind, got, c.want)
		}
	}
}
