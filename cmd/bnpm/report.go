package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/jsonw"
)

// coreError wraps a *corerr.Error so cobra's RunE can return it while
// preserving the kind-specific exit code through exitCodeOf.
type coreError struct{ err *corerr.Error }

func (e *coreError) Error() string { return e.err.Error() }

func exitCodeOf(err error) (int, bool) {
	if ce, ok := err.(*coreError); ok {
		return ce.err.ExitCode(), true
	}
	return 0, false
}

func failf(kind corerr.Kind, format string, args ...any) error {
	return &coreError{err: corerr.Newf(kind, format, args...)}
}

func fail(err *corerr.Error) error {
	if err == nil {
		return nil
	}
	return &coreError{err: err}
}

// printReport writes a JSON document to stdout via the streaming writer.
// Every report carries a stable "kind" discriminator naming the operation
// (e.g. "bnpm.install.report") and an "ok" field; on failure it also carries
// a top-level "reason" string of the form "<error kind>: <message>", and a
// human-readable error line goes to stderr.
func printReport(reportKind string, cerr *corerr.Error, writeFields func(w *jsonw.Writer)) error {
	w := jsonw.New()
	w.BeginObject()
	w.Key("kind").ValueString(reportKind)
	w.Key("ok").ValueBool(cerr == nil)
	if cerr != nil {
		w.Key("reason").ValueString(string(cerr.Kind) + ": " + cerr.Msg)
	}
	writeFields(w)
	w.EndObject()

	fmt.Println(w.String())
	if cerr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", cerr)
		return fail(cerr)
	}
	return nil
}

// defaultStoreRoot is $XDG-ish per-user cache dir / bnpm, matching the
// ambient convention of resolving a writable default rather than
// requiring a flag every invocation.
func defaultStoreRoot() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return dir + string(os.PathSeparator) + "bnpm"
}

func defaultWorkers() int {
	n := runtime.NumCPU() * 2
	if n < 1 {
		n = 1
	}
	if n > 64 {
		n = 64
	}
	return n
}
