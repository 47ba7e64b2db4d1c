// Package corerr defines the closed error taxonomy shared by every core
// operation (fetch, ingest, materialize, analyze, install).
//
// Every fallible core entry point returns a *corerr.Error instead of a bare
// error so that callers — in particular the cmd/bnpm JSON reporter — can
// map failures onto the exit code scheme (success, operation failure,
// usage error) without string-matching error text.
package corerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a closed enum of failure categories. New kinds are added here,
// never inferred from error text at the call site.
type Kind string

const (
	// KindUsage covers invalid flags, missing arguments, and other
	// caller mistakes detected before any I/O begins.
	KindUsage Kind = "usage"
	// KindLockfileMalformed covers a lockfile that fails gjson.Valid or
	// is missing the packages map.
	KindLockfileMalformed Kind = "lockfile_malformed"
	// KindIntegrityInvalid covers a syntactically invalid integrity
	// string (bad base64, unknown/unsupported algorithm).
	KindIntegrityInvalid Kind = "integrity_invalid"
	// KindIntegrityMismatch covers a syntactically valid integrity
	// string whose digest does not match the downloaded bytes.
	KindIntegrityMismatch Kind = "integrity_mismatch"
	// KindArchiveCorrupt covers a verified archive that fails to parse
	// as gzip+tar.
	KindArchiveCorrupt Kind = "archive_corrupt"
	// KindManifestMalformed covers a package manifest that exists but
	// fails to decode.
	KindManifestMalformed Kind = "manifest_malformed"
	// KindFetchIO covers network/transport failures reaching a
	// registry or tarball URL.
	KindFetchIO Kind = "fetch_io"
	// KindStoreIO covers failures reading or writing the CAS on local
	// disk (permissions, disk full, unexpected filesystem errors).
	KindStoreIO Kind = "store_io"
	// KindMaterializeIO covers failures reading or writing the
	// destination tree during materialization.
	KindMaterializeIO Kind = "materialize_io"
)

// Error is the concrete error type returned by core operations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an Error with a formatted message and no wrapped cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message, attaching a stack trace via
// pkg/errors so the underlying cause remains inspectable in logs without
// leaking into the user-facing JSON report.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: errors.WithStack(err)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: errors.WithStack(err)}
}

// ExitCode maps a Kind onto the three-bucket exit code scheme from §6:
// 0 success, 2 usage error, 1 every other failure (data, integrity, or I/O).
func (e *Error) ExitCode() int {
	switch e.Kind {
	case KindUsage:
		return 2
	default:
		return 1
	}
}
