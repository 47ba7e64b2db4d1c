// Package integrity implements the external/internal integrity digest
// codec: parsing "algorithm-base64" strings into (algorithm, hex) pairs
// and verifying a stream against one.
package integrity

import (
	"crypto/subtle"
	"encoding/base64"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/bnpm/bnpm/internal/corerr"
)

// Digest is the internal representation: the algorithm name as written in
// the external form and lowercase hex-encoded digest bytes.
type Digest struct {
	Algorithm string
	Hex       string
}

// Parse decodes an external integrity string of the form
// "<algorithm>-<base64>" into its internal form. It checks only that both
// halves are non-empty and that the tail is valid base64; it does not
// check whether the algorithm can be computed (see Supported).
func Parse(external string) (Digest, *corerr.Error) {
	idx := strings.IndexByte(external, '-')
	if idx <= 0 || idx == len(external)-1 {
		return Digest{}, corerr.Newf(corerr.KindIntegrityInvalid, "malformed integrity string %q", external)
	}
	algo, b64 := external[:idx], external[idx+1:]

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Digest{}, corerr.Wrapf(corerr.KindIntegrityInvalid, err, "invalid base64 in integrity string %q", external)
	}

	return Digest{
		Algorithm: algo,
		Hex:       hexEncode(raw),
	}, nil
}

// Supported reports whether algo names a hash function this binary can
// compute (sha256, sha512, ...).
func Supported(algo string) bool {
	return digest.Algorithm(algo).Available()
}

// Verify streams r through algo's hash function and compares the result
// against expectedHex in constant time, returning the computed hex either
// way so callers can log it on mismatch.
func Verify(r io.Reader, algo, expectedHex string) (ok bool, computedHex string, err error) {
	a := digest.Algorithm(algo)
	if !a.Available() {
		return false, "", corerr.Newf(corerr.KindIntegrityInvalid, "unsupported digest algorithm %q", algo)
	}

	d, err := a.FromReader(r)
	if err != nil {
		return false, "", err
	}
	computedHex = d.Encoded()

	match := subtle.ConstantTimeCompare([]byte(computedHex), []byte(expectedHex)) == 1
	return match, computedHex, nil
}

// HashReader streams r through algo's hash function and returns the hex
// digest, without comparing against an expectation. Used by the ingester
// for file-store keys (sha256), where there is no prior expectation to
// check — the hash itself becomes the key.
func HashReader(r io.Reader, algo string) (hex string, err error) {
	a := digest.Algorithm(algo)
	if !a.Available() {
		return "", corerr.Newf(corerr.KindIntegrityInvalid, "unsupported digest algorithm %q", algo)
	}
	d, err := a.FromReader(r)
	if err != nil {
		return "", err
	}
	return d.Encoded(), nil
}

func hexEncode(raw []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(raw)*2)
	for i, b := range raw {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
