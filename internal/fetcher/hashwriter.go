package fetcher

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/opencontainers/go-digest"
)

// hashingWriter tees writes through a hash.Hash obtained from go-digest's
// algorithm registry while also writing them to an underlying io.Writer,
// so a download can be verified without buffering the whole tarball in
// memory.
type hashingWriter struct {
	w io.Writer
	h hash.Hash
}

func newHashingWriter(w io.Writer, algo string) *hashingWriter {
	return &hashingWriter{w: w, h: digest.Algorithm(algo).Hash()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	hw.h.Write(p)
	return hw.w.Write(p)
}

func (hw *hashingWriter) hex() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}
