package store

import (
	"encoding/json"
	"os"
	"time"

	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/jsonw"
	"github.com/bnpm/bnpm/internal/platform"
)

// EntryType distinguishes the two kinds of tree entries a manifest
// describes.
type EntryType string

const (
	EntryFile    EntryType = "file"
	EntrySymlink EntryType = "symlink"
)

// ManifestEntry describes one path relative to a package's unpacked root.
type ManifestEntry struct {
	Type   EntryType `json:"type"`
	Hash   string    `json:"hash,omitempty"`   // sha256 hex, file entries only
	Size   int64     `json:"size,omitempty"`   // file entries only
	Mode   uint32    `json:"mode,omitempty"`   // file entries only
	Target string    `json:"target,omitempty"` // symlink entries only
}

// Manifest maps every relative path in a package's unpacked tree to where
// its content actually lives in the file-store, or (for symlinks) to its
// literal target.
type Manifest struct {
	Version      int                      `json:"version"`
	PkgAlgorithm string                   `json:"pkgAlgorithm"`
	PkgHex       string                   `json:"pkgHex"`
	Files        map[string]ManifestEntry `json:"files"`
	CreatedAt    string                   `json:"createdAt"`
	FileCount    int                      `json:"fileCount"`
}

const manifestVersion = 1

// NewManifest returns an empty manifest for the given archive coordinates,
// stamped with the current time.
func NewManifest(algo, hex string) *Manifest {
	return &Manifest{
		Version:      manifestVersion,
		PkgAlgorithm: algo,
		PkgHex:       hex,
		Files:        make(map[string]ManifestEntry),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// ReadManifest decodes the manifest at (algo, hex), if one exists.
// Returns (nil, false, nil) when no manifest is present — this is a
// routine cache-miss, not an error.
func ReadManifest(l *Layout, algo, hex string) (*Manifest, bool, *corerr.Error) {
	path := l.ManifestPath(algo, hex)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, corerr.Wrapf(corerr.KindStoreIO, err, "reading manifest %s", path)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, corerr.Wrapf(corerr.KindManifestMalformed, err, "decoding manifest %s", path)
	}
	return &m, true, nil
}

// WriteManifestAtomic serializes m with the streaming JSON writer (C2)
// and publishes it via write-to-tmp-then-rename, so concurrent readers
// never observe a partial manifest.
func WriteManifestAtomic(l *Layout, m *Manifest) *corerr.Error {
	dir := l.ManifestDir(m.PkgAlgorithm, m.PkgHex)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return corerr.Wrapf(corerr.KindStoreIO, err, "creating manifest dir %s", dir)
	}

	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.FileCount = len(m.Files)

	w := jsonw.New()
	w.BeginObject()
	w.Key("version").ValueInt(int64(m.Version))
	w.Key("pkgAlgorithm").ValueString(m.PkgAlgorithm)
	w.Key("pkgHex").ValueString(m.PkgHex)
	w.Key("files").BeginObject()
	for path, entry := range m.Files {
		w.Key(path).BeginObject()
		w.Key("type").ValueString(string(entry.Type))
		if entry.Type == EntryFile {
			w.Key("hash").ValueString(entry.Hash)
			w.Key("size").ValueInt(entry.Size)
			w.Key("mode").ValueUint(uint64(entry.Mode))
		} else {
			w.Key("target").ValueString(entry.Target)
		}
		w.EndObject()
	}
	w.EndObject()
	w.Key("createdAt").ValueString(m.CreatedAt)
	w.Key("fileCount").ValueInt(int64(m.FileCount))
	w.EndObject()

	final := l.ManifestPath(m.PkgAlgorithm, m.PkgHex)
	tmp := platform.TempSibling(final)
	if err := os.WriteFile(tmp, w.Bytes(), 0o644); err != nil {
		return corerr.Wrapf(corerr.KindStoreIO, err, "writing manifest tmp file")
	}
	if err := platform.AtomicPublish(tmp, final); err != nil {
		os.Remove(tmp)
		return corerr.Wrapf(corerr.KindStoreIO, err, "publishing manifest %s", final)
	}
	return nil
}
