package fetcher

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bnpm/bnpm/internal/lockfile"
	"github.com/bnpm/bnpm/internal/store"
)

// buildTarGz produces a gzipped tar archive with every entry rooted under
// "package/", matching the npm tarball convention that fetcher.extract
// strips.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{
			Name: "package/" + name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func integrityOf(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

func TestFetchDownloadsVerifiesAndExtracts(t *testing.T) {
	tarball := buildTarGz(t, map[string]string{
		"index.js":    "module.exports = 1",
		"lib/util.js": "exports.x = 2",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	storeRoot := t.TempDir()
	layout := store.NewLayout(storeRoot)
	f := New(layout, Options{Workers: 2})

	pkg := lockfile.Package{
		Name:      "left-pad",
		Version:   "1.3.0",
		Resolved:  srv.URL + "/left-pad-1.3.0.tgz",
		Integrity: integrityOf(tarball),
	}

	res, err := f.Run(context.Background(), []lockfile.Package{pkg})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.PackagesFetched != 1 {
		t.Errorf("PackagesFetched = %d, want 1", res.PackagesFetched)
	}
	if res.PackagesCached != 0 {
		t.Errorf("PackagesCached = %d, want 0", res.PackagesCached)
	}
	if res.BytesDownloaded == 0 {
		t.Error("BytesDownloaded = 0, want > 0")
	}

	digestHex := integrityOf(tarball)[len("sha512-"):]
	_ = digestHex
	// Extract location keyed by the parsed digest; just check the content
	// landed somewhere sensible by walking the store's unpacked tree.
	var found bool
	filepath.Walk(filepath.Join(storeRoot, "unpacked"), func(path string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() && filepath.Base(path) == "index.js" {
			found = true
		}
		return nil
	})
	if !found {
		t.Error("expected index.js to be extracted somewhere under the unpacked tree")
	}
}

func TestFetchIsIdempotentSecondRunIsCached(t *testing.T) {
	tarball := buildTarGz(t, map[string]string{"index.js": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	storeRoot := t.TempDir()
	layout := store.NewLayout(storeRoot)
	f := New(layout, Options{Workers: 2})

	pkg := lockfile.Package{
		Name:      "left-pad",
		Resolved:  srv.URL + "/left-pad.tgz",
		Integrity: integrityOf(tarball),
	}

	if _, err := f.Run(context.Background(), []lockfile.Package{pkg}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	res, err := f.Run(context.Background(), []lockfile.Package{pkg})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.PackagesCached != 1 {
		t.Errorf("PackagesCached = %d, want 1 on second run", res.PackagesCached)
	}
	if res.PackagesFetched != 0 {
		t.Errorf("PackagesFetched = %d, want 0 on second run", res.PackagesFetched)
	}
}

func TestFetchIntegrityMismatchFails(t *testing.T) {
	tarball := buildTarGz(t, map[string]string{"index.js": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	storeRoot := t.TempDir()
	layout := store.NewLayout(storeRoot)
	f := New(layout, Options{Workers: 2})

	wrongSum := sha512.Sum512([]byte("not the tarball"))
	pkg := lockfile.Package{
		Name:      "left-pad",
		Resolved:  srv.URL + "/left-pad.tgz",
		Integrity: "sha512-" + base64.StdEncoding.EncodeToString(wrongSum[:]),
	}

	_, err := f.Run(context.Background(), []lockfile.Package{pkg})
	if err == nil {
		t.Fatal("Run should fail on integrity mismatch")
	}
	if err.Kind != "integrity_mismatch" {
		t.Errorf("Kind = %v, want integrity_mismatch", err.Kind)
	}
}

func TestFetchMalformedIntegrityFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be contacted when integrity string is malformed")
	}))
	defer srv.Close()

	storeRoot := t.TempDir()
	layout := store.NewLayout(storeRoot)
	f := New(layout, Options{Workers: 2})

	pkg := lockfile.Package{
		Name:      "broken",
		Resolved:  srv.URL + "/broken.tgz",
		Integrity: "not-a-valid-integrity-string-at-all-!!!",
	}

	_, err := f.Run(context.Background(), []lockfile.Package{pkg})
	if err == nil {
		t.Fatal("Run should fail on malformed integrity string")
	}
}

func TestFetchHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	storeRoot := t.TempDir()
	layout := store.NewLayout(storeRoot)
	f := New(layout, Options{Workers: 2})

	pkg := lockfile.Package{
		Name:      "missing",
		Resolved:  srv.URL + "/missing.tgz",
		Integrity: integrityOf([]byte("anything")),
	}

	_, err := f.Run(context.Background(), []lockfile.Package{pkg})
	if err == nil {
		t.Fatal("Run should fail when the server returns a non-200 status")
	}
	if err.Kind != "fetch_io" {
		t.Errorf("Kind = %v, want fetch_io", err.Kind)
	}
}
