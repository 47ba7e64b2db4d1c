package orchestrator

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
	"github.com/bnpm/bnpm/internal/materializer"
	"github.com/bnpm/bnpm/internal/store"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: "package/" + name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func integrityOf(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

func TestInstallEndToEnd(t *testing.T) {
	tarball := buildTarGz(t, map[string]string{"index.js": "module.exports = 1"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	lockfileJSON := `{
  "lockfileVersion": 3,
  "packages": {
    "": {"name": "app"},
    "node_modules/left-pad": {
      "version": "1.3.0",
      "resolved": "` + srv.URL + `/left-pad.tgz",
      "integrity": "` + integrityOf(tarball) + `"
    }
  }
}`

	storeRoot := t.TempDir()
	projectRoot := t.TempDir()

	rep, err := Install(context.Background(), []byte(lockfileJSON), Options{
		StoreRoot:    storeRoot,
		ProjectRoot:  projectRoot,
		Workers:      2,
		LinkStrategy: materializer.StrategyAuto,
		Profile:      materializer.ProfileAuto,
		DedupPolicy:  PolicyDedup,
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if rep.TotalPackages != 1 {
		t.Errorf("TotalPackages = %d, want 1", rep.TotalPackages)
	}
	if rep.FetchResult.PackagesFetched != 1 {
		t.Errorf("PackagesFetched = %d, want 1", rep.FetchResult.PackagesFetched)
	}
	if len(rep.Outcomes) != 1 {
		t.Fatalf("len(Outcomes) = %d, want 1", len(rep.Outcomes))
	}
	if rep.Outcomes[0].Err != nil {
		t.Fatalf("outcome error: %v", rep.Outcomes[0].Err)
	}

	installed := filepath.Join(projectRoot, "node_modules", "left-pad", "index.js")
	data, readErr := os.ReadFile(installed)
	if readErr != nil {
		t.Fatalf("reading installed file: %v", readErr)
	}
	if string(data) != "module.exports = 1" {
		t.Errorf("installed content = %q, want %q", data, "module.exports = 1")
	}
}

func TestInstallDedupPolicyIngestsBeforeMaterializing(t *testing.T) {
	tarball := buildTarGz(t, map[string]string{"a.js": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	lockfileJSON := `{
  "packages": {
    "": {},
    "node_modules/pkg-a": {
      "version": "1.0.0",
      "resolved": "` + srv.URL + `/pkg-a.tgz",
      "integrity": "` + integrityOf(tarball) + `"
    }
  }
}`

	storeRoot := t.TempDir()
	projectRoot := t.TempDir()

	rep, err := Install(context.Background(), []byte(lockfileJSON), Options{
		StoreRoot:    storeRoot,
		ProjectRoot:  projectRoot,
		Workers:      2,
		LinkStrategy: materializer.StrategyAuto,
		Profile:      materializer.ProfileAuto,
		DedupPolicy:  PolicyDedup,
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if rep.Outcomes[0].IngestReused {
		t.Error("IngestReused should be false on a fresh ingest")
	}
	if rep.Outcomes[0].MaterializeRung != materializer.RungFileStoreHardlink {
		t.Errorf("MaterializeRung = %v, want %v (dedup policy ingests before materializing)",
			rep.Outcomes[0].MaterializeRung, materializer.RungFileStoreHardlink)
	}
}

func TestIngestAndMaterializeStandaloneUsesAlreadyFetchedStore(t *testing.T) {
	tarball := buildTarGz(t, map[string]string{"a.js": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	lockfileJSON := `{
  "packages": {
    "": {},
    "node_modules/pkg-a": {
      "version": "1.0.0",
      "resolved": "` + srv.URL + `/pkg-a.tgz",
      "integrity": "` + integrityOf(tarball) + `"
    }
  }
}`
	storeRoot := t.TempDir()
	projectRoot := t.TempDir()
	opts := Options{
		StoreRoot:    storeRoot,
		ProjectRoot:  projectRoot,
		Workers:      2,
		LinkStrategy: materializer.StrategyAuto,
		Profile:      materializer.ProfileAuto,
		DedupPolicy:  PolicyDedup,
	}

	// First Install fetches and materializes. A second, materialize-only
	// call against the same store should succeed without re-fetching.
	if _, err := Install(context.Background(), []byte(lockfileJSON), opts); err != nil {
		t.Fatalf("Install: %v", err)
	}

	layout := store.NewLayout(storeRoot)
	resolved, perr := lockfile.Parse([]byte(lockfileJSON))
	if perr != nil {
		t.Fatal(perr)
	}

	outcomes, err := IngestAndMaterialize(context.Background(), layout, resolved.Packages, opts)
	if err != nil {
		t.Fatalf("IngestAndMaterialize: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if !outcomes[0].IngestReused {
		t.Error("IngestReused should be true: the package was already ingested by the prior Install call")
	}
}
