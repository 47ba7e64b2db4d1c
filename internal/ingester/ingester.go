// Package ingester implements C7: walking a package's unpacked tree,
// publishing each regular file into the file-level CAS keyed by sha256,
// and recording the result in a package manifest so the materializer can
// later reconstruct the tree from file-store hardlinks instead of a raw
// copy.
package ingester

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/integrity"
	"github.com/bnpm/bnpm/internal/platform"
	"github.com/bnpm/bnpm/internal/store"
)

const fileDigestAlgorithm = "sha256"

// Ingester populates the file-store CAS from unpacked package trees.
type Ingester struct {
	layout  *store.Layout
	workers int
}

// New returns an Ingester rooted at layout.
func New(layout *store.Layout, workers int) *Ingester {
	if workers <= 0 {
		workers = 4
	}
	return &Ingester{layout: layout, workers: workers}
}

// Result reports what Ingest did for one package.
type Result struct {
	Reused        bool // a manifest already existed; no walk was performed
	TotalFiles    uint64
	NewFiles      uint64 // files newly published to the file store
	ExistingFiles uint64 // files whose content already existed in the file store
	TotalBytes    uint64
}

// Ingest walks unpackedDir (the extracted tree for archive (algo, hex))
// and publishes every regular file into the file-store, recording a
// manifest keyed by the same (algo, hex) coordinates. If a manifest
// already exists for this archive, Ingest is a no-op: the archive's
// content is immutable once its integrity digest has verified, so its
// manifest never needs to be rebuilt (I7: at-most-one ingest per
// archive).
func (g *Ingester) Ingest(ctx context.Context, algo, hex, unpackedDir string) (Result, *corerr.Error) {
	if existing, ok, err := store.ReadManifest(g.layout, algo, hex); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Reused: true, TotalFiles: uint64(len(existing.Files))}, nil
	}

	var files []string
	var symlinks []string
	if err := walkTree(unpackedDir, &files, &symlinks); err != nil {
		return Result{}, corerr.Wrapf(corerr.KindStoreIO, err, "walking unpacked tree %s", unpackedDir)
	}

	manifest := store.NewManifest(algo, hex)
	var mu sync.Mutex
	var newFiles, existingFiles, totalBytes atomic.Uint64

	sem := semaphore.NewWeighted(int64(g.workers))
	var wg sync.WaitGroup
	var firstErrOnce sync.Once
	var firstErr *corerr.Error

	for _, abs := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(abs string) {
			defer wg.Done()
			defer sem.Release(1)

			rel, err := filepath.Rel(unpackedDir, abs)
			if err != nil {
				firstErrOnce.Do(func() { firstErr = corerr.Wrapf(corerr.KindStoreIO, err, "computing relative path") })
				return
			}

			entry, isNew, ierr := g.ingestFile(abs)
			if ierr != nil {
				firstErrOnce.Do(func() { firstErr = ierr })
				return
			}

			mu.Lock()
			manifest.Files[filepath.ToSlash(rel)] = entry
			mu.Unlock()

			if isNew {
				newFiles.Add(1)
			} else {
				existingFiles.Add(1)
			}
			totalBytes.Add(uint64(entry.Size))
		}(abs)
	}
	wg.Wait()
	if firstErr != nil {
		return Result{}, firstErr
	}

	for _, abs := range symlinks {
		rel, err := filepath.Rel(unpackedDir, abs)
		if err != nil {
			return Result{}, corerr.Wrapf(corerr.KindStoreIO, err, "computing relative symlink path")
		}
		target, err := os.Readlink(abs)
		if err != nil {
			return Result{}, corerr.Wrapf(corerr.KindStoreIO, err, "reading symlink %s", abs)
		}
		manifest.Files[filepath.ToSlash(rel)] = store.ManifestEntry{Type: store.EntrySymlink, Target: target}
	}

	if err := store.WriteManifestAtomic(g.layout, manifest); err != nil {
		return Result{}, err
	}

	return Result{
		TotalFiles:    newFiles.Load() + existingFiles.Load() + uint64(len(symlinks)),
		NewFiles:      newFiles.Load(),
		ExistingFiles: existingFiles.Load(),
		TotalBytes:    totalBytes.Load(),
	}, nil
}

// ingestFile hashes abs, publishes it into the file store under its
// sha256 hex digest (unless already present), and returns the manifest
// entry describing it.
func (g *Ingester) ingestFile(abs string) (store.ManifestEntry, bool, *corerr.Error) {
	info, err := os.Stat(abs)
	if err != nil {
		return store.ManifestEntry{}, false, corerr.Wrapf(corerr.KindStoreIO, err, "stat %s", abs)
	}

	in, err := os.Open(abs)
	if err != nil {
		return store.ManifestEntry{}, false, corerr.Wrapf(corerr.KindStoreIO, err, "opening %s", abs)
	}
	hex, hashErr := integrity.HashReader(in, fileDigestAlgorithm)
	in.Close()
	if hashErr != nil {
		return store.ManifestEntry{}, false, corerr.Wrapf(corerr.KindStoreIO, hashErr, "hashing %s", abs)
	}

	entry := store.ManifestEntry{
		Type: store.EntryFile,
		Hash: hex,
		Size: info.Size(),
		Mode: uint32(info.Mode().Perm()),
	}

	dest := g.layout.FileStorePath(hex)
	if _, err := os.Stat(dest); err == nil {
		return entry, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return entry, false, corerr.Wrapf(corerr.KindStoreIO, err, "creating file-store dir")
	}
	tmp := platform.TempSibling(dest)
	if err := platform.CopyFile(abs, tmp, info.Mode().Perm()); err != nil {
		return entry, false, corerr.Wrapf(corerr.KindStoreIO, err, "staging file-store entry")
	}
	if err := platform.AtomicPublish(tmp, dest); err != nil {
		os.Remove(tmp)
		// A concurrent ingest may have published the same content first
		// (I3: publish-by-rename is idempotent under races); only a
		// genuine failure other than "already exists" is an error.
		if !os.IsExist(err) {
			if _, statErr := os.Stat(dest); statErr != nil {
				return entry, false, corerr.Wrapf(corerr.KindStoreIO, err, "publishing file-store entry")
			}
		}
	}
	return entry, true, nil
}

// walkTree collects absolute paths of regular files and symlinks under
// root, skipping nested node_modules directories (a package's own
// dependencies are ingested as their own top-level archives, not folded
// into this package's manifest) and the extraction marker file.
func walkTree(root string, files, symlinks *[]string) error {
	entries, err := platform.StableList(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Name() == ".extracted-marker" {
			continue
		}
		abs := filepath.Join(root, entry.Name())
		switch {
		case entry.IsDir():
			if entry.Name() == "node_modules" {
				continue
			}
			if err := walkTree(abs, files, symlinks); err != nil {
				return err
			}
		case entry.Type()&os.ModeSymlink != 0:
			*symlinks = append(*symlinks, abs)
		default:
			if entry.Type().IsRegular() {
				*files = append(*files, abs)
			}
		}
	}
	return nil
}
