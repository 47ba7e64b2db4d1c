// Package materializer implements C8: reconstructing a package's file
// tree at an install destination using the strategy ladder from
// spec.md §4.6 — copy-on-write clone, then file-store hardlink via
// manifest, then per-file hardlink-with-copy-fallback — while tracking
// which rung satisfied each package for the final report.
package materializer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/platform"
	"github.com/bnpm/bnpm/internal/store"
)

// Strategy is the caller's link-strategy preference.
type Strategy string

const (
	// StrategyAuto tries every rung of the ladder in order.
	StrategyAuto Strategy = "auto"
	// StrategyHardlink tries the same rungs as StrategyAuto (clone, then
	// the file-store hardlink rung, then per-file hardlinks), falling
	// back to copy only on a per-file basis (EXDEV, etc).
	StrategyHardlink Strategy = "hardlink"
	// StrategyCopy skips both clone and hardlink rungs entirely.
	StrategyCopy Strategy = "copy"
)

// Profile tunes the effective worker count for the tree-copy fallback,
// matching original_source's io-heavy vs small-files MaterializeProfile.
type Profile string

const (
	ProfileAuto       Profile = "auto"
	ProfileIOHeavy    Profile = "io-heavy"
	ProfileSmallFiles Profile = "small-files"
)

// Source describes what Materialize reconstructs: the unpacked archive
// tree at UnpackedDir, optionally paired with a Manifest (when the
// package has already been ingested into the file-store CAS) that
// enables the file-store-hardlink rung.
type Source struct {
	Layout      *store.Layout
	UnpackedDir string
	Manifest    *store.Manifest // nil if not yet ingested
}

// Materializer reconstructs package trees at install destinations.
type Materializer struct {
	workers int
}

// New returns a Materializer with the given fallback worker pool size
// (used only by the tree-copy rung; clone and manifest-hardlink rungs are
// whole-tree operations).
func New(workers int) *Materializer {
	if workers <= 0 {
		workers = 4
	}
	return &Materializer{workers: workers}
}

// Rung identifies which ladder step satisfied a Materialize call.
type Rung string

const (
	RungClone           Rung = "clone"
	RungFileStoreHardlink Rung = "filestore_hardlink"
	RungTreeCopy        Rung = "tree_copy"
)

// Report summarizes one Materialize call.
type Report struct {
	Rung          Rung
	FilesLinked   uint64
	FilesCopied   uint64
	SymlinksMade  uint64
	BytesCopied   uint64
	EffectiveJobs int // worker count actually used by the tree-copy rung; zero when another rung satisfied the call
}

// Materialize reconstructs src's tree at dest, honoring strategy and
// profile, and working down the ladder until one rung succeeds.
//
// preferHardlink reorders the ladder for the dedup-policy install mode
// (spec.md §4.8): when true and a manifest is available, the file-store
// hardlink rung is tried before the clone rung, since a successful clone
// would "win" over hardlinking and leave file-store reuse un-exercised.
func (m *Materializer) Materialize(ctx context.Context, src Source, dest string, strategy Strategy, profile Profile, preferHardlink bool) (Report, *corerr.Error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Report{}, corerr.Wrapf(corerr.KindMaterializeIO, err, "creating parent of %s", dest)
	}

	tryClone := strategy != StrategyCopy
	tryHardlink := strategy != StrategyCopy

	attemptOrder := []func() (Report, bool, *corerr.Error){}
	cloneStep := func() (Report, bool, *corerr.Error) {
		if !tryClone {
			return Report{}, false, nil
		}
		ok, err := platform.CloneDirectory(src.UnpackedDir, dest)
		if err != nil {
			return Report{}, false, corerr.Wrapf(corerr.KindMaterializeIO, err, "cloning %s", src.UnpackedDir)
		}
		if !ok {
			return Report{}, false, nil
		}
		return Report{Rung: RungClone}, true, nil
	}
	hardlinkStep := func() (Report, bool, *corerr.Error) {
		if !tryHardlink || src.Manifest == nil {
			return Report{}, false, nil
		}
		rep, err := m.materializeFromManifest(src, dest)
		if err != nil {
			return Report{}, false, err
		}
		return rep, true, nil
	}

	if preferHardlink {
		attemptOrder = append(attemptOrder, hardlinkStep, cloneStep)
	} else {
		attemptOrder = append(attemptOrder, cloneStep, hardlinkStep)
	}

	for _, step := range attemptOrder {
		rep, ok, err := step()
		if err != nil {
			return Report{}, err
		}
		if ok {
			return rep, nil
		}
	}

	// Final rung: walk the unpacked tree and copy it, attempting a
	// per-file hardlink first unless the caller asked for pure copy.
	return m.treeCopyFallback(ctx, src.UnpackedDir, dest, strategy != StrategyCopy, profile)
}

// materializeFromManifest reconstructs dest entirely from file-store
// hardlinks (and literal symlinks), per manifest. A single file failing
// to hardlink (cross-device, permission) falls back to copying just that
// file rather than aborting the whole package.
func (m *Materializer) materializeFromManifest(src Source, dest string) (Report, *corerr.Error) {
	var rep Report
	rep.Rung = RungFileStoreHardlink

	dirs := map[string]bool{dest: true}
	for rel := range src.Manifest.Files {
		dir := filepath.Dir(filepath.Join(dest, filepath.FromSlash(rel)))
		dirs[dir] = true
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Report{}, corerr.Wrapf(corerr.KindMaterializeIO, err, "creating dir %s", dir)
		}
	}

	for rel, entry := range src.Manifest.Files {
		target := filepath.Join(dest, filepath.FromSlash(rel))
		switch entry.Type {
		case store.EntrySymlink:
			os.Remove(target)
			if err := os.Symlink(entry.Target, target); err != nil {
				return Report{}, corerr.Wrapf(corerr.KindMaterializeIO, err, "symlinking %s", target)
			}
			rep.SymlinksMade++
		default:
			fileStorePath := src.Layout.FileStorePath(entry.Hash)
			os.Remove(target)
			if err := platform.Hardlink(fileStorePath, target); err != nil {
				if copyErr := platform.CopyFile(fileStorePath, target, os.FileMode(entry.Mode)); copyErr != nil {
					return Report{}, corerr.Wrapf(corerr.KindMaterializeIO, copyErr, "copying %s", target)
				}
				rep.FilesCopied++
				rep.BytesCopied += uint64(entry.Size)
				continue
			}
			rep.FilesLinked++
		}
	}
	return rep, nil
}

// treeCopyFallback walks src and reconstructs it at dest file by file,
// bounded by a worker pool sized per profile. When tryHardlink is true
// (link strategy auto/hardlink), each regular file first attempts a
// direct hardlink from its source path before falling back to copy —
// this is the rung that handles a manifest-less materialize call (no
// ingestion has happened yet) while still getting *some* dedup benefit
// when src and dest share a device.
func (m *Materializer) treeCopyFallback(ctx context.Context, src, dest string, tryHardlink bool, profile Profile) (Report, *corerr.Error) {
	workers := m.workers
	switch profile {
	case ProfileIOHeavy:
		workers = max(workers*2, 4)
	case ProfileSmallFiles:
		workers = max(workers*3, 8)
	}

	type task struct {
		relPath string
		info    os.FileInfo
		isDir   bool
		isLink  bool
	}
	var tasks []task
	if err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		tasks = append(tasks, task{relPath: rel, info: info, isDir: info.IsDir(), isLink: info.Mode()&os.ModeSymlink != 0})
		return nil
	}); err != nil {
		return Report{}, corerr.Wrapf(corerr.KindMaterializeIO, err, "walking %s", src)
	}

	// Directories must exist before any file inside them is written;
	// create them up front, shortest path first.
	for _, t := range tasks {
		if t.isDir {
			if err := os.MkdirAll(filepath.Join(dest, t.relPath), t.info.Mode().Perm()); err != nil {
				return Report{}, corerr.Wrapf(corerr.KindMaterializeIO, err, "creating dir %s", t.relPath)
			}
		}
	}

	var rep Report
	rep.Rung = RungTreeCopy
	var linked, copied, symlinked atomic.Uint64
	var bytesCopied atomic.Uint64

	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	var firstErrOnce sync.Once
	var firstErr *corerr.Error

	for _, t := range tasks {
		if t.isDir {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			defer sem.Release(1)

			srcPath := filepath.Join(src, t.relPath)
			destPath := filepath.Join(dest, t.relPath)

			if t.isLink {
				target, err := os.Readlink(srcPath)
				if err != nil {
					firstErrOnce.Do(func() { firstErr = corerr.Wrapf(corerr.KindMaterializeIO, err, "reading symlink %s", srcPath) })
					return
				}
				os.Remove(destPath)
				if err := os.Symlink(target, destPath); err != nil {
					firstErrOnce.Do(func() { firstErr = corerr.Wrapf(corerr.KindMaterializeIO, err, "symlinking %s", destPath) })
					return
				}
				symlinked.Add(1)
				return
			}

			if tryHardlink {
				if err := platform.Hardlink(srcPath, destPath); err == nil {
					linked.Add(1)
					return
				}
			}
			if err := platform.CopyFile(srcPath, destPath, t.info.Mode().Perm()); err != nil {
				firstErrOnce.Do(func() { firstErr = corerr.Wrapf(corerr.KindMaterializeIO, err, "copying %s", destPath) })
				return
			}
			copied.Add(1)
			bytesCopied.Add(uint64(t.info.Size()))
		}(t)
	}
	wg.Wait()

	if firstErr != nil {
		return Report{}, firstErr
	}

	rep.FilesLinked = linked.Load()
	rep.FilesCopied = copied.Load()
	rep.SymlinksMade = symlinked.Load()
	rep.BytesCopied = bytesCopied.Load()
	rep.EffectiveJobs = workers
	return rep, nil
}
