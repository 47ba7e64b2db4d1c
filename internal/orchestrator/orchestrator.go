// Package orchestrator implements C10: the top-level install pipeline
// wiring lockfile parsing, fetch, ingest, and materialize together with
// bounded parallelism and per-phase timing, and the dedup-vs-speed policy
// switch from spec.md §4.8.
package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/fetcher"
	"github.com/bnpm/bnpm/internal/ingester"
	"github.com/bnpm/bnpm/internal/integrity"
	"github.com/bnpm/bnpm/internal/lockfile"
	"github.com/bnpm/bnpm/internal/materializer"
	"github.com/bnpm/bnpm/internal/store"
)

// DedupPolicy controls whether materialization favors file-store dedup
// or raw clone speed.
type DedupPolicy string

const (
	// PolicyDedup ingests before materializing and prefers file-store
	// hardlinks over cloning, maximizing cross-package sharing.
	PolicyDedup DedupPolicy = "dedup"
	// PolicySpeed materializes immediately (clone-preferred) and lets
	// ingestion happen afterward, opportunistically, so future installs
	// can still benefit from file-store reuse without this one waiting
	// on it.
	PolicySpeed DedupPolicy = "speed"
)

// Options configures one install run.
type Options struct {
	StoreRoot     string
	ProjectRoot   string
	Workers       int
	LinkStrategy  materializer.Strategy
	Profile       materializer.Profile
	DedupPolicy   DedupPolicy
	ShowProgress  bool
	RateLimit     int
}

// PackageOutcome reports what happened for one resolved package.
type PackageOutcome struct {
	Name          string
	Version       string
	InstallPath   string
	FetchCached   bool
	IngestReused  bool
	MaterializeRung materializer.Rung
	EffectiveJobs int // worker count actually used by the tree-copy rung, per materializer.Report
	Err           *corerr.Error
}

// PhaseDurations records wall-clock time spent in each pipeline phase.
type PhaseDurations struct {
	Resolve      time.Duration
	Fetch        time.Duration
	IngestAndMaterialize time.Duration
}

// Report is the full result of one Install call.
type Report struct {
	TotalPackages int
	Outcomes      []PackageOutcome
	FetchResult   fetcher.Result
	Durations     PhaseDurations
	FirstError    *corerr.Error
}

// Install runs the full C3 -> C6 -> (C7, C8) pipeline against lockfileData,
// installing into opts.ProjectRoot/<install-path> (install paths already
// begin with node_modules).
func Install(ctx context.Context, lockfileData []byte, opts Options) (*Report, *corerr.Error) {
	resolveStart := time.Now()
	resolved, err := lockfile.Parse(lockfileData)
	if err != nil {
		return nil, err
	}
	resolveDuration := time.Since(resolveStart)

	layout := store.NewLayout(opts.StoreRoot)

	fetchStart := time.Now()
	f := fetcher.New(layout, fetcher.Options{
		Workers:      opts.Workers,
		RateLimit:    opts.RateLimit,
		ShowProgress: opts.ShowProgress,
	})
	fetchResult, ferr := f.Run(ctx, resolved.Packages)
	fetchDuration := time.Since(fetchStart)

	rep := &Report{
		TotalPackages: len(resolved.Packages),
		FetchResult:   fetchResult,
		Durations: PhaseDurations{
			Resolve: resolveDuration,
			Fetch:   fetchDuration,
		},
	}
	if ferr != nil {
		rep.FirstError = ferr
		return rep, ferr
	}

	phase3Start := time.Now()
	outcomes, firstErr := runIngestAndMaterialize(ctx, layout, resolved.Packages, opts)
	rep.Durations.IngestAndMaterialize = time.Since(phase3Start)
	rep.Outcomes = outcomes
	rep.FirstError = firstErr

	return rep, firstErr
}

// IngestAndMaterialize runs phase 3 (ingest + materialize) directly
// against an already-fetched store, for callers that resolved and fetched
// a lockfile previously and only need to (re)materialize its tree — the
// `bnpm materialize` subcommand's use case.
func IngestAndMaterialize(ctx context.Context, layout *store.Layout, pkgs []lockfile.Package, opts Options) ([]PackageOutcome, *corerr.Error) {
	return runIngestAndMaterialize(ctx, layout, pkgs, opts)
}

func runIngestAndMaterialize(ctx context.Context, layout *store.Layout, pkgs []lockfile.Package, opts Options) ([]PackageOutcome, *corerr.Error) {
	g := ingester.New(layout, opts.Workers)
	mzr := materializer.New(opts.Workers)

	sem := semaphore.NewWeighted(int64(opts.Workers))
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := make([]PackageOutcome, len(pkgs))

	var firstErrOnce sync.Once
	var firstErr *corerr.Error

	for i, pkg := range pkgs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, pkg lockfile.Package) {
			defer wg.Done()
			defer sem.Release(1)

			outcome := PackageOutcome{Name: pkg.Name, Version: pkg.Version, InstallPath: pkg.InstallPath}
			defer func() {
				mu.Lock()
				outcomes[i] = outcome
				mu.Unlock()
			}()

			dig, derr := integrity.Parse(pkg.Integrity)
			if derr != nil {
				outcome.Err = derr
				firstErrOnce.Do(func() { firstErr = derr })
				return
			}

			dest := filepath.Join(opts.ProjectRoot, filepath.FromSlash(pkg.InstallPath))
			unpackedDir := layout.UnpackedDir(dig.Algorithm, dig.Hex)

			preferHardlink := opts.DedupPolicy == PolicyDedup

			var manifest *store.Manifest
			if opts.DedupPolicy == PolicyDedup {
				ires, ierr := g.Ingest(ctx, dig.Algorithm, dig.Hex, unpackedDir)
				if ierr != nil {
					outcome.Err = ierr
					firstErrOnce.Do(func() { firstErr = ierr })
					return
				}
				outcome.IngestReused = ires.Reused
				if m, ok, merr := store.ReadManifest(layout, dig.Algorithm, dig.Hex); merr == nil && ok {
					manifest = m
				}
			} else {
				// Speed policy: best-effort manifest lookup only; don't
				// block materialization on ingestion.
				if m, ok, _ := store.ReadManifest(layout, dig.Algorithm, dig.Hex); ok {
					manifest = m
				}
			}

			src := materializer.Source{Layout: layout, UnpackedDir: unpackedDir, Manifest: manifest}
			mrep, merr := mzr.Materialize(ctx, src, dest, opts.LinkStrategy, opts.Profile, preferHardlink)
			if merr != nil {
				outcome.Err = merr
				firstErrOnce.Do(func() { firstErr = merr })
				return
			}
			outcome.MaterializeRung = mrep.Rung
			outcome.EffectiveJobs = mrep.EffectiveJobs

			if opts.DedupPolicy == PolicySpeed {
				// Opportunistic ingest: failures here don't fail the
				// install, they just mean future runs don't get
				// file-store reuse for this package.
				_, _ = g.Ingest(ctx, dig.Algorithm, dig.Hex, unpackedDir)
			}
		}(i, pkg)
	}
	wg.Wait()

	return outcomes, firstErr
}
