package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bnpm/bnpm/internal/cache"
	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/deduper"
	"github.com/bnpm/bnpm/internal/jsonw"
	"github.com/bnpm/bnpm/internal/scanner"
	"github.com/bnpm/bnpm/internal/screener"
	"github.com/bnpm/bnpm/internal/verifier"
)

// optimizeOptions holds CLI flags for the supplemental post-install
// dedup pass: a repointed version of the teacher's own dedupe command,
// run against a materialized module tree instead of arbitrary paths.
type optimizeOptions struct {
	minSizeStr            string
	excludes              []string
	workers               int
	noProgress            bool
	verbose               bool
	dryRun                bool
	symlinkFallback       bool
	trustDeviceBoundaries bool
	cacheFile             string
}

func newOptimizeCmd() *cobra.Command {
	opts := &optimizeOptions{
		minSizeStr: "1",
		workers:    defaultWorkers(),
	}

	cmd := &cobra.Command{
		Use:   "optimize [paths...]",
		Short: "Find and hardlink duplicate files left behind after install",
		Long: `Scans a materialized module tree for duplicate file content the install-time
materializer couldn't dedup (tree-copy fallback, cross-device copies, or a
tree materialized by another tool) and replaces duplicates with hardlinks,
or symlinks as a cross-device fallback.

Defaults to <project-root>/node_modules when no path is given.

Use --dry-run to preview without making changes.`,
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"node_modules"}
			}
			return runOptimize(args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size (e.g., 100, 1K, 10M, 1G)")
	cmd.Flags().StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Glob patterns to exclude")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel workers")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show individual file operations")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Preview changes without executing")
	cmd.Flags().BoolVar(&opts.symlinkFallback, "symlink-fallback", false, "Fall back to symlinks when deduplicating across device boundaries")
	cmd.Flags().BoolVar(&opts.trustDeviceBoundaries, "trust-device-boundaries", false,
		"Assume devices have independent inode spaces. WARNING: unsafe if the same filesystem is mounted at multiple paths (e.g., NFS)")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to hash cache file (enables caching across runs)")

	return cmd
}

func runOptimize(paths []string, opts *optimizeOptions) error {
	minSize, err := parseSize(opts.minSizeStr)
	if err != nil {
		return failf(corerr.KindUsage, "invalid --min-size: %v", err)
	}
	if err := validateGlobPatterns(opts.excludes); err != nil {
		return failf(corerr.KindUsage, "invalid --exclude: %v", err)
	}

	showProgress := !opts.noProgress

	errs := make(chan error, 100)
	var drained []error
	done := make(chan struct{})
	go func() {
		for e := range errs {
			drained = append(drained, e)
			fmt.Fprintf(os.Stderr, "\r\033[Kerror: %v\n", e)
		}
		close(done)
	}()

	files := scanner.New(paths, minSize, opts.excludes, opts.workers, showProgress, errs).Run()

	var candidateCount, duplicateSetCount int
	var bytesReclaimable int64

	if len(files) > 0 {
		candidates := screener.New(files, showProgress, opts.trustDeviceBoundaries).Run()
		candidateCount = candidates.Len()

		if candidates.Len() > 0 {
			hashCache, cacheErr := cache.Open(opts.cacheFile)
			if cacheErr != nil {
				close(errs)
				<-done
				return failf(corerr.KindStoreIO, "opening hash cache: %v", cacheErr)
			}

			duplicates := verifier.New(candidates, opts.workers, showProgress, errs, hashCache).Run()
			_ = hashCache.Close()

			duplicateSetCount = duplicates.Len()
			d := deduper.New(duplicates, paths, opts.dryRun, opts.symlinkFallback, opts.verbose, showProgress, errs)
			d.Run()
			bytesReclaimable = d.BytesSaved()
		}
	}

	close(errs)
	<-done

	return printReport("bnpm.optimize.report", nil, func(w *jsonw.Writer) {
		w.Key("paths").BeginArray()
		for _, p := range paths {
			w.ValueString(p)
		}
		w.EndArray()
		w.Key("files_scanned").ValueInt(int64(len(files)))
		w.Key("candidate_groups").ValueInt(int64(candidateCount))
		w.Key("duplicate_sets").ValueInt(int64(duplicateSetCount))
		w.Key("bytes_reclaimed").ValueInt(bytesReclaimable)
		w.Key("dry_run").ValueBool(opts.dryRun)
		w.Key("non_fatal_errors").ValueInt(int64(len(drained)))
	})
}
