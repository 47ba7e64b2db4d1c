package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/jsonw"
	"github.com/bnpm/bnpm/internal/materializer"
	"github.com/bnpm/bnpm/internal/orchestrator"
)

type installOptions struct {
	lockfilePath string
	projectRoot  string
	storeRoot    string
	workers      int
	linkStrategy string
	profile      string
	dedupPolicy  string
	noProgress   bool
	rateLimit    int
}

func newInstallCmd() *cobra.Command {
	opts := &installOptions{
		lockfilePath: "package-lock.json",
		projectRoot:  ".",
		storeRoot:    defaultStoreRoot(),
		workers:      defaultWorkers(),
		linkStrategy: string(materializer.StrategyAuto),
		profile:      string(materializer.ProfileAuto),
		dedupPolicy:  string(orchestrator.PolicyDedup),
	}

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Resolve a lockfile, fetch its packages, and materialize them under node_modules",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runInstall(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.lockfilePath, "lockfile", "l", opts.lockfilePath, "Path to the resolved-dependency lockfile")
	cmd.Flags().StringVarP(&opts.projectRoot, "project-root", "C", opts.projectRoot, "Project root to install node_modules into")
	cmd.Flags().StringVar(&opts.storeRoot, "store-root", opts.storeRoot, "Content-addressed store root")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel workers")
	cmd.Flags().StringVar(&opts.linkStrategy, "link-strategy", opts.linkStrategy, "auto, hardlink, or copy")
	cmd.Flags().StringVar(&opts.profile, "profile", opts.profile, "auto, io-heavy, or small-files")
	cmd.Flags().StringVar(&opts.dedupPolicy, "dedup-policy", opts.dedupPolicy, "dedup or speed")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().IntVar(&opts.rateLimit, "rate-limit", 0, "Download rate limit in bytes/sec (0 disables)")

	return cmd
}

func runInstall(opts *installOptions) error {
	data, err := os.ReadFile(opts.lockfilePath)
	if err != nil {
		return failf(corerr.KindUsage, "reading lockfile: %v", err)
	}

	rep, cerr := orchestrator.Install(context.Background(), data, orchestrator.Options{
		StoreRoot:    opts.storeRoot,
		ProjectRoot:  opts.projectRoot,
		Workers:      opts.workers,
		LinkStrategy: materializer.Strategy(opts.linkStrategy),
		Profile:      materializer.Profile(opts.profile),
		DedupPolicy:  orchestrator.DedupPolicy(opts.dedupPolicy),
		ShowProgress: !opts.noProgress,
		RateLimit:    opts.rateLimit,
	})

	return printReport("bnpm.install.report", cerr, func(w *jsonw.Writer) {
		if rep == nil {
			return
		}
		w.Key("total_packages").ValueInt(int64(rep.TotalPackages))
		w.Key("fetched").ValueUint(rep.FetchResult.PackagesFetched)
		w.Key("cached").ValueUint(rep.FetchResult.PackagesCached)
		w.Key("bytes_downloaded").ValueUint(rep.FetchResult.BytesDownloaded)
		w.Key("duration_ms").BeginObject()
		w.Key("resolve").ValueInt(rep.Durations.Resolve.Milliseconds())
		w.Key("fetch").ValueInt(rep.Durations.Fetch.Milliseconds())
		w.Key("ingest_and_materialize").ValueInt(rep.Durations.IngestAndMaterialize.Milliseconds())
		w.EndObject()
		w.Key("packages").BeginArray()
		for _, o := range rep.Outcomes {
			w.BeginObject()
			w.Key("name").ValueString(o.Name)
			w.Key("version").ValueString(o.Version)
			w.Key("install_path").ValueString(o.InstallPath)
			w.Key("ingest_reused").ValueBool(o.IngestReused)
			w.Key("materialize_rung").ValueString(string(o.MaterializeRung))
			w.Key("effective_jobs").ValueInt(int64(o.EffectiveJobs))
			if o.Err != nil {
				w.Key("error").ValueString(o.Err.Error())
			}
			w.EndObject()
		}
		w.EndArray()
	})
}
