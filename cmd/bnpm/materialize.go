package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/jsonw"
	"github.com/bnpm/bnpm/internal/lockfile"
	"github.com/bnpm/bnpm/internal/materializer"
	"github.com/bnpm/bnpm/internal/orchestrator"
	"github.com/bnpm/bnpm/internal/store"
)

type materializeOptions struct {
	lockfilePath string
	projectRoot  string
	storeRoot    string
	workers      int
	linkStrategy string
	profile      string
	dedupPolicy  string
}

func newMaterializeCmd() *cobra.Command {
	opts := &materializeOptions{
		lockfilePath: "package-lock.json",
		projectRoot:  ".",
		storeRoot:    defaultStoreRoot(),
		workers:      defaultWorkers(),
		linkStrategy: string(materializer.StrategyAuto),
		profile:      string(materializer.ProfileAuto),
		dedupPolicy:  string(orchestrator.PolicyDedup),
	}

	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Reconstruct node_modules from an already-fetched store, without re-fetching",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMaterialize(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.lockfilePath, "lockfile", "l", opts.lockfilePath, "Path to the resolved-dependency lockfile")
	cmd.Flags().StringVarP(&opts.projectRoot, "project-root", "C", opts.projectRoot, "Project root to install node_modules into")
	cmd.Flags().StringVar(&opts.storeRoot, "store-root", opts.storeRoot, "Content-addressed store root")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel workers")
	cmd.Flags().StringVar(&opts.linkStrategy, "link-strategy", opts.linkStrategy, "auto, hardlink, or copy")
	cmd.Flags().StringVar(&opts.profile, "profile", opts.profile, "auto, io-heavy, or small-files")
	cmd.Flags().StringVar(&opts.dedupPolicy, "dedup-policy", opts.dedupPolicy, "dedup or speed")

	return cmd
}

func runMaterialize(opts *materializeOptions) error {
	data, err := os.ReadFile(opts.lockfilePath)
	if err != nil {
		return failf(corerr.KindUsage, "reading lockfile: %v", err)
	}

	resolved, lerr := lockfile.Parse(data)
	if lerr != nil {
		return printReport("bnpm.materialize.report", lerr, func(*jsonw.Writer) {})
	}

	layout := store.NewLayout(opts.storeRoot)
	outcomes, merr := orchestrator.IngestAndMaterialize(context.Background(), layout, resolved.Packages, orchestrator.Options{
		ProjectRoot:  opts.projectRoot,
		Workers:      opts.workers,
		LinkStrategy: materializer.Strategy(opts.linkStrategy),
		Profile:      materializer.Profile(opts.profile),
		DedupPolicy:  orchestrator.DedupPolicy(opts.dedupPolicy),
	})

	return printReport("bnpm.materialize.report", merr, func(w *jsonw.Writer) {
		w.Key("total_packages").ValueInt(int64(len(resolved.Packages)))
		w.Key("packages").BeginArray()
		for _, o := range outcomes {
			w.BeginObject()
			w.Key("name").ValueString(o.Name)
			w.Key("install_path").ValueString(o.InstallPath)
			w.Key("materialize_rung").ValueString(string(o.MaterializeRung))
			w.Key("effective_jobs").ValueInt(int64(o.EffectiveJobs))
			w.EndObject()
		}
		w.EndArray()
	})
}
