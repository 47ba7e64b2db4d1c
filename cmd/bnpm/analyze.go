package main

import (
	"github.com/spf13/cobra"

	"github.com/bnpm/bnpm/internal/analyzer"
	"github.com/bnpm/bnpm/internal/jsonw"
)

func newAnalyzeCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "analyze [root]",
		Short: "Report per-package disk usage, duplicate versions, and nesting depth under a node_modules tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				root = args[0]
			} else if root == "" {
				root = "."
			}
			return runAnalyze(root)
		},
	}

	return cmd
}

func runAnalyze(root string) error {
	rep, err := analyzer.Analyze(root)

	return printReport("bnpm.analyze.report", err, func(w *jsonw.Writer) {
		if rep == nil {
			return
		}
		w.Key("total_files").ValueUint(rep.TotalFiles)
		w.Key("total_logical_bytes").ValueUint(rep.TotalLogical)
		w.Key("total_physical_bytes").ValueUint(rep.TotalPhysical)
		w.Key("total_shared_bytes").ValueUint(rep.TotalShared)
		w.Key("identity_unreliable").ValueBool(rep.IdentityUnreliable)
		w.Key("depth").BeginObject()
		w.Key("max").ValueInt(int64(rep.Depth.Max))
		w.Key("p95").ValueInt(int64(rep.Depth.P95))
		w.EndObject()

		w.Key("packages").BeginArray()
		for _, p := range rep.Packages {
			w.BeginObject()
			w.Key("name").ValueString(p.Name)
			w.Key("version").ValueString(p.Version)
			w.Key("instances").ValueInt(int64(len(p.Paths)))
			w.Key("file_count").ValueUint(p.FileCount)
			w.Key("logical_bytes").ValueUint(p.LogicalBytes)
			w.Key("physical_bytes").ValueUint(p.PhysicalBytes)
			w.Key("shared_bytes").ValueUint(p.SharedBytes)
			w.Key("min_depth").ValueInt(int64(p.MinDepth))
			w.Key("max_depth").ValueInt(int64(p.MaxDepth))
			w.Key("approximate").ValueBool(p.Approximate)
			w.EndObject()
		}
		w.EndArray()

		w.Key("duplicates").BeginArray()
		for _, d := range rep.Duplicates {
			w.BeginObject()
			w.Key("name").ValueString(d.Name)
			w.Key("versions").BeginArray()
			for _, v := range d.Versions {
				w.ValueString(v)
			}
			w.EndArray()
			w.Key("majors").BeginArray()
			for _, maj := range d.Majors {
				w.ValueString(maj)
			}
			w.EndArray()
			w.Key("count").ValueInt(int64(d.InstanceCount))
			w.EndObject()
		}
		w.EndArray()
	})
}
