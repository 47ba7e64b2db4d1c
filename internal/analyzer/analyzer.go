// Package analyzer implements C9: a single-pass, read-only walk of a
// materialized module tree computing per-package physical/logical/shared
// byte accounting, duplicate-version detection, and depth statistics.
//
// Unlike the fetch/ingest/materialize pipeline, this is not
// parallelized: spec.md describes it as one walk building a running
// identity set, and a concurrent version would need to synchronize that
// set anyway, defeating the purpose. It mirrors the teacher's
// screener.groupByIno / groupByDevIno split for the reliable/unreliable
// identity distinction, and original_source's scan_tree/analyze for
// package-boundary detection.
package analyzer

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/platform"
)

// PackageRecord aggregates accounting for every install-path instance of
// one (name, version) pair under the scanned tree.
type PackageRecord struct {
	Name          string
	Version       string
	Paths         []string
	FileCount     uint64
	LogicalBytes  uint64
	PhysicalBytes uint64
	SharedBytes   uint64 // bytes already shared via hardlinks with files seen elsewhere in the tree
	MinDepth      int
	MaxDepth      int
	Approximate   bool // identity was unreliable; shared-byte accounting is a lower bound

	// DistinctInstances counts how many of Paths are physically distinct
	// copies, as opposed to hardlinks of each other sharing one copy on
	// disk. len(Paths) - DistinctInstances is the count already collapsed
	// by a prior materialize or optimize pass. Determined by comparing the
	// identity of each path's package.json; a path without one (or an
	// unreliable identity platform) always counts as its own distinct
	// instance.
	DistinctInstances int
	pathIdentity       map[string]platform.Identity
}

// Duplicate names one package name installed at more than one version.
type Duplicate struct {
	Name          string
	Versions      []string
	Majors        []string // distinct leading dot-separated segment of each version, e.g. "4" for "4.17.21"
	InstanceCount int
}

// DepthStats summarizes node_modules nesting depth across the tree.
type DepthStats struct {
	Max int
	P95 int
}

// Report is the full result of one Analyze call.
type Report struct {
	TotalFiles      uint64
	TotalLogical    uint64
	TotalPhysical   uint64
	TotalShared     uint64
	Packages        []PackageRecord
	Duplicates      []Duplicate
	Depth           DepthStats
	IdentityUnreliable bool
}

type seenIdentity struct {
	size int64
}

// Analyze walks root (a node_modules tree, or a project root containing
// one) and produces a Report.
func Analyze(root string) (*Report, *corerr.Error) {
	rep := &Report{}
	identitySeen := make(map[platform.Identity]seenIdentity)
	byNameVersion := make(map[string]*PackageRecord)
	var depths []int

	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		entries, err := platform.StableList(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			abs := filepath.Join(dir, entry.Name())

			if entry.IsDir() {
				if entry.Name() == "node_modules" {
					if err := walkNodeModules(abs, depth, rep, identitySeen, byNameVersion, &depths, walk); err != nil {
						return err
					}
					continue
				}
				if err := walk(abs, depth); err != nil {
					return err
				}
				continue
			}
		}
		return nil
	}

	// A root that is itself a node_modules directory holds packages
	// directly; any other root is searched for node_modules directories.
	var werr error
	if filepath.Base(filepath.Clean(root)) == "node_modules" {
		werr = walkNodeModules(root, 0, rep, identitySeen, byNameVersion, &depths, walk)
	} else {
		werr = walk(root, 0)
	}
	if werr != nil {
		return nil, corerr.Wrapf(corerr.KindStoreIO, werr, "analyzing %s", root)
	}

	for _, rec := range byNameVersion {
		sort.Strings(rec.Paths)
		rec.DistinctInstances = countDistinctInstances(rec.Paths, rec.pathIdentity)
		rep.Packages = append(rep.Packages, *rec)
	}
	sort.Slice(rep.Packages, func(i, j int) bool {
		if rep.Packages[i].Name != rep.Packages[j].Name {
			return rep.Packages[i].Name < rep.Packages[j].Name
		}
		return rep.Packages[i].Version < rep.Packages[j].Version
	})

	rep.Duplicates = computeDuplicates(rep.Packages)
	rep.Depth = computeDepthStats(depths)

	return rep, nil
}

// walkNodeModules processes one node_modules directory: every immediate
// child is either a scope directory (@scope/*) or a package directory.
func walkNodeModules(nodeModules string, parentDepth int, rep *Report,
	identitySeen map[platform.Identity]seenIdentity, byNameVersion map[string]*PackageRecord,
	depths *[]int, recurse func(string, int) error) error {

	entries, err := platform.StableList(nodeModules)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// .bin and hidden directories are never packages.
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		abs := filepath.Join(nodeModules, entry.Name())
		depth := parentDepth + 1

		if strings.HasPrefix(entry.Name(), "@") {
			scopeEntries, err := platform.StableList(abs)
			if err != nil {
				return err
			}
			for _, se := range scopeEntries {
				if !se.IsDir() || strings.HasPrefix(se.Name(), ".") {
					continue
				}
				pkgDir := filepath.Join(abs, se.Name())
				if err := processPackageDir(pkgDir, depth, entry.Name()+"/"+se.Name(), rep, identitySeen, byNameVersion, depths, recurse); err != nil {
					return err
				}
			}
			continue
		}

		if err := processPackageDir(abs, depth, entry.Name(), rep, identitySeen, byNameVersion, depths, recurse); err != nil {
			return err
		}
	}
	return nil
}

func processPackageDir(pkgDir string, depth int, fallbackName string, rep *Report,
	identitySeen map[platform.Identity]seenIdentity, byNameVersion map[string]*PackageRecord,
	depths *[]int, recurse func(string, int) error) error {

	name, version := readPackageIdentity(pkgDir)
	if name == "" {
		name = fallbackName
	}

	*depths = append(*depths, depth)

	key := name + "@" + version
	rec, ok := byNameVersion[key]
	if !ok {
		rec = &PackageRecord{Name: name, Version: version, MinDepth: depth, MaxDepth: depth}
		byNameVersion[key] = rec
	}
	rec.Paths = append(rec.Paths, pkgDir)
	if depth < rec.MinDepth {
		rec.MinDepth = depth
	}
	if depth > rec.MaxDepth {
		rec.MaxDepth = depth
	}

	if id, ok := packageIdentity(pkgDir); ok {
		if rec.pathIdentity == nil {
			rec.pathIdentity = make(map[string]platform.Identity)
		}
		rec.pathIdentity[pkgDir] = id
	}

	if err := accumulateFiles(pkgDir, rep, identitySeen, rec); err != nil {
		return err
	}

	// Recurse into this package's own node_modules, if any, tracking
	// depth relative to the whole tree rather than resetting per package.
	nested := filepath.Join(pkgDir, "node_modules")
	if info, err := os.Stat(nested); err == nil && info.IsDir() {
		if err := recurse(pkgDir, depth); err != nil {
			return err
		}
	}
	return nil
}

func accumulateFiles(pkgDir string, rep *Report, identitySeen map[platform.Identity]seenIdentity, rec *PackageRecord) error {
	var walkFiles func(dir string) error
	walkFiles = func(dir string) error {
		entries, err := platform.StableList(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			abs := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				if entry.Name() == "node_modules" {
					continue
				}
				if err := walkFiles(abs); err != nil {
					return err
				}
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.Mode()&os.ModeSymlink != 0 {
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}

			id := platform.IdentityOf(info)
			physical := platform.PhysicalLength(info)

			rec.FileCount++
			rec.LogicalBytes += uint64(info.Size())
			rep.TotalFiles++
			rep.TotalLogical += uint64(info.Size())

			if !id.Reliable {
				rep.IdentityUnreliable = true
				rec.Approximate = true
				rec.PhysicalBytes += uint64(physical)
				rep.TotalPhysical += uint64(physical)
				continue
			}

			if _, seen := identitySeen[id]; seen {
				rec.SharedBytes += uint64(physical)
				rep.TotalShared += uint64(physical)
				continue
			}
			identitySeen[id] = seenIdentity{size: info.Size()}
			rec.PhysicalBytes += uint64(physical)
			rep.TotalPhysical += uint64(physical)
		}
		return nil
	}
	return walkFiles(pkgDir)
}

// readPackageIdentity reads name/version out of pkgDir/package.json,
// tolerating surrounding whitespace and any valid JSON escaping via
// gjson rather than requiring the document to match a fixed schema —
// package.json is externally authored, like the lockfile.
func readPackageIdentity(pkgDir string) (name, version string) {
	data, err := os.ReadFile(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return "", ""
	}
	if !gjson.ValidBytes(data) {
		return "", ""
	}
	parsed := gjson.ParseBytes(data)
	return parsed.Get("name").String(), parsed.Get("version").String()
}

// packageIdentity reads the (dev, ino) identity of pkgDir/package.json, used
// to tell whether two install paths for the same (name, version) are
// hardlinks of each other (one physical copy) or genuinely distinct copies.
func packageIdentity(pkgDir string) (platform.Identity, bool) {
	info, err := os.Stat(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return platform.Identity{}, false
	}
	id := platform.IdentityOf(info)
	if !id.Reliable {
		return platform.Identity{}, false
	}
	return id, true
}

// countDistinctInstances counts how many of paths are physically distinct
// copies rather than hardlinks of one another. A path with no recorded
// identity (missing package.json, or an unreliable-identity platform)
// always counts as its own distinct instance, since it can't be proven
// to share storage with anything else.
func countDistinctInstances(paths []string, identity map[string]platform.Identity) int {
	seen := make(map[platform.Identity]bool, len(paths))
	distinct := 0
	for _, p := range paths {
		id, ok := identity[p]
		if !ok {
			distinct++
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		distinct++
	}
	return distinct
}

func computeDuplicates(packages []PackageRecord) []Duplicate {
	byName := make(map[string][]string)
	for _, p := range packages {
		byName[p.Name] = append(byName[p.Name], p.Version)
	}
	var dups []Duplicate
	for name, versions := range byName {
		if len(versions) < 2 {
			continue
		}
		sort.Strings(versions)
		dups = append(dups, Duplicate{Name: name, Versions: versions, Majors: majorVersions(versions), InstanceCount: len(versions)})
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i].Name < dups[j].Name })
	return dups
}

// majorVersions returns the distinct leading dot-separated segment of each
// version, sorted, e.g. ["4.17.21", "3.10.1"] -> ["3", "4"].
func majorVersions(versions []string) []string {
	seen := make(map[string]bool, len(versions))
	var majors []string
	for _, v := range versions {
		major := v
		if idx := strings.Index(v, "."); idx >= 0 {
			major = v[:idx]
		}
		if seen[major] {
			continue
		}
		seen[major] = true
		majors = append(majors, major)
	}
	sort.Strings(majors)
	return majors
}

func computeDepthStats(depths []int) DepthStats {
	if len(depths) == 0 {
		return DepthStats{}
	}
	sorted := append([]int(nil), depths...)
	sort.Ints(sorted)
	max := sorted[len(sorted)-1]
	idx := int(float64(len(sorted)-1) * 0.95)
	return DepthStats{Max: max, P95: sorted[idx]}
}
