// Package lockfile parses a resolved-dependency lockfile into the flat
// list of packages the orchestrator needs to fetch, without requiring the
// document to match a fixed Go struct — the lockfile is an externally
// authored, loosely-schematized document, exactly the kind of input gjson
// is built for.
package lockfile

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bnpm/bnpm/internal/corerr"
)

// Package is one resolved dependency: an install path rooted at
// node_modules, plus enough information to fetch and verify its tarball.
type Package struct {
	Name        string
	Version     string
	InstallPath string
	Resolved    string
	Integrity   string
}

// Result is the outcome of parsing one lockfile.
type Result struct {
	LockfileVersion int64
	Packages        []Package
}

// Parse reads data as a lockfile and extracts every entry under
// "packages" whose key starts with "node_modules" (the root package entry
// has key "" and is skipped; it has no tarball to fetch). Parsing fails
// closed: a document that isn't valid JSON, or that has no "packages"
// object, is rejected rather than silently yielding zero packages.
func Parse(data []byte) (*Result, *corerr.Error) {
	if !gjson.ValidBytes(data) {
		return nil, corerr.New(corerr.KindLockfileMalformed, "lockfile is not valid JSON")
	}

	root := gjson.ParseBytes(data)
	packages := root.Get("packages")
	if !packages.Exists() || !packages.IsObject() {
		return nil, corerr.New(corerr.KindLockfileMalformed, "lockfile has no \"packages\" object")
	}

	res := &Result{LockfileVersion: root.Get("lockfileVersion").Int()}

	var parseErr *corerr.Error
	packages.ForEach(func(key, value gjson.Result) bool {
		installPath := key.String()
		if installPath == "" || !strings.HasPrefix(installPath, "node_modules") {
			return true
		}
		if !value.IsObject() {
			return true
		}

		pkg := Package{
			InstallPath: installPath,
			Version:     value.Get("version").String(),
			Resolved:    value.Get("resolved").String(),
			Integrity:   value.Get("integrity").String(),
		}
		pkg.Name = value.Get("name").String()
		if pkg.Name == "" {
			pkg.Name = nameFromInstallPath(installPath)
		}

		if pkg.Version == "" || pkg.Resolved == "" || pkg.Integrity == "" {
			parseErr = corerr.Newf(corerr.KindLockfileMalformed,
				"package at %q is missing version, resolved, or integrity", installPath)
			return false
		}

		res.Packages = append(res.Packages, pkg)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return res, nil
}

// nameFromInstallPath derives a package name from its node_modules install
// path when the lockfile entry omits an explicit "name" field, handling
// scoped packages (@scope/name) the same way npm does: the name is the
// last one or two path segments under the final node_modules/.
func nameFromInstallPath(installPath string) string {
	segs := strings.Split(installPath, "/")
	last := segs[len(segs)-1]
	if len(segs) >= 2 && strings.HasPrefix(segs[len(segs)-2], "@") {
		return segs[len(segs)-2] + "/" + last
	}
	return last
}
