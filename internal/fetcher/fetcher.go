// Package fetcher implements C6: downloading resolved package tarballs
// into the two-tier archive CAS, verifying their integrity digest, and
// extracting them, all through a bounded worker pool.
//
// # Concurrency model
//
// Each package is one task. A golang.org/x/sync/semaphore.Weighted bounds
// how many tasks run at once (the new-code analogue of the teacher's
// channel-based types.Semaphore). Tasks do not share a cancellation
// context: per spec.md §5, the first error stops new tasks from being
// *scheduled*, but tasks already in flight run to completion rather than
// being aborted mid-download. A sync.Once-guarded field holds the first
// error for the caller to observe after Run returns.
package fetcher

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bnpm/bnpm/internal/corerr"
	"github.com/bnpm/bnpm/internal/integrity"
	"github.com/bnpm/bnpm/internal/lockfile"
	"github.com/bnpm/bnpm/internal/platform"
	"github.com/bnpm/bnpm/internal/progress"
	"github.com/bnpm/bnpm/internal/store"
)

const archiveDigestAlgorithm = "sha512"

// Options configures a Fetcher.
type Options struct {
	Workers      int
	RateLimit    int // bytes/sec, 0 disables limiting
	ShowProgress bool
	HTTPClient   *http.Client
}

// Fetcher downloads, verifies, and extracts tarballs into the archive CAS.
type Fetcher struct {
	layout  *store.Layout
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
}

// New returns a Fetcher rooted at layout.
func New(layout *store.Layout, opts Options) *Fetcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}
	return &Fetcher{layout: layout, opts: opts, client: client, limiter: limiter}
}

// Result aggregates counters across every package fetched in one Run.
type Result struct {
	PackagesFetched uint64
	PackagesCached  uint64
	BytesDownloaded uint64
}

type stats struct {
	fetched   atomic.Uint64
	cached    atomic.Uint64
	bytes     atomic.Uint64
	startTime time.Time
}

func (s *stats) String() string {
	return "fetched " + itoa(s.fetched.Load()) + ", cached " + itoa(s.cached.Load()) +
		", " + itoa(s.bytes.Load()) + " bytes"
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

// Run fetches every package in pkgs, skipping any whose archive is already
// verified and extracted. The first error encountered stops new tasks
// from starting; tasks already running finish normally. Returns the
// aggregate Result together with the first error, if any.
func (f *Fetcher) Run(ctx context.Context, pkgs []lockfile.Package) (Result, *corerr.Error) {
	sem := semaphore.NewWeighted(int64(f.opts.Workers))
	st := &stats{startTime: time.Now()}
	bar := progress.New(f.opts.ShowProgress, int64(len(pkgs)))
	bar.Describe(st)

	var wg sync.WaitGroup
	var firstErrOnce sync.Once
	var firstErr *corerr.Error
	var stopNew atomic.Bool

	for _, pkg := range pkgs {
		if stopNew.Load() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(pkg lockfile.Package) {
			defer wg.Done()
			defer sem.Release(1)

			cached, bytesDownloaded, err := f.fetchOne(ctx, pkg)
			if err != nil {
				firstErrOnce.Do(func() {
					firstErr = err
					stopNew.Store(true)
				})
				return
			}
			if cached {
				st.cached.Add(1)
			} else {
				st.fetched.Add(1)
				st.bytes.Add(bytesDownloaded)
			}
			bar.Describe(st)
		}(pkg)
	}
	wg.Wait()
	bar.Finish(st)

	return Result{
		PackagesFetched: st.fetched.Load(),
		PackagesCached:  st.cached.Load(),
		BytesDownloaded: st.bytes.Load(),
	}, firstErr
}

// fetchOne ensures pkg's archive is downloaded, verified, and extracted,
// returning whether it was already satisfied by the CAS (cached) and how
// many bytes were downloaded if not.
func (f *Fetcher) fetchOne(ctx context.Context, pkg lockfile.Package) (cached bool, bytesDownloaded uint64, cerr *corerr.Error) {
	digest, perr := integrity.Parse(pkg.Integrity)
	if perr != nil {
		return false, 0, perr
	}
	// The archive is verified under whatever algorithm the integrity
	// string names; an algorithm go-digest cannot compute is rejected.
	algo := digest.Algorithm
	if algo != archiveDigestAlgorithm && !integrity.Supported(algo) {
		return false, 0, corerr.Newf(corerr.KindIntegrityInvalid, "package %s: unsupported algorithm %q", pkg.Name, algo)
	}

	tarballPath := f.layout.TarballPath(algo, digest.Hex)
	verifiedSentinel := f.layout.VerifiedSentinel(algo, digest.Hex)
	extractedMarker := f.layout.ExtractedMarker(algo, digest.Hex)

	alreadyVerified := fileExists(verifiedSentinel)
	alreadyExtracted := fileExists(extractedMarker)

	if !alreadyVerified {
		n, err := f.download(ctx, pkg, tarballPath, algo, digest.Hex)
		if err != nil {
			return false, 0, err
		}
		bytesDownloaded = uint64(n)
	}

	if !alreadyExtracted {
		if err := f.extract(tarballPath, f.layout.UnpackedDir(algo, digest.Hex), extractedMarker); err != nil {
			return false, bytesDownloaded, err
		}
	}

	return alreadyVerified && alreadyExtracted, bytesDownloaded, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// download streams pkg.Resolved into tarballPath, verifying its digest
// under algo as it streams and only publishing the file (and its verified
// sentinel) once the digest matches.
func (f *Fetcher) download(ctx context.Context, pkg lockfile.Package, tarballPath, algo, expectedHex string) (int64, *corerr.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pkg.Resolved, nil)
	if err != nil {
		return 0, corerr.Wrapf(corerr.KindFetchIO, err, "building request for %s", pkg.Name)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, corerr.Wrapf(corerr.KindFetchIO, err, "fetching %s", pkg.Resolved)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, corerr.Newf(corerr.KindFetchIO, "fetching %s: unexpected status %d", pkg.Resolved, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(tarballPath), 0o755); err != nil {
		return 0, corerr.Wrapf(corerr.KindStoreIO, err, "creating archive dir")
	}

	tmp := platform.TempSibling(tarballPath)
	out, err := os.Create(tmp)
	if err != nil {
		return 0, corerr.Wrapf(corerr.KindStoreIO, err, "creating tmp archive file")
	}

	var body io.Reader = resp.Body
	if f.limiter != nil {
		body = &rateLimitedReader{r: resp.Body, limiter: f.limiter, ctx: ctx}
	}

	hasher := newHashingWriter(out, algo)
	n, copyErr := io.Copy(hasher, body)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return 0, corerr.Wrapf(corerr.KindFetchIO, copyErr, "downloading %s", pkg.Resolved)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return 0, corerr.Wrapf(corerr.KindStoreIO, closeErr, "closing tmp archive file")
	}

	computedHex := hasher.hex()
	if computedHex != expectedHex {
		os.Remove(tmp)
		return n, corerr.Newf(corerr.KindIntegrityMismatch,
			"%s (expected %s, got %s)", pkg.Name, expectedHex, computedHex)
	}

	if err := platform.AtomicPublish(tmp, tarballPath); err != nil {
		os.Remove(tmp)
		return n, corerr.Wrapf(corerr.KindStoreIO, err, "publishing archive")
	}
	if err := os.WriteFile(f.layout.VerifiedSentinel(algo, expectedHex), nil, 0o644); err != nil {
		return n, corerr.Wrapf(corerr.KindStoreIO, err, "writing verified sentinel")
	}
	return n, nil
}

// extract unpacks tarballPath (gzip+tar) into destDir, preserving file
// modes and symlinks, then writes the extracted marker atomically by
// writing it to a tmp path and renaming. If the unpacked tree contains
// exactly one top-level directory, entries are extracted as if rooted
// there directly (the common "package/" wrapper convention).
func (f *Fetcher) extract(tarballPath, destDir, markerPath string) *corerr.Error {
	file, err := os.Open(tarballPath)
	if err != nil {
		return corerr.Wrapf(corerr.KindStoreIO, err, "opening archive %s", tarballPath)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return corerr.Wrapf(corerr.KindArchiveCorrupt, err, "opening gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	stripPrefix := ""
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return corerr.Wrapf(corerr.KindArchiveCorrupt, err, "reading tar entry")
		}

		name := hdr.Name
		if stripPrefix == "" {
			if idx := strings.IndexByte(name, '/'); idx >= 0 {
				stripPrefix = name[:idx+1]
			} else {
				stripPrefix = name + "/"
			}
		}
		rel := strings.TrimPrefix(name, stripPrefix)
		if rel == "" {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return corerr.Wrapf(corerr.KindStoreIO, err, "creating dir %s", target)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return corerr.Wrapf(corerr.KindStoreIO, err, "creating parent dir for symlink %s", target)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return corerr.Wrapf(corerr.KindStoreIO, err, "creating symlink %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return corerr.Wrapf(corerr.KindStoreIO, err, "creating parent dir for %s", target)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return corerr.Wrapf(corerr.KindStoreIO, err, "creating file %s", target)
			}
			_, copyErr := io.Copy(out, tr)
			closeErr := out.Close()
			if copyErr != nil {
				return corerr.Wrapf(corerr.KindArchiveCorrupt, copyErr, "extracting %s", target)
			}
			if closeErr != nil {
				return corerr.Wrapf(corerr.KindStoreIO, closeErr, "closing %s", target)
			}
		default:
			// Devices, fifos, etc. have no place in a package tree; skip.
		}
	}

	tmp := platform.TempSibling(markerPath)
	if err := os.WriteFile(tmp, nil, 0o644); err != nil {
		return corerr.Wrapf(corerr.KindStoreIO, err, "writing extracted marker tmp file")
	}
	if err := platform.AtomicPublish(tmp, markerPath); err != nil {
		os.Remove(tmp)
		return corerr.Wrapf(corerr.KindStoreIO, err, "publishing extracted marker")
	}
	return nil
}

type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > rl.limiter.Burst() {
		p = p[:rl.limiter.Burst()]
	}
	n, err := rl.r.Read(p)
	if n > 0 {
		if waitErr := rl.limiter.WaitN(rl.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
