package pkgcache

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/channel"
)

// totalBytes counts the number of bytes written to the cache for this fetch
// operation.
var totalBytes int64

// CacheAction describes one package that must be downloaded and extracted.
type CacheAction struct {
	URL          string
	Prec         *conda.PackageRecord
	ExtractedDir string
}

// ProgressiveFetchExtract materializes a set of link precs into the package
// cache. Prepare computes which packages are missing; Execute downloads and
// extracts them with maximum concurrency. Execute is idempotent.
type ProgressiveFetchExtract struct {
	cache     *PackageCacheData
	LinkPrecs []*conda.PackageRecord

	CacheActions []*CacheAction
	prepared     bool
	executed     bool
}

func NewProgressiveFetchExtract(cache *PackageCacheData, linkPrecs []*conda.PackageRecord) *ProgressiveFetchExtract {
	return &ProgressiveFetchExtract{cache: cache, LinkPrecs: linkPrecs}
}

func (pfe *ProgressiveFetchExtract) Executed() bool { return pfe.executed }

// Prepare computes the cache actions for all link precs that have no
// extracted cache entry yet.
func (pfe *ProgressiveFetchExtract) Prepare() error {
	if pfe.prepared {
		return nil
	}
	pfe.CacheActions = nil
	if len(pfe.LinkPrecs) > 0 {
		pkgsDir, err := pfe.cache.FirstWritable()
		if err != nil {
			return err
		}
		for _, prec := range pfe.LinkPrecs {
			if pfe.cache.GetEntryToLink(prec) != nil {
				continue
			}
			if prec.URL == "" {
				return xerrors.Errorf("package %s has no url to fetch from", prec.DistStr())
			}
			pfe.CacheActions = append(pfe.CacheActions, &CacheAction{
				URL:          prec.URL,
				Prec:         prec,
				ExtractedDir: filepath.Join(pkgsDir, prec.DistFileName()),
			})
		}
	}
	pfe.prepared = true
	return nil
}

// Execute downloads and extracts all pending cache actions. Re-invocation
// after success is a no-op.
func (pfe *ProgressiveFetchExtract) Execute(ctx context.Context) error {
	if pfe.executed {
		return nil
	}
	if err := pfe.Prepare(); err != nil {
		return err
	}
	if len(pfe.CacheActions) > 0 {
		pkgsDir, err := pfe.cache.FirstWritable()
		if err != nil {
			return err
		}
		tmpDir := filepath.Join(pkgsDir, "tmp")

		// Remove stale work directories of previously interrupted/crashed
		// processes.
		if err := os.RemoveAll(tmpDir); err != nil {
			return err
		}
		if err := os.MkdirAll(tmpDir, 0755); err != nil {
			return err
		}
		conda.RegisterAtExit(func() error {
			return os.RemoveAll(tmpDir)
		})

		atomic.StoreInt64(&totalBytes, 0)
		var eg errgroup.Group
		for _, ca := range pfe.CacheActions {
			ca := ca // copy
			eg.Go(func() error {
				if err := pfe.fetchExtract1(ctx, tmpDir, ca); err != nil {
					return fmt.Errorf("fetching %s: %v", ca.Prec.DistStr(), err)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		log.Printf("fetched %d package(s), %v bytes", len(pfe.CacheActions), atomic.LoadInt64(&totalBytes))
	}
	pfe.executed = true
	return nil
}

func (pfe *ProgressiveFetchExtract) fetchExtract1(ctx context.Context, tmpDir string, ca *CacheAction) error {
	if _, err := os.Stat(filepath.Join(ca.ExtractedDir, "info", "index.json")); err == nil {
		return nil // another process extracted this package
	}

	workDir := filepath.Join(tmpDir, fmt.Sprintf(".%s.%d", ca.Prec.DistFileName(), os.Getpid()))
	if err := os.Mkdir(workDir, 0755); err != nil {
		if os.IsExist(err) {
			return nil // another goroutine is extracting this package
		}
		return err
	}
	defer os.RemoveAll(workDir)

	log.Printf("fetching %s", ca.URL)

	in, err := openURL(ctx, ca.URL)
	if err != nil {
		return err
	}
	defer in.Close()

	var tr *tar.Reader
	switch {
	case strings.HasSuffix(ca.URL, ".tar.zst"):
		zr, err := zstd.NewReader(in)
		if err != nil {
			return err
		}
		defer zr.Close()
		tr = tar.NewReader(countReader{zr})
	case strings.HasSuffix(ca.URL, ".tar.bz2"):
		tr = tar.NewReader(countReader{bzip2.NewReader(in)})
	default:
		return xerrors.Errorf("unsupported archive format: %s", ca.URL)
	}

	if err := untar(tr, workDir); err != nil {
		return err
	}
	if err := writeRepodataRecord(workDir, ca.Prec); err != nil {
		return err
	}
	if err := os.Rename(workDir, ca.ExtractedDir); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return nil
}

func openURL(ctx context.Context, url string) (io.ReadCloser, error) {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		idx := strings.LastIndexByte(url, '/')
		return channel.Reader(ctx, url[:idx], url[idx+1:], false)
	}
	return os.Open(strings.TrimPrefix(url, "file://"))
}

type countReader struct{ r io.Reader }

func (c countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(&totalBytes, int64(n))
	return n, err
}

func untar(tr *tar.Reader, dest string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") {
			return xerrors.Errorf("archive entry escapes extraction dir: %s", hdr.Name)
		}
		fn := filepath.Join(dest, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(fn, 0755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, fn); err != nil && !os.IsExist(err) {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			log.Printf("ERROR: unsupported tar entry type %v for %s", hdr.Typeflag, hdr.Name)
		}
	}
}
