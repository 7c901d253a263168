// Package pkgcache manages the content-addressed package cache: locating
// extracted package entries, fetching missing archives from channels and
// reading the package metadata the link planner needs.
package pkgcache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
)

// CacheRecord is one materialized (extracted) entry in a package cache
// directory.
type CacheRecord struct {
	Prec                *conda.PackageRecord
	PkgsDir             string
	ExtractedPackageDir string
}

// PackageCacheData locates extracted package entries across the configured
// cache directories.
type PackageCacheData struct {
	pkgsDirs []string
}

func New(pkgsDirs []string) *PackageCacheData {
	return &PackageCacheData{pkgsDirs: pkgsDirs}
}

// FirstWritable returns the cache directory new packages are extracted into,
// creating it if necessary.
func (pc *PackageCacheData) FirstWritable() (string, error) {
	for _, dir := range pc.pkgsDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			continue
		}
		probe := filepath.Join(dir, ".writable-probe")
		f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			continue
		}
		f.Close()
		os.Remove(probe)
		return dir, nil
	}
	return "", xerrors.Errorf("no writable package cache among %v", pc.pkgsDirs)
}

// GetEntryToLink returns the extracted cache entry for prec, or nil if the
// package has not been materialized yet.
func (pc *PackageCacheData) GetEntryToLink(prec *conda.PackageRecord) *CacheRecord {
	for _, dir := range pc.pkgsDirs {
		extracted := filepath.Join(dir, prec.DistFileName())
		if _, err := os.Stat(filepath.Join(extracted, "info", "index.json")); err == nil {
			return &CacheRecord{
				Prec:                prec,
				PkgsDir:             dir,
				ExtractedPackageDir: extracted,
			}
		}
	}
	return nil
}

// writeRepodataRecord stores the record an extracted entry was created from,
// so the cache stays self-describing.
func writeRepodataRecord(extractedDir string, prec *conda.PackageRecord) error {
	b, err := json.MarshalIndent(prec, "", "  ")
	if err != nil {
		return err
	}
	fn := filepath.Join(extractedDir, "info", "repodata_record.json")
	return renameio.WriteFile(fn, append(b, '\n'), 0644)
}
