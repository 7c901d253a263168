package pkgcache

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
)

// PathType describes how a packaged file should be materialized in a prefix.
type PathType string

const (
	PathTypeHardlink  PathType = "hardlink"
	PathTypeSoftlink  PathType = "softlink"
	PathTypeDirectory PathType = "directory"
)

// PathData is one entry of a package's info/paths.json manifest.
type PathData struct {
	Path              string   `json:"_path"`
	PathType          PathType `json:"path_type,omitempty"`
	PrefixPlaceholder string   `json:"prefix_placeholder,omitempty"`
	FileMode          string   `json:"file_mode,omitempty"` // "text" or "binary"
	SHA256            string   `json:"sha256,omitempty"`
	SizeInBytes       int64    `json:"size_in_bytes,omitempty"`
	NoLink            bool     `json:"no_link,omitempty"`
}

type pathsFile struct {
	PathsVersion int        `json:"paths_version"`
	Paths        []PathData `json:"paths"`
}

type linkFile struct {
	Noarch struct {
		Type        string   `json:"type"`
		EntryPoints []string `json:"entry_points"`
	} `json:"noarch"`
}

// PackageInfo aggregates everything the planner needs to know about one
// extracted package.
type PackageInfo struct {
	RepodataRecord      *conda.PackageRecord
	ExtractedPackageDir string
	PathsData           []PathData
	NoarchType          string   // "python", "generic" or ""
	EntryPoints         []string // "name = module:func"
}

// Files returns the prefix-relative paths of all non-directory entries.
func (pi *PackageInfo) Files() []string {
	files := make([]string, 0, len(pi.PathsData))
	for _, pd := range pi.PathsData {
		if pd.PathType == PathTypeDirectory {
			continue
		}
		files = append(files, pd.Path)
	}
	return files
}

// ReadPackageInfo reads the info/ metadata of an extracted cache entry. The
// file manifest comes from info/paths.json, falling back to info/files for
// older package formats.
func ReadPackageInfo(prec *conda.PackageRecord, cacheRec *CacheRecord) (*PackageInfo, error) {
	infoDir := filepath.Join(cacheRec.ExtractedPackageDir, "info")

	pi := &PackageInfo{
		RepodataRecord:      prec,
		ExtractedPackageDir: cacheRec.ExtractedPackageDir,
	}

	b, err := os.ReadFile(filepath.Join(infoDir, "paths.json"))
	switch {
	case err == nil:
		var pf pathsFile
		if err := json.Unmarshal(b, &pf); err != nil {
			return nil, xerrors.Errorf("parsing %s: %w", filepath.Join(infoDir, "paths.json"), err)
		}
		pi.PathsData = pf.Paths
	case os.IsNotExist(err):
		pi.PathsData, err = readLegacyFilesManifest(infoDir)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	b, err = os.ReadFile(filepath.Join(infoDir, "link.json"))
	if err == nil {
		var lf linkFile
		if err := json.Unmarshal(b, &lf); err != nil {
			return nil, xerrors.Errorf("parsing %s: %w", filepath.Join(infoDir, "link.json"), err)
		}
		pi.NoarchType = lf.Noarch.Type
		pi.EntryPoints = lf.Noarch.EntryPoints
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if pi.NoarchType == "" && prec.Noarch != "" {
		pi.NoarchType = prec.Noarch
	}
	if len(pi.EntryPoints) == 0 && len(prec.PythonEntryPoints) > 0 {
		pi.EntryPoints = prec.PythonEntryPoints
	}

	return pi, nil
}

// readLegacyFilesManifest reads the plain info/files list and defaults every
// entry to a hardlink.
func readLegacyFilesManifest(infoDir string) ([]PathData, error) {
	f, err := os.Open(filepath.Join(infoDir, "files"))
	if err != nil {
		return nil, xerrors.Errorf("package has neither info/paths.json nor info/files: %w", err)
	}
	defer f.Close()

	var paths []PathData
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		paths = append(paths, PathData{Path: line, PathType: PathTypeHardlink})
	}
	return paths, sc.Err()
}
