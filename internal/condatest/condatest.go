// Package condatest provides test fixtures: fake extracted cache entries and
// fake prefixes with installed records.
package condatest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

// Record returns a minimal package record for tests.
func Record(name, version, build string, buildNumber int) *conda.PackageRecord {
	return &conda.PackageRecord{
		Name:        name,
		Version:     version,
		Build:       build,
		BuildNumber: buildNumber,
		Channel:     conda.Channel{Name: "defaults", CanonicalName: "defaults"},
		Subdir:      "linux-64",
		URL: fmt.Sprintf("https://repo.example.com/defaults/linux-64/%s-%s-%s.tar.zst",
			name, version, build),
	}
}

// ExtractedPackage materializes a fake extracted cache entry for prec under
// pkgsDir. files maps prefix-relative paths to contents; every file is
// manifested as a hardlink in info/paths.json.
func ExtractedPackage(t testing.TB, pkgsDir string, prec *conda.PackageRecord, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(pkgsDir, prec.DistFileName())
	infoDir := filepath.Join(dir, "info")
	if err := os.MkdirAll(infoDir, 0755); err != nil {
		t.Fatal(err)
	}

	type pathEntry struct {
		Path        string `json:"_path"`
		PathType    string `json:"path_type"`
		SizeInBytes int64  `json:"size_in_bytes"`
	}
	manifest := struct {
		PathsVersion int         `json:"paths_version"`
		Paths        []pathEntry `json:"paths"`
	}{PathsVersion: 1}

	for path, content := range files {
		fn := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(fn, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		manifest.Paths = append(manifest.Paths, pathEntry{
			Path:        path,
			PathType:    "hardlink",
			SizeInBytes: int64(len(content)),
		})
	}

	writeJSON(t, filepath.Join(infoDir, "paths.json"), manifest)
	writeJSON(t, filepath.Join(infoDir, "index.json"), prec)
	return dir
}

// WriteLinkJSON adds noarch metadata to an extracted cache entry.
func WriteLinkJSON(t testing.TB, extractedDir, noarchType string, entryPoints []string) {
	t.Helper()
	lf := map[string]interface{}{
		"noarch": map[string]interface{}{
			"type":         noarchType,
			"entry_points": entryPoints,
		},
	}
	writeJSON(t, filepath.Join(extractedDir, "info", "link.json"), lf)
}

// InstallPrefix writes conda-meta records (and the owned files) for recs into
// prefix, simulating a previous link.
func InstallPrefix(t testing.TB, prefix string, recs ...*conda.PackageRecord) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(prefix, "conda-meta"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(prefix, "conda-meta", "history"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	pd := prefixdata.New(prefix)
	for _, rec := range recs {
		for _, path := range rec.Files {
			fn := filepath.Join(prefix, filepath.FromSlash(path))
			if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(fn, []byte(rec.DistFileName()+":"+path), 0644); err != nil {
				t.Fatal(err)
			}
		}
		if err := pd.Insert(rec); err != nil {
			t.Fatal(err)
		}
	}
}

// Snapshot returns the set of regular files and symlinks under dir, keyed by
// slash-separated relative path.
func Snapshot(t testing.TB, dir string) map[string]bool {
	t.Helper()
	snapshot := make(map[string]bool)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		snapshot[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return snapshot
}

// RemoveAll wraps os.RemoveAll and fails the test on failure.
func RemoveAll(t testing.TB, path string) {
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func writeJSON(t testing.TB, fn string, v interface{}) {
	t.Helper()
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fn, b, 0644); err != nil {
		t.Fatal(err)
	}
}
