// Package prefixdata reads and writes the installed-package metadata of one
// prefix, i.e. the conda-meta/*.json records.
package prefixdata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/karrick/godirwalk"
	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
)

// MagicFile is the prefix-relative path whose presence marks a directory as a
// conda environment.
const MagicFile = "conda-meta/history"

// PrefixData is the record store of a single prefix. Records are loaded
// lazily on first access and treated as read-mostly during a transaction;
// mutations happen only through Insert/Remove, and Reload resyncs a cached
// instance after out-of-process writes.
type PrefixData struct {
	prefix string

	mu      sync.Mutex
	loaded  bool
	loadErr error
	records map[string]*conda.PackageRecord // keyed by name
}

func New(prefix string) *PrefixData {
	return &PrefixData{prefix: prefix}
}

func (pd *PrefixData) Prefix() string { return pd.prefix }

// loadLocked populates the record map; pd.mu must be held.
func (pd *PrefixData) loadLocked() error {
	if pd.loaded {
		return pd.loadErr
	}
	pd.loaded = true
	pd.records = make(map[string]*conda.PackageRecord)
	metaDir := filepath.Join(pd.prefix, "conda-meta")
	names, err := godirwalk.ReadDirnames(metaDir, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		pd.loadErr = err
		return err
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(metaDir, name))
		if err != nil {
			pd.loadErr = err
			return err
		}
		var rec conda.PackageRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			pd.loadErr = xerrors.Errorf("parsing %s: %w", filepath.Join(metaDir, name), err)
			return pd.loadErr
		}
		pd.records[rec.Name] = &rec
	}
	return nil
}

// Get returns the installed record for name, or nil.
func (pd *PrefixData) Get(name string) (*conda.PackageRecord, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if err := pd.loadLocked(); err != nil {
		return nil, err
	}
	return pd.records[name], nil
}

// IterRecords returns all installed records sorted by name.
func (pd *PrefixData) IterRecords() ([]*conda.PackageRecord, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if err := pd.loadLocked(); err != nil {
		return nil, err
	}
	recs := make([]*conda.PackageRecord, 0, len(pd.records))
	for _, rec := range pd.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

// RecordPath returns the conda-meta path for a record of the given prefix.
func RecordPath(prefix string, prec *conda.PackageRecord) string {
	return filepath.Join(prefix, "conda-meta", prec.DistFileName()+".json")
}

// Insert writes the record to conda-meta and registers it in the in-memory
// view.
func (pd *PrefixData) Insert(prec *conda.PackageRecord) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if err := pd.loadLocked(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(prec, "", "  ")
	if err != nil {
		return err
	}
	fn := RecordPath(pd.prefix, prec)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	if err := renameio.WriteFile(fn, append(b, '\n'), 0644); err != nil {
		return xerrors.Errorf("writing %s: %w", fn, err)
	}
	pd.records[prec.Name] = prec
	return nil
}

// Remove deletes the record file and drops it from the in-memory view.
func (pd *PrefixData) Remove(prec *conda.PackageRecord) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if err := pd.loadLocked(); err != nil {
		return err
	}
	fn := RecordPath(pd.prefix, prec)
	if err := os.Remove(fn); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(pd.records, prec.Name)
	return nil
}

// Reload discards the in-memory view so the next access re-reads conda-meta
// from disk, picking up out-of-process writes.
func (pd *PrefixData) Reload() {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.loaded = false
	pd.loadErr = nil
	pd.records = nil
}

// PythonVersion returns the major.minor version of the installed python
// record, or "" if there is none.
func (pd *PrefixData) PythonVersion() (string, error) {
	rec, err := pd.Get("python")
	if err != nil || rec == nil {
		return "", err
	}
	return conda.MajorMinor(rec.Version), nil
}

// IsCondaEnvironment reports whether prefix carries the conda-meta magic
// file.
func IsCondaEnvironment(prefix string) bool {
	st, err := os.Lstat(filepath.Join(prefix, filepath.FromSlash(MagicFile)))
	return err == nil && st.Mode().IsRegular()
}
