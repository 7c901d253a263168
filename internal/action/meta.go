package action

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/pkgcache"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

// CreatePrefixRecordAction writes the conda-meta record of a freshly linked
// package. It references every preceding path action of the package so the
// record's file manifest matches what was actually created.
type CreatePrefixRecordAction struct {
	verifiedFlag

	tc            *TransactionContext
	PackageInfo   *pkgcache.PackageInfo
	TargetPrefix  string
	LinkType      LinkType
	RequestedSpec string

	// AllLinkPathActions aggregates the package's link, entry-point and
	// compile actions, in emission order.
	AllLinkPathActions []Action

	written *conda.PackageRecord
}

func NewCreatePrefixRecordAction(tc *TransactionContext, pi *pkgcache.PackageInfo, targetPrefix string, lt LinkType, requestedSpec string, allLinkPathActions []Action) *CreatePrefixRecordAction {
	return &CreatePrefixRecordAction{
		tc:                 tc,
		PackageInfo:        pi,
		TargetPrefix:       targetPrefix,
		LinkType:           lt,
		RequestedSpec:      requestedSpec,
		AllLinkPathActions: allLinkPathActions,
	}
}

func (a *CreatePrefixRecordAction) Verify() error {
	a.markVerified()
	return nil
}

// TargetPaths returns every prefix-relative path the package's actions will
// create. This is the path set the clobber verification works from.
func (a *CreatePrefixRecordAction) TargetPaths() []string {
	var paths []string
	for _, axn := range a.AllLinkPathActions {
		switch v := axn.(type) {
		case MultiPathAction:
			paths = append(paths, v.TargetShortPaths()...)
		case PathAction:
			if p, ok := v.TargetShortPath(); ok {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

func (a *CreatePrefixRecordAction) Execute() error {
	prec := *a.PackageInfo.RepodataRecord
	prec.Files = a.TargetPaths()
	prec.RequestedSpec = a.RequestedSpec
	prec.ExtractedPackageDir = a.PackageInfo.ExtractedPackageDir
	if err := prefixdata.New(a.TargetPrefix).Insert(&prec); err != nil {
		return err
	}
	a.written = &prec
	return nil
}

func (a *CreatePrefixRecordAction) Reverse() error {
	if a.written == nil {
		return nil
	}
	return prefixdata.New(a.TargetPrefix).Remove(a.written)
}

func (a *CreatePrefixRecordAction) Cleanup() error { return nil }

// RemoveLinkedPackageRecordAction deletes the conda-meta record of an
// unlinked package. The record file is moved into the transaction temp dir
// so Reverse can restore it.
type RemoveLinkedPackageRecordAction struct {
	verifiedFlag

	tc            *TransactionContext
	Prec          *conda.PackageRecord
	TargetPrefix  string
	MetaShortPath string

	backupPath string
	executed   bool
}

func NewRemoveLinkedPackageRecordAction(tc *TransactionContext, prec *conda.PackageRecord, targetPrefix, metaShortPath string) *RemoveLinkedPackageRecordAction {
	return &RemoveLinkedPackageRecordAction{
		tc:            tc,
		Prec:          prec,
		TargetPrefix:  targetPrefix,
		MetaShortPath: metaShortPath,
	}
}

func (a *RemoveLinkedPackageRecordAction) Verify() error {
	a.markVerified()
	return nil
}

func (a *RemoveLinkedPackageRecordAction) fullPath() string {
	return filepath.Join(a.TargetPrefix, filepath.FromSlash(a.MetaShortPath))
}

func (a *RemoveLinkedPackageRecordAction) Execute() error {
	if _, err := os.Lstat(a.fullPath()); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	a.backupPath = filepath.Join(a.tc.TempDir, strings.ReplaceAll(a.MetaShortPath, "/", "!"))
	if err := os.MkdirAll(filepath.Dir(a.backupPath), 0755); err != nil {
		return err
	}
	if err := os.Rename(a.fullPath(), a.backupPath); err != nil {
		return err
	}
	a.executed = true
	return nil
}

func (a *RemoveLinkedPackageRecordAction) Reverse() error {
	if !a.executed {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.fullPath()), 0755); err != nil {
		return err
	}
	return os.Rename(a.backupPath, a.fullPath())
}

func (a *RemoveLinkedPackageRecordAction) Cleanup() error {
	if a.backupPath == "" {
		return nil
	}
	if err := os.Remove(a.backupPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// EnvironmentsCatalogPath returns the catalog file listing all known
// environment locations.
func EnvironmentsCatalogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".conda", "environments.txt")
}

func readCatalog(catalogPath string) ([]string, error) {
	b, err := os.ReadFile(catalogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []string
	for _, line := range strings.Split(string(b), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

func writeCatalog(catalogPath string, entries []string) error {
	if err := os.MkdirAll(filepath.Dir(catalogPath), 0755); err != nil {
		return err
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e)
		b.WriteString("\n")
	}
	return renameio.WriteFile(catalogPath, []byte(b.String()), 0644)
}

// RegisterEnvironmentLocationAction adds the target prefix to the
// environments catalog.
type RegisterEnvironmentLocationAction struct {
	verifiedFlag

	TargetPrefix string
	CatalogPath  string

	added bool
}

func NewRegisterEnvironmentLocationAction(tc *TransactionContext, targetPrefix, catalogPath string) *RegisterEnvironmentLocationAction {
	return &RegisterEnvironmentLocationAction{TargetPrefix: targetPrefix, CatalogPath: catalogPath}
}

func (a *RegisterEnvironmentLocationAction) Verify() error {
	a.markVerified()
	return nil
}

func (a *RegisterEnvironmentLocationAction) Execute() error {
	if a.CatalogPath == "" {
		return nil
	}
	entries, err := readCatalog(a.CatalogPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e == a.TargetPrefix {
			return nil
		}
	}
	a.added = true
	return writeCatalog(a.CatalogPath, append(entries, a.TargetPrefix))
}

func (a *RegisterEnvironmentLocationAction) Reverse() error {
	if !a.added {
		return nil
	}
	return removeCatalogEntry(a.CatalogPath, a.TargetPrefix)
}

func (a *RegisterEnvironmentLocationAction) Cleanup() error { return nil }

func removeCatalogEntry(catalogPath, prefix string) error {
	entries, err := readCatalog(catalogPath)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e != prefix {
			kept = append(kept, e)
		}
	}
	return writeCatalog(catalogPath, kept)
}

// UnregisterEnvironmentLocationAction drops the target prefix from the
// environments catalog. Emitted whenever the prefix has unlinks; Execute
// leaves the catalog alone while the prefix still holds records.
type UnregisterEnvironmentLocationAction struct {
	verifiedFlag

	TargetPrefix string
	CatalogPath  string

	removed bool
}

func NewUnregisterEnvironmentLocationAction(tc *TransactionContext, targetPrefix, catalogPath string) *UnregisterEnvironmentLocationAction {
	return &UnregisterEnvironmentLocationAction{TargetPrefix: targetPrefix, CatalogPath: catalogPath}
}

func (a *UnregisterEnvironmentLocationAction) Verify() error {
	a.markVerified()
	return nil
}

func (a *UnregisterEnvironmentLocationAction) Execute() error {
	if a.CatalogPath == "" {
		return nil
	}
	// only unregister prefixes that are no longer conda environments
	if prefixdata.IsCondaEnvironment(a.TargetPrefix) {
		recs, err := prefixdata.New(a.TargetPrefix).IterRecords()
		if err == nil && len(recs) > 0 {
			return nil
		}
	}
	a.removed = true
	return removeCatalogEntry(a.CatalogPath, a.TargetPrefix)
}

func (a *UnregisterEnvironmentLocationAction) Reverse() error {
	if !a.removed {
		return nil
	}
	entries, err := readCatalog(a.CatalogPath)
	if err != nil {
		return err
	}
	return writeCatalog(a.CatalogPath, append(entries, a.TargetPrefix))
}

func (a *UnregisterEnvironmentLocationAction) Cleanup() error { return nil }

// UpdateHistoryAction appends one dated revision entry to
// conda-meta/history.
type UpdateHistoryAction struct {
	verifiedFlag

	TargetPrefix string
	RemoveSpecs  []string
	UpdateSpecs  []string
	UnlinkPrecs  []*conda.PackageRecord
	LinkPrecs    []*conda.PackageRecord

	previous []byte
	executed bool
}

func NewUpdateHistoryAction(tc *TransactionContext, targetPrefix string, removeSpecs, updateSpecs []string, unlinkPrecs, linkPrecs []*conda.PackageRecord) *UpdateHistoryAction {
	return &UpdateHistoryAction{
		TargetPrefix: targetPrefix,
		RemoveSpecs:  removeSpecs,
		UpdateSpecs:  updateSpecs,
		UnlinkPrecs:  unlinkPrecs,
		LinkPrecs:    linkPrecs,
	}
}

func (a *UpdateHistoryAction) Verify() error {
	a.markVerified()
	return nil
}

func (a *UpdateHistoryAction) historyPath() string {
	return filepath.Join(a.TargetPrefix, "conda-meta", "history")
}

func (a *UpdateHistoryAction) Execute() error {
	previous, err := os.ReadFile(a.historyPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	a.previous = previous

	var b strings.Builder
	b.Write(previous)
	b.WriteString("==> " + time.Now().Format("2006-01-02 15:04:05") + " <==\n")
	for _, spec := range a.RemoveSpecs {
		b.WriteString("# remove specs: " + spec + "\n")
	}
	for _, spec := range a.UpdateSpecs {
		b.WriteString("# update specs: " + spec + "\n")
	}
	for _, prec := range a.UnlinkPrecs {
		b.WriteString("-" + prec.DistStr() + "\n")
	}
	for _, prec := range a.LinkPrecs {
		b.WriteString("+" + prec.DistStr() + "\n")
	}
	if err := os.MkdirAll(filepath.Dir(a.historyPath()), 0755); err != nil {
		return err
	}
	if err := renameio.WriteFile(a.historyPath(), []byte(b.String()), 0644); err != nil {
		return xerrors.Errorf("writing history: %w", err)
	}
	a.executed = true
	return nil
}

func (a *UpdateHistoryAction) Reverse() error {
	if !a.executed {
		return nil
	}
	return renameio.WriteFile(a.historyPath(), a.previous, 0644)
}

func (a *UpdateHistoryAction) Cleanup() error { return nil }
