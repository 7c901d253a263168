package action

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/pkgcache"
)

// LinkPathAction materializes one packaged path (or one directory) inside the
// target prefix.
type LinkPathAction struct {
	verifiedFlag

	tc           *TransactionContext
	PackageInfo  *pkgcache.PackageInfo
	TargetPrefix string

	SourceShortPath string // relative to the extracted package dir, "" for directories
	ShortPath       string // relative to the target prefix
	LinkType        LinkType

	// PrefixPlaceholder/FileMode trigger placeholder rewriting for text
	// files; such paths are always copied.
	PrefixPlaceholder string
	FileMode          string

	// ExtraVerify additionally checks the source file's size and sha256
	// digest against the manifest entry during Verify.
	ExtraVerify bool
	SHA256      string
	SizeInBytes int64

	executed   bool
	createdDir bool // directory actions: whether Execute created the directory
}

func (a *LinkPathAction) TargetShortPath() (string, bool) {
	if a.LinkType == LinkTypeDirectory {
		return "", false
	}
	return a.ShortPath, true
}

func (a *LinkPathAction) sourceFullPath() string {
	return filepath.Join(a.PackageInfo.ExtractedPackageDir, filepath.FromSlash(a.SourceShortPath))
}

func (a *LinkPathAction) targetFullPath() string {
	return filepath.Join(a.TargetPrefix, filepath.FromSlash(a.ShortPath))
}

// Verify checks that the path listed in the package manifest actually exists
// in the extracted cache entry; with ExtraVerify set it also compares the
// file's size and sha256 digest against the manifest.
func (a *LinkPathAction) Verify() error {
	if a.Verified() {
		return nil
	}
	if a.LinkType != LinkTypeDirectory {
		st, err := os.Lstat(a.sourceFullPath())
		if err != nil {
			return xerrors.Errorf("package %s is missing file %s: %w",
				a.PackageInfo.RepodataRecord.DistStr(), a.SourceShortPath, err)
		}
		if a.ExtraVerify && st.Mode().IsRegular() {
			if a.SizeInBytes > 0 && st.Size() != a.SizeInBytes {
				return xerrors.Errorf("package %s file %s has size %d, manifest says %d",
					a.PackageInfo.RepodataRecord.DistStr(), a.SourceShortPath, st.Size(), a.SizeInBytes)
			}
			if a.SHA256 != "" {
				digest, err := fileSHA256(a.sourceFullPath())
				if err != nil {
					return err
				}
				if digest != a.SHA256 {
					return xerrors.Errorf("package %s file %s has sha256 %s, manifest says %s",
						a.PackageInfo.RepodataRecord.DistStr(), a.SourceShortPath, digest, a.SHA256)
				}
			}
		}
	}
	a.markVerified()
	return nil
}

func fileSHA256(fn string) (string, error) {
	f, err := os.Open(fn)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (a *LinkPathAction) Execute() error {
	target := a.targetFullPath()
	switch a.LinkType {
	case LinkTypeDirectory:
		if _, err := os.Lstat(target); err == nil {
			return nil // first-writer-wins: another action created it
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return err
		}
		a.createdDir = true
		return nil
	case LinkTypeHardlink:
		if err := os.Link(a.sourceFullPath(), target); err != nil {
			return err
		}
	case LinkTypeSoftlink:
		if err := os.Symlink(a.sourceFullPath(), target); err != nil {
			return err
		}
	case LinkTypeCopy:
		if err := a.copyFile(); err != nil {
			return err
		}
	}
	a.executed = true
	return nil
}

func (a *LinkPathAction) copyFile() error {
	src := a.sourceFullPath()
	st, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if st.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(dest, a.targetFullPath())
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if a.PrefixPlaceholder != "" && a.FileMode != "binary" {
		b = []byte(strings.ReplaceAll(string(b), a.PrefixPlaceholder, a.TargetPrefix))
	}
	return writeFileMode(a.targetFullPath(), b, st.Mode().Perm())
}

func writeFileMode(fn string, b []byte, perm os.FileMode) error {
	f, err := os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (a *LinkPathAction) Reverse() error {
	if a.LinkType == LinkTypeDirectory {
		if a.createdDir {
			// only remove directories we created, and only when empty
			if err := os.Remove(a.targetFullPath()); err != nil && !os.IsNotExist(err) {
				return nil
			}
		}
		return nil
	}
	if !a.executed {
		return nil
	}
	if err := os.Remove(a.targetFullPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (a *LinkPathAction) Cleanup() error { return nil }

// pythonNoarchTargetPath remaps the archive layout of python-noarch packages
// into the prefix layout of the target python.
func pythonNoarchTargetPath(sourceShortPath, sitePackagesShortPath string) string {
	if strings.HasPrefix(sourceShortPath, "site-packages/") && sitePackagesShortPath != "" {
		return sitePackagesShortPath + sourceShortPath[len("site-packages"):]
	}
	if strings.HasPrefix(sourceShortPath, "python-scripts/") {
		return "bin" + sourceShortPath[len("python-scripts"):]
	}
	return sourceShortPath
}

// CreateFileLinkActions returns one link action per file in the package
// manifest, in manifest order. extraVerify enables per-file size and digest
// checks during pre-flight.
func CreateFileLinkActions(tc *TransactionContext, pi *pkgcache.PackageInfo, targetPrefix string, lt LinkType, extraVerify bool) []*LinkPathAction {
	var actions []*LinkPathAction
	for _, pd := range pi.PathsData {
		if pd.PathType == pkgcache.PathTypeDirectory {
			continue
		}
		shortPath := pd.Path
		if pi.NoarchType == "python" {
			shortPath = pythonNoarchTargetPath(pd.Path, tc.TargetSitePackagesShortPath)
		}
		linkType := lt
		if pd.PrefixPlaceholder != "" || pd.NoLink {
			linkType = LinkTypeCopy
		} else if pd.PathType == pkgcache.PathTypeSoftlink && lt != LinkTypeCopy {
			linkType = LinkTypeSoftlink
		}
		actions = append(actions, &LinkPathAction{
			tc:                tc,
			PackageInfo:       pi,
			TargetPrefix:      targetPrefix,
			SourceShortPath:   pd.Path,
			ShortPath:         shortPath,
			LinkType:          linkType,
			PrefixPlaceholder: pd.PrefixPlaceholder,
			FileMode:          pd.FileMode,
			ExtraVerify:       extraVerify,
			SHA256:            pd.SHA256,
			SizeInBytes:       pd.SizeInBytes,
		})
	}
	return actions
}

// CreateDirectoryActions returns directory-creation actions for every parent
// directory the file link actions need, shallowest first. They must precede
// the file actions in execution order.
func CreateDirectoryActions(tc *TransactionContext, pi *pkgcache.PackageInfo, targetPrefix string, fileLinkActions []*LinkPathAction) []*LinkPathAction {
	var targets []string
	for _, axn := range fileLinkActions {
		targets = append(targets, axn.ShortPath)
	}
	dirs := ExplodeDirectories(targets)
	sort.Slice(dirs, func(i, j int) bool {
		if di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/"); di != dj {
			return di < dj
		}
		return dirs[i] < dirs[j]
	})
	actions := make([]*LinkPathAction, 0, len(dirs))
	for _, d := range dirs {
		actions = append(actions, &LinkPathAction{
			tc:           tc,
			PackageInfo:  pi,
			TargetPrefix: targetPrefix,
			ShortPath:    d,
			LinkType:     LinkTypeDirectory,
		})
	}
	return actions
}

// UnlinkPathAction removes one installed path. The file is moved aside into
// the transaction temp dir so that Reverse can restore it; Cleanup discards
// the backup.
type UnlinkPathAction struct {
	verifiedFlag

	tc           *TransactionContext
	Prec         *conda.PackageRecord
	TargetPrefix string
	ShortPath    string
	LinkType     LinkType // LinkTypeDirectory for directory-removal actions

	backupPath string
	executed   bool
}

func NewUnlinkPathAction(tc *TransactionContext, prec *conda.PackageRecord, targetPrefix, shortPath string, lt LinkType) *UnlinkPathAction {
	return &UnlinkPathAction{
		tc:           tc,
		Prec:         prec,
		TargetPrefix: targetPrefix,
		ShortPath:    shortPath,
		LinkType:     lt,
	}
}

func (a *UnlinkPathAction) TargetShortPath() (string, bool) {
	return a.ShortPath, a.LinkType != LinkTypeDirectory
}

func (a *UnlinkPathAction) targetFullPath() string {
	return filepath.Join(a.TargetPrefix, filepath.FromSlash(a.ShortPath))
}

func (a *UnlinkPathAction) Verify() error {
	a.markVerified()
	return nil
}

func (a *UnlinkPathAction) Execute() error {
	target := a.targetFullPath()
	if a.LinkType == LinkTypeDirectory {
		// directories are only removed when the unlinks emptied them
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			if isDirNotEmpty(err) {
				return nil
			}
			return err
		}
		a.executed = true
		return nil
	}
	if _, err := os.Lstat(target); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	a.backupPath = filepath.Join(a.tc.TempDir, strings.ReplaceAll(a.ShortPath, "/", "!"))
	if err := os.MkdirAll(filepath.Dir(a.backupPath), 0755); err != nil {
		return err
	}
	if err := os.Rename(target, a.backupPath); err != nil {
		return err
	}
	a.executed = true
	return nil
}

func isDirNotEmpty(err error) bool {
	return strings.Contains(err.Error(), "not empty")
}

func (a *UnlinkPathAction) Reverse() error {
	if !a.executed {
		return nil
	}
	if a.LinkType == LinkTypeDirectory {
		return os.MkdirAll(a.targetFullPath(), 0755)
	}
	if err := os.MkdirAll(filepath.Dir(a.targetFullPath()), 0755); err != nil {
		return err
	}
	return os.Rename(a.backupPath, a.targetFullPath())
}

func (a *UnlinkPathAction) Cleanup() error {
	if a.backupPath == "" {
		return nil
	}
	if err := os.Remove(a.backupPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DirectoryRemoveActions returns unlink actions for the containing
// directories of the given unlinked paths, deepest first.
func DirectoryRemoveActions(tc *TransactionContext, prec *conda.PackageRecord, targetPrefix string, unlinked []*UnlinkPathAction) []*UnlinkPathAction {
	var paths []string
	for _, axn := range unlinked {
		paths = append(paths, axn.ShortPath)
	}
	dirs := ExplodeDirectories(paths)
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	// reverse depth-first: deepest directories first
	sort.SliceStable(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})
	actions := make([]*UnlinkPathAction, 0, len(dirs))
	for _, d := range dirs {
		actions = append(actions, NewUnlinkPathAction(tc, prec, targetPrefix, d, LinkTypeDirectory))
	}
	return actions
}
