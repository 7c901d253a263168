package action

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/pkgcache"
)

// MakeMenuAction stands for the menu shortcuts a package ships as Menu/*.json
// manifests. Execute and Reverse only log; no shortcut is created or removed.
// Windows only; other platforms plan no menu actions.
type MakeMenuAction struct {
	verifiedFlag

	TargetPrefix string
	ShortPath    string

	executed bool
}

// CreateMakeMenuActions returns one action per Menu/*.json manifest the
// package links.
func CreateMakeMenuActions(tc *TransactionContext, pi *pkgcache.PackageInfo, targetPrefix string) []*MakeMenuAction {
	if runtime.GOOS != "windows" {
		return nil
	}
	var actions []*MakeMenuAction
	for _, pd := range pi.PathsData {
		if isMenuManifest(pd.Path) {
			actions = append(actions, &MakeMenuAction{
				TargetPrefix: targetPrefix,
				ShortPath:    pd.Path,
			})
		}
	}
	return actions
}

func isMenuManifest(shortPath string) bool {
	return strings.HasPrefix(shortPath, "Menu/") && strings.HasSuffix(shortPath, ".json")
}

func (a *MakeMenuAction) TargetShortPath() (string, bool) { return "", false }

func (a *MakeMenuAction) Verify() error {
	a.markVerified()
	return nil
}

func (a *MakeMenuAction) Execute() error {
	log.Printf("creating menu shortcuts from %s", a.ShortPath)
	a.executed = true
	return nil
}

func (a *MakeMenuAction) Reverse() error {
	if !a.executed {
		return nil
	}
	log.Printf("removing menu shortcuts from %s", a.ShortPath)
	return nil
}

func (a *MakeMenuAction) Cleanup() error { return nil }

// RemoveMenuAction stands for the shortcuts of an unlinked package. Execute
// and Reverse only log; no shortcut is removed or restored.
type RemoveMenuAction struct {
	verifiedFlag

	TargetPrefix string
	ShortPath    string
}

// CreateRemoveMenuActions returns one action per Menu/*.json manifest in the
// unlinked record's file list.
func CreateRemoveMenuActions(tc *TransactionContext, prec *conda.PackageRecord, targetPrefix string) []*RemoveMenuAction {
	if runtime.GOOS != "windows" {
		return nil
	}
	var actions []*RemoveMenuAction
	for _, path := range prec.Files {
		if isMenuManifest(path) {
			actions = append(actions, &RemoveMenuAction{
				TargetPrefix: targetPrefix,
				ShortPath:    path,
			})
		}
	}
	return actions
}

func (a *RemoveMenuAction) TargetShortPath() (string, bool) { return "", false }

func (a *RemoveMenuAction) Verify() error {
	a.markVerified()
	return nil
}

func (a *RemoveMenuAction) Execute() error {
	log.Printf("removing menu shortcuts from %s", a.ShortPath)
	return nil
}

func (a *RemoveMenuAction) Reverse() error {
	log.Printf("restoring menu shortcuts from %s", a.ShortPath)
	return nil
}

func (a *RemoveMenuAction) Cleanup() error { return nil }

// CreateNonadminAction marks a prefix as writable without administrator
// rights by creating a .nonadmin file, mirroring the marker on the root
// prefix. Windows only.
type CreateNonadminAction struct {
	verifiedFlag

	TargetPrefix string

	created bool
}

// CreateNonadminActions returns the marker action when the root prefix
// itself carries a .nonadmin marker.
func CreateNonadminActions(tc *TransactionContext, rootPrefix, targetPrefix string) []*CreateNonadminAction {
	if runtime.GOOS != "windows" {
		return nil
	}
	if _, err := os.Lstat(filepath.Join(rootPrefix, ".nonadmin")); err != nil {
		return nil
	}
	return []*CreateNonadminAction{{TargetPrefix: targetPrefix}}
}

func (a *CreateNonadminAction) TargetShortPath() (string, bool) { return "", false }

func (a *CreateNonadminAction) Verify() error {
	a.markVerified()
	return nil
}

func (a *CreateNonadminAction) Execute() error {
	fn := filepath.Join(a.TargetPrefix, ".nonadmin")
	if _, err := os.Lstat(fn); err == nil {
		return nil
	}
	if err := os.WriteFile(fn, nil, 0644); err != nil {
		return err
	}
	a.created = true
	return nil
}

func (a *CreateNonadminAction) Reverse() error {
	if !a.created {
		return nil
	}
	if err := os.Remove(filepath.Join(a.TargetPrefix, ".nonadmin")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (a *CreateNonadminAction) Cleanup() error { return nil }
