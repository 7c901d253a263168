package link

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/action"
	"github.com/richardjgowers/conda/internal/config"
	"github.com/richardjgowers/conda/internal/pkgcache"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

// Planner turns one PrefixSetup into the ordered action groups that realize
// it. Planning performs no side effects beyond ensuring the target prefix
// directory exists.
type Planner struct {
	cfg         *config.Config
	cache       *pkgcache.PackageCacheData
	catalogPath string
}

func NewPlanner(cfg *config.Config, cache *pkgcache.PackageCacheData, catalogPath string) *Planner {
	return &Planner{cfg: cfg, cache: cache, catalogPath: catalogPath}
}

// determineLinkType picks hardlink if supported between the extracted dir
// and the target prefix, then softlink if allowed and supported, then copy.
func (p *Planner) determineLinkType(extractedPackageDir, targetPrefix string) action.LinkType {
	sourceTestFile := filepath.Join(extractedPackageDir, "info", "index.json")
	if p.cfg.AlwaysCopy {
		return action.LinkTypeCopy
	}
	if p.cfg.AlwaysSoftlink {
		return action.LinkTypeSoftlink
	}
	if hardlinkSupported(sourceTestFile, targetPrefix) {
		return action.LinkTypeHardlink
	}
	if p.cfg.AllowSoftlinks && softlinkSupported(sourceTestFile, targetPrefix) {
		return action.LinkTypeSoftlink
	}
	return action.LinkTypeCopy
}

func hardlinkSupported(sourceTestFile, targetPrefix string) bool {
	probe := filepath.Join(targetPrefix, fmt.Sprintf(".hardlink-probe-%d", os.Getpid()))
	defer os.Remove(probe)
	if err := os.Link(sourceTestFile, probe); err != nil {
		return false
	}
	return true
}

func softlinkSupported(sourceTestFile, targetPrefix string) bool {
	probe := filepath.Join(targetPrefix, fmt.Sprintf(".softlink-probe-%d", os.Getpid()))
	defer os.Remove(probe)
	if err := os.Symlink(sourceTestFile, probe); err != nil {
		return false
	}
	return true
}

// targetPythonVersion determines the python that will be present at the end
// of the transaction.
func targetPythonVersion(pd *prefixdata.PrefixData, unlinkRecs []*conda.PackageRecord, pkgInfos []*pkgcache.PackageInfo) (string, error) {
	for _, pi := range pkgInfos {
		if pi.RepodataRecord.Name == "python" {
			// python is being linked; we're done
			return conda.MajorMinor(pi.RepodataRecord.Version), nil
		}
	}
	linked, err := pd.PythonVersion()
	if err != nil {
		return "", err
	}
	if linked != "" {
		for _, rec := range unlinkRecs {
			if rec.Name == "python" {
				// the linked python is being removed without replacement
				return "", nil
			}
		}
		return linked, nil
	}
	return "", nil
}

// matchSpecForRecord returns the update spec whose name matches the record,
// or "".
func matchSpecForRecord(prec *conda.PackageRecord, updateSpecs []string) string {
	for _, spec := range updateSpecs {
		ms, err := conda.ParseMatchSpec(spec)
		if err != nil {
			continue
		}
		if ms.Name == prec.Name {
			return spec
		}
	}
	return ""
}

// Plan builds the PrefixActionGroup for one setup.
func (p *Planner) Plan(setup conda.PrefixSetup) (*PrefixActionGroup, error) {
	targetPrefix := setup.TargetPrefix
	if _, err := os.Stat(targetPrefix); err != nil {
		if err := os.MkdirAll(targetPrefix, 0755); err != nil {
			log.Printf("mkdir %s: %v", targetPrefix, err)
			return nil, xerrors.Errorf(
				"unable to create prefix directory %q, check that you have sufficient permissions: %w",
				targetPrefix, &EnvironmentNotWritableError{Prefix: targetPrefix})
		}
	}

	pd := prefixdata.New(targetPrefix)

	var unlinkRecs []*conda.PackageRecord
	for _, prec := range setup.UnlinkPrecs {
		rec, err := pd.Get(prec.Name)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// tolerated: record vanished between solve and plan
			log.Printf("package %s is not installed in %s, skipping unlink", prec.DistStr(), targetPrefix)
			continue
		}
		unlinkRecs = append(unlinkRecs, rec)
	}

	var pkgInfos []*pkgcache.PackageInfo
	linkTypes := make(map[*pkgcache.PackageInfo]action.LinkType)
	for _, prec := range setup.LinkPrecs {
		cacheRec := p.cache.GetEntryToLink(prec)
		if cacheRec == nil {
			return nil, xerrors.Errorf("no extracted package cache entry for %s", prec.DistStr())
		}
		pi, err := pkgcache.ReadPackageInfo(prec, cacheRec)
		if err != nil {
			return nil, err
		}
		pkgInfos = append(pkgInfos, pi)
		linkTypes[pi] = p.determineLinkType(pi.ExtractedPackageDir, targetPrefix)
	}

	pythonVersion, err := targetPythonVersion(pd, unlinkRecs, pkgInfos)
	if err != nil {
		return nil, err
	}
	tc := &action.TransactionContext{
		TargetPythonVersion:         pythonVersion,
		TargetSitePackagesShortPath: conda.PythonSitePackagesShortPath(pythonVersion),
		TempDir:                     filepath.Join(targetPrefix, ".condatmp"),
	}

	pag := &PrefixActionGroup{Context: tc}

	for _, rec := range unlinkRecs {
		pag.UnlinkActionGroups = append(pag.UnlinkActionGroups, &ActionGroup{
			Kind:         GroupUnlink,
			UnlinkPrec:   rec,
			Actions:      makeUnlinkActions(tc, rec, targetPrefix),
			TargetPrefix: targetPrefix,
		})
	}

	if len(pag.UnlinkActionGroups) > 0 {
		pag.UnregisterActionGroups = append(pag.UnregisterActionGroups, &ActionGroup{
			Kind: GroupUnregister,
			Actions: []action.Action{
				action.NewUnregisterEnvironmentLocationAction(tc, targetPrefix, p.catalogPath),
			},
			TargetPrefix: targetPrefix,
		})
	}

	// per-package link-side groups; the emission order within the link group
	// is the execution order
	type linkParts struct {
		link       []action.Action
		entryPoint []action.Action
		compile    []action.Action
	}
	parts := make(map[*pkgcache.PackageInfo]*linkParts)

	for _, pi := range pkgInfos {
		lt := linkTypes[pi]
		fileActions := action.CreateFileLinkActions(tc, pi, targetPrefix, lt, p.cfg.ExtraSafetyChecks)
		dirActions := action.CreateDirectoryActions(tc, pi, targetPrefix, fileActions)

		var linkActions []action.Action
		for _, a := range dirActions {
			linkActions = append(linkActions, a)
		}
		for _, a := range fileActions {
			linkActions = append(linkActions, a)
		}
		for _, a := range action.CreateNonadminActions(tc, p.cfg.RootPrefix, targetPrefix) {
			linkActions = append(linkActions, a)
		}
		for _, a := range action.CreateMakeMenuActions(tc, pi, targetPrefix) {
			linkActions = append(linkActions, a)
		}

		epActions, err := action.CreatePythonEntryPointActions(tc, pi, targetPrefix)
		if err != nil {
			return nil, err
		}
		var entryPointActions []action.Action
		for _, a := range epActions {
			entryPointActions = append(entryPointActions, a)
		}

		var compileActions []action.Action
		for _, a := range action.CreateCompileMultiPycActions(tc, pi, targetPrefix, fileActions) {
			compileActions = append(compileActions, a)
		}

		parts[pi] = &linkParts{link: linkActions, entryPoint: entryPointActions, compile: compileActions}

		pag.LinkActionGroups = append(pag.LinkActionGroups, &ActionGroup{
			Kind: GroupLink, PkgData: pi, Actions: linkActions, TargetPrefix: targetPrefix,
		})
		pag.EntryPointActionGroups = append(pag.EntryPointActionGroups, &ActionGroup{
			Kind: GroupEntryPoint, PkgData: pi, Actions: entryPointActions, TargetPrefix: targetPrefix,
		})
		pag.CompileActionGroups = append(pag.CompileActionGroups, &ActionGroup{
			Kind: GroupCompile, PkgData: pi, Actions: compileActions, TargetPrefix: targetPrefix,
		})
	}

	var recordActions []action.Action
	for _, pi := range pkgInfos {
		pp := parts[pi]
		var all []action.Action
		all = append(all, pp.link...)
		all = append(all, pp.entryPoint...)
		all = append(all, pp.compile...)
		recordActions = append(recordActions, action.NewCreatePrefixRecordAction(
			tc, pi, targetPrefix, linkTypes[pi], matchSpecForRecord(pi.RepodataRecord, setup.UpdateSpecs), all))
	}
	pag.PrefixRecordGroups = []*ActionGroup{{
		Kind: GroupRecord, Actions: recordActions, TargetPrefix: targetPrefix,
	}}

	registerActions := []action.Action{
		action.NewRegisterEnvironmentLocationAction(tc, targetPrefix, p.catalogPath),
		action.NewUpdateHistoryAction(tc, targetPrefix, setup.RemoveSpecs, setup.UpdateSpecs,
			setup.UnlinkPrecs, setup.LinkPrecs),
	}
	pag.RegisterActionGroups = []*ActionGroup{{
		Kind: GroupRegister, Actions: registerActions, TargetPrefix: targetPrefix,
	}}

	return pag, nil
}

// makeUnlinkActions emits, in order: menu removals, one unlink per owned
// file, directory removals deepest-first, and finally the conda-meta record
// removal.
func makeUnlinkActions(tc *action.TransactionContext, rec *conda.PackageRecord, targetPrefix string) []action.Action {
	var actions []action.Action
	for _, a := range action.CreateRemoveMenuActions(tc, rec, targetPrefix) {
		actions = append(actions, a)
	}
	unlinkPathActions := make([]*action.UnlinkPathAction, 0, len(rec.Files))
	for _, path := range rec.Files {
		unlinkPathActions = append(unlinkPathActions,
			action.NewUnlinkPathAction(tc, rec, targetPrefix, path, action.LinkTypeHardlink))
	}
	for _, a := range unlinkPathActions {
		actions = append(actions, a)
	}
	for _, a := range action.DirectoryRemoveActions(tc, rec, targetPrefix, unlinkPathActions) {
		actions = append(actions, a)
	}
	metaShortPath := "conda-meta/" + rec.DistFileName() + ".json"
	actions = append(actions, action.NewRemoveLinkedPackageRecordAction(tc, rec, targetPrefix, metaShortPath))
	return actions
}
