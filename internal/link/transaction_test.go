package link

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/action"
	"github.com/richardjgowers/conda/internal/condatest"
	"github.com/richardjgowers/conda/internal/config"
	"github.com/richardjgowers/conda/internal/pkgcache"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

type testEnv struct {
	cfg     *config.Config
	cache   *pkgcache.PackageCacheData
	pkgsDir string
	catalog string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.RootPrefix = t.TempDir()
	cfg.CondaPrefix = cfg.RootPrefix
	cfg.Debug = true // synchronous execution for reproducibility
	pkgsDir := t.TempDir()
	cfg.PkgsDirs = []string{pkgsDir}
	return &testEnv{
		cfg:     &cfg,
		cache:   pkgcache.New([]string{pkgsDir}),
		pkgsDir: pkgsDir,
		catalog: filepath.Join(t.TempDir(), "environments.txt"),
	}
}

func (te *testEnv) transaction(setups ...conda.PrefixSetup) *Transaction {
	return NewTransaction(te.cfg, te.cache, te.catalog, setups...)
}

// snapshot excludes the history ledger, which is allowed to change across a
// transaction and its inverse.
func snapshot(t *testing.T, prefix string) map[string]bool {
	s := condatest.Snapshot(t, prefix)
	delete(s, "conda-meta/history")
	return s
}

func TestExecuteLinksPackage(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()

	prec := condatest.Record("pkga", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, prec, map[string]string{
		"bin/tool": "tool-contents",
		"lib/a.so": "lib-contents",
	})

	txn := te.transaction(conda.PrefixSetup{
		TargetPrefix: prefix,
		LinkPrecs:    []*conda.PackageRecord{prec},
		UpdateSpecs:  []string{"pkga"},
	})
	if txn.NothingToDo() {
		t.Fatal("NothingToDo = true for a transaction with link precs")
	}
	if err := txn.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"bin/tool", "lib/a.so"} {
		if _, err := os.Lstat(filepath.Join(prefix, filepath.FromSlash(path))); err != nil {
			t.Errorf("linked path %s missing: %v", path, err)
		}
	}

	// exactly one conda-meta record exists for the linked prec
	rec, err := prefixdata.New(prefix).Get("pkga")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("no conda-meta record for pkga")
	}
	if rec.RequestedSpec != "pkga" {
		t.Errorf("RequestedSpec = %q", rec.RequestedSpec)
	}

	// history was updated and the environment registered
	if _, err := os.Stat(filepath.Join(prefix, "conda-meta", "history")); err != nil {
		t.Errorf("history missing: %v", err)
	}
	b, err := os.ReadFile(te.catalog)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), prefix) {
		t.Errorf("prefix not registered in %s: %q", te.catalog, b)
	}

	// scratch dir is gone
	if _, err := os.Stat(filepath.Join(prefix, ".condatmp")); !os.IsNotExist(err) {
		t.Errorf(".condatmp still present: %v", err)
	}
}

func TestExecuteUnlinkThenRoundTrip(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()

	prec := condatest.Record("pkga", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, prec, map[string]string{"bin/tool": "x"})

	before := snapshot(t, prefix)

	install := te.transaction(conda.PrefixSetup{
		TargetPrefix: prefix,
		LinkPrecs:    []*conda.PackageRecord{prec},
	})
	if err := install.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	// inverse transaction: swap link and unlink
	remove := te.transaction(conda.PrefixSetup{
		TargetPrefix: prefix,
		UnlinkPrecs:  []*conda.PackageRecord{prec},
		RemoveSpecs:  []string{"pkga"},
	})
	if err := remove.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Lstat(filepath.Join(prefix, "bin", "tool")); !os.IsNotExist(err) {
		t.Errorf("bin/tool still present after unlink: %v", err)
	}
	rec, err := prefixdata.New(prefix).Get("pkga")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Error("conda-meta record still present after unlink")
	}

	after := snapshot(t, prefix)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("prefix state after T then T-inverse: diff (-before +after):\n%s", diff)
	}
}

func TestPrepareIsPureAndIdempotent(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()

	prec := condatest.Record("pkga", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, prec, map[string]string{"bin/tool": "x"})

	txn := te.transaction(conda.PrefixSetup{
		TargetPrefix: prefix,
		LinkPrecs:    []*conda.PackageRecord{prec},
	})
	if err := txn.Prepare(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := snapshot(t, prefix); len(got) != 0 {
		t.Errorf("Prepare changed the prefix: %v", got)
	}
	pag := txn.PrefixActionGroups()[prefix]
	if err := txn.Prepare(context.Background()); err != nil {
		t.Fatal(err)
	}
	if txn.PrefixActionGroups()[prefix] != pag {
		t.Error("re-entrant Prepare re-planned the transaction")
	}
}

func TestPlanOrdersDirectoriesBeforeFiles(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()

	prec := condatest.Record("pkga", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, prec, map[string]string{
		"lib/sub/deep/file.so": "x",
	})

	planner := NewPlanner(te.cfg, te.cache, te.catalog)
	pag, err := planner.Plan(conda.PrefixSetup{
		TargetPrefix: prefix,
		LinkPrecs:    []*conda.PackageRecord{prec},
	})
	if err != nil {
		t.Fatal(err)
	}
	actions := pag.LinkActionGroups[0].Actions
	sawFile := false
	for _, axn := range actions {
		la, ok := axn.(*action.LinkPathAction)
		if !ok {
			continue
		}
		if la.LinkType == action.LinkTypeDirectory {
			if sawFile {
				t.Fatal("directory-creation action emitted after a file action")
			}
		} else {
			sawFile = true
		}
	}
	if !sawFile {
		t.Fatal("no file link action planned")
	}
}

func TestVerifyCondaSelfProtection(t *testing.T) {
	te := newTestEnv(t)
	prefix := te.cfg.RootPrefix // target == root prefix

	condaPrec := condatest.Record("conda", "4.10.0", "py38_0", 0)
	condaPrec.Files = []string{"bin/conda"}
	condatest.InstallPrefix(t, prefix, condaPrec)

	v := NewVerifier(te.cfg)
	errs := v.verifyTransactionLevel([]conda.PrefixSetup{{
		TargetPrefix: prefix,
		UnlinkPrecs:  []*conda.PackageRecord{condaPrec},
	}})
	var found bool
	for _, err := range errs {
		if re, ok := err.(*RemoveError); ok &&
			strings.Contains(re.Message, "remove conda without replacing it") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected conda self-protection RemoveError, got %v", errs)
	}
}

func TestVerifyCondaDependencyProtection(t *testing.T) {
	te := newTestEnv(t)
	prefix := te.cfg.RootPrefix

	condaPrec := condatest.Record("conda", "4.10.0", "py38_0", 0)
	condaPrec.Depends = []string{"pycosat >=0.6.3"}
	condaPrec.Files = []string{"bin/conda"}
	pycosat := condatest.Record("pycosat", "0.6.3", "0", 0)
	pycosat.Files = []string{"lib/pycosat.so"}
	condatest.InstallPrefix(t, prefix, condaPrec, pycosat)

	v := NewVerifier(te.cfg)
	errs := v.verifyTransactionLevel([]conda.PrefixSetup{{
		TargetPrefix: prefix,
		UnlinkPrecs:  []*conda.PackageRecord{pycosat},
	}})
	var found bool
	for _, err := range errs {
		if re, ok := err.(*RemoveError); ok && strings.Contains(re.Message, "pycosat") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected conda dependency RemoveError, got %v", errs)
	}
}

func TestVerifyKnownPackageClobber(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()

	// lib/a.so is owned by installed package X
	x := condatest.Record("x", "1.0", "0", 0)
	x.Files = []string{"lib/a.so"}
	condatest.InstallPrefix(t, prefix, x)

	// package Y also ships lib/a.so, and X is not being unlinked
	y := condatest.Record("y", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, y, map[string]string{"lib/a.so": "y"})

	planner := NewPlanner(te.cfg, te.cache, te.catalog)
	setup := conda.PrefixSetup{TargetPrefix: prefix, LinkPrecs: []*conda.PackageRecord{y}}
	pag, err := planner.Plan(setup)
	if err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(te.cfg)
	errs := v.verifyPrefixLevel(prefix, pag)
	var found bool
	for _, err := range errs {
		if ce, ok := err.(*KnownPackageClobberError); ok {
			if ce.TargetPath == "lib/a.so" &&
				strings.Contains(ce.ColliderDistStr, "y-1.0") &&
				strings.Contains(ce.ColliderOwnerDist, "x-1.0") {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("expected KnownPackageClobberError(lib/a.so, y, x), got %v", errs)
	}
}

func TestVerifyClobberAllowedWhenUnlinked(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()

	oldPrec := condatest.Record("foo", "1.2", "build0", 0)
	oldPrec.Files = []string{"lib/foo.so"}
	condatest.InstallPrefix(t, prefix, oldPrec)

	newPrec := condatest.Record("foo", "1.2", "build1", 1)
	condatest.ExtractedPackage(t, te.pkgsDir, newPrec, map[string]string{"lib/foo.so": "v2"})

	planner := NewPlanner(te.cfg, te.cache, te.catalog)
	pag, err := planner.Plan(conda.PrefixSetup{
		TargetPrefix: prefix,
		UnlinkPrecs:  []*conda.PackageRecord{oldPrec},
		LinkPrecs:    []*conda.PackageRecord{newPrec},
	})
	if err != nil {
		t.Fatal(err)
	}
	if errs := NewVerifier(te.cfg).verifyPrefixLevel(prefix, pag); len(errs) != 0 {
		t.Errorf("clobber errors for a path scheduled for unlink: %v", errs)
	}
}

func TestVerifySharedLinkPathClobber(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()

	a := condatest.Record("a", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, a, map[string]string{"bin/shared": "a"})
	b := condatest.Record("b", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, b, map[string]string{"bin/shared": "b"})

	planner := NewPlanner(te.cfg, te.cache, te.catalog)
	pag, err := planner.Plan(conda.PrefixSetup{
		TargetPrefix: prefix,
		LinkPrecs:    []*conda.PackageRecord{a, b},
	})
	if err != nil {
		t.Fatal(err)
	}
	errs := NewVerifier(te.cfg).verifyPrefixLevel(prefix, pag)
	var found bool
	for _, err := range errs {
		if se, ok := err.(*SharedLinkPathClobberError); ok && se.TargetPath == "bin/shared" {
			if len(se.DistStrs) != 2 {
				t.Errorf("SharedLinkPathClobberError lists %v", se.DistStrs)
			}
			found = true
		}
	}
	if !found {
		t.Errorf("expected SharedLinkPathClobberError, got %v", errs)
	}
}

func TestVerifyDisallowedPackage(t *testing.T) {
	te := newTestEnv(t)
	te.cfg.DisallowedPackages = []string{"badpkg"}
	prefix := t.TempDir()

	bad := condatest.Record("badpkg", "6.6.6", "0", 0)
	errs := NewVerifier(te.cfg).verifyTransactionLevel([]conda.PrefixSetup{{
		TargetPrefix: prefix,
		LinkPrecs:    []*conda.PackageRecord{bad},
	}})
	var found bool
	for _, err := range errs {
		if _, ok := err.(*DisallowedPackageError); ok {
			found = true
		}
	}
	if !found {
		t.Errorf("expected DisallowedPackageError, got %v", errs)
	}
}

func TestProbeWritableLeavesNoTrace(t *testing.T) {
	prefix := t.TempDir()
	if err := probeWritable(prefix); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(prefix, "conda-meta")); !os.IsNotExist(err) {
		t.Errorf("probe left conda-meta behind: %v", err)
	}
}

func TestPythonContextAndEntryPointScheduling(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()

	python := condatest.Record("python", "3.9.1", "h12debd9_1", 1)
	condatest.ExtractedPackage(t, te.pkgsDir, python, map[string]string{"bin/python3.9": "elf"})

	mypkg := condatest.Record("mypkg", "1.0", "py_0", 0)
	mypkg.Noarch = "python"
	dir := condatest.ExtractedPackage(t, te.pkgsDir, mypkg, map[string]string{
		"site-packages/mypkg/__init__.py": "",
	})
	condatest.WriteLinkJSON(t, dir, "python", []string{"mypkg = mypkg:main"})

	txn := te.transaction(conda.PrefixSetup{
		TargetPrefix: prefix,
		LinkPrecs:    []*conda.PackageRecord{python, mypkg},
	})
	if err := txn.Prepare(context.Background()); err != nil {
		t.Fatal(err)
	}

	tc := txn.Context(prefix)
	if tc.TargetPythonVersion != "3.9" {
		t.Errorf("TargetPythonVersion = %q, want 3.9", tc.TargetPythonVersion)
	}
	if tc.TargetSitePackagesShortPath != "lib/python3.9/site-packages" {
		t.Errorf("TargetSitePackagesShortPath = %q", tc.TargetSitePackagesShortPath)
	}

	var epActions int
	for _, g := range txn.PrefixActionGroups()[prefix].EntryPointActionGroups {
		epActions += len(g.Actions)
	}
	if epActions != 1 {
		t.Errorf("planned %d entry point actions, want 1", epActions)
	}

	if err := txn.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	// the noarch file was remapped into the target site-packages
	if _, err := os.Stat(filepath.Join(prefix, "lib", "python3.9", "site-packages", "mypkg", "__init__.py")); err != nil {
		t.Errorf("noarch file not remapped: %v", err)
	}
	if _, err := os.Stat(filepath.Join(prefix, "bin", "mypkg")); err != nil {
		t.Errorf("entry point not created: %v", err)
	}
}

func TestCompileAggregation(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()

	python := condatest.Record("python", "3.9.1", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, python, map[string]string{"bin/python3.9": "elf"})

	var precs []*conda.PackageRecord
	precs = append(precs, python)
	for _, name := range []string{"p1", "p2", "p3"} {
		prec := condatest.Record(name, "1.0", "py_0", 0)
		prec.Noarch = "python"
		condatest.ExtractedPackage(t, te.pkgsDir, prec, map[string]string{
			"site-packages/" + name + "/__init__.py": "",
		})
		precs = append(precs, prec)
	}

	txn := te.transaction(conda.PrefixSetup{TargetPrefix: prefix, LinkPrecs: precs})
	if err := txn.Prepare(context.Background()); err != nil {
		t.Fatal(err)
	}

	var compileGroups []*ActionGroup
	for _, g := range txn.PrefixActionGroups()[prefix].CompileActionGroups {
		if len(g.Actions) > 0 {
			compileGroups = append(compileGroups, g)
		}
	}
	if len(compileGroups) != 3 {
		t.Fatalf("planned %d non-empty compile groups, want 3", len(compileGroups))
	}

	composite := aggregateCompile(txn.PrefixActionGroups()[prefix].CompileActionGroups)
	if composite == nil {
		t.Fatal("aggregateCompile = nil")
	}
	if len(composite.Actions) != 1 {
		t.Fatalf("aggregate group has %d actions, want 1", len(composite.Actions))
	}
	agg := composite.Actions[0].(*action.CompileMultiPycAction)
	if got := len(agg.TargetShortPaths()); got != 3 {
		t.Errorf("aggregate covers %d pyc targets, want 3", got)
	}
}

func TestRollbackOnPostLinkFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell script")
	}
	te := newTestEnv(t)
	prefix := t.TempDir()

	pkga := condatest.Record("pkga", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, pkga, map[string]string{"bin/a": "a"})

	pkgb := condatest.Record("pkgb", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, pkgb, map[string]string{
		"bin/b": "b",
		"bin/.pkgb-post-link.sh": "#!/bin/sh\nexit 1\n",
	})

	before := snapshot(t, prefix)

	txn := te.transaction(conda.PrefixSetup{
		TargetPrefix: prefix,
		LinkPrecs:    []*conda.PackageRecord{pkga, pkgb},
	})
	err := txn.Execute(context.Background())
	if err == nil {
		t.Fatal("Execute succeeded despite failing post-link script")
	}
	me, ok := err.(*MultiError)
	if !ok {
		t.Fatalf("Execute error type %T: %v", err, err)
	}
	if _, ok := me.Errors[0].(*LinkError); !ok {
		t.Errorf("primary error is %T, want *LinkError: %v", me.Errors[0], me.Errors[0])
	}

	// best-effort rollback returned the prefix to its pre-transaction state
	after := snapshot(t, prefix)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("prefix not rolled back: diff (-before +after):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(prefix, ".condatmp")); !os.IsNotExist(err) {
		t.Errorf(".condatmp still present after failed execute: %v", err)
	}
}

func TestExecuteParallelPool(t *testing.T) {
	te := newTestEnv(t)
	te.cfg.Debug = false // exercise the worker pool path
	prefix := t.TempDir()

	var precs []*conda.PackageRecord
	for _, name := range []string{"w1", "w2", "w3", "w4"} {
		prec := condatest.Record(name, "1.0", "0", 0)
		condatest.ExtractedPackage(t, te.pkgsDir, prec, map[string]string{"bin/" + name: name})
		precs = append(precs, prec)
	}
	txn := te.transaction(conda.PrefixSetup{TargetPrefix: prefix, LinkPrecs: precs})
	if err := txn.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	recs, err := prefixdata.New(prefix).IterRecords()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Errorf("installed %d records, want 4", len(recs))
	}
}

func TestDryRunForbidsExecute(t *testing.T) {
	te := newTestEnv(t)
	te.cfg.DryRun = true
	prefix := t.TempDir()

	prec := condatest.Record("pkga", "1.0", "0", 0)
	condatest.ExtractedPackage(t, te.pkgsDir, prec, map[string]string{"bin/tool": "x"})

	txn := te.transaction(conda.PrefixSetup{
		TargetPrefix: prefix,
		LinkPrecs:    []*conda.PackageRecord{prec},
	})
	if err := txn.Execute(context.Background()); err == nil {
		t.Fatal("Execute succeeded with dry_run set")
	}
}

func TestNothingToDo(t *testing.T) {
	te := newTestEnv(t)
	prefix := t.TempDir()
	condatest.InstallPrefix(t, prefix) // creates the magic file only

	txn := te.transaction(conda.PrefixSetup{TargetPrefix: prefix})
	if !txn.NothingToDo() {
		t.Error("NothingToDo = false for an empty setup on a conda environment")
	}
}
