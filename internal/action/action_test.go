package action

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/condatest"
	"github.com/richardjgowers/conda/internal/pkgcache"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

func testPackageInfo(t *testing.T, files map[string]string) *pkgcache.PackageInfo {
	t.Helper()
	pkgsDir := t.TempDir()
	prec := condatest.Record("testpkg", "1.0", "0", 0)
	condatest.ExtractedPackage(t, pkgsDir, prec, files)
	pc := pkgcache.New([]string{pkgsDir})
	pi, err := pkgcache.ReadPackageInfo(prec, pc.GetEntryToLink(prec))
	if err != nil {
		t.Fatal(err)
	}
	return pi
}

func newTestContext(t *testing.T, prefix string) *TransactionContext {
	t.Helper()
	tc := &TransactionContext{TempDir: filepath.Join(prefix, ".condatmp")}
	if err := os.MkdirAll(tc.TempDir, 0755); err != nil {
		t.Fatal(err)
	}
	return tc
}

func TestExplodeDirectories(t *testing.T) {
	got := ExplodeDirectories([]string{"lib/python3.9/site-packages/foo.py", "bin/tool"})
	sort.Strings(got)
	want := []string{"bin", "lib", "lib/python3.9", "lib/python3.9/site-packages"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExplodeDirectories: diff (-want +got):\n%s", diff)
	}
}

func TestLinkPathActionHardlinkExecuteReverse(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	pi := testPackageInfo(t, map[string]string{"bin/tool": "binary-contents"})

	fileActions := CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, false)
	if len(fileActions) != 1 {
		t.Fatalf("got %d file actions, want 1", len(fileActions))
	}
	dirActions := CreateDirectoryActions(tc, pi, prefix, fileActions)
	if len(dirActions) != 1 || dirActions[0].ShortPath != "bin" {
		t.Fatalf("directory actions = %+v, want one for \"bin\"", dirActions)
	}

	for _, a := range dirActions {
		if err := a.Execute(); err != nil {
			t.Fatal(err)
		}
	}
	for _, a := range fileActions {
		if err := a.Verify(); err != nil {
			t.Fatal(err)
		}
		if err := a.Execute(); err != nil {
			t.Fatal(err)
		}
	}

	b, err := os.ReadFile(filepath.Join(prefix, "bin", "tool"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "binary-contents" {
		t.Errorf("linked file contents = %q", b)
	}

	for i := len(fileActions) - 1; i >= 0; i-- {
		if err := fileActions[i].Reverse(); err != nil {
			t.Fatal(err)
		}
	}
	for i := len(dirActions) - 1; i >= 0; i-- {
		if err := dirActions[i].Reverse(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := os.Lstat(filepath.Join(prefix, "bin", "tool")); !os.IsNotExist(err) {
		t.Errorf("file still present after Reverse: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(prefix, "bin")); !os.IsNotExist(err) {
		t.Errorf("directory still present after Reverse: %v", err)
	}
}

func TestLinkPathActionVerifyMissingSource(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	pi := testPackageInfo(t, map[string]string{"bin/tool": "x"})
	// corrupt the cache entry: manifest lists a file that is not there
	if err := os.Remove(filepath.Join(pi.ExtractedPackageDir, "bin", "tool")); err != nil {
		t.Fatal(err)
	}

	a := CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, false)[0]
	if err := a.Verify(); err == nil {
		t.Error("Verify succeeded for a missing packaged file")
	}
	if a.Verified() {
		t.Error("action marked verified despite failing Verify")
	}
}

func TestLinkPathActionExtraVerify(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	content := "verified-contents"
	pi := testPackageInfo(t, map[string]string{"bin/tool": content})

	digest := sha256.Sum256([]byte(content))
	pi.PathsData[0].SHA256 = hex.EncodeToString(digest[:])
	pi.PathsData[0].SizeInBytes = int64(len(content))

	a := CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, true)[0]
	if err := a.Verify(); err != nil {
		t.Fatalf("Verify with matching size and digest: %v", err)
	}

	pi.PathsData[0].SHA256 = strings.Repeat("0", 64)
	a = CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, true)[0]
	if err := a.Verify(); err == nil || !strings.Contains(err.Error(), "sha256") {
		t.Errorf("Verify accepted a wrong digest: %v", err)
	}

	pi.PathsData[0].SHA256 = hex.EncodeToString(digest[:])
	pi.PathsData[0].SizeInBytes = 1
	a = CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, true)[0]
	if err := a.Verify(); err == nil || !strings.Contains(err.Error(), "size") {
		t.Errorf("Verify accepted a wrong size: %v", err)
	}

	// without extra checks a wrong manifest digest is not an error
	a = CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, false)[0]
	if err := a.Verify(); err != nil {
		t.Errorf("Verify without extra checks: %v", err)
	}
}

func TestDirectoryActionFirstWriterWins(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	pi := testPackageInfo(t, map[string]string{"lib/a.so": "a"})

	fileActions := CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, false)
	dirs := CreateDirectoryActions(tc, pi, prefix, fileActions)

	if err := os.MkdirAll(filepath.Join(prefix, "lib"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := dirs[0].Execute(); err != nil {
		t.Fatal(err)
	}
	// reversing must not remove a directory someone else created
	if err := dirs[0].Reverse(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(prefix, "lib")); err != nil {
		t.Errorf("pre-existing directory removed by Reverse: %v", err)
	}
}

func TestPrefixReplacement(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	pi := testPackageInfo(t, map[string]string{"etc/conf": "root=/opt/placeholder/etc\n"})
	pi.PathsData[0].PrefixPlaceholder = "/opt/placeholder"
	pi.PathsData[0].FileMode = "text"

	a := CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, false)[0]
	if a.LinkType != LinkTypeCopy {
		t.Fatalf("placeholder path got link type %v, want copy", a.LinkType)
	}
	if err := os.MkdirAll(filepath.Join(prefix, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := a.Execute(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(prefix, "etc", "conf"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "root="+prefix+"/etc\n"; got != want {
		t.Errorf("rewritten contents = %q, want %q", got, want)
	}
}

func TestUnlinkPathActionBackupRestore(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	prec := condatest.Record("oldpkg", "1.0", "0", 0)
	fn := filepath.Join(prefix, "bin", "old")
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fn, []byte("old-contents"), 0644); err != nil {
		t.Fatal(err)
	}

	a := NewUnlinkPathAction(tc, prec, prefix, "bin/old", LinkTypeHardlink)
	if err := a.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(fn); !os.IsNotExist(err) {
		t.Fatalf("file still present after unlink: %v", err)
	}

	if err := a.Reverse(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "old-contents" {
		t.Errorf("restored contents = %q", b)
	}

	// execute again, then Cleanup discards the backup
	if err := a.Execute(); err != nil {
		t.Fatal(err)
	}
	if err := a.Cleanup(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(tc.TempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not empty after Cleanup: %v", entries)
	}
}

func TestEntryPointAction(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	tc.TargetPythonVersion = "3.9"
	tc.TargetSitePackagesShortPath = "lib/python3.9/site-packages"

	pi := testPackageInfo(t, map[string]string{"site-packages/mypkg/__init__.py": ""})
	pi.NoarchType = "python"
	pi.EntryPoints = []string{"mypkg = mypkg.cli:main"}

	actions, err := CreatePythonEntryPointActions(tc, pi, prefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d entry point actions, want 1", len(actions))
	}
	a := actions[0]
	if a.ShortPath != "bin/mypkg" {
		t.Errorf("ShortPath = %q, want bin/mypkg", a.ShortPath)
	}
	if err := a.Execute(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(prefix, "bin", "mypkg"))
	if err != nil {
		t.Fatal(err)
	}
	script := string(b)
	if !strings.HasPrefix(script, "#!"+filepath.Join(prefix, "bin", "python3.9")) {
		t.Errorf("script shebang wrong:\n%s", script)
	}
	if !strings.Contains(script, "from mypkg.cli import main") {
		t.Errorf("script body wrong:\n%s", script)
	}
	st, err := os.Stat(filepath.Join(prefix, "bin", "mypkg"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm()&0111 == 0 {
		t.Error("entry point script is not executable")
	}
}

func TestParseEntryPointErrors(t *testing.T) {
	for _, bad := range []string{"mypkg", "mypkg = mod", "= mod:fn"} {
		if _, _, _, err := ParseEntryPoint(bad); err == nil {
			t.Errorf("ParseEntryPoint(%q) succeeded", bad)
		}
	}
	name, module, fn, err := ParseEntryPoint("pump = pump.cli:main")
	if err != nil {
		t.Fatal(err)
	}
	if name != "pump" || module != "pump.cli" || fn != "main" {
		t.Errorf("ParseEntryPoint = %q %q %q", name, module, fn)
	}
}

func TestCompileActionAggregation(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	tc.TargetPythonVersion = "3.9"
	tc.TargetSitePackagesShortPath = "lib/python3.9/site-packages"

	var compileActions []*CompileMultiPycAction
	for _, pkg := range []string{"pkga", "pkgb", "pkgc"} {
		pi := testPackageInfo(t, map[string]string{"site-packages/" + pkg + "/__init__.py": ""})
		pi.NoarchType = "python"
		fileActions := CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, false)
		compileActions = append(compileActions, CreateCompileMultiPycActions(tc, pi, prefix, fileActions)...)
	}
	if len(compileActions) != 3 {
		t.Fatalf("got %d compile actions, want 3", len(compileActions))
	}

	agg := NewAggregateCompileMultiPycAction(compileActions...)
	if got, want := len(agg.SourceShortPaths), 3; got != want {
		t.Fatalf("aggregate covers %d sources, want %d", got, want)
	}
	wantTargets := []string{
		"lib/python3.9/site-packages/pkga/__pycache__/__init__.cpython-39.pyc",
		"lib/python3.9/site-packages/pkgb/__pycache__/__init__.cpython-39.pyc",
		"lib/python3.9/site-packages/pkgc/__pycache__/__init__.cpython-39.pyc",
	}
	if diff := cmp.Diff(wantTargets, agg.TargetShortPaths()); diff != "" {
		t.Errorf("aggregate targets: diff (-want +got):\n%s", diff)
	}

	// no python in the prefix: compilation is skipped, not an error
	if err := agg.Execute(); err != nil {
		t.Fatal(err)
	}
}

func TestCreatePrefixRecordAction(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	pi := testPackageInfo(t, map[string]string{"bin/tool": "x"})

	fileActions := CreateFileLinkActions(tc, pi, prefix, LinkTypeHardlink, false)
	dirActions := CreateDirectoryActions(tc, pi, prefix, fileActions)
	var all []Action
	for _, a := range dirActions {
		all = append(all, a)
	}
	for _, a := range fileActions {
		all = append(all, a)
	}

	a := NewCreatePrefixRecordAction(tc, pi, prefix, LinkTypeHardlink, "testpkg >=1.0", all)
	if diff := cmp.Diff([]string{"bin/tool"}, a.TargetPaths()); diff != "" {
		t.Errorf("TargetPaths: diff (-want +got):\n%s", diff)
	}

	if err := a.Execute(); err != nil {
		t.Fatal(err)
	}
	rec, err := prefixdata.New(prefix).Get("testpkg")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("record not written")
	}
	if rec.RequestedSpec != "testpkg >=1.0" {
		t.Errorf("RequestedSpec = %q", rec.RequestedSpec)
	}
	if diff := cmp.Diff([]string{"bin/tool"}, rec.Files); diff != "" {
		t.Errorf("record files: diff (-want +got):\n%s", diff)
	}

	if err := a.Reverse(); err != nil {
		t.Fatal(err)
	}
	rec, err = prefixdata.New(prefix).Get("testpkg")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Error("record still present after Reverse")
	}
}

func TestRemoveLinkedPackageRecordAction(t *testing.T) {
	prefix := t.TempDir()
	tc := newTestContext(t, prefix)
	prec := condatest.Record("oldpkg", "1.0", "0", 0)
	condatest.InstallPrefix(t, prefix, prec)

	metaShortPath := "conda-meta/" + prec.DistFileName() + ".json"
	a := NewRemoveLinkedPackageRecordAction(tc, prec, prefix, metaShortPath)
	if err := a.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(prefix, "conda-meta", prec.DistFileName()+".json")); !os.IsNotExist(err) {
		t.Fatal("record file still present after Execute")
	}
	if err := a.Reverse(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(prefix, "conda-meta", prec.DistFileName()+".json")); err != nil {
		t.Fatalf("record file not restored: %v", err)
	}
}

func TestEnvironmentCatalogActions(t *testing.T) {
	prefix := t.TempDir()
	catalog := filepath.Join(t.TempDir(), "environments.txt")

	reg := NewRegisterEnvironmentLocationAction(nil, prefix, catalog)
	if err := reg.Execute(); err != nil {
		t.Fatal(err)
	}
	entries, err := readCatalog(catalog)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{prefix}, entries); diff != "" {
		t.Errorf("catalog after register: diff (-want +got):\n%s", diff)
	}

	// registering twice must not duplicate
	reg2 := NewRegisterEnvironmentLocationAction(nil, prefix, catalog)
	if err := reg2.Execute(); err != nil {
		t.Fatal(err)
	}
	entries, _ = readCatalog(catalog)
	if len(entries) != 1 {
		t.Errorf("catalog has %d entries after double register", len(entries))
	}

	unreg := NewUnregisterEnvironmentLocationAction(nil, prefix, catalog)
	if err := unreg.Execute(); err != nil {
		t.Fatal(err)
	}
	entries, _ = readCatalog(catalog)
	if len(entries) != 0 {
		t.Errorf("catalog has %d entries after unregister, want 0", len(entries))
	}

	if err := unreg.Reverse(); err != nil {
		t.Fatal(err)
	}
	entries, _ = readCatalog(catalog)
	if diff := cmp.Diff([]string{prefix}, entries); diff != "" {
		t.Errorf("catalog after unregister reverse: diff (-want +got):\n%s", diff)
	}
}

func TestUpdateHistoryAction(t *testing.T) {
	prefix := t.TempDir()
	linkPrec := condatest.Record("numpy", "1.11.3", "py36_0", 0)
	a := NewUpdateHistoryAction(nil, prefix, nil, []string{"numpy"}, nil, []*conda.PackageRecord{linkPrec})

	if err := a.Execute(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(prefix, "conda-meta", "history"))
	if err != nil {
		t.Fatal(err)
	}
	history := string(b)
	if !strings.Contains(history, "==> ") || !strings.Contains(history, "+defaults::numpy-1.11.3-py36_0") {
		t.Errorf("unexpected history contents:\n%s", history)
	}

	if err := a.Reverse(); err != nil {
		t.Fatal(err)
	}
	b, err = os.ReadFile(filepath.Join(prefix, "conda-meta", "history"))
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 0 {
		t.Errorf("history not restored by Reverse: %q", b)
	}
}
