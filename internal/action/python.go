package action

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/xerrors"

	"github.com/richardjgowers/conda/internal/pkgcache"
)

const entryPointTemplate = `# -*- coding: utf-8 -*-
import re
import sys

from %s import %s

if __name__ == '__main__':
    sys.argv[0] = re.sub(r'(-script\.pyw?|\.exe)?$', '', sys.argv[0])
    sys.exit(%s())
`

// CreatePythonEntryPointAction generates one console-script executable for a
// "name = module:func" entry point declared by a python-noarch package.
type CreatePythonEntryPointAction struct {
	verifiedFlag

	tc           *TransactionContext
	PackageInfo  *pkgcache.PackageInfo
	TargetPrefix string

	ShortPath string
	Module    string
	Func      string

	executed bool
}

// ParseEntryPoint splits "name = module:func".
func ParseEntryPoint(ep string) (name, module, fn string, err error) {
	eq := strings.SplitN(ep, "=", 2)
	if len(eq) != 2 {
		return "", "", "", xerrors.Errorf("malformed entry point %q", ep)
	}
	name = strings.TrimSpace(eq[0])
	colon := strings.SplitN(eq[1], ":", 2)
	if len(colon) != 2 || name == "" {
		return "", "", "", xerrors.Errorf("malformed entry point %q", ep)
	}
	return name, strings.TrimSpace(colon[0]), strings.TrimSpace(colon[1]), nil
}

// CreatePythonEntryPointActions returns one action per declared entry point.
// Packages without entry points (or transactions without a target python)
// yield none.
func CreatePythonEntryPointActions(tc *TransactionContext, pi *pkgcache.PackageInfo, targetPrefix string) ([]*CreatePythonEntryPointAction, error) {
	if pi.NoarchType != "python" || len(pi.EntryPoints) == 0 || tc.TargetPythonVersion == "" {
		return nil, nil
	}
	var actions []*CreatePythonEntryPointAction
	for _, ep := range pi.EntryPoints {
		name, module, fn, err := ParseEntryPoint(ep)
		if err != nil {
			return nil, xerrors.Errorf("package %s: %w", pi.RepodataRecord.DistStr(), err)
		}
		shortPath := "bin/" + name
		if runtime.GOOS == "windows" {
			shortPath = "Scripts/" + name + "-script.py"
		}
		actions = append(actions, &CreatePythonEntryPointAction{
			tc:           tc,
			PackageInfo:  pi,
			TargetPrefix: targetPrefix,
			ShortPath:    shortPath,
			Module:       module,
			Func:         fn,
		})
	}
	return actions, nil
}

func (a *CreatePythonEntryPointAction) TargetShortPath() (string, bool) {
	return a.ShortPath, true
}

func (a *CreatePythonEntryPointAction) Verify() error {
	a.markVerified()
	return nil
}

func (a *CreatePythonEntryPointAction) targetFullPath() string {
	return filepath.Join(a.TargetPrefix, filepath.FromSlash(a.ShortPath))
}

func (a *CreatePythonEntryPointAction) Execute() error {
	body := fmt.Sprintf(entryPointTemplate, a.Module, a.Func, a.Func)
	if runtime.GOOS != "windows" {
		python := filepath.Join(a.TargetPrefix, "bin", "python"+a.tc.TargetPythonVersion)
		body = "#!" + python + "\n" + body
	}
	if err := os.MkdirAll(filepath.Dir(a.targetFullPath()), 0755); err != nil {
		return err
	}
	if err := writeFileMode(a.targetFullPath(), []byte(body), 0755); err != nil {
		return err
	}
	a.executed = true
	return nil
}

func (a *CreatePythonEntryPointAction) Reverse() error {
	if !a.executed {
		return nil
	}
	if err := os.Remove(a.targetFullPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (a *CreatePythonEntryPointAction) Cleanup() error { return nil }

// CompileMultiPycAction byte-compiles the .py files a package linked into the
// prefix. All compile actions of a transaction are folded into a single
// aggregate before execution so the interpreter starts once.
type CompileMultiPycAction struct {
	verifiedFlag

	tc           *TransactionContext
	TargetPrefix string

	SourceShortPaths []string // the linked .py files
	targetShortPaths []string // the resulting .pyc files

	executed bool
}

// pycPath maps lib/python3.9/site-packages/foo.py to its __pycache__ path for
// the given python version.
func pycPath(pyPath, pythonVersion string) string {
	dir, file := path.Split(pyPath)
	base := strings.TrimSuffix(file, ".py")
	tag := "cpython-" + strings.ReplaceAll(pythonVersion, ".", "")
	return dir + "__pycache__/" + base + "." + tag + ".pyc"
}

// CreateCompileMultiPycActions returns at most one compile action covering
// all .py files the file link actions place under site-packages.
func CreateCompileMultiPycActions(tc *TransactionContext, pi *pkgcache.PackageInfo, targetPrefix string, fileLinkActions []*LinkPathAction) []*CompileMultiPycAction {
	if pi.NoarchType != "python" || tc.TargetPythonVersion == "" {
		return nil
	}
	var sources []string
	for _, axn := range fileLinkActions {
		if strings.HasSuffix(axn.ShortPath, ".py") &&
			strings.HasPrefix(axn.ShortPath, tc.TargetSitePackagesShortPath+"/") {
			sources = append(sources, axn.ShortPath)
		}
	}
	if len(sources) == 0 {
		return nil
	}
	targets := make([]string, len(sources))
	for i, src := range sources {
		targets[i] = pycPath(src, tc.TargetPythonVersion)
	}
	return []*CompileMultiPycAction{{
		tc:               tc,
		TargetPrefix:     targetPrefix,
		SourceShortPaths: sources,
		targetShortPaths: targets,
	}}
}

// NewAggregateCompileMultiPycAction folds the compile actions of all
// packages into one action that invokes the interpreter a single time.
func NewAggregateCompileMultiPycAction(actions ...*CompileMultiPycAction) *CompileMultiPycAction {
	if len(actions) == 0 {
		return nil
	}
	agg := &CompileMultiPycAction{
		tc:           actions[0].tc,
		TargetPrefix: actions[0].TargetPrefix,
	}
	for _, a := range actions {
		agg.SourceShortPaths = append(agg.SourceShortPaths, a.SourceShortPaths...)
		agg.targetShortPaths = append(agg.targetShortPaths, a.targetShortPaths...)
	}
	return agg
}

func (a *CompileMultiPycAction) TargetShortPaths() []string { return a.targetShortPaths }

func (a *CompileMultiPycAction) Verify() error {
	a.markVerified()
	return nil
}

// Execute invokes python -Wi -m py_compile once over all source files.
// Bytecode is an optimization; compile failures are logged, not fatal.
func (a *CompileMultiPycAction) Execute() error {
	python := filepath.Join(a.TargetPrefix, "bin", "python"+a.tc.TargetPythonVersion)
	if runtime.GOOS == "windows" {
		python = filepath.Join(a.TargetPrefix, "python.exe")
	}
	if _, err := os.Stat(python); err != nil {
		log.Printf("skipping pyc compilation: %v", err)
		return nil
	}
	args := []string{"-Wi", "-m", "py_compile"}
	for _, src := range a.SourceShortPaths {
		args = append(args, filepath.Join(a.TargetPrefix, filepath.FromSlash(src)))
	}
	cmd := exec.Command(python, args...)
	cmd.Dir = a.TargetPrefix
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("pyc compilation failed (ignored): %v\n%s", err, out)
		return nil
	}
	a.executed = true
	return nil
}

func (a *CompileMultiPycAction) Reverse() error {
	if !a.executed {
		return nil
	}
	for _, target := range a.targetShortPaths {
		fn := filepath.Join(a.TargetPrefix, filepath.FromSlash(target))
		if err := os.Remove(fn); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (a *CompileMultiPycAction) Cleanup() error { return nil }
