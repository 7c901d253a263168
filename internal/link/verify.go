package link

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/action"
	"github.com/richardjgowers/conda/internal/config"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

// Verifier runs the three pre-flight levels over a planned transaction
// without mutating anything. Transaction-level errors short-circuit; the
// prefix and action levels run in parallel across prefixes and their errors
// are aggregated.
type Verifier struct {
	cfg *config.Config

	// foldCase matches the path comparison semantics of the host OS.
	foldCase bool
}

func NewVerifier(cfg *config.Config) *Verifier {
	return &Verifier{cfg: cfg, foldCase: runtime.GOOS == "windows"}
}

func (v *Verifier) foldPath(p string) string {
	if v.foldCase {
		return strings.ToLower(p)
	}
	return p
}

// Verify returns all verification errors for the planned transaction.
func (v *Verifier) Verify(setups []conda.PrefixSetup, pags map[string]*PrefixActionGroup) []error {
	if errs := v.verifyTransactionLevel(setups); len(errs) > 0 {
		return errs
	}

	var mu sync.Mutex
	var exceptions []error
	var eg errgroup.Group
	for prefix, pag := range pags {
		prefix, pag := prefix, pag
		eg.Go(func() error {
			errs := v.verifyPrefixLevel(prefix, pag)
			mu.Lock()
			exceptions = append(exceptions, errs...)
			mu.Unlock()
			return nil
		})
		eg.Go(func() error {
			errs := v.verifyActionLevel(pag)
			mu.Lock()
			exceptions = append(exceptions, errs...)
			mu.Unlock()
			return nil
		})
	}
	eg.Wait()
	return exceptions
}

// verifyTransactionLevel checks the cross-prefix safety rules: conda
// self-protection, conda dependency protection, the disallowed-package list
// and per-prefix writability.
func (v *Verifier) verifyTransactionLevel(setups []conda.PrefixSetup) []error {
	var errs []error

	condaPrefixes := map[string]bool{
		v.cfg.RootPrefix: true,
		filepath.Join(v.cfg.RootPrefix, "envs", "_conda_"): true,
	}

	condaUnlinked := false
	var condaPrec *conda.PackageRecord
	var condaFinalSetup *conda.PrefixSetup
	for i := range setups {
		setup := &setups[i]
		if !condaPrefixes[setup.TargetPrefix] {
			continue
		}
		for _, prec := range setup.UnlinkPrecs {
			if prec.Name == "conda" {
				condaUnlinked = true
			}
		}
		for _, prec := range setup.LinkPrecs {
			if prec.Name == "conda" && condaFinalSetup == nil {
				condaPrec, condaFinalSetup = prec, setup
			}
		}
	}

	if condaUnlinked && condaFinalSetup == nil {
		// this can never be skipped, not even with --force
		errs = append(errs, &RemoveError{Message: "this operation will remove conda without " +
			"replacing it with another version of conda"})
	}

	var condaDepends []string
	alreadyLinked := map[string]bool{}
	beingLinked := map[string]bool{}
	beingUnlinked := map[string]bool{}
	if condaFinalSetup == nil {
		pd := prefixdata.New(v.cfg.CondaPrefix)
		recs, err := pd.IterRecords()
		if err == nil {
			for _, rec := range recs {
				alreadyLinked[rec.Name] = true
				if rec.Name == "conda" {
					condaDepends = rec.Depends
				}
			}
		}
		// the dependency must survive the transaction, so count unlinks
		// targeting conda's prefix even when conda itself is untouched
		for i := range setups {
			if setups[i].TargetPrefix != v.cfg.CondaPrefix {
				continue
			}
			for _, prec := range setups[i].UnlinkPrecs {
				beingUnlinked[prec.Name] = true
			}
			for _, prec := range setups[i].LinkPrecs {
				beingLinked[prec.Name] = true
			}
		}
	} else {
		pd := prefixdata.New(condaFinalSetup.TargetPrefix)
		recs, err := pd.IterRecords()
		if err == nil {
			for _, rec := range recs {
				alreadyLinked[rec.Name] = true
			}
		}
		for _, prec := range condaFinalSetup.LinkPrecs {
			beingLinked[prec.Name] = true
		}
		for _, prec := range condaFinalSetup.UnlinkPrecs {
			beingUnlinked[prec.Name] = true
		}
		condaDepends = condaPrec.Depends
	}

	for _, dep := range condaDepends {
		ms, err := conda.ParseMatchSpec(dep)
		if err != nil {
			continue
		}
		depName := ms.Name
		if !beingLinked[depName] && (!alreadyLinked[depName] || beingUnlinked[depName]) {
			errs = append(errs, &RemoveError{Message: "'" + depName + "' is a dependency of conda " +
				"and cannot be removed from conda's operating environment"})
		}
	}

	var disallowed []conda.MatchSpec
	for _, s := range v.cfg.DisallowedPackages {
		ms, err := conda.ParseMatchSpec(s)
		if err != nil {
			log.Printf("ignoring malformed disallowed_packages entry %q: %v", s, err)
			continue
		}
		disallowed = append(disallowed, ms)
	}
	for _, setup := range setups {
		for _, prec := range setup.LinkPrecs {
			for _, d := range disallowed {
				if d.Match(prec) {
					errs = append(errs, &DisallowedPackageError{Prec: prec})
					break
				}
			}
		}
	}

	for _, setup := range setups {
		if err := probeWritable(setup.TargetPrefix); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// probeWritable opens conda-meta/history for append. Any directory or file
// the probe creates is removed again.
func probeWritable(prefix string) error {
	testPath := filepath.Join(prefix, filepath.FromSlash(prefixdata.MagicFile))
	testDir := filepath.Dir(testPath)

	_, err := os.Lstat(testPath)
	testPathExisted := err == nil
	_, err = os.Lstat(testDir)
	dirExisted := err == nil

	if err := os.MkdirAll(testDir, 0755); err != nil {
		return &EnvironmentNotWritableError{Prefix: prefix}
	}
	f, err := os.OpenFile(testPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		if !dirExisted {
			os.RemoveAll(testDir)
		}
		return &EnvironmentNotWritableError{Prefix: prefix}
	}
	f.Close()
	if !dirExisted {
		os.RemoveAll(testDir)
	} else if !testPathExisted {
		os.Remove(testPath)
	}
	return nil
}

// verifyPrefixLevel checks that every path the transaction creates either
// does not exist yet or is being unlinked, and that no two actions create
// the same path.
func (v *Verifier) verifyPrefixLevel(targetPrefix string, pag *PrefixActionGroup) []error {
	unlinkPaths := make(map[string]bool)
	for _, grp := range pag.UnlinkActionGroups {
		for _, axn := range grp.Actions {
			if ua, ok := axn.(*action.UnlinkPathAction); ok {
				if p, ok := ua.TargetShortPath(); ok {
					unlinkPaths[v.foldPath(p)] = true
				}
			}
		}
	}

	var errs []error
	linkPaths := make(map[string][]*action.CreatePrefixRecordAction)
	var pathOrder []string
	for _, grp := range pag.PrefixRecordGroups {
		for _, axn := range grp.Actions {
			cpr, ok := axn.(*action.CreatePrefixRecordAction)
			if !ok {
				continue
			}
			for _, p := range cpr.TargetPaths() {
				p = v.foldPath(p)
				if _, seen := linkPaths[p]; !seen {
					pathOrder = append(pathOrder, p)
				}
				linkPaths[p] = append(linkPaths[p], cpr)

				if unlinkPaths[p] {
					continue
				}
				if _, err := os.Lstat(filepath.Join(targetPrefix, filepath.FromSlash(p))); err != nil {
					continue
				}
				// collision: try to figure out where the existing path came from
				if owner := v.owningRecord(targetPrefix, p); owner != nil {
					errs = append(errs, &KnownPackageClobberError{
						TargetPath:        p,
						ColliderDistStr:   cpr.PackageInfo.RepodataRecord.DistStr(),
						ColliderOwnerDist: owner.DistStr(),
					})
				} else {
					errs = append(errs, &UnknownPackageClobberError{
						TargetPath:      p,
						ColliderDistStr: cpr.PackageInfo.RepodataRecord.DistStr(),
					})
				}
			}
		}
	}

	for _, p := range pathOrder {
		axns := linkPaths[p]
		if len(axns) > 1 {
			var dists []string
			for _, axn := range axns {
				dists = append(dists, axn.PackageInfo.RepodataRecord.DistStr())
			}
			errs = append(errs, &SharedLinkPathClobberError{TargetPath: p, DistStrs: dists})
		}
	}
	return errs
}

func (v *Verifier) owningRecord(targetPrefix, path string) *conda.PackageRecord {
	recs, err := prefixdata.New(targetPrefix).IterRecords()
	if err != nil {
		return nil
	}
	for _, rec := range recs {
		for _, f := range rec.Files {
			if v.foldPath(f) == path {
				return rec
			}
		}
	}
	return nil
}

// verifyActionLevel runs every action's own Verify. The verified flag makes
// re-verification idempotent.
func (v *Verifier) verifyActionLevel(pag *PrefixActionGroup) []error {
	var errs []error
	for _, groups := range pag.AllGroups() {
		for _, grp := range groups {
			for _, axn := range grp.Actions {
				if axn.Verified() {
					continue
				}
				if err := axn.Verify(); err != nil {
					log.Printf("verification error in action: %v", err)
					errs = append(errs, err)
				}
			}
		}
	}
	return errs
}
