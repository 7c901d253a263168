package link

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"golang.org/x/xerrors"

	"github.com/richardjgowers/conda/internal/action"
	"github.com/richardjgowers/conda/internal/config"
	"github.com/richardjgowers/conda/internal/oninterrupt"
)

// Executor walks the interleaved action groups of a transaction, applying
// the strict per-prefix phase order: unlink scripts and actions, unregister,
// link scripts and actions, entry points/compile/records, register. Within a
// parallel phase, groups run on a bounded worker pool; debug mode executes
// everything synchronously in the caller thread.
type Executor struct {
	cfg     *config.Config
	scripts *ScriptRunner
	pool    pond.Pool

	interrupted atomic.Bool
}

func NewExecutor(cfg *config.Config) *Executor {
	e := &Executor{cfg: cfg, scripts: NewScriptRunner(cfg)}
	if !cfg.Debug {
		workers := runtime.NumCPU()
		if workers > 10 {
			workers = 10
		}
		e.pool = pond.NewPool(workers)
	}
	return e
}

// parallelEach applies fn to every group, in parallel unless in debug mode,
// and returns all failures.
func (e *Executor) parallelEach(groups []*ActionGroup, fn func(*ActionGroup) *groupError) []*groupError {
	if e.pool == nil {
		var errs []*groupError
		for _, g := range groups {
			if ge := fn(g); ge != nil {
				errs = append(errs, ge)
			}
		}
		return errs
	}
	var mu sync.Mutex
	var errs []*groupError
	tg := e.pool.NewGroup()
	for _, g := range groups {
		g := g
		tg.SubmitErr(func() error {
			if ge := fn(g); ge != nil {
				mu.Lock()
				errs = append(errs, ge)
				mu.Unlock()
			}
			return nil
		})
	}
	tg.Wait()
	return errs
}

// Execute runs all groups. On failure it rolls the transaction back (when
// enabled) and returns a MultiError carrying the primary error and every
// rollback error.
func (e *Executor) Execute(allGroups []*ActionGroup) error {
	release := oninterrupt.Acquire(func() {
		log.Printf("interrupt received; finishing in-flight work, then rolling back")
		e.interrupted.Store(true)
	})
	defer release()

	var unlinkGroups, linkGroups, compileGroups, entryPointGroups, recordGroups []*ActionGroup
	for _, g := range allGroups {
		switch g.Kind {
		case GroupUnlink:
			unlinkGroups = append(unlinkGroups, g)
		case GroupLink:
			linkGroups = append(linkGroups, g)
		case GroupCompile:
			compileGroups = append(compileGroups, g)
		case GroupEntryPoint:
			entryPointGroups = append(entryPointGroups, g)
		case GroupRecord:
			recordGroups = append(recordGroups, g)
		}
	}

	var exceptions []*groupError

	sides := []struct {
		groups       []*ActionGroup
		registerKind GroupKind
		installSide  bool
	}{
		{unlinkGroups, GroupUnregister, false},
		{linkGroups, GroupRegister, true},
	}
	for _, side := range sides {
		// pre-unlink/pre-link scripts run serially, in group-emission order
		for _, g := range side.groups {
			if ge := e.runPreScript(g); ge != nil {
				exceptions = append(exceptions, ge)
				break
			}
		}
		if len(exceptions) > 0 || e.checkInterrupted(&exceptions) {
			break
		}

		exceptions = append(exceptions, e.parallelEach(side.groups, e.executeGroupActions)...)
		if len(exceptions) > 0 || e.checkInterrupted(&exceptions) {
			break
		}

		// post scripts may depend on files in the prefix, so they run after
		// the parallel block, and serially in case order matters
		for _, g := range side.groups {
			if ge := e.runPostScript(g); ge != nil {
				exceptions = append(exceptions, ge)
			}
		}
		if len(exceptions) > 0 || e.checkInterrupted(&exceptions) {
			break
		}

		if side.installSide {
			parallel := append([]*ActionGroup(nil), entryPointGroups...)
			// consolidate compile actions into one big one for efficiency
			if composite := aggregateCompile(compileGroups); composite != nil {
				parallel = append(parallel, composite)
			}
			parallel = append(parallel, recordGroups...)
			exceptions = append(exceptions, e.parallelEach(parallel, e.executeGroupActions)...)
			if len(exceptions) > 0 || e.checkInterrupted(&exceptions) {
				break
			}
		}

		// register/unregister groups run last, serially
		for _, g := range allGroups {
			if g.Kind != side.registerKind {
				continue
			}
			if ge := e.executeGroupActions(g); ge != nil {
				exceptions = append(exceptions, ge)
			}
		}
		if len(exceptions) > 0 || e.checkInterrupted(&exceptions) {
			break
		}
	}

	if len(exceptions) > 0 {
		ge := exceptions[0]
		if dist := ge.group.DistStr(); dist != "" {
			verb := "installing"
			if ge.group.Kind == GroupUnlink {
				verb = "uninstalling"
			}
			log.Printf("an error occurred while %s package %s: %v", verb, dist, ge.err)
		}

		var rollbackErrs []error
		rollbackErrs = append(rollbackErrs, ge.reverseErrs...)
		if e.cfg.RollbackEnabled {
			log.Printf("rolling back transaction")
			for i := len(allGroups) - 1; i >= 0; i-- {
				rollbackErrs = append(rollbackErrs, e.reverseGroup(allGroups[i], len(allGroups[i].Actions)-1)...)
			}
		}
		return &MultiError{Errors: append([]error{ge.err}, rollbackErrs...)}
	}

	for _, g := range allGroups {
		for _, axn := range g.Actions {
			if err := axn.Cleanup(); err != nil {
				log.Printf("cleanup error (ignored): %v", err)
			}
		}
	}
	return nil
}

func (e *Executor) checkInterrupted(exceptions *[]*groupError) bool {
	if !e.interrupted.Load() {
		return false
	}
	*exceptions = append(*exceptions, &groupError{
		err:   xerrors.New("transaction interrupted by signal"),
		group: &ActionGroup{},
	})
	return true
}

func (e *Executor) runPreScript(g *ActionGroup) *groupError {
	var err error
	if g.Kind == GroupUnlink {
		_, err = e.scripts.Run(g.TargetPrefix, g.UnlinkPrec, "pre-unlink", g.TargetPrefix, false)
	} else {
		// pre-link scripts live inside the extracted package, not the prefix
		_, err = e.scripts.Run(g.PkgData.ExtractedPackageDir, g.PkgData.RepodataRecord,
			"pre-link", g.TargetPrefix, false)
	}
	if err != nil {
		return &groupError{err: err, group: g}
	}
	return nil
}

func (e *Executor) runPostScript(g *ActionGroup) *groupError {
	var prec = g.UnlinkPrec
	phase := "post-unlink"
	if g.Kind == GroupLink {
		prec = g.PkgData.RepodataRecord
		phase = "post-link"
	}
	if prec == nil {
		return nil
	}
	if _, err := e.scripts.Run(g.TargetPrefix, prec, phase, g.TargetPrefix, true); err != nil {
		var reverseErrs []error
		if e.cfg.RollbackEnabled {
			reverseErrs = e.reverseGroup(g, len(g.Actions)-1)
		}
		return &groupError{err: err, group: g, reverseErrs: reverseErrs}
	}
	return nil
}

// aggregateCompile folds every package's compile action into a single
// aggregate group so the interpreter is started once.
func aggregateCompile(compileGroups []*ActionGroup) *ActionGroup {
	var individual []*action.CompileMultiPycAction
	for _, g := range compileGroups {
		for _, axn := range g.Actions {
			if ca, ok := axn.(*action.CompileMultiPycAction); ok {
				individual = append(individual, ca)
			}
		}
	}
	composite := action.NewAggregateCompileMultiPycAction(individual...)
	if composite == nil {
		return nil
	}
	return &ActionGroup{
		Kind:         GroupCompile,
		Actions:      []action.Action{composite},
		TargetPrefix: composite.TargetPrefix,
	}
}

func (e *Executor) executeGroupActions(g *ActionGroup) *groupError {
	g.state = StateExecuting

	metaDir := filepath.Join(g.TargetPrefix, "conda-meta")
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		g.state = StateFailed
		return &groupError{err: err, group: g}
	}

	switch g.Kind {
	case GroupUnlink:
		log.Printf("===> UNLINKING PACKAGE: %s <===\n  prefix=%s", g.DistStr(), g.TargetPrefix)
	case GroupLink:
		log.Printf("===> LINKING PACKAGE: %s <===\n  prefix=%s\n  source=%s",
			g.DistStr(), g.TargetPrefix, g.PkgData.ExtractedPackageDir)
	}

	for idx, axn := range g.Actions {
		if err := axn.Execute(); err != nil {
			g.state = StateFailed
			var reverseErrs []error
			if e.cfg.RollbackEnabled {
				reverseErrs = e.reverseGroup(g, idx)
			}
			return &groupError{
				err:         xerrors.Errorf("executing action for %s: %w", g.DistStr(), err),
				group:       g,
				reverseErrs: reverseErrs,
			}
		}
	}
	g.state = StateExecuted
	return nil
}

// reverseGroup reverses the group's actions from the given index downwards.
// All reverse errors are collected; none stops the rollback.
func (e *Executor) reverseGroup(g *ActionGroup, fromIdx int) []error {
	if dist := g.DistStr(); dist != "" {
		switch g.Kind {
		case GroupUnlink:
			log.Printf("===> REVERSING PACKAGE UNLINK: %s <===\n  prefix=%s", dist, g.TargetPrefix)
		case GroupLink:
			log.Printf("===> REVERSING PACKAGE LINK: %s <===\n  prefix=%s", dist, g.TargetPrefix)
		}
	}
	var errs []error
	if fromIdx >= len(g.Actions) {
		fromIdx = len(g.Actions) - 1
	}
	for i := fromIdx; i >= 0; i-- {
		if err := g.Actions[i].Reverse(); err != nil {
			log.Printf("action reverse error (collected): %v", err)
			errs = append(errs, err)
		}
	}
	if g.state == StateFailed || g.state == StateExecuted || g.state == StateExecuting {
		if len(errs) > 0 {
			g.state = StateRevertFailed
		} else {
			g.state = StateReverted
		}
	}
	return errs
}
