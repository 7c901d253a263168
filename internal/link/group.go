package link

import (
	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/action"
	"github.com/richardjgowers/conda/internal/pkgcache"
)

// GroupKind labels what an ActionGroup does to its prefix.
type GroupKind string

const (
	GroupUnlink     GroupKind = "unlink"
	GroupUnregister GroupKind = "unregister"
	GroupLink       GroupKind = "link"
	GroupRegister   GroupKind = "register"
	GroupCompile    GroupKind = "compile"
	GroupEntryPoint GroupKind = "entry_point"
	GroupRecord     GroupKind = "record"
)

// GroupState tracks a group through execution. Transitions are driven solely
// by the executor.
type GroupState int

const (
	StatePending GroupState = iota
	StateExecuting
	StateExecuted
	StateFailed
	StateReverted
	StateRevertFailed
)

func (s GroupState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateExecuted:
		return "executed"
	case StateFailed:
		return "failed"
	case StateReverted:
		return "reverted"
	case StateRevertFailed:
		return "revert-failed"
	}
	return "unknown"
}

// ActionGroup binds the actions of one kind, for one package (per-package
// kinds) or one prefix (prefix-wide kinds), to a target prefix.
type ActionGroup struct {
	Kind         GroupKind
	PkgData      *pkgcache.PackageInfo // per-package link-side kinds
	UnlinkPrec   *conda.PackageRecord  // unlink kind
	Actions      []action.Action
	TargetPrefix string

	state GroupState
}

func (g *ActionGroup) State() GroupState { return g.state }

// DistStr names the group's package for diagnostics, or "" for prefix-wide
// groups.
func (g *ActionGroup) DistStr() string {
	switch {
	case g.PkgData != nil:
		return g.PkgData.RepodataRecord.DistStr()
	case g.UnlinkPrec != nil:
		return g.UnlinkPrec.DistStr()
	}
	return ""
}

// PrefixActionGroup is the planner's output for one prefix: the seven
// parallel group lists in canonical order.
type PrefixActionGroup struct {
	UnlinkActionGroups     []*ActionGroup
	UnregisterActionGroups []*ActionGroup
	LinkActionGroups       []*ActionGroup
	RegisterActionGroups   []*ActionGroup
	CompileActionGroups    []*ActionGroup
	EntryPointActionGroups []*ActionGroup
	PrefixRecordGroups     []*ActionGroup

	// Context is the per-prefix transaction scratch state the planner
	// populated while emitting the groups.
	Context *action.TransactionContext
}

// AllGroups returns the seven lists in canonical order.
func (pag *PrefixActionGroup) AllGroups() [][]*ActionGroup {
	return [][]*ActionGroup{
		pag.UnlinkActionGroups,
		pag.UnregisterActionGroups,
		pag.LinkActionGroups,
		pag.RegisterActionGroups,
		pag.CompileActionGroups,
		pag.EntryPointActionGroups,
		pag.PrefixRecordGroups,
	}
}
