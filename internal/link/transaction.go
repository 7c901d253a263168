package link

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/action"
	"github.com/richardjgowers/conda/internal/config"
	"github.com/richardjgowers/conda/internal/pkgcache"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

// Transaction drives the unlink/link pipeline over one or more prefix
// setups: download_and_extract, prepare, verify, execute. The first three
// phases record completion and are no-ops on re-entry; execute keeps no such
// flag.
type Transaction struct {
	cfg         *config.Config
	cache       *pkgcache.PackageCacheData
	catalogPath string

	order  []string // prefixes, in setup order
	setups map[string]conda.PrefixSetup
	pags   map[string]*PrefixActionGroup

	pfe      *pkgcache.ProgressiveFetchExtract
	prepared bool
	verified bool
}

// NewTransaction builds a transaction over the given setups. Collaborators
// are injected rather than read from process globals.
func NewTransaction(cfg *config.Config, cache *pkgcache.PackageCacheData, catalogPath string, setups ...conda.PrefixSetup) *Transaction {
	t := &Transaction{
		cfg:         cfg,
		cache:       cache,
		catalogPath: catalogPath,
		setups:      make(map[string]conda.PrefixSetup),
		pags:        make(map[string]*PrefixActionGroup),
	}
	for _, stp := range setups {
		if _, ok := t.setups[stp.TargetPrefix]; !ok {
			t.order = append(t.order, stp.TargetPrefix)
		}
		t.setups[stp.TargetPrefix] = stp

		log.Printf("initializing UnlinkLinkTransaction with\n  target_prefix: %s\n"+
			"  unlink_precs: %s\n  link_precs: %s",
			stp.TargetPrefix, distStrs(stp.UnlinkPrecs), distStrs(stp.LinkPrecs))
	}
	return t
}

func distStrs(precs []*conda.PackageRecord) string {
	if len(precs) == 0 {
		return "(none)"
	}
	s := ""
	for i, prec := range precs {
		if i > 0 {
			s += ", "
		}
		s += prec.DistStr()
	}
	return s
}

// NothingToDo reports whether the transaction would not change anything.
func (t *Transaction) NothingToDo() bool {
	for _, stp := range t.setups {
		if len(stp.UnlinkPrecs) > 0 || len(stp.LinkPrecs) > 0 {
			return false
		}
		if !prefixdata.IsCondaEnvironment(stp.TargetPrefix) {
			return false
		}
	}
	return true
}

func (t *Transaction) getPfe() *pkgcache.ProgressiveFetchExtract {
	if t.pfe == nil {
		var linkPrecs []*conda.PackageRecord
		seen := make(map[string]bool)
		for _, prefix := range t.order {
			for _, prec := range t.setups[prefix].LinkPrecs {
				if !seen[prec.DistStr()] {
					seen[prec.DistStr()] = true
					linkPrecs = append(linkPrecs, prec)
				}
			}
		}
		t.pfe = pkgcache.NewProgressiveFetchExtract(t.cache, linkPrecs)
	}
	return t.pfe
}

// DownloadAndExtract materializes all link precs into the package cache.
func (t *Transaction) DownloadAndExtract(ctx context.Context) error {
	return t.getPfe().Execute(ctx)
}

// Prepare plans the action groups for every prefix.
func (t *Transaction) Prepare(ctx context.Context) error {
	if err := t.getPfe().Execute(ctx); err != nil {
		return err
	}
	if t.prepared {
		return nil
	}
	t.progress("preparing transaction")
	planner := NewPlanner(t.cfg, t.cache, t.catalogPath)
	for _, prefix := range t.order {
		pag, err := planner.Plan(t.setups[prefix])
		if err != nil {
			return err
		}
		t.pags[prefix] = pag
	}
	t.prepared = true
	return nil
}

// Verify runs the three verification levels and applies the safety-check
// policy to the result.
func (t *Transaction) Verify(ctx context.Context) error {
	if t.verified {
		return nil
	}
	if !t.prepared {
		if err := t.Prepare(ctx); err != nil {
			return err
		}
	}
	if t.cfg.DryRun {
		return xerrors.New("Verify called with dry_run set")
	}
	if t.cfg.SafetyChecks == config.SafetyChecksDisabled {
		t.verified = true
		return nil
	}

	t.progress("verifying transaction")
	var setups []conda.PrefixSetup
	for _, prefix := range t.order {
		setups = append(setups, t.setups[prefix])
	}
	exceptions := NewVerifier(t.cfg).Verify(setups, t.pags)
	if len(exceptions) > 0 {
		if err := t.cfg.MaybeRaise(&MultiError{Errors: exceptions}); err != nil {
			t.removeTempDirs()
			return err
		}
		log.Printf("%d verification problem(s) demoted to warnings", len(exceptions))
	}
	t.verified = true
	return nil
}

// Execute applies the transaction. The per-prefix scratch directories are
// removed on every exit path.
func (t *Transaction) Execute(ctx context.Context) error {
	if !t.verified {
		if err := t.Verify(ctx); err != nil {
			return err
		}
	}
	if t.cfg.DryRun {
		return xerrors.New("Execute called with dry_run set")
	}

	defer t.removeTempDirs()
	for _, prefix := range t.order {
		if err := os.MkdirAll(t.pags[prefix].Context.TempDir, 0755); err != nil {
			return err
		}
	}

	t.progress("executing transaction")
	return NewExecutor(t.cfg).Execute(t.interleavedGroups())
}

// progress emits a phase banner unless suppressed by quiet/json output.
func (t *Transaction) progress(msg string) {
	if t.cfg.Quiet || t.cfg.JSON {
		return
	}
	log.Printf("%s", msg)
}

// interleavedGroups flattens the per-prefix group lists into a single
// sequence: for each of the seven kinds in canonical order, the groups of
// every prefix in setup order.
func (t *Transaction) interleavedGroups() []*ActionGroup {
	var all []*ActionGroup
	for kind := 0; kind < 7; kind++ {
		for _, prefix := range t.order {
			all = append(all, t.pags[prefix].AllGroups()[kind]...)
		}
	}
	return all
}

func (t *Transaction) removeTempDirs() {
	for _, pag := range t.pags {
		if pag.Context != nil && pag.Context.TempDir != "" {
			if err := os.RemoveAll(pag.Context.TempDir); err != nil {
				log.Printf("removing %s: %v", pag.Context.TempDir, err)
			}
		}
	}
}

// LegacyActionGroups returns the FETCH/UNLINK/LINK/PREFIX view of the plan
// that the JSON output format exposes.
func (t *Transaction) LegacyActionGroups() ([]map[string][]string, error) {
	pfe := t.getPfe()
	if err := pfe.Prepare(); err != nil {
		return nil, err
	}
	downloadURLs := make(map[string]bool)
	for _, ca := range pfe.CacheActions {
		downloadURLs[ca.URL] = true
	}

	var groups []map[string][]string
	for q, prefix := range t.order {
		stp := t.setups[prefix]
		actions := map[string][]string{"PREFIX": {stp.TargetPrefix}}
		if q == 0 {
			for _, prec := range pfe.LinkPrecs {
				if downloadURLs[prec.URL] {
					actions["FETCH"] = append(actions["FETCH"], prec.DistStr())
				}
			}
		}
		for _, prec := range stp.UnlinkPrecs {
			actions["UNLINK"] = append(actions["UNLINK"], prec.DistStr())
		}
		for _, prec := range stp.LinkPrecs {
			actions["LINK"] = append(actions["LINK"], prec.DistStr())
		}
		groups = append(groups, actions)
	}
	return groups, nil
}

// PrintTransactionSummary writes the human-readable plan for every prefix,
// whether or not the transaction will be executed.
func (t *Transaction) PrintTransactionSummary(w io.Writer) error {
	pfe := t.getPfe()
	if err := pfe.Prepare(); err != nil {
		return err
	}
	downloadURLs := make(map[string]bool)
	for _, ca := range pfe.CacheActions {
		downloadURLs[ca.URL] = true
	}

	for _, prefix := range t.order {
		stp := t.setups[prefix]
		report := CalculateChangeReport(prefix, stp.UnlinkPrecs, stp.LinkPrecs,
			downloadURLs, stp.RemoveSpecs, stp.UpdateSpecs)
		fmt.Fprintln(w, report.String(t.cfg))
	}
	return nil
}

// PrefixActionGroups exposes the planned groups; tests and the CLI use this
// after Prepare.
func (t *Transaction) PrefixActionGroups() map[string]*PrefixActionGroup {
	return t.pags
}

// Context returns the per-prefix transaction context populated by the
// planner.
func (t *Transaction) Context(prefix string) *action.TransactionContext {
	if pag, ok := t.pags[prefix]; ok {
		return pag.Context
	}
	return nil
}
