package main

import (
	"context"
	"flag"

	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/action"
	"github.com/richardjgowers/conda/internal/config"
	"github.com/richardjgowers/conda/internal/link"
	"github.com/richardjgowers/conda/internal/pkgcache"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

const removeHelp = `conda remove [-flags] <spec>...

Remove packages from a prefix, e.g.:
  % conda remove -prefix ~/conda/envs/science numpy
`

func cmdremove(ctx context.Context, cfg *config.Config, args []string) error {
	fset := flag.NewFlagSet("remove", flag.ExitOnError)
	var (
		prefix = fset.String("prefix", cfg.RootPrefix, "target prefix to remove from")
		dryRun = fset.Bool("dry-run", false, "plan and print the transaction without executing it")
	)
	fset.Usage = usage(fset, removeHelp)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return xerrors.New("syntax: remove <spec>...")
	}

	pd := prefixdata.New(*prefix)
	recs, err := pd.IterRecords()
	if err != nil {
		return err
	}

	var unlinkPrecs []*conda.PackageRecord
	for _, spec := range fset.Args() {
		ms, err := conda.ParseMatchSpec(spec)
		if err != nil {
			return err
		}
		found := false
		for _, rec := range recs {
			if ms.Match(rec) {
				unlinkPrecs = append(unlinkPrecs, rec)
				found = true
			}
		}
		if !found {
			return xerrors.Errorf("no installed package matches %q in %s", spec, *prefix)
		}
	}

	cache := pkgcache.New(cfg.PkgsDirs)
	txn := link.NewTransaction(cfg, cache, action.EnvironmentsCatalogPath(), conda.PrefixSetup{
		TargetPrefix: *prefix,
		UnlinkPrecs:  unlinkPrecs,
		RemoveSpecs:  fset.Args(),
	})
	if err := printPlan(cfg, txn); err != nil {
		return err
	}
	if *dryRun || cfg.DryRun {
		return nil
	}
	return txn.Execute(ctx)
}
