package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/action"
	"github.com/richardjgowers/conda/internal/channel"
	"github.com/richardjgowers/conda/internal/config"
	"github.com/richardjgowers/conda/internal/link"
	"github.com/richardjgowers/conda/internal/pkgcache"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

const installHelp = `conda install [-flags] <spec>...

Install packages into a prefix, e.g.:
  % conda install -prefix ~/conda/envs/science "numpy >=1.11"

Already-installed packages matching an installed spec name are replaced.
`

// resolveSpec picks the best matching record across all configured channels:
// first match wins per channel order; within a channel the platform subdir is
// searched before noarch, each newest version first.
func resolveSpec(ctx context.Context, cfg *config.Config, spec string) (*conda.PackageRecord, error) {
	ms, err := conda.ParseMatchSpec(spec)
	if err != nil {
		return nil, err
	}
	subdirs := []string{conda.CurrentSubdir(), "noarch"}
	for _, base := range cfg.Channels {
		name := channelDisplayName(base)
		if ms.Channel != "" && ms.Channel != name {
			continue
		}
		for _, subdir := range subdirs {
			recs, err := channel.FetchRepodata(ctx, base, name, subdir)
			if err != nil {
				if channel.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			for _, rec := range recs {
				if ms.Match(rec) {
					return rec, nil
				}
			}
		}
	}
	return nil, xerrors.Errorf("no package matches %q on any configured channel", spec)
}

// printPlan writes the transaction plan: the legacy FETCH/UNLINK/LINK group
// view for JSON output, the Package Plan summary otherwise.
func printPlan(cfg *config.Config, txn *link.Transaction) error {
	if cfg.JSON {
		groups, err := txn.LegacyActionGroups()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}
	return txn.PrintTransactionSummary(os.Stdout)
}

func channelDisplayName(base string) string {
	// URLs and local directories display by their last path component
	// (trailing slashes ignored); a bare name such as "defaults" as-is
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			if i == len(base)-1 {
				base = base[:i]
				continue
			}
			return base[i+1:]
		}
	}
	return base
}

func cmdinstall(ctx context.Context, cfg *config.Config, args []string) error {
	fset := flag.NewFlagSet("install", flag.ExitOnError)
	var (
		prefix = fset.String("prefix", cfg.RootPrefix, "target prefix to install into")
		dryRun = fset.Bool("dry-run", false, "plan and print the transaction without executing it")
	)
	fset.Usage = usage(fset, installHelp)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return xerrors.New("syntax: install <spec>...")
	}

	pd := prefixdata.New(*prefix)
	var unlinkPrecs, linkPrecs []*conda.PackageRecord
	for _, spec := range fset.Args() {
		rec, err := resolveSpec(ctx, cfg, spec)
		if err != nil {
			return err
		}
		linkPrecs = append(linkPrecs, rec)
		if installed, err := pd.Get(rec.Name); err != nil {
			return err
		} else if installed != nil {
			unlinkPrecs = append(unlinkPrecs, installed)
		}
	}

	cache := pkgcache.New(cfg.PkgsDirs)
	txn := link.NewTransaction(cfg, cache, action.EnvironmentsCatalogPath(), conda.PrefixSetup{
		TargetPrefix: *prefix,
		UnlinkPrecs:  unlinkPrecs,
		LinkPrecs:    linkPrecs,
		UpdateSpecs:  fset.Args(),
	})
	if txn.NothingToDo() {
		return nil
	}
	if err := txn.DownloadAndExtract(ctx); err != nil {
		return err
	}
	if err := printPlan(cfg, txn); err != nil {
		return err
	}
	if *dryRun || cfg.DryRun {
		return nil
	}
	return txn.Execute(ctx)
}
