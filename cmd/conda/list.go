package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/richardjgowers/conda/internal/config"
	"github.com/richardjgowers/conda/internal/prefixdata"
)

const listHelp = `conda list [-flags]

List the packages installed in a prefix.
`

func cmdlist(ctx context.Context, cfg *config.Config, args []string) error {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	prefix := fset.String("prefix", cfg.RootPrefix, "prefix to list")
	fset.Usage = usage(fset, listHelp)
	fset.Parse(args)

	recs, err := prefixdata.New(*prefix).IterRecords()
	if err != nil {
		return err
	}
	fmt.Printf("# packages in environment at %s:\n", *prefix)
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "# Name\tVersion\tBuild\tChannel")
	for _, rec := range recs {
		channel := rec.Channel.CanonicalName
		if !cfg.ShowChannelURLs && channel == "defaults" {
			channel = ""
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Name, rec.Version, rec.Build, channel)
	}
	return w.Flush()
}

const envHelp = `conda env

Display conda environment details.
`

func printenv(ctx context.Context, cfg *config.Config, args []string) error {
	fset := flag.NewFlagSet("env", flag.ExitOnError)
	fset.Usage = usage(fset, envHelp)
	fset.Parse(args)

	fmt.Printf("root prefix: %s\n", cfg.RootPrefix)
	fmt.Printf("conda prefix: %s\n", cfg.CondaPrefix)
	for _, dir := range cfg.PkgsDirs {
		fmt.Printf("package cache: %s\n", dir)
	}
	for _, ch := range cfg.Channels {
		fmt.Printf("channel: %s\n", ch)
	}
	fmt.Printf("safety checks: %s\n", cfg.SafetyChecks)
	fmt.Printf("rollback enabled: %v\n", cfg.RollbackEnabled)
	return nil
}
