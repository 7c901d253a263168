package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/mattn/go-isatty"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/config"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: synchronous execution and detailed error messages")
	configPath = flag.String("config", config.DefaultPath(), "path to the configuration file")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
)

func usage(fset *flag.FlagSet, help string) func() {
	return func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		fset.PrintDefaults()
	}
}

func funcmain() error {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *debug {
		cfg.Debug = true
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		// no progress banners when output is piped
		cfg.Quiet = true
	}

	type cmd struct {
		fn func(ctx context.Context, cfg *config.Config, args []string) error
	}
	verbs := map[string]cmd{
		"install": {cmdinstall},
		"remove":  {cmdremove},
		"list":    {cmdlist},
		"env":     {printenv},
	}

	args := flag.Args()
	verb := "list"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "conda [-flags] <command> [-flags] <args>\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "To get help on any command, use conda <command> -help or conda help <command>.\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "Environment commands:\n")
			fmt.Fprintf(os.Stderr, "\tinstall  - install packages into a prefix\n")
			fmt.Fprintf(os.Stderr, "\tremove   - remove packages from a prefix\n")
			fmt.Fprintf(os.Stderr, "\tlist     - list installed packages of a prefix\n")
			fmt.Fprintf(os.Stderr, "\tenv      - display conda environment details\n")
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}

	ctx, canc := conda.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: conda <command> [options]\n")
		os.Exit(2)
	}
	err = v.fn(ctx, &cfg, args)
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
	if err != nil {
		if cfg.Debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return conda.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
