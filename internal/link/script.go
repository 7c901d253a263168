package link

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/config"
)

// ScriptRunner executes the optional per-package pre/post link and unlink
// scripts with the documented environment.
type ScriptRunner struct {
	cfg *config.Config
}

func NewScriptRunner(cfg *config.Config) *ScriptRunner {
	return &ScriptRunner{cfg: cfg}
}

func scriptsDirName() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}

func scriptExt() string {
	if runtime.GOOS == "windows" {
		return "bat"
	}
	return "sh"
}

// Run executes the script `.{name}-{phase}.{sh|bat}` found under
// scriptsHome. envPrefix is exported as PREFIX (defaults to scriptsHome).
// Returns true when the script is absent or succeeded. A failing pre-link or
// post-link script yields a LinkError; failing unlink scripts are logged and
// reported as false.
func (sr *ScriptRunner) Run(scriptsHome string, prec *conda.PackageRecord, phase, envPrefix string, activate bool) (bool, error) {
	path := filepath.Join(scriptsHome, scriptsDirName(),
		fmt.Sprintf(".%s-%s.%s", prec.Name, phase, scriptExt()))
	if st, err := os.Stat(path); err != nil || !st.Mode().IsRegular() {
		return true, nil
	}
	if envPrefix == "" {
		envPrefix = scriptsHome
	}

	env := os.Environ()
	if phase == "pre-link" {
		// old no-arch support; deprecated
		log.Printf("package %s uses a pre-link script; pre-link scripts are potentially dangerous "+
			"and may be ignored by future versions", prec.DistStr())
		env = append(env, "SOURCE_DIR="+scriptsHome)
	}
	env = append(env,
		"ROOT_PREFIX="+sr.cfg.RootPrefix,
		"PREFIX="+envPrefix,
		"PKG_NAME="+prec.Name,
		"PKG_VERSION="+prec.Version,
		"PKG_BUILDNUM="+strconv.Itoa(prec.BuildNumber),
		"PATH="+filepath.Dir(path)+string(os.PathListSeparator)+os.Getenv("PATH"),
	)

	var commandArgs []string
	var scriptCaller string
	if runtime.GOOS == "windows" {
		comspec := os.Getenv("COMSPEC")
		if comspec == "" {
			log.Printf("failed to run %s for %s: COMSPEC is not set", phase, prec.DistStr())
			return false, nil
		}
		if activate {
			scriptCaller, commandArgs = sr.wrapActivation(envPrefix, "@CALL "+path)
		} else {
			commandArgs = []string{comspec, "/d", "/c", path}
		}
	} else {
		if activate {
			scriptCaller, commandArgs = sr.wrapActivation(envPrefix, ". "+shellQuote(path))
		} else {
			commandArgs = []string{"sh", "-x", path}
		}
	}
	defer func() {
		if scriptCaller == "" {
			return
		}
		if _, save := os.LookupEnv("CONDA_TEST_SAVE_TEMPS"); save {
			log.Printf("CONDA_TEST_SAVE_TEMPS :: retaining run_script %s", scriptCaller)
			return
		}
		os.Remove(scriptCaller)
	}()

	log.Printf("for %s at %s, executing script: $ %s", prec.DistStr(), envPrefix, strings.Join(commandArgs, " "))

	cmd := exec.Command(commandArgs[0], commandArgs[1:]...)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	m := sr.messages(envPrefix)
	if err != nil {
		rc := -1
		if ee, ok := err.(*exec.ExitError); ok {
			rc = ee.ExitCode()
		}
		if phase == "pre-link" || phase == "post-link" {
			if m == "" {
				m = "<None>"
			}
			return false, &LinkError{Message: fmt.Sprintf(
				"%s script failed for package %s\n"+
					"location of failed script: %s\n"+
					"==> script messages <==\n%s\n"+
					"==> script output <==\n"+
					"stdout: %s\nstderr: %s\nreturn code: %d",
				phase, prec.DistStr(), path, m, stdout.String(), stderr.String(), rc)}
		}
		log.Printf("%s script failed for package %s\nconsider notifying the package maintainer",
			phase, prec.DistStr())
		return false, nil
	}
	return true, nil
}

// wrapActivation writes a temporary caller script that activates the target
// environment before sourcing the package script.
func (sr *ScriptRunner) wrapActivation(prefix, call string) (scriptCaller string, commandArgs []string) {
	f, err := os.CreateTemp("", "conda-script-*."+scriptExt())
	if err != nil {
		log.Printf("cannot create activation wrapper: %v", err)
		if runtime.GOOS == "windows" {
			return "", []string{os.Getenv("COMSPEC"), "/d", "/c", call}
		}
		return "", []string{"sh", "-c", call}
	}
	defer f.Close()
	if runtime.GOOS == "windows" {
		fmt.Fprintf(f, "@CALL \"%s\\condabin\\activate.bat\" \"%s\"\r\n%s\r\n",
			sr.cfg.RootPrefix, prefix, call)
		return f.Name(), []string{os.Getenv("COMSPEC"), "/d", "/c", f.Name()}
	}
	condaSh := shellQuote(filepath.Join(sr.cfg.RootPrefix, "etc", "profile.d", "conda.sh"))
	fmt.Fprintf(f, "if [ -f %s ]; then . %s; fi\nconda activate %s 2>/dev/null || export PATH=%s:\"$PATH\"\n%s\n",
		condaSh, condaSh,
		shellQuote(prefix),
		shellQuote(filepath.Join(prefix, "bin")),
		call)
	return f.Name(), []string{"sh", f.Name()}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// messages drains the .messages.txt side channel a script may have left in
// the prefix and prints it for the user.
func (sr *ScriptRunner) messages(prefix string) string {
	path := filepath.Join(prefix, ".messages.txt")
	defer os.Remove(path)
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return ""
	}
	if sr.cfg.JSON {
		fmt.Fprint(os.Stderr, string(b))
	} else {
		fmt.Fprint(os.Stdout, string(b))
	}
	return string(b)
}
