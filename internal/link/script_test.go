package link

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardjgowers/conda/internal/condatest"
	"github.com/richardjgowers/conda/internal/config"
)

func newScriptRunner(t *testing.T) *ScriptRunner {
	cfg := config.Default()
	cfg.RootPrefix = t.TempDir()
	return NewScriptRunner(&cfg)
}

func writeScript(t *testing.T, prefix, name, body string) {
	t.Helper()
	dir := filepath.Join(prefix, scriptsDirName())
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0755))
}

func TestRunScriptAbsent(t *testing.T) {
	sr := newScriptRunner(t)
	prec := condatest.Record("pkga", "1.0", "0", 0)
	ok, err := sr.Run(t.TempDir(), prec, "post-link", "", false)
	require.NoError(t, err)
	assert.True(t, ok, "absent script must report success")
}

func TestRunScriptEnvironment(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell script")
	}
	sr := newScriptRunner(t)
	prefix := t.TempDir()
	prec := condatest.Record("pkga", "1.2.3", "0", 7)

	outFile := filepath.Join(t.TempDir(), "env.out")
	writeScript(t, prefix, ".pkga-post-link.sh",
		"#!/bin/sh\necho \"$PREFIX|$PKG_NAME|$PKG_VERSION|$PKG_BUILDNUM\" > "+outFile+"\n")

	ok, err := sr.Run(prefix, prec, "post-link", "", false)
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, prefix+"|pkga|1.2.3|7\n", string(b))
}

func TestRunScriptPostLinkFailureRaises(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell script")
	}
	sr := newScriptRunner(t)
	prefix := t.TempDir()
	prec := condatest.Record("pkga", "1.0", "0", 0)
	writeScript(t, prefix, ".pkga-post-link.sh", "#!/bin/sh\necho oops >&2\nexit 3\n")

	ok, err := sr.Run(prefix, prec, "post-link", "", false)
	assert.False(t, ok)
	require.Error(t, err)
	le, isLinkError := err.(*LinkError)
	require.True(t, isLinkError, "error type %T", err)
	assert.Contains(t, le.Message, "post-link script failed")
	assert.Contains(t, le.Message, "return code: 3")
	assert.Contains(t, le.Message, "oops")
}

func TestRunScriptUnlinkFailureLogsOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell script")
	}
	sr := newScriptRunner(t)
	prefix := t.TempDir()
	prec := condatest.Record("pkga", "1.0", "0", 0)
	writeScript(t, prefix, ".pkga-pre-unlink.sh", "#!/bin/sh\nexit 1\n")

	ok, err := sr.Run(prefix, prec, "pre-unlink", "", false)
	require.NoError(t, err, "unlink script failures must not raise")
	assert.False(t, ok)
}

func TestRunScriptMessagesSideChannel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell script")
	}
	sr := newScriptRunner(t)
	prefix := t.TempDir()
	prec := condatest.Record("pkga", "1.0", "0", 0)
	writeScript(t, prefix, ".pkga-post-link.sh",
		"#!/bin/sh\necho 'hello from pkga' > \"$PREFIX/.messages.txt\"\n")

	ok, err := sr.Run(prefix, prec, "post-link", "", false)
	require.NoError(t, err)
	assert.True(t, ok)

	// the side channel is consumed-and-removed
	_, err = os.Stat(filepath.Join(prefix, ".messages.txt"))
	assert.True(t, os.IsNotExist(err), ".messages.txt not removed")
}

func TestRunScriptActivationWrapperRemoved(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell script")
	}
	sr := newScriptRunner(t)
	prefix := t.TempDir()
	prec := condatest.Record("pkga", "1.0", "0", 0)
	writeScript(t, prefix, ".pkga-post-link.sh", "#!/bin/sh\nexit 0\n")

	ok, err := sr.Run(prefix, prec, "post-link", "", true)
	require.NoError(t, err)
	assert.True(t, ok)

	wrappers, err := filepath.Glob(filepath.Join(os.TempDir(), "conda-script-*"))
	require.NoError(t, err)
	assert.Empty(t, wrappers, "activation wrapper not removed")
}
