package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FSSHELL_CONFIG_DIR", t.TempDir())
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunScript(t *testing.T) {
	script := filepath.Join(t.TempDir(), "setup.fss")
	require.NoError(t, os.WriteFile(script, []byte("mkdirs /a/b\nwrite /a/b/f hi\ncat /a/b/f\n"), 0644))

	out, err := execute(t, "", "run", script)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	out, err = execute(t, "pwd\n", "run")
	require.NoError(t, err)
	assert.Equal(t, "/\n", out)
}

func TestRunReportsErrno(t *testing.T) {
	_, err := execute(t, "mkdir /x\nmkdir /x\n", "run")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "EEXIST: line 2: mkdir"), err.Error())
}

func TestExecPassesFlags(t *testing.T) {
	out, err := execute(t, "", "exec", "ls", "-l", "/")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = execute(t, "", "exec", "umount", "-f", "/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENOENT")
}

func TestSettingsSave(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FSSHELL_CONFIG_DIR", dir)
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"settings", "--save"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		saveSettings = false
	})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "max_symlinks: 16")
	_, err := os.Stat(filepath.Join(dir, "settings.yaml"))
	assert.NoError(t, err)
}
