package harness_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"fsshell/internal/harness"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// boot starts a session with the embedded defaults and captures its output.
func boot(t *testing.T, settings *harness.Settings) (*harness.Session, *bytes.Buffer) {
	t.Helper()
	sess, err := harness.Boot(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	out := &bytes.Buffer{}
	sess.Out = out
	return sess, out
}

func run(t *testing.T, sess *harness.Session, script string) {
	t.Helper()
	require.NoError(t, sess.Run(strings.NewReader(script)))
}

func writeHostFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}
