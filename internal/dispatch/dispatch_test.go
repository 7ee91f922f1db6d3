package dispatch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRun_Success(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	d := New(nil)

	result, err := d.Run(context.Background(), Command{Program: script, Op: "test"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.Signaled)
}

func TestRun_NonZeroExitIsError(t *testing.T) {
	script := writeScript(t, "exit 7\n")
	d := New(nil)

	result, err := d.Run(context.Background(), Command{Program: script, Op: "test"})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 7, result.ExitCode)
}

func TestRunCaptured_DrainsBothStreamsConcurrently(t *testing.T) {
	// Writes more than a typical pipe buffer to each stream to exercise
	// concurrent draining; a dispatcher that reads stdout then stderr
	// sequentially would deadlock on this script.
	script := writeScript(t, `
for i in $(seq 1 20000); do echo "out $i"; done
for i in $(seq 1 20000); do echo "err $i" >&2; done
exit 0
`)
	d := New(nil)
	var stdout, stderr bytes.Buffer

	result, err := d.RunCaptured(context.Background(), Command{Program: script, Op: "test"}, nil, &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, stdout.String(), "out 20000")
	assert.Contains(t, stderr.String(), "err 20000")
}

func TestRunCaptured_FeedsStdin(t *testing.T) {
	script := writeScript(t, "cat\n")
	d := New(nil)
	var stdout bytes.Buffer

	_, err := d.RunCaptured(context.Background(), Command{Program: script, Op: "test"}, []byte("hello\n"), &stdout, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout.String())
}

func TestRun_ReplaceEnvOmitsBaseEnvironment(t *testing.T) {
	script := writeScript(t, `
if [ -n "$SHOULD_NOT_BE_SET" ]; then exit 1; fi
exit 0
`)
	d := New(func() []string { return []string{"SHOULD_NOT_BE_SET=1"} })

	_, err := d.Run(context.Background(), Command{Program: script, Op: "test", ReplaceEnv: true, Env: []string{"HOME=/tmp"}})
	require.NoError(t, err)
}

func TestRun_MergesEnvByDefault(t *testing.T) {
	script := writeScript(t, `
if [ "$FOO" != "bar" ]; then exit 1; fi
if [ "$BASE" != "1" ]; then exit 1; fi
exit 0
`)
	d := New(func() []string { return []string{"BASE=1"} })

	_, err := d.Run(context.Background(), Command{Program: script, Op: "test", Env: []string{"FOO=bar"}})
	require.NoError(t, err)
}
