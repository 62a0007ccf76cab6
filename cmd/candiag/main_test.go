package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUsageErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.Equal(t, 0, run([]string{"help"}))
	assert.Equal(t, 1, run([]string{"bogus"}))
	assert.Equal(t, 2, run([]string{"link"}))
	assert.Equal(t, 2, run([]string{"link", "sideways"}))
	assert.Equal(t, 2, run([]string{"link", "up", "can0"}))
	assert.Equal(t, 2, run([]string{"link", "up", "can0", "fast"}))
	assert.Equal(t, 2, run([]string{"run"}))
	assert.Equal(t, 2, run([]string{"selftest"}))
	assert.Equal(t, 2, run([]string{"serve", "-log-level", "loud"}))
}

func TestRunScriptOnLoopback(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "ok.lua")
	require.NoError(t, os.WriteFile(path, []byte(`assert(can.send("18FEF100", "01"))`), 0o600))
	assert.Equal(t, 0, run([]string{"run", "-channel", "loop-cmd-run", path}))

	bad := filepath.Join(t.TempDir(), "bad.lua")
	require.NoError(t, os.WriteFile(bad, []byte(`error("nope")`), 0o600))
	assert.Equal(t, 1, run([]string{"run", "-channel", "loop-cmd-run", bad}))
}

func TestRunSelfTestOnLoopback(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.Equal(t, 0, run([]string{"selftest", "-channel", "loop-cmd-selftest"}))
}
