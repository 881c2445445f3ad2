package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auditctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\nlogger:\n  level: error\n"), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands_RequirePostgres(t *testing.T) {
	cfg := memoryConfig(t)
	for _, name := range []string{"migrate", "query", "stats", "replay"} {
		_, err := execute(t, name, "--config", cfg)
		assert.ErrorIs(t, err, errPostgresOnly, name)
	}
}

func TestQueryCommand_InvalidTimeFlag(t *testing.T) {
	_, err := execute(t, "query", "--config", memoryConfig(t), "--from", "yesterday")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errPostgresOnly, "flags are validated before storage is opened")
}

func TestFilterFlags_Build(t *testing.T) {
	var ff filterFlags
	cmd := &cobra.Command{Use: "query"}
	ff.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--actor-id", "0",
		"--action", "delete",
		"--status-code", "404",
		"--from", "2026-01-01T00:00:00Z",
	}))

	f, err := ff.build(cmd)
	require.NoError(t, err)

	// Явный 0 - это фильтр, а не его отсутствие
	require.NotNil(t, f.ActorID)
	assert.Equal(t, int64(0), *f.ActorID)
	require.NotNil(t, f.StatusCode)
	assert.Equal(t, 404, *f.StatusCode)
	assert.Equal(t, "delete", f.Action)
	require.NotNil(t, f.From)
	assert.True(t, f.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, f.To)
}
