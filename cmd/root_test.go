package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YallaPapi/pubscrape-sub005/internal/app"
	"github.com/YallaPapi/pubscrape-sub005/internal/config"
	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "governor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestStatsCommandPrintsJSON(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "governor.db")
	cfgPath := writeConfig(t, "storage:\n  backend: sqlite\n  sqlite:\n    path: "+dbPath+"\nlogging:\n  level: error\n")

	// Seed the schema and one item through a regular app instance.
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, accepted, err := a.Governor().Submit(context.Background(), governance.Submission{
		Payload: governance.Payload{Query: "roofers", Target: "www.bbb.org"},
	})
	require.NoError(t, err)
	require.True(t, accepted)
	a.Close()

	root := newRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetArgs([]string{"--config", cfgPath, "stats"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var snap app.Snapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	require.Equal(t, "sqlite", snap.Backend)
	require.Equal(t, 1, snap.Queue.Pending)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, "storage:\n  backend: floppy\n")
	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"--config", cfgPath, "stats"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "load config")
}

func TestResolveRuntimeRequiresPreRun(t *testing.T) {
	t.Parallel()

	_, err := resolveRuntime(context.Background())
	require.Error(t, err)
}
