package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommand_PublishRequiresFlowID(t *testing.T) {
	cmd := NewRootCommand()
	cmd.Writer = &bytes.Buffer{}

	err := cmd.Run(context.Background(), []string{"flowline", "publish"})
	require.ErrorContains(t, err, "flow id is required")
}

func TestRootCommand_PublishUnknownFlow(t *testing.T) {
	cmd := NewRootCommand()
	cmd.Writer = &bytes.Buffer{}

	err := cmd.Run(context.Background(), []string{"flowline", "publish", "missing"})
	require.ErrorContains(t, err, "flow not found")
}

func TestRootCommand_TriggerRejectsBadJSON(t *testing.T) {
	cmd := NewRootCommand()
	cmd.Writer = &bytes.Buffer{}

	err := cmd.Run(context.Background(), []string{"flowline", "trigger", "f1", "{nope"})
	require.ErrorContains(t, err, "not valid JSON")
}

func TestRootCommand_InvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: oracle\n"), 0o644))

	cmd := NewRootCommand()
	cmd.Writer = &bytes.Buffer{}

	err := cmd.Run(context.Background(), []string{"flowline", "--config", path, "worker"})
	require.ErrorContains(t, err, "store.driver")
}
