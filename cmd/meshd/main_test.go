package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestDirOfReturnsParentDirectory(t *testing.T) {
	require.Equal(t, "/etc/meshd", dirOf("/etc/meshd/meshd.yml"))
	require.Equal(t, ".", dirOf("meshd.yml"))
}

func TestHandleSighupAppliesNewLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshd.yml")
	require.NoError(t, os.WriteFile(path, []byte("NetworkConfiguration:\n  NodeID: node-a\nLogger:\n  Level: debug\n"), 0o644))

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	log := zap.NewNop()

	handleSighup(log, &level, path)

	require.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestHandleSighupIgnoresUnreadableConfig(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	log := zap.NewNop()

	handleSighup(log, &level, filepath.Join(t.TempDir(), "missing.yml"))

	require.Equal(t, zapcore.InfoLevel, level.Level())
}
