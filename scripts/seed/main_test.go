package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bookshelf/internal/app"
)

func memoryConfig() *app.Config {
	return &app.Config{StoreDriver: app.StoreDriverMemory, PrincipalHeader: "X-Principal-ID", RateLimitPerMinute: 60, LogLevel: "info"}
}

func TestRunDefaultMatrixWithDemo(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, run(context.Background(), memoryConfig(), logger, "", true))
}

func TestRunProvisionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yml")
	require.NoError(t, os.WriteFile(path, []byte("groups:\n  - name: Readers\n    permissions: [book.view]\n"), 0o600))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, run(context.Background(), memoryConfig(), logger, path, false))
	require.Error(t, run(context.Background(), memoryConfig(), logger, path, true), "no admin_user in the file")
	require.Error(t, run(context.Background(), memoryConfig(), logger, filepath.Join(t.TempDir(), "missing.yml"), false))
}
