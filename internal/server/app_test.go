package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = ""
	cfg.StorageDriver = "memory"
	cfg.BlobDir = t.TempDir()
	cfg.LogLevel = "error"
	return cfg
}

func TestNewApp_UnknownBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageDriver = "oracle"
	_, err := NewApp(cfg)
	assert.ErrorContains(t, err, "unknown storage driver")

	cfg = testConfig(t)
	cfg.CacheBackend = "memcached"
	_, err = NewApp(cfg)
	assert.ErrorContains(t, err, "unknown cache backend")

	cfg = testConfig(t)
	cfg.Settings.CronExpression = "whenever"
	_, err = NewApp(cfg)
	assert.Error(t, err)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	app, err := NewApp(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_RunsAdminGRPCWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPCAddr = "127.0.0.1:0"
	app, err := NewApp(cfg)
	require.NoError(t, err)
	require.NotNil(t, app.grpc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewApp_AdminGRPCDisabledByEmptyAddr(t *testing.T) {
	app, err := NewApp(testConfig(t))
	require.NoError(t, err)
	assert.Nil(t, app.grpc)
}

func TestApp_ReloadSettings(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, app.reloadSettings(ctx))

	path := filepath.Join(t.TempDir(), "filedrop.json")
	cfg.ConfigFile = path
	require.NoError(t, os.WriteFile(path, []byte(`{"settings":{"max_file_lifetime_days":7,"cron_expression":"0 15 1 * * *"}}`), 0o600))
	require.NoError(t, app.reloadSettings(ctx))
	cur := app.settings.Current()
	assert.Equal(t, 7, cur.MaxFileLifetimeDays)
	assert.Equal(t, "0 15 1 * * *", cur.CronExpression)

	// a bad expression is rejected and the previous settings stay
	require.NoError(t, os.WriteFile(path, []byte(`{"settings":{"cron_expression":"nope"}}`), 0o600))
	assert.Error(t, app.reloadSettings(ctx))
	assert.Equal(t, "0 15 1 * * *", app.settings.Current().CronExpression)
}
