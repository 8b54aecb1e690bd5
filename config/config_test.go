package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, "PAY", cfg.Ledger.PaymentPrefix)
	assert.Equal(t, 8, cfg.Ledger.NumberWidth)
	assert.Equal(t, 5, cfg.Ledger.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Ledger.StorageTimeout)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, "ledger.events", cfg.AMQP.Exchange)
	assert.Equal(t, time.Hour, cfg.App.ReconcileInterval)
	assert.Empty(t, cfg.App.Seed)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  port: 9090
database:
  path: /var/lib/ledger.db
ledger:
  payment_prefix: INV
  storage_timeout: 2s
`), 0o600))

	// GIVEN: env overrides the file
	t.Setenv("LEDGER_APP_PORT", "9191")
	t.Setenv("LEDGER_LEDGER_MAX_RETRIES", "9")
	t.Setenv("LEDGER_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.App.Port)
	assert.Equal(t, "/var/lib/ledger.db", cfg.Database.Path)
	assert.Equal(t, "INV", cfg.Ledger.PaymentPrefix)
	assert.Equal(t, 2*time.Second, cfg.Ledger.StorageTimeout)
	assert.Equal(t, 9, cfg.Ledger.MaxRetries)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)

	opts := cfg.Ledger.Options()
	assert.Equal(t, 9, opts.MaxRetries)
	assert.Equal(t, "INV", cfg.Ledger.Allocator().Prefix)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("LEDGER_LEDGER_NODE_ID", "4096")

	_, err := Load("")

	assert.ErrorContains(t, err, "node_id")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Error(t, err)
}
