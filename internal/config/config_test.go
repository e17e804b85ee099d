package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory so no env file is picked up
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("CONFIG_ENV_PATH", "")
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("GEMINI_API_KEY", "key")
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("PROMPTS_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, BackendMemory, cfg.MarkersBackend)
	assert.Equal(t, "gemini-2.5-flash-image", cfg.DefaultModelID)
	assert.Equal(t, 3, cfg.DefaultCost)
	assert.Equal(t, 120*time.Second, cfg.ModelTimeout)
	assert.False(t, cfg.RefundOnFailure)
	assert.Equal(t, 0, cfg.WelcomeCredits)
	assert.Equal(t, 5, cfg.LedgerBreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.LedgerBreakerReset)
	assert.Equal(t, int64(20<<20), cfg.MaxBodyBytes)
}

func TestLoad_MissingRequired(t *testing.T) {
	isolate(t)
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("LEDGER_BACKEND", "supabase")
	t.Setenv("PROMPTS_BACKEND", "postgres")
	t.Setenv("MARKERS_BACKEND", "redis")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "")
	t.Setenv("REQUIRED_ENTITLEMENT", "pro")
	t.Setenv("REVENUECAT_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	for _, key := range []string{
		"GEMINI_API_KEY", "DATABASE_URL", "REDIS_ADDR",
		"SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY", "REVENUECAT_API_KEY",
	} {
		assert.Contains(t, err.Error(), key)
	}
	assert.Contains(t, err.Error(), "missing required environment variables")
}

func TestLoad_InvalidBackend(t *testing.T) {
	isolate(t)
	t.Setenv("GEMINI_API_KEY", "key")
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("PROMPTS_BACKEND", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROMPTS_BACKEND")
}

func TestLoad_EnvFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "gateway.env")
	require.NoError(t, os.WriteFile(path, []byte("GEMINI_API_KEY=from-file\nLEDGER_BACKEND=memory\nPROMPTS_BACKEND=memory\nWELCOME_CREDITS=6\n"), 0o600))
	t.Setenv("CONFIG_ENV_PATH", path)
	// unset rather than empty: the env file never overrides a set variable
	for _, key := range []string{"WELCOME_CREDITS", "GEMINI_API_KEY", "LEDGER_BACKEND", "PROMPTS_BACKEND"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.GeminiAPIKey)
	assert.Equal(t, 6, cfg.WelcomeCredits)
}

func TestUses(t *testing.T) {
	cfg := Config{LedgerBackend: BackendRedis, PromptsBackend: BackendPostgres, MarkersBackend: BackendMemory}
	assert.True(t, cfg.Uses(BackendRedis))
	assert.True(t, cfg.Uses(BackendPostgres))
	assert.False(t, cfg.Uses(BackendFirestore))
}
