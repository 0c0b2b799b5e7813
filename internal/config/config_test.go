package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(8), cfg.Store.MaxConns)
	assert.Equal(t, "nutrition.db", cfg.Store.SQLitePath)
	assert.Equal(t, "https://api.nal.usda.gov/fdc", cfg.FDC.BaseURL)
	assert.InDelta(t, 2.0, cfg.FDC.RPS, 0.001)
	assert.Equal(t, 1, cfg.FDC.Burst)
	assert.Equal(t, "https://world.openfoodfacts.org", cfg.OpenFoodFacts.BaseURL)
	assert.Equal(t, "nutrition-autopilot/1.0", cfg.OpenFoodFacts.UserAgent)
	assert.Equal(t, 0, cfg.Resolver.Prefetch)
	assert.False(t, cfg.Resolver.Backfill)
	assert.InDelta(t, 20.0, cfg.Labels.QAToleranceKcal, 0.001)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Retry.InitialBackoffMs)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "", cfg.Monitoring.WebhookURL)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 200, cfg.Monitoring.OpenTaskThreshold)
	assert.Equal(t, 48, cfg.Monitoring.StaleRunHours)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  sqlite_path: /tmp/test-nutrition.db
log:
  level: debug
  format: console
resolver:
  backfill: true
  prefetch: 4
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/test-nutrition.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.True(t, cfg.Resolver.Backfill)
	assert.Equal(t, 4, cfg.Resolver.Prefetch)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, "https://api.nal.usda.gov/fdc", cfg.FDC.BaseURL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("NUTRITION_STORE_DRIVER", "postgres")
	t.Setenv("NUTRITION_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("NUTRITION_SERVER_PORT", "3000")
	t.Setenv("NUTRITION_FDC_API_KEY", "env-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "env-key", cfg.FDC.APIKey)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with enough defaults populated for
// validation tests.
func validDefaults() *Config {
	return &Config{
		Store:  StoreConfig{Driver: "postgres", DSN: "postgres://localhost/nutrition"},
		Server: ServerConfig{Port: 8080},
	}
}

func TestValidateEnrich_AllPresent(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidateEnrich_MissingDSN(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DSN = ""

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.dsn is required")
}

func TestValidateSQLiteDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store = StoreConfig{Driver: "sqlite", SQLitePath: "nutrition.db"}
	assert.NoError(t, cfg.Validate("labels"))

	cfg.Store.SQLitePath = ""
	err := cfg.Validate("labels")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.sqlite_path is required")
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "oracle"

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateServe_MonitoringNeedsOrg(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.WebhookURL = "https://hooks.example.com/alerts"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.org is required")

	cfg.Monitoring.Org = "acme"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateReport_RequiresNotion(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("report")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion.token is required")
	assert.Contains(t, err.Error(), "notion.database_id is required")

	cfg.Notion = NotionConfig{Token: "ntn_token", DatabaseID: "db-id"}
	assert.NoError(t, cfg.Validate("report"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateResolverBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Resolver.Prefetch = -1

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolver.prefetch must be >= 0")
}
