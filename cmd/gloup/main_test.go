package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gloup "github.com/gloup-app/gloup/sdk/golang"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}

	require.NoError(t, setConfigValue(cfg, "default.base_url", "https://x.gloup.app"))
	require.NoError(t, setConfigValue(cfg, "default.anon_key", "anon"))
	require.NoError(t, setConfigValue(cfg, "storage.driver", "redis"))
	require.NoError(t, setConfigValue(cfg, "queue.max_attempts", "5"))
	require.NoError(t, setConfigValue(cfg, "log.format", "json"))

	assert.Equal(t, "https://x.gloup.app", cfg.Default.BaseURL)
	assert.Equal(t, "anon", cfg.Default.AnonKey)
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Error(t, setConfigValue(cfg, "nodot", "x"))
	assert.Error(t, setConfigValue(cfg, "default.nope", "x"))
	assert.Error(t, setConfigValue(cfg, "storage.driver", "mysql"))
	assert.Error(t, setConfigValue(cfg, "queue.max_attempts", "0"))
	assert.Error(t, setConfigValue(cfg, "auth.token", "x"))
}

func TestLoadConfigDefaultsAndRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, "info", cfg.Log.Level)

	cfg.Default.BaseURL = "https://x.gloup.app"
	cfg.Default.AnonKey = "anon-key-123456"
	cfg.Storage.Driver = "memory"
	require.NoError(t, saveConfig(cfg))

	_, err = os.Stat(filepath.Join(home, ".gloup", "config.toml"))
	require.NoError(t, err)

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://x.gloup.app", loaded.Default.BaseURL)
	assert.Equal(t, "memory", loaded.Storage.Driver)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GLOUP_BASE_URL", "https://env.gloup.app")
	t.Setenv("GLOUP_LOG_LEVEL", "debug")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://env.gloup.app", cfg.Default.BaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestRenderConfigShowsEnvOverridesAndMasksSecrets(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := &Config{}
	cfg.Default.BaseURL = "https://file.gloup.app"
	cfg.Default.AnonKey = "anon-key-from-file-0001"
	require.NoError(t, saveConfig(cfg))
	t.Setenv("GLOUP_BASE_URL", "https://env.gloup.app")
	t.Setenv("GLOUP_ACCESS_TOKEN", "eyJhbGciOiJIUzI1NiJ9wxyz")

	merged, err := loadConfig()
	require.NoError(t, err)
	out, err := renderConfig(merged, false)
	require.NoError(t, err)
	assert.Contains(t, out, "https://env.gloup.app")
	assert.NotContains(t, out, "https://file.gloup.app")
	assert.Contains(t, out, "eyJhbGci...wxyz")
	assert.NotContains(t, out, "anon-key-from-file-0001")
	assert.Contains(t, out, "[storage]")

	out, err = renderConfig(merged, true)
	require.NoError(t, err)
	assert.Contains(t, out, "anon-key-from-file-0001")
	assert.Equal(t, "anon-key-from-file-0001", merged.Default.AnonKey)
}

func TestParseWhere(t *testing.T) {
	f, err := parseWhere("user_id=eq.42")
	require.NoError(t, err)
	assert.Equal(t, "user_id.eq.42", f.Expr())

	f, err = parseWhere("kind=in.(fire,glow)")
	require.NoError(t, err)
	assert.Equal(t, "kind.in.(fire,glow)", f.Expr())

	f, err = parseWhere("deleted_at=is.null")
	require.NoError(t, err)
	assert.Equal(t, gloup.OpIs, f.Op)
	assert.Nil(t, f.Value)

	_, err = parseWhere("user_id")
	assert.Error(t, err)
	_, err = parseWhere("user_id=between.1")
	assert.Error(t, err)
}

func TestParseOrder(t *testing.T) {
	assert.Equal(t, gloup.Order{Column: "created_at", Ascending: true}, parseOrder("created_at.asc"))
	assert.Equal(t, gloup.Order{Column: "created_at"}, parseOrder("created_at.desc"))
	assert.Equal(t, gloup.Order{Column: "id"}, parseOrder("id"))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "eyJhbGci...wxyz", maskKey("eyJhbGciOiJIUzI1NiJ9wxyz"))
}
