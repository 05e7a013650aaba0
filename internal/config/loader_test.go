package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "mimir.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Memory.Mode)
	assert.Equal(t, 8303, cfg.Memory.Port)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Journal.Path)
	assert.NotEmpty(t, cfg.Memory.PythonHintFile)
}

func TestLoaderReadsFileAndClamps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mimir.json")
	raw := `{
		"data_dir": "` + dir + `",
		"memory": {"mode": "local", "port": 99999},
		"recall": {"enabled": true, "limit": 3, "score_threshold": 2.5}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 65535, cfg.Memory.Port, "out-of-range port is clamped, not fatal")
	assert.Equal(t, 1.0, cfg.Recall.ScoreThreshold)
	assert.Equal(t, 3, cfg.Recall.Limit)
	assert.Equal(t, filepath.Join(dir, "journal.db"), cfg.Journal.Path)
	assert.Equal(t, filepath.Join(dir, "mimir.log"), cfg.Logging.File)
}

func TestLoaderRejectsInvalidStructure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mimir.json")
	raw := `{"memory": {"mode": "remote"}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestLoaderRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mimir.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mimir.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Memory.Port = 9000
	cfg.Capture.Mode = "keyword"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, loaded.Memory.Port)
	assert.Equal(t, "keyword", loaded.Capture.Mode)
}

func TestGetConfigPath(t *testing.T) {
	loader := NewLoader("/tmp/custom.json")
	assert.Equal(t, "/tmp/custom.json", loader.GetConfigPath())

	loader = NewLoader("")
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".mimir", "mimir.json"), loader.GetConfigPath())
}
