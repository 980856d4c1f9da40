package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Model.BaseURL)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Generation.MaxRetries)
	assert.Equal(t, int64(128<<20), cfg.Server.MaxCombineBytes)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9090
  maxCombineBytes: 1048576
model:
  name: qwen2.5vl:7b
  requestTimeout: 30s
generation:
  inactivityTimeout: 45s
  maxRetries: 1
ocr:
  mode: vision
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxCombineBytes)
	assert.Equal(t, "qwen2.5vl:7b", cfg.Model.Name)
	assert.Equal(t, 30*time.Second, cfg.Model.RequestTimeout)
	assert.Equal(t, 45*time.Second, cfg.Generation.InactivityTimeout)
	assert.Equal(t, 1, cfg.Generation.MaxRetries)
	assert.Equal(t, "vision", cfg.OCR.Mode)
	// untouched keys keep defaults
	assert.Equal(t, "http://localhost:11434/v1", cfg.Model.BaseURL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Model.Name, cfg.Model.Name)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"MODEL_BASE_URL": "http://gpu-box:11434/v1",
		"OCR_URL":        "http://ocr:8001/ocr",
		"MODEL_NAME":     "   ",
	}
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "http://gpu-box:11434/v1", cfg.Model.BaseURL)
	assert.Equal(t, "http://ocr:8001/ocr", cfg.OCR.URL)
	assert.Equal(t, Default().Model.Name, cfg.Model.Name, "blank values are ignored")
}

func TestValidate(t *testing.T) {
	t.Run("collects every problem", func(t *testing.T) {
		cfg := Default()
		cfg.Server.Port = 0
		cfg.Model.BaseURL = ""
		cfg.Storage.Driver = "mongo"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
		assert.Contains(t, err.Error(), "model.baseURL")
		assert.Contains(t, err.Error(), "storage.driver")
	})

	t.Run("ocr mode", func(t *testing.T) {
		cfg := Default()
		cfg.OCR.Mode = "tesseract"
		assert.ErrorContains(t, cfg.Validate(), "ocr.mode")

		cfg.OCR.Enabled = false
		assert.NoError(t, cfg.Validate())
	})

	t.Run("minio requires endpoint", func(t *testing.T) {
		cfg := Default()
		cfg.Minio.Enabled = true
		assert.ErrorContains(t, cfg.Validate(), "minio.endpoint")
	})
}
