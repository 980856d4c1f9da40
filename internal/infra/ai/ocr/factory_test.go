package ocr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/vulnreport/internal/config"
)

func TestFromConfig(t *testing.T) {
	model := config.Default().Model

	got, err := FromConfig(config.OCRConfig{Enabled: false}, model)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = FromConfig(config.OCRConfig{Enabled: true, Mode: "service", URL: "http://ocr:8001/ocr", Timeout: time.Second}, model)
	require.NoError(t, err)
	assert.IsType(t, &ServiceClient{}, got)

	got, err = FromConfig(config.OCRConfig{Enabled: true, Mode: "vision", Model: "nanonets-ocr"}, model)
	require.NoError(t, err)
	assert.IsType(t, &VisionClient{}, got)

	_, err = FromConfig(config.OCRConfig{Enabled: true, Mode: "tesseract"}, model)
	assert.Error(t, err)
}
