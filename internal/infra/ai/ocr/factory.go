package ocr

import (
	"fmt"

	"github.com/bryanwahyu/vulnreport/internal/config"
	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/infra/ai/openai"
)

// FromConfig picks the OCR backend. It returns nil when OCR is disabled. Vision
// mode reuses the model endpoint with the OCR model name.
func FromConfig(cfg config.OCRConfig, model config.ModelConfig) (ai.OCR, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "", "service":
		return NewServiceClient(cfg.URL, cfg.Timeout), nil
	case "vision":
		vm := model
		if cfg.Model != "" {
			vm.Name = cfg.Model
		}
		if cfg.Timeout > 0 {
			vm.RequestTimeout = cfg.Timeout
		}
		return NewVisionClient(openai.NewClient(vm)), nil
	}
	return nil, fmt.Errorf("unknown ocr mode %q", cfg.Mode)
}
