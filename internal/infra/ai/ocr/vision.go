package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
)

// Prompt sent with every screenshot in vision mode.
const Prompt = "Extract all text from screenshot, make OCR in markdown"

// Completer is a non-streaming chat completion, see openai.Client.Complete.
type Completer interface {
	Complete(ctx context.Context, req ai.GenerationRequest) (string, error)
}

// VisionClient does OCR by asking a vision model to transcribe the screenshot.
type VisionClient struct {
	model Completer
}

func NewVisionClient(model Completer) *VisionClient {
	return &VisionClient{model: model}
}

func (c *VisionClient) ExtractText(ctx context.Context, img ai.ImagePart) (string, error) {
	if img.DataURI == "" {
		return "", fmt.Errorf("ocr: image has no data uri: %w", ai.ErrUnrecognizedFormat)
	}
	text, err := c.model.Complete(ctx, ai.GenerationRequest{
		Prompt: Prompt,
		Images: []ai.ImagePart{img},
	})
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return strings.TrimSpace(text), nil
}
