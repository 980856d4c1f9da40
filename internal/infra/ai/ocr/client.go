// Package ocr extracts text from screenshots for late fusion into prompts.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
)

type serviceRequest struct {
	Image string `json:"image"`
}

type serviceResponse struct {
	Text string `json:"text"`
}

type serviceError struct {
	Detail string `json:"detail"`
}

// ServiceClient calls a dedicated OCR HTTP service. The service handles one image
// at a time and answers 429 while busy.
type ServiceClient struct {
	url    string
	client *http.Client
}

// NewServiceClient returns a client with a hard per-request deadline.
func NewServiceClient(url string, timeout time.Duration) *ServiceClient {
	if timeout <= 0 {
		timeout = 160 * time.Second
	}
	return &ServiceClient{url: url, client: &http.Client{Timeout: timeout}}
}

// ExtractText sends the image and returns the recognised text.
func (c *ServiceClient) ExtractText(ctx context.Context, img ai.ImagePart) (string, error) {
	if len(img.Data) == 0 {
		return "", fmt.Errorf("ocr: empty image: %w", ai.ErrUnrecognizedFormat)
	}
	jsonData, err := json.Marshal(serviceRequest{Image: base64.StdEncoding.EncodeToString(img.Data)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ocr: read response: %w", classify(err))
	}

	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(string(body))
		var se serviceError
		if json.Unmarshal(body, &se) == nil && se.Detail != "" {
			detail = se.Detail
		}
		return "", statusError(resp.StatusCode, detail)
	}

	var out serviceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func statusError(status int, detail string) error {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnsupportedMediaType:
		return fmt.Errorf("ocr (%d): %s: %w", status, detail, ai.ErrUnrecognizedFormat)
	case status == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("ocr (%d): %s: %w", status, detail, ai.ErrPayloadTooLarge)
	case status == http.StatusTooManyRequests, status >= 500 && status != http.StatusGatewayTimeout:
		return fmt.Errorf("ocr (%d): %s: %w", status, detail, ai.ErrTransportUnavailable)
	case status == http.StatusGatewayTimeout:
		return fmt.Errorf("ocr (%d): %s: %w", status, detail, ai.ErrTimeout)
	}
	return fmt.Errorf("ocr returned status %d: %s", status, detail)
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ocr: %w: %w", ai.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("ocr: %w: %w", ai.ErrTimeout, err)
		}
		return fmt.Errorf("ocr: %w: %w", ai.ErrTransportUnavailable, err)
	}
	return fmt.Errorf("ocr: %w", err)
}
