package imagecodec

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Codec converts raw screenshot bytes to and from data URIs and model payloads.
type Codec struct {
	maxBytes int
}

// New returns a Codec rejecting images larger than maxBytes. maxBytes <= 0 disables the limit.
func New(maxBytes int) *Codec {
	return &Codec{maxBytes: maxBytes}
}

// Validate checks size and format. An empty declared type is sniffed; a declared
// type must itself be supported. The sniffed type wins when both are present.
func (c *Codec) Validate(raw []byte, declared string) (string, error) {
	if c.maxBytes > 0 && len(raw) > c.maxBytes {
		return "", fmt.Errorf("image is %d bytes, limit %d: %w", len(raw), c.maxBytes, ai.ErrPayloadTooLarge)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty image: %w", ai.ErrUnrecognizedFormat)
	}
	if declared != "" {
		if _, ok := extensions[normalize(declared)]; !ok {
			return "", fmt.Errorf("declared type %s: %w", declared, ai.ErrUnrecognizedFormat)
		}
	}
	mime := http.DetectContentType(raw)
	if _, ok := extensions[mime]; !ok {
		return "", fmt.Errorf("content type %s: %w", mime, ai.ErrUnrecognizedFormat)
	}
	return mime, nil
}

// Encode returns data:<mime>;base64,<payload>. Same bytes, same output.
func (c *Codec) Encode(raw []byte, mime string) (string, error) {
	mime, err := c.Validate(raw, mime)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. Plain base64 without the data: prefix is accepted too.
func (c *Codec) Decode(uri string) ([]byte, string, error) {
	payload := strings.TrimSpace(uri)
	if strings.HasPrefix(payload, "data:") {
		head, body, ok := strings.Cut(payload, ",")
		if !ok || !strings.HasSuffix(head, ";base64") {
			return nil, "", fmt.Errorf("malformed data uri: %w", ai.ErrUnrecognizedFormat)
		}
		payload = body
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64: %v: %w", err, ai.ErrUnrecognizedFormat)
	}
	mime, err := c.Validate(raw, "")
	if err != nil {
		return nil, "", err
	}
	return raw, mime, nil
}

// ToModelPayload wraps raw bytes in the multimodal input shape.
func (c *Codec) ToModelPayload(raw []byte, mime string) (ai.ImagePart, error) {
	uri, err := c.Encode(raw, mime)
	if err != nil {
		return ai.ImagePart{}, err
	}
	mime, _, _ = strings.Cut(strings.TrimPrefix(uri, "data:"), ";")
	return ai.ImagePart{MimeType: mime, Data: raw, DataURI: uri}, nil
}

// ExtensionFor maps a supported mime type to its file extension.
func ExtensionFor(mime string) string {
	if ext, ok := extensions[normalize(mime)]; ok {
		return ext
	}
	return ".png"
}

func normalize(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "image/jpg" {
		return "image/jpeg"
	}
	return mime
}
