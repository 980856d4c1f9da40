package ocr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
)

type stubCompleter struct {
	got  ai.GenerationRequest
	text string
	err  error
}

func (s *stubCompleter) Complete(_ context.Context, req ai.GenerationRequest) (string, error) {
	s.got = req
	return s.text, s.err
}

func TestVisionClient_ExtractText(t *testing.T) {
	stub := &stubCompleter{text: "\n| user | role |\n"}

	text, err := NewVisionClient(stub).ExtractText(context.Background(), img)
	require.NoError(t, err)

	assert.Equal(t, "| user | role |", text)
	assert.Equal(t, Prompt, stub.got.Prompt)
	assert.Equal(t, []ai.ImagePart{img}, stub.got.Images)
}

func TestVisionClient_Errors(t *testing.T) {
	stub := &stubCompleter{err: ai.ErrTransportUnavailable}

	_, err := NewVisionClient(stub).ExtractText(context.Background(), img)
	assert.ErrorIs(t, err, ai.ErrTransportUnavailable)

	_, err = NewVisionClient(stub).ExtractText(context.Background(), ai.ImagePart{})
	assert.ErrorIs(t, err, ai.ErrUnrecognizedFormat)
}
