package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/vulnreport/internal/config"
	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
)

const defaultMaxTokens = 2048

// Client talks to any OpenAI-compatible chat endpoint (OpenAI, Ollama /v1, LM Studio).
type Client struct {
	api         *openai.Client
	Model       string
	temperature float32
	maxTokens   int
}

func NewClient(cfg config.ModelConfig) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	// Only the wait for headers is bounded; a healthy stream may run long.
	if cfg.RequestTimeout > 0 {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.RequestTimeout
		oc.HTTPClient = &http.Client{Transport: transport}
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		api:         openai.NewClientWithConfig(oc),
		Model:       cfg.Name,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

// Stream opens a streaming chat completion.
func (c *Client) Stream(ctx context.Context, req ai.GenerationRequest) (ai.FragmentStream, error) {
	creq := c.request(req)
	creq.Stream = true

	stream, err := c.api.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", Classify(err))
	}
	return &fragmentStream{stream: stream}, nil
}

// Complete runs a non-streaming completion and returns the whole answer.
func (c *Client) Complete(ctx context.Context, req ai.GenerationRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.request(req))
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", Classify(err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) request(req ai.GenerationRequest) openai.ChatCompletionRequest {
	creq := openai.ChatCompletionRequest{
		Model:       c.Model,
		Messages:    buildMessages(req),
		Temperature: c.temperature,
	}
	// For reasoning models (o1/o3/o4/gpt-5*) use MaxCompletionTokens instead of MaxTokens
	if isReasoningModel(c.Model) {
		creq.MaxCompletionTokens = c.maxTokens
		creq.Temperature = 0
	} else {
		creq.MaxTokens = c.maxTokens
	}
	return creq
}

func isReasoningModel(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// buildMessages lays out system, prior turns, then the new prompt. Images ride on
// the first user message so a follow-up still sees them.
func buildMessages(req ai.GenerationRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.PriorTurns)+2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, t := range req.PriorTurns {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Text})
	}
	if req.Prompt != "" || len(msgs) == 0 || msgs[len(msgs)-1].Role != openai.ChatMessageRoleUser {
		prompt := req.Prompt
		if prompt == "" {
			prompt = "(empty draft)"
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
	}

	if len(req.Images) == 0 {
		return msgs
	}
	for i := range msgs {
		if msgs[i].Role != openai.ChatMessageRoleUser {
			continue
		}
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: msgs[i].Content}}
		for _, img := range req.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img.DataURI},
			})
		}
		msgs[i].Content = ""
		msgs[i].MultiContent = parts
		break
	}
	return msgs
}

type fragmentStream struct {
	stream *openai.ChatCompletionStream
}

// Recv skips role-only and empty deltas.
func (s *fragmentStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("read chat stream: %w", Classify(err))
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *fragmentStream) Close() error {
	return s.stream.Close()
}

// Classify maps transport and provider errors onto the ai sentinels, keeping the cause.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ai.ErrTimeout, err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ai.ErrQuotaExceeded, err)
	case status == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %w", ai.ErrPayloadTooLarge, err)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %w", ai.ErrTransportUnavailable, err)
	case status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", ai.ErrTimeout, err)
	case status != 0:
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %w", ai.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", ai.ErrTransportUnavailable, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ai.ErrTransportUnavailable, err)
	}
	return err
}
