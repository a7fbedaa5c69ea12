package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAI talks to any OpenAI-compatible chat completion endpoint
// (OpenRouter, Groq, vLLM, OpenAI itself).
type OpenAI struct {
	name         string
	defaultModel string
	client       *openai.Client
	logger       *zap.Logger
}

// OpenAIConfig configures an OpenAI-compatible client.
type OpenAIConfig struct {
	Name         string
	BaseURL      string
	APIKey       string
	DefaultModel string
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) *OpenAI {
	if logger == nil {
		logger = zap.NewNop()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAI{
		name:         cfg.Name,
		defaultModel: cfg.DefaultModel,
		client:       openai.NewClientWithConfig(oc),
		logger:       logger.With(zap.String("provider", cfg.Name)),
	}
}

// Name implements Client.
func (o *OpenAI) Name() string { return o.name }

// Complete implements Client.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, o.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Provider: o.name, Kind: ErrMalformed, Err: errors.New("no choices in response")}
	}

	o.logger.Debug("completion received",
		zap.String("model", model),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &Response{
		Text:     resp.Choices[0].Message.Content,
		Model:    model,
		Provider: o.name,
		Latency:  time.Since(start),
	}, nil
}

func (o *OpenAI) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrapContextErr(o.name, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Provider: o.name, Kind: classifyStatus(apiErr.HTTPStatusCode), StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Provider: o.name, Kind: classifyStatus(reqErr.HTTPStatusCode), StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &Error{Provider: o.name, Kind: ErrUnavailable, Err: fmt.Errorf("chat completion: %w", err)}
}
