package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
)

// Ollama calls a local Ollama server through langchaingo.
type Ollama struct {
	name         string
	defaultModel string
	llm          *ollama.LLM
}

// NewOllama creates an Ollama client. serverURL may be empty for the
// default http://localhost:11434.
func NewOllama(name, serverURL, defaultModel string) (*Ollama, error) {
	opts := []ollama.Option{ollama.WithModel(defaultModel)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return &Ollama{name: name, defaultModel: defaultModel, llm: llm}, nil
}

// Name implements Client.
func (o *Ollama) Name() string { return o.name }

// Complete implements Client.
func (o *Ollama) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	content := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		content = append(content, llms.TextParts(schema.ChatMessageTypeSystem, req.System))
	}
	content = append(content, llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{llms.WithModel(model), llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	start := time.Now()
	resp, err := o.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapContextErr(o.name, ctx.Err())
		}
		return nil, &Error{Provider: o.name, Kind: ErrUnavailable, Err: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &Error{Provider: o.name, Kind: ErrMalformed, Err: errors.New("no choices in response")}
	}

	return &Response{
		Text:     resp.Choices[0].Content,
		Model:    model,
		Provider: o.name,
		Latency:  time.Since(start),
	}, nil
}
