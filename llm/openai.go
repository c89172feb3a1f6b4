package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"longform-studio/proxy"
)

// GroqBaseURL is the OpenAI-compatible Groq endpoint.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// OpenAIProvider calls any OpenAI-compatible chat endpoint through langchaingo.
type OpenAIProvider struct {
	BaseURL string
}

func NewOpenAIProvider(baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = GroqBaseURL
	}
	return &OpenAIProvider{BaseURL: baseURL}
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) Generate(ctx context.Context, key, proxyURL string, req Request) (Response, error) {
	if req.AudioPath != "" {
		return Response{}, fmt.Errorf("openai provider: audio input not supported")
	}
	opts := []openai.Option{
		openai.WithToken(key),
		openai.WithModel(req.Model),
		openai.WithBaseURL(o.BaseURL),
	}
	if proxyURL != "" {
		opts = append(opts, openai.WithHTTPClient(&http.Client{Transport: proxy.Transport(nil, proxyURL)}))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return Response{}, fmt.Errorf("create openai client: %w", err)
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt),
	}
	callOpts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}
	resp, err := model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: no choices from %s", ErrInvalidResponse, req.Model)
	}

	choice := resp.Choices[0]
	out := Response{Text: strings.TrimSpace(choice.Content)}
	if n, ok := choice.GenerationInfo["TotalTokens"].(int); ok {
		out.TotalTokens = n
	}
	if out.Text == "" {
		return out, fmt.Errorf("%w: empty text from %s", ErrInvalidResponse, req.Model)
	}
	return out, nil
}
