// Package llm runs model calls across a key pool, optional proxies and a
// model priority list.
package llm

import "context"

// Request is one text (or audio + text) generation call.
type Request struct {
	Model       string
	Prompt      string
	AudioPath   string
	MaxTokens   int
	Temperature float64
}

// Response is the text a model returned.
type Response struct {
	Text        string
	TotalTokens int
}

// Provider performs a single call with an explicit key and optional proxy.
// Providers never retry; the Executor decides what happens after a failure.
type Provider interface {
	Name() string
	Generate(ctx context.Context, key, proxyURL string, req Request) (Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, key, proxyURL string, req Request) (Response, error)

func (f ProviderFunc) Name() string { return "func" }

func (f ProviderFunc) Generate(ctx context.Context, key, proxyURL string, req Request) (Response, error) {
	return f(ctx, key, proxyURL, req)
}
