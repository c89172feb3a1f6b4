package llm

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"longform-studio/proxy"
)

// GeminiProvider calls Gemini/Gemma models through the genai SDK. Audio
// requests upload the file through the File API first.
type GeminiProvider struct {
	// Endpoint overrides the API endpoint, mainly for tests.
	Endpoint     string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func NewGeminiProvider() *GeminiProvider {
	return &GeminiProvider{PollInterval: 2 * time.Second, PollTimeout: 2 * time.Minute}
}

func (g *GeminiProvider) Name() string { return "gemini" }

// apiKeyTransport adds the key header when a custom HTTP client replaces the
// SDK's own key handling.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("x-goog-api-key", t.key)
	return t.base.RoundTrip(r)
}

func (g *GeminiProvider) client(ctx context.Context, key, proxyURL string) (*genai.Client, error) {
	opts := []option.ClientOption{option.WithAPIKey(key)}
	if proxyURL != "" {
		hc := &http.Client{Transport: &apiKeyTransport{key: key, base: proxy.Transport(nil, proxyURL)}}
		opts = append(opts, option.WithHTTPClient(hc))
	}
	if g.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.Endpoint))
	}
	return genai.NewClient(ctx, opts...)
}

func (g *GeminiProvider) Generate(ctx context.Context, key, proxyURL string, req Request) (Response, error) {
	client, err := g.client(ctx, key, proxyURL)
	if err != nil {
		return Response{}, fmt.Errorf("create genai client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(req.Model)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	model.SetTemperature(float32(req.Temperature))

	parts := []genai.Part{}
	if req.AudioPath != "" {
		file, err := g.upload(ctx, client, req.AudioPath)
		if err != nil {
			return Response{}, err
		}
		defer client.DeleteFile(context.WithoutCancel(ctx), file.Name)
		parts = append(parts, genai.FileData{MIMEType: file.MIMEType, URI: file.URI})
	}
	parts = append(parts, genai.Text(req.Prompt))

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return Response{}, err
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		break
	}
	out := Response{Text: strings.TrimSpace(sb.String())}
	if resp.UsageMetadata != nil {
		out.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if out.Text == "" {
		return out, fmt.Errorf("%w: empty text from %s", ErrInvalidResponse, req.Model)
	}
	return out, nil
}

// upload sends the audio file and waits until the File API finished processing it.
func (g *GeminiProvider) upload(ctx context.Context, client *genai.Client, path string) (*genai.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	file, err := client.UploadFile(ctx, "", f, &genai.UploadFileOptions{MIMEType: AudioMIME(path)})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}

	deadline := time.Now().Add(g.PollTimeout)
	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("file %s still processing after %s", file.Name, g.PollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.PollInterval):
		}
		file, err = client.GetFile(ctx, file.Name)
		if err != nil {
			return nil, fmt.Errorf("poll file state: %w", err)
		}
	}
	if file.State == genai.FileStateFailed {
		return nil, fmt.Errorf("file processing failed for %s", path)
	}
	return file, nil
}

// AudioMIME picks the upload type from the file extension. yt-dlp's audio
// containers come first since system MIME tables often list them as video.
func AudioMIME(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".webm":
		return "audio/webm"
	case ".opus", ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".aac":
		return "audio/aac"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
