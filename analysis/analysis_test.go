package analysis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"longform-studio/config"
	"longform-studio/llm"
)

type scriptedGen struct {
	replies []string
	calls   []llm.Call
}

func (g *scriptedGen) Generate(_ context.Context, call llm.Call) (llm.Result, error) {
	g.calls = append(g.calls, call)
	n := len(g.calls) - 1
	if n >= len(g.replies) {
		return llm.Result{}, llm.ErrModelsExhausted
	}
	text := g.replies[n]
	if call.Validate != nil {
		if err := call.Validate(text); err != nil {
			return llm.Result{}, errors.Join(llm.ErrInvalidResponse, err)
		}
	}
	return llm.Result{Response: llm.Response{Text: text}, Model: "fake"}, nil
}

const extractReply = "```json\n{\"hook_candidates\": [\"What if the signal was real?\"], \"repeated_phrases\": [\"dark matter\"], \"emotion_triggers\": [\"awe\"], \"narrative_structure\": {\"acts\": 3}}\n```"

func TestAnalyzeAudio(t *testing.T) {
	gen := &scriptedGen{replies: []string{
		extractReply,
		`{"hook_score": "7.5/10", "dominant_trigger": "curiosity", "ctr_potential": "High", "recommendation": "proceed"}`,
	}}
	a := New(gen, []string{"m1"}, nil)
	res, err := a.Analyze(context.Background(), Input{ProjectID: "p1", AudioPath: "/tmp/a.webm"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.HookScore != 7.5 || res.CTRPotential != "high" || res.Rejected() {
		t.Fatalf("analysis = %+v", res)
	}
	if res.NarrativeStructure != `{"acts":3}` || res.RepeatedPhrases[0] != "dark matter" {
		t.Fatalf("extraction = %+v", res)
	}
	if gen.calls[0].AudioPath != "/tmp/a.webm" || gen.calls[1].AudioPath != "" {
		t.Fatalf("audio only belongs on the extraction call: %+v", gen.calls)
	}
	if !strings.Contains(gen.calls[1].Prompt, `"dark matter"`) {
		t.Fatalf("scoring prompt lacks extraction: %s", gen.calls[1].Prompt)
	}
}

func TestAnalyzeManualGermanReject(t *testing.T) {
	gen := &scriptedGen{replies: []string{
		extractReply,
		`{"hook_score": 3, "dominant_trigger": "fear", "ctr_potential": "low", "recommendation": "Reject - weak hook"}`,
	}}
	cfg := config.Default()
	res, err := New(gen, []string{"m1"}, nil).Analyze(context.Background(), Input{
		ManualScript: "Manipulation beginnt leise.",
		Niche:        cfg.Niche("dark_psychology_de"),
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Rejected() || res.HookScore != 3 {
		t.Fatalf("analysis = %+v", res)
	}
	if !strings.HasPrefix(gen.calls[0].Prompt, "SCRIPT:\nManipulation beginnt leise.") || gen.calls[0].AudioPath != "" {
		t.Fatalf("manual prompt = %q", gen.calls[0].Prompt)
	}
	if !strings.Contains(gen.calls[1].Prompt, "GERMAN RULES") {
		t.Fatalf("german rules missing")
	}
}

func TestAnalyzeNeedsSource(t *testing.T) {
	_, err := New(&scriptedGen{}, nil, nil).Analyze(context.Background(), Input{})
	if !errors.Is(err, ErrNoSource) {
		t.Fatalf("err = %v", err)
	}
}

func TestAnalyzeExtractionFailure(t *testing.T) {
	gen := &scriptedGen{replies: []string{"no json here at all"}}
	_, err := New(gen, []string{"m1"}, nil).Analyze(context.Background(), Input{ManualScript: "x"})
	if err == nil || !strings.HasPrefix(err.Error(), "extraction") {
		t.Fatalf("err = %v", err)
	}
}

func TestNormalizeRecommendation(t *testing.T) {
	cases := map[string]string{"REJECT": "reject", "rewrite hook": "rewrite", "": "proceed", "go": "proceed"}
	for in, want := range cases {
		if got := NormalizeRecommendation(in); got != want {
			t.Errorf("NormalizeRecommendation(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDownloaderCachesByURL(t *testing.T) {
	dir := t.TempDir()
	d := NewDownloader(dir, nil)
	calls := 0
	d.Run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls++
		var template string
		for i, a := range args {
			if a == "--output" {
				template = args[i+1]
			}
		}
		return nil, os.WriteFile(strings.Replace(template, "%(ext)s", "m4a", 1), []byte("audio"), 0644)
	}

	url := "https://youtu.be/abc"
	first, err := d.Fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if filepath.Base(first) != CacheKey(url)+".m4a" {
		t.Fatalf("path = %s", first)
	}
	second, err := d.Fetch(context.Background(), url)
	if err != nil || second != first || calls != 1 {
		t.Fatalf("second fetch = %s, %v, calls = %d", second, err, calls)
	}
}

func TestDownloaderNoFile(t *testing.T) {
	d := NewDownloader(t.TempDir(), nil)
	d.Run = func(context.Context, string, ...string) ([]byte, error) { return nil, nil }
	if _, err := d.Fetch(context.Background(), "https://youtu.be/x"); !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestTitle(t *testing.T) {
	d := NewDownloader(t.TempDir(), nil)
	d.Run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte(`{"title": " The Quiet Signal ", "duration": 900}`), nil
	}
	title, err := d.Title(context.Background(), "u")
	if err != nil || title != "The Quiet Signal" {
		t.Fatalf("title = %q, %v", title, err)
	}
}
