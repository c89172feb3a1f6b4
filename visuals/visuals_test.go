package visuals

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/retry"
	"longform-studio/subtitles"
	"longform-studio/types"
)

type scriptedGen struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (g *scriptedGen) Generate(_ context.Context, call llm.Call) (llm.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, call.Prompt)
	n := len(g.prompts) - 1
	if n >= len(g.replies) || g.replies[n] == "" {
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

func testScenes() []subtitles.Scene {
	return []subtitles.Scene{
		{ID: 1, Start: 0, End: 8 * time.Second, Text: "The lab was silent."},
		{ID: 2, Start: 8 * time.Second, End: 15 * time.Second, Text: "Then the detector fired."},
		{ID: 3, Start: 15 * time.Second, End: 22 * time.Second, Text: "Nobody believed the data."},
	}
}

func TestShotWriterBatchesAndCarriesContext(t *testing.T) {
	gen := &scriptedGen{replies: []string{
		"```json\n[{\"id\": 1, \"p\": \"empty lab at night\"}, {\"id\": 2, \"p\": \"detector   screen glowing\"}]\n```",
		"",
	}}
	w := NewShotWriter(gen, []string{"m"}, 2, nil)
	shots, err := w.Write(context.Background(), ShotInput{Topic: "neutrinos", Scenes: testScenes()})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(shots) != 3 || len(gen.prompts) != 2 {
		t.Fatalf("shots = %+v, calls = %d", shots, len(gen.prompts))
	}
	if shots[1].Prompt != "detector screen glowing" || shots[1].StartSec != 8 || shots[1].EndSec != 15 {
		t.Fatalf("shot 2 = %+v", shots[1])
	}
	if shots[2].Prompt != FallbackPrompt("Nobody believed the data.") {
		t.Fatalf("shot 3 should fall back, got %q", shots[2].Prompt)
	}
	if !strings.Contains(gen.prompts[1], "detector screen glowing") {
		t.Fatal("second batch must see the previous shot")
	}
}

func imageServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.Contains(r.URL.Path, "broken") {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write(bytes.Repeat([]byte{0xff}, 2048))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testFetcher(srv *httptest.Server) *ImageFetcher {
	f := NewImageFetcher(config.VisualsConfig{
		ImageBaseURL:     srv.URL + "/prompt/",
		ImageWidth:       64,
		ImageHeight:      36,
		ImageConcurrency: 2,
	}, srv.Client(), nil)
	f.Attempts.Sleep = retry.NoSleep
	return f
}

func TestImageURL(t *testing.T) {
	f := NewImageFetcher(config.VisualsConfig{ImageBaseURL: "https://img.example/prompt", ImageWidth: 1920, ImageHeight: 1080}, nil, nil)
	u := f.URL(types.ShotPrompt{ID: 1, Prompt: "dark lab"})
	if !strings.HasPrefix(u, "https://img.example/prompt/dark%20lab%2C%20no%20text") {
		t.Fatalf("url = %s", u)
	}
	if !strings.Contains(u, "seed=49") || !strings.Contains(u, "width=1920") || !strings.Contains(u, "nologo=true") {
		t.Fatalf("url = %s", u)
	}
}

func TestFetchAllKeepsGoingPastFailures(t *testing.T) {
	var hits atomic.Int32
	srv := imageServer(t, &hits)
	shots := []types.ShotPrompt{
		{ID: 1, Prompt: "good lab"},
		{ID: 2, Prompt: "broken thing"},
	}
	out, err := testFetcher(srv).FetchAll(context.Background(), shots, t.TempDir())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if out[0].ImageFile == "" || out[1].ImageFile != "" {
		t.Fatalf("shots = %+v", out)
	}
	if shots[0].ImageFile != "" {
		t.Fatal("input shots must not be modified")
	}
	// one success plus three attempts on the broken shot
	if hits.Load() != 4 {
		t.Fatalf("hits = %d", hits.Load())
	}
}

func TestFetchAllNoImages(t *testing.T) {
	var hits atomic.Int32
	srv := imageServer(t, &hits)
	_, err := testFetcher(srv).FetchAll(context.Background(), []types.ShotPrompt{{ID: 1, Prompt: "broken"}}, t.TempDir())
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchAllReusesExistingImages(t *testing.T) {
	var hits atomic.Int32
	srv := imageServer(t, &hits)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "shot_001.jpg"), bytes.Repeat([]byte{1}, 4096), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := testFetcher(srv).FetchAll(context.Background(), []types.ShotPrompt{{ID: 1, Prompt: "good"}}, dir)
	if err != nil || out[0].ImageFile == "" || hits.Load() != 0 {
		t.Fatalf("out = %+v, err = %v, hits = %d", out, err, hits.Load())
	}
}

func TestAssemblerRun(t *testing.T) {
	dir := t.TempDir()
	srt := filepath.Join(dir, "voice_final.srt")
	cues := []subtitles.Cue{
		{Index: 1, Start: 0, End: 4 * time.Second, Text: "The lab was silent."},
		{Index: 2, Start: 4 * time.Second, End: 9 * time.Second, Text: "Then the detector fired."},
	}
	if err := subtitles.WriteFile(srt, cues); err != nil {
		t.Fatal(err)
	}

	var hits atomic.Int32
	srv := imageServer(t, &hits)
	gen := &scriptedGen{replies: []string{`{"prompts": [{"id": 1, "p": "quiet lab"}, {"id": 2, "p": "detector flash"}]}`}}

	cfg := config.Default()
	a := NewAssembler(cfg, gen, nil).WithFetcher(testFetcher(srv))
	shots, err := a.Run(context.Background(), Input{Topic: "neutrinos", SRTPath: srt, OutputDir: dir})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(shots) != 2 || shots[1].Prompt != "detector flash" || shots[1].ImageFile == "" {
		t.Fatalf("shots = %+v", shots)
	}
	if _, err := os.Stat(filepath.Join(dir, "visuals", "shots.json")); err != nil {
		t.Fatalf("shot list not saved: %v", err)
	}
}
