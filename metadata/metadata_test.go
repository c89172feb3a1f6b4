package metadata

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/types"
)

type actionGen struct {
	mu      sync.Mutex
	replies map[string]string
	calls   []string
}

func (g *actionGen) Generate(_ context.Context, call llm.Call) (llm.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, call.Action)
	text, ok := g.replies[call.Action]
	g.mu.Unlock()
	if !ok {
		return llm.Result{}, llm.ErrModelsExhausted
	}
	if call.Validate != nil {
		if err := call.Validate(text); err != nil {
			return llm.Result{}, errors.Join(llm.ErrInvalidResponse, err)
		}
	}
	return llm.Result{Response: llm.Response{Text: text}, Model: "fake"}, nil
}

func TestCTRBundle(t *testing.T) {
	gen := &actionGen{replies: map[string]string{
		"extract_triggers": "```json\n{\"curiosity_core\": \"Why the signal repeats\", \"emotional_trigger\": \"dread\", \"shock_angle\": \"it answered\", \"thumbnail_phrase\": \"IT ANSWERED\"}\n```",
		"generate_titles":  `{"titles": ["The Signal That Answered Back", "The Signal That Answered Back", "Nobody Expected This Reply", "", "Astronomers Heard It Twice", "Wow Signal Explained", "One Too Many"]}`,
		"generate_thumb":   `{"visual_concept": "radio dish at night", "text_on_thumb": "IT ANSWERED", "ai_image_prompt": "radio telescope under stars, cinematic", "mood": "urgent"}`,
	}}
	n := config.Niche{Name: "science", CTR: config.CTRRules{Strategy: "authority"}}

	b, err := NewCTREngine(gen, []string{"m"}, nil).Generate(context.Background(), CTRInput{FullScript: "script", Niche: n})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(b.Titles) != TitleVariants || b.Titles[0] != "The Signal That Answered Back" || b.Titles[1] != "Nobody Expected This Reply" {
		t.Fatalf("titles = %q", b.Titles)
	}
	if b.ClickTriggers.ShockAngle != "it answered" || b.Thumbnail.Mood != "urgent" || b.Strategy != "authority" {
		t.Fatalf("bundle = %+v", b)
	}
	if !b.SyncCheck.Pass {
		t.Fatalf("sync = %+v", b.SyncCheck)
	}
	if gen.calls[0] != "extract_triggers" || len(gen.calls) != 3 {
		t.Fatalf("calls = %v", gen.calls)
	}
}

func TestCTRFailsWithoutTriggers(t *testing.T) {
	gen := &actionGen{replies: map[string]string{}}
	_, err := NewCTREngine(gen, []string{"m"}, nil).Generate(context.Background(), CTRInput{FullScript: "x"})
	if !errors.Is(err, llm.ErrModelsExhausted) {
		t.Fatalf("err = %v", err)
	}
	if len(gen.calls) != 1 {
		t.Fatalf("titles must not run without triggers: %v", gen.calls)
	}
}

func TestSyncCheck(t *testing.T) {
	titles := []string{"Why The Hidden Door Matters", "Another Title"}
	if got := SyncCheck(titles, types.Thumbnail{TextOnThumb: "HIDDEN DOOR"}); got.Pass {
		t.Fatal("overlapping thumbnail text must fail")
	}
	if got := SyncCheck(titles, types.Thumbnail{TextOnThumb: "DOOR"}); !got.Pass {
		t.Fatal("short thumbnail text is never flagged")
	}
	if got := SyncCheck(titles, types.Thumbnail{TextOnThumb: "NO ESCAPE"}); !got.Pass {
		t.Fatal("distinct text must pass")
	}
}

func TestCalculateChapters(t *testing.T) {
	mods := []types.ModuleScript{
		{ModuleIndex: 1, Role: "HOOK", Content: strings.Repeat("w ", 150)},
		{ModuleIndex: 2, Role: "RISING_ACTION", Content: strings.Repeat("w ", 225)},
		{ModuleIndex: 3, Content: "end"},
	}
	ch := CalculateChapters(mods)
	if len(ch) != 3 {
		t.Fatalf("chapters = %+v", ch)
	}
	if ch[0].Time != "00:00" || ch[1].Time != "01:00" || ch[2].Time != "02:30" {
		t.Fatalf("times = %s %s %s", ch[0].Time, ch[1].Time, ch[2].Time)
	}
	if ch[1].Title != "RISING ACTION" || ch[2].Title != "MODULE" || ch[2].ModuleIndex != 3 {
		t.Fatalf("titles = %+v", ch)
	}
	if got := FormatChapters(ch[:2]); got != "00:00 – HOOK\n01:00 – RISING ACTION" {
		t.Fatalf("FormatChapters = %q", got)
	}
}

func TestFormatClock(t *testing.T) {
	for sec, want := range map[float64]string{0: "00:00", 59.9: "00:59", 61: "01:01", 3725: "62:05"} {
		if got := FormatClock(sec); got != want {
			t.Errorf("FormatClock(%v) = %q, want %q", sec, got, want)
		}
	}
}

func keywordPlan() *types.KeywordPlan {
	return &types.KeywordPlan{
		CoreKeyword:        "dark matter",
		SupportingKeywords: []string{"galaxy rotation", "Dark Matter", "missing mass"},
		CTRPhrases:         []string{"nobody can explain"},
	}
}

func TestHashtagsAndTags(t *testing.T) {
	kp := keywordPlan()
	if got := strings.Join(Hashtags(kp), " "); got != "#DarkMatter #GalaxyRotation #MissingMass" {
		t.Fatalf("Hashtags = %q", got)
	}
	tags := Tags(kp, 0)
	if len(tags) != 4 || tags[3] != "nobody can explain" {
		t.Fatalf("Tags = %q", tags)
	}
	if got := Tags(kp, 2); len(got) != 2 {
		t.Fatalf("capped Tags = %q", got)
	}
	if Hashtags(nil) != nil || Tags(nil, 3) != nil {
		t.Fatal("nil plan gives nothing")
	}
}

func assembled() *types.AssembledScript {
	return &types.AssembledScript{
		FullScript: "Full script text.",
		Modules: []types.ModuleScript{
			{ModuleIndex: 1, Role: "HOOK", Content: strings.Repeat("w ", 150)},
			{ModuleIndex: 2, Role: "OPEN_END", Content: "closing words"},
		},
	}
}

func TestDescriptionBundle(t *testing.T) {
	body := strings.Repeat("This video follows the evidence step by step. ", 3)
	gen := &actionGen{replies: map[string]string{"generate_description": body}}

	b, err := NewDescriptionWriter(gen, []string{"m"}, nil).Generate(context.Background(), DescriptionInput{
		Script:   assembled(),
		Keywords: keywordPlan(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(b.Description, strings.TrimSpace(body)) {
		t.Fatalf("description = %q", b.Description)
	}
	for _, want := range []string{"Chapters:\n00:00 – HOOK\n01:00 – OPEN END", "Keywords: dark matter, galaxy rotation", "#DarkMatter"} {
		if !strings.Contains(b.Description, want) {
			t.Fatalf("description missing %q:\n%s", want, b.Description)
		}
	}
	if len(b.Chapters) != 2 || len(b.Tags) != 4 {
		t.Fatalf("bundle = %+v", b)
	}
}

func TestDescriptionFallsBackAndUsesGermanHeading(t *testing.T) {
	gen := &actionGen{replies: map[string]string{"generate_description": "too short"}}
	b, err := NewDescriptionWriter(gen, []string{"m"}, nil).Generate(context.Background(), DescriptionInput{
		Script: assembled(),
		Niche:  config.Niche{Market: "DE"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(b.Description, fallbackSummary) || !strings.Contains(b.Description, "Kapitel:") {
		t.Fatalf("description = %q", b.Description)
	}
}

func TestDescriptionWithoutModules(t *testing.T) {
	gen := &actionGen{}
	b, err := NewDescriptionWriter(gen, nil, nil).Generate(context.Background(), DescriptionInput{Script: &types.AssembledScript{}})
	if err != nil || b.Description != "" || len(gen.calls) != 0 {
		t.Fatalf("b = %+v, err = %v, calls = %v", b, err, gen.calls)
	}
}

func TestNextUploadTime(t *testing.T) {
	monday := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if got := NextUploadTime(monday, "UTC", 14); got != "2024-01-02T14:00:00Z" {
		t.Fatalf("from Monday = %s", got)
	}
	wednesday := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	if got := NextUploadTime(wednesday, "UTC", 9); got != "2024-01-05T09:00:00Z" {
		t.Fatalf("from Wednesday = %s", got)
	}
	tuesday := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	if got := NextUploadTime(tuesday, "UTC", 14); got != "2024-01-05T14:00:00Z" {
		t.Fatalf("same-day slot must be skipped, got %s", got)
	}
}

func TestTruncateTitle(t *testing.T) {
	if got := TruncateTitle("Short", 10); got != "Short" {
		t.Fatalf("got %q", got)
	}
	if got := TruncateTitle("Überraschung im Weltall", 10); got != "Überras..." {
		t.Fatalf("got %q", got)
	}
}

func TestBuild(t *testing.T) {
	mc := config.MetadataConfig{TitleMaxChars: 12, TagsCount: 2, YouTubeCategoryID: "27", Timezone: "UTC", PublishHour: 14}
	uc := config.UploadConfig{Visibility: "private"}
	ctr := &types.CTRBundle{Titles: []string{"A Very Long Title Indeed"}, Thumbnail: types.Thumbnail{AIImagePrompt: "dish"}}
	desc := &types.DescriptionBundle{Description: "d", Tags: []string{"a", "b", "c"}}

	md := Build(mc, uc, ctr, desc, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if md.Title != "A Very Lo..." || len(md.Tags) != 2 || md.ThumbnailPrompt != "dish" {
		t.Fatalf("md = %+v", md)
	}
	if md.CategoryID != "27" || md.Visibility != "private" || md.ScheduledTimeUTC != "2024-01-02T14:00:00Z" {
		t.Fatalf("md = %+v", md)
	}
}
