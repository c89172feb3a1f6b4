// Package visuals turns the narration's subtitles into timed shots, writes an
// image prompt for every shot and fetches the images.
package visuals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/subtitles"
	"longform-studio/types"
)

// DefaultShotsPerBatch is how many scenes go into one prompt request.
const DefaultShotsPerBatch = 40

const imageRules = `1. NO COLLAGES: no split screens, montages or gallery views.
2. ONE unified cinematic perspective per shot.
3. PHYSICAL REALISM: no floating objects.
4. Screens, news and social media only appear on physical devices.
5. NO TYPOGRAPHY: no floating text, captions or watermarks.`

// ShotWriter asks a model for one image prompt per scene, batch by batch.
// Each batch sees the last prompt of the previous one so shots stay coherent.
type ShotWriter struct {
	gen    llm.Generator
	models []string
	batch  int
	log    *zap.Logger
}

func NewShotWriter(gen llm.Generator, models []string, batch int, logger *zap.Logger) *ShotWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = DefaultShotsPerBatch
	}
	return &ShotWriter{gen: gen, models: models, batch: batch, log: logger.Named("shots")}
}

// ShotInput is the material for a set of shot prompts.
type ShotInput struct {
	ProjectID string
	Topic     string
	Scenes    []subtitles.Scene
	Niche     config.Niche
	// AspectRatio defaults to 16:9.
	AspectRatio string
}

type sceneBrief struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	Text  string  `json:"text"`
}

type promptItem struct {
	ID int    `json:"id"`
	P  string `json:"p"`
}

// Write returns one ShotPrompt per scene. A batch the models cannot answer
// gets plain fallback prompts instead of failing the stage.
func (w *ShotWriter) Write(ctx context.Context, in ShotInput) ([]types.ShotPrompt, error) {
	shots := make([]types.ShotPrompt, 0, len(in.Scenes))
	previous := ""
	for start := 0; start < len(in.Scenes); start += w.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+w.batch, len(in.Scenes))
		batch := in.Scenes[start:end]

		prompts, err := w.writeBatch(ctx, in, batch, previous)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.log.Warn("[visuals] ⚠️ prompt batch failed, using fallback prompts",
				zap.Int("from", batch[0].ID), zap.Int("to", batch[len(batch)-1].ID), zap.Error(err))
		}

		for _, sc := range batch {
			p := strings.Join(strings.Fields(prompts[sc.ID]), " ")
			if p == "" {
				p = FallbackPrompt(sc.Text)
			}
			shots = append(shots, types.ShotPrompt{
				ID:       sc.ID,
				StartSec: sc.Start.Seconds(),
				EndSec:   sc.End.Seconds(),
				Text:     sc.Text,
				Prompt:   p,
			})
		}
		previous = shots[len(shots)-1].Prompt
		w.log.Info("[visuals] 🎨 prompt batch done", zap.Int("shots", len(shots)), zap.Int("of", len(in.Scenes)))
	}
	return shots, nil
}

func (w *ShotWriter) writeBatch(ctx context.Context, in ShotInput, batch []subtitles.Scene, previous string) (map[int]string, error) {
	briefs := make([]sceneBrief, len(batch))
	for i, sc := range batch {
		briefs[i] = sceneBrief{ID: sc.ID, Start: sc.Start.Seconds(), Text: sc.Text}
	}
	var items []promptItem
	call := llm.Call{
		Action:      "generate_image_batch",
		ProjectID:   in.ProjectID,
		Models:      w.models,
		Prompt:      batchPrompt(in, briefs, previous),
		MaxTokens:   8192,
		Temperature: 0.7,
		Fatal:       llm.FatalNextModel,
	}
	if err := llm.List(ctx, w.gen, call, &items); err != nil {
		return nil, err
	}
	out := make(map[int]string, len(items))
	for _, it := range items {
		out[it.ID] = it.P
	}
	return out, nil
}

func batchPrompt(in ShotInput, briefs []sceneBrief, previous string) string {
	ar := in.AspectRatio
	if ar == "" {
		ar = "16:9"
	}
	style := in.Niche.VisualStyle
	if style == "" {
		style = "Cinematic, 8K, photorealistic, grounded realism"
	}
	if previous == "" {
		previous = "First shot of the video. Establish the setting in rich detail."
	}
	scenes, _ := json.Marshal(briefs)

	var b strings.Builder
	fmt.Fprintf(&b, "ROLE: You are a director of photography storyboarding a documentary about %q.\n\n", in.Topic)
	fmt.Fprintf(&b, "SCENES (narration per shot):\n%s\n\n", scenes)
	fmt.Fprintf(&b, "PREVIOUS SHOT: %q\n\n", previous)
	fmt.Fprintf(&b, "RULES:\n%s\n\nSTYLE: %s\nASPECT RATIO: %s\n\n", imageRules, style, ar)
	b.WriteString("Write one image prompt per scene that shows what the narration describes as a single physical shot.\n")
	b.WriteString(`OUTPUT: JSON array only: [{"id": N, "p": "detailed image prompt"}]`)
	return b.String()
}

// FallbackPrompt is the prompt used when no model produced one.
func FallbackPrompt(text string) string {
	words := strings.Fields(text)
	if len(words) > 25 {
		words = words[:25]
	}
	return fmt.Sprintf("Cinematic shot, %s, 8k", strings.Join(words, " "))
}

// Scenes reads an SRT file and groups its cues into shots.
func Scenes(srtPath string, target, minDur time.Duration) ([]subtitles.Scene, error) {
	cues, err := subtitles.ReadFile(srtPath)
	if err != nil {
		return nil, err
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("%s has no cues", srtPath)
	}
	return subtitles.GroupScenes(cues, target, minDur), nil
}
