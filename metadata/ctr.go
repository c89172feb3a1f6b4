// Package metadata builds everything YouTube needs besides the video: the
// CTR bundle (titles, thumbnail), the description with chapters, and the
// publish slot.
package metadata

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"longform-studio/config"
	"longform-studio/jsonparse"
	"longform-studio/llm"
	"longform-studio/types"
)

// TitleVariants is how many titles the title prompt asks for.
const TitleVariants = 5

// triggerWindow bounds how much of the script is sent for trigger extraction.
const triggerWindow = 5000

// CTREngine generates titles and a thumbnail concept from a finished script.
type CTREngine struct {
	gen    llm.Generator
	models []string
	log    *zap.Logger
}

func NewCTREngine(gen llm.Generator, models []string, logger *zap.Logger) *CTREngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CTREngine{gen: gen, models: models, log: logger.Named("ctr")}
}

// CTRInput is what the CTR bundle is built from.
type CTRInput struct {
	ProjectID      string
	FullScript     string
	Niche          config.Niche
	TargetLanguage string
}

// Generate extracts click triggers, then writes titles and the thumbnail
// concept in parallel, then checks the two for redundancy.
func (e *CTREngine) Generate(ctx context.Context, in CTRInput) (*types.CTRBundle, error) {
	lang := languageOf(in)
	e.log.Info("[ctr] 🚀 generating CTR bundle", zap.String("niche", in.Niche.Name), zap.String("language", lang))

	var triggers types.ClickTriggers
	if err := llm.Object(ctx, e.gen, e.call(in, "extract_triggers", triggerPrompt(in.FullScript)), &triggers); err != nil {
		return nil, fmt.Errorf("extract click triggers: %w", err)
	}

	var (
		titles []string
		thumb  types.Thumbnail
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := llm.List(gctx, e.gen, e.call(in, "generate_titles", titlePrompt(triggers, in.Niche, lang)), &titles); err != nil {
			return fmt.Errorf("generate titles: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		c := e.call(in, "generate_thumb", thumbnailPrompt(triggers, in.Niche, lang))
		c.Validate = func(text string) error {
			var t types.Thumbnail
			if err := jsonparse.DecodeObject(text, &t); err != nil {
				return err
			}
			if strings.TrimSpace(t.AIImagePrompt) == "" {
				return fmt.Errorf("thumbnail concept without image prompt")
			}
			return nil
		}
		if err := llm.Object(gctx, e.gen, c, &thumb); err != nil {
			return fmt.Errorf("generate thumbnail: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	titles = cleanTitles(titles)
	check := SyncCheck(titles, thumb)
	if !check.Pass {
		e.log.Warn("[ctr] ⚠️ sync warning", zap.String("issue", check.Issue))
	}

	e.log.Info("[ctr] ✅ CTR bundle ready", zap.Int("titles", len(titles)), zap.String("thumb_text", thumb.TextOnThumb))
	return &types.CTRBundle{
		Titles:        titles,
		Thumbnail:     thumb,
		ClickTriggers: triggers,
		Strategy:      in.Niche.CTR.Strategy,
		SyncCheck:     check,
	}, nil
}

func (e *CTREngine) call(in CTRInput, action, prompt string) llm.Call {
	return llm.Call{
		Action:      action,
		ProjectID:   in.ProjectID,
		Models:      e.models,
		Prompt:      prompt,
		MaxTokens:   2048,
		Temperature: 0.8,
		Fatal:       llm.FatalNextModel,
	}
}

// SyncCheck fails when the thumbnail text is repeated inside a title.
// Thumbnail text of five characters or fewer is never flagged.
func SyncCheck(titles []string, thumb types.Thumbnail) types.SyncCheck {
	text := strings.ToLower(strings.TrimSpace(thumb.TextOnThumb))
	if len(text) <= 5 {
		return types.SyncCheck{Pass: true}
	}
	for _, t := range titles {
		if strings.Contains(strings.ToLower(t), text) {
			return types.SyncCheck{Pass: false, Issue: "thumbnail text overlaps with title content, redundancy detected"}
		}
	}
	return types.SyncCheck{Pass: true}
}

func cleanTitles(titles []string) []string {
	out := make([]string, 0, len(titles))
	seen := map[string]bool{}
	for _, t := range titles {
		t = strings.Trim(strings.TrimSpace(t), `"`)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	if len(out) > TitleVariants {
		out = out[:TitleVariants]
	}
	return out
}

func languageOf(in CTRInput) string {
	if in.Niche.IsGerman() {
		return "German"
	}
	if in.TargetLanguage == "" {
		return "English"
	}
	return in.TargetLanguage
}

func triggerPrompt(script string) string {
	if r := []rune(script); len(r) > triggerWindow {
		script = string(r[:triggerWindow])
	}
	return fmt.Sprintf(`You are a YouTube CTR analyst.

TASK:
Analyze the following script and extract click-worthy elements.

EXTRACT:
1. Core curiosity point (1 sentence)
2. Strongest emotional pain or tension
3. One shocking or unexpected angle
4. One short phrase suitable for thumbnail text (2-4 words max)

RULES:
- Do NOT write a title
- Do NOT summarize the script
- Extract only what triggers curiosity or emotion

SCRIPT:
%s

OUTPUT JSON ONLY:
{"curiosity_core": "...", "emotional_trigger": "...", "shock_angle": "...", "thumbnail_phrase": "..."}`, script)
}

func titlePrompt(t types.ClickTriggers, n config.Niche, lang string) string {
	lock := ""
	if n.IsGerman() {
		lock = "\n- LANGUAGE LOCK: Titles MUST be in German."
	}
	return fmt.Sprintf(`You are a YouTube viral title expert.

TASK:
%s

RULES:
- Return %d variants
- Reflect the core curiosity and emotion
- No clickbait lies
- LANGUAGE RULE: You MUST write the titles in %s.%s

DATA TO USE:
Curiosity: %s
Emotional Pain: %s
Shock Angle: %s

OUTPUT JSON ONLY:
["Title 1", "Title 2", "Title 3", "Title 4", "Title 5"]`,
		n.CTR.TitleRules, TitleVariants, lang, lock, t.CuriosityCore, t.EmotionalTrigger, t.ShockAngle)
}

func thumbnailPrompt(t types.ClickTriggers, n config.Niche, lang string) string {
	lock := ""
	if n.IsGerman() {
		lock = "\n- LANGUAGE LOCK: Thumbnail text MUST be in German. No English words."
	}
	return fmt.Sprintf(`You are a professional YouTube thumbnail artist and prompt engineer.

TASK:
Create a thumbnail concept and AI image generation prompt.

NICHE REQUIREMENTS:
%s

STRICT LANGUAGE RULE:
- Text on thumbnail MUST be written in %s.%s

DATA TO USE:
Trigger: %s
Text on Thumb (Draft): %s

OUTPUT JSON ONLY:
{"visual_concept": "Describe the thumbnail scene", "text_on_thumb": "Final short text in %s", "ai_image_prompt": "Cinematic high-detail prompt for an AI image generator", "mood": "..."}`,
		n.CTR.ThumbnailRules, lang, lock, t.ShockAngle, t.ThumbnailPhrase, lang)
}
