package metadata

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/types"
)

// ChapterWordsPerMinute is the pace used to place chapter timestamps.
const ChapterWordsPerMinute = 150.0

const (
	scriptWindow    = 3000
	maxHashtags     = 3
	fallbackSummary = "Description generation failed."
)

// DescriptionWriter writes the video description and its chapter list.
type DescriptionWriter struct {
	gen    llm.Generator
	models []string
	log    *zap.Logger
}

func NewDescriptionWriter(gen llm.Generator, models []string, logger *zap.Logger) *DescriptionWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DescriptionWriter{gen: gen, models: models, log: logger.Named("description")}
}

// DescriptionInput is what the description is built from.
type DescriptionInput struct {
	ProjectID      string
	Script         *types.AssembledScript
	Keywords       *types.KeywordPlan
	Niche          config.Niche
	TargetLanguage string
	// TagsCount caps the tag list; zero keeps every tag.
	TagsCount int
}

// Generate computes chapters from the module word counts, asks the model for
// the description body, and appends the chapter list, hashtags and keyword
// line. A failed model call keeps a placeholder body.
func (d *DescriptionWriter) Generate(ctx context.Context, in DescriptionInput) (*types.DescriptionBundle, error) {
	if in.Script == nil || len(in.Script.Modules) == 0 {
		d.log.Warn("[description] ⚠️ no modules, skipping chapters")
		return &types.DescriptionBundle{}, nil
	}
	d.log.Info("[description] 📝 generating description", zap.String("niche", in.Niche.Name))

	chapters := CalculateChapters(in.Script.Modules)
	german := in.Niche.IsGerman() || strings.EqualFold(in.TargetLanguage, "german")

	res, err := d.gen.Generate(ctx, llm.Call{
		Action:      "generate_description",
		ProjectID:   in.ProjectID,
		Models:      d.models,
		Prompt:      descriptionPrompt(in, chapters, german),
		MaxTokens:   1024,
		Temperature: 0.5,
		Fatal:       llm.FatalNextModel,
		Validate: func(text string) error {
			if len(strings.TrimSpace(text)) <= 50 {
				return fmt.Errorf("description too short")
			}
			return nil
		},
	})
	body := fallbackSummary
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.log.Warn("[description] ⚠️ generation failed, using placeholder", zap.Error(err))
	} else {
		body = strings.TrimSpace(res.Text)
	}

	hashtags := Hashtags(in.Keywords)
	tags := Tags(in.Keywords, in.TagsCount)

	heading := "Chapters:"
	if german {
		heading = "Kapitel:"
	}
	var sb strings.Builder
	sb.WriteString(body)
	sb.WriteString("\n\n")
	sb.WriteString(heading)
	sb.WriteString("\n")
	sb.WriteString(FormatChapters(chapters))
	if line := keywordLine(in.Keywords); line != "" {
		sb.WriteString("\n\n")
		sb.WriteString(line)
	}
	if len(hashtags) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(strings.Join(hashtags, " "))
	}

	d.log.Info("[description] ✅ description ready", zap.Int("chapters", len(chapters)), zap.Int("tags", len(tags)))
	return &types.DescriptionBundle{
		Description: sb.String(),
		Chapters:    chapters,
		Hashtags:    hashtags,
		Tags:        tags,
	}, nil
}

// CalculateChapters starts at 00:00 and advances each chapter by the
// speaking time of the previous module.
func CalculateChapters(modules []types.ModuleScript) []types.Chapter {
	out := make([]types.Chapter, 0, len(modules))
	var at float64
	for _, m := range modules {
		role := m.Role
		if role == "" {
			role = "MODULE"
		}
		out = append(out, types.Chapter{
			Time:        FormatClock(at),
			Seconds:     at,
			Title:       strings.ToUpper(strings.ReplaceAll(role, "_", " ")),
			ModuleIndex: m.ModuleIndex,
		})
		at += float64(len(strings.Fields(m.Content))) / ChapterWordsPerMinute * 60
	}
	return out
}

// FormatClock renders seconds as MM:SS.
func FormatClock(sec float64) string {
	total := int(math.Floor(sec))
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// FormatChapters renders one "MM:SS – TITLE" line per chapter.
func FormatChapters(chapters []types.Chapter) string {
	lines := make([]string, len(chapters))
	for i, c := range chapters {
		lines[i] = c.Time + " – " + c.Title
	}
	return strings.Join(lines, "\n")
}

// Hashtags turns the core keyword and the first supporting keywords into
// hashtags.
func Hashtags(kp *types.KeywordPlan) []string {
	if kp == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, kw := range append([]string{kp.CoreKeyword}, kp.SupportingKeywords...) {
		tag := hashtag(kw)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if len(out) == maxHashtags {
			break
		}
	}
	return out
}

func hashtag(kw string) string {
	var sb strings.Builder
	for _, w := range strings.Fields(kw) {
		r := []rune(strings.ToLower(w))
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		sb.WriteString(string(r))
	}
	if sb.Len() == 0 {
		return ""
	}
	return "#" + sb.String()
}

// Tags lists the core, supporting and CTR keywords without duplicates,
// capped at limit when limit is positive.
func Tags(kp *types.KeywordPlan, limit int) []string {
	if kp == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	all := append(append([]string{kp.CoreKeyword}, kp.SupportingKeywords...), kp.CTRPhrases...)
	for _, kw := range all {
		kw = strings.TrimSpace(kw)
		if kw == "" || seen[strings.ToLower(kw)] {
			continue
		}
		seen[strings.ToLower(kw)] = true
		out = append(out, kw)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func keywordLine(kp *types.KeywordPlan) string {
	if kp == nil || kp.CoreKeyword == "" {
		return ""
	}
	kws := append([]string{kp.CoreKeyword}, kp.SupportingKeywords...)
	return "Keywords: " + strings.Join(kws, ", ")
}

func descriptionPrompt(in DescriptionInput, chapters []types.Chapter, german bool) string {
	lang := in.TargetLanguage
	if german {
		lang = "German"
	}
	if lang == "" {
		lang = "English"
	}
	name := in.Niche.Name
	if name == "" {
		name = "YouTube video"
	}
	tone := "informative"
	if len(in.Niche.Tone) > 0 {
		tone = strings.Join(in.Niche.Tone, ", ")
	}
	rules := `3. Standard rules:
   - Engaging summary.
   - Clear value proposition.`
	if german {
		rules = `3. STRICT DE RULES:
   - NO motivation.
   - NO call to action.
   - NO emojis.
   - Focus on mechanisms, boundaries and psychological respect.`
	}

	script := in.Script.FullScript
	if r := []rune(script); len(r) > scriptWindow {
		script = string(r[:scriptWindow]) + "..."
	}

	return fmt.Sprintf(`You are a YouTube SEO expert.
TASK: Write a professional video description for a %s.

RULES:
1. Language: MUST be in %s.
2. Tone: %s. Informational, logical and clear.
%s
4. NO hashtags or excessive tagging.
5. Content length: 3-5 concise paragraphs.

SCRIPT SUMMARY:
%s

CHAPTERS TO INCLUDE:
%s

OUTPUT:
Write ONLY the description text. Do NOT include any intro like "Here is the description".`,
		name, lang, tone, rules, script, FormatChapters(chapters))
}
