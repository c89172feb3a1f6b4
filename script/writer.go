// Package script writes module scripts, checks them, and assembles them into
// one polished narration.
package script

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"longform-studio/config"
	"longform-studio/jsonparse"
	"longform-studio/llm"
	"longform-studio/retry"
	"longform-studio/types"
)

// WordTolerance is the allowed drift from a module's word target.
const WordTolerance = 0.15

// WordsPerMinute is the narration pace used for time estimates.
const WordsPerMinute = 130.0

var defaultForbidden = []string{"in conclusion", "to summarize", "in summary", "thank you for watching"}

// Writer generates module scripts.
type Writer struct {
	gen         llm.Generator
	models      []string
	concurrency int
	log         *zap.Logger
	// Attempts bounds the drafts per module; the last draft is kept even when
	// it fails QA.
	Attempts retry.Policy
}

// New creates a Writer that writes up to concurrency modules at once.
func New(gen llm.Generator, models []string, concurrency int, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Writer{
		gen:         gen,
		models:      models,
		concurrency: concurrency,
		log:         logger.Named("script"),
		Attempts:    retry.Policy{MaxAttempts: 2},
	}
}

// Input is the shared context for writing every module of a plan.
type Input struct {
	ProjectID      string
	Plan           types.ModulePlan
	Keywords       *types.KeywordPlan
	Niche          config.Niche
	TargetLanguage string
}

type draft struct {
	ModuleIndex int    `json:"module_index"`
	Content     string `json:"content"`
	Cliffhanger string `json:"cliffhanger"`
}

// WriteAll writes every module of the plan with bounded concurrency. Modules
// that fail completely are left out; the assembler reports the gap. Results
// are ordered by module index.
func (w *Writer) WriteAll(ctx context.Context, in Input) ([]types.ModuleScript, error) {
	mods := in.Plan.Modules
	w.log.Info("[script] 🛠️ writing modules", zap.Int("modules", len(mods)), zap.Int("concurrency", w.concurrency))

	results := make([]*types.ModuleScript, len(mods))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i := range mods {
		i := i
		g.Go(func() error {
			var prev *types.Module
			if i > 0 {
				prev = &mods[i-1]
			}
			ms, err := w.WriteModule(gctx, in, mods[i], prev)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				w.log.Error("[script] ❌ module failed", zap.Int("module", mods[i].Index), zap.Error(err))
				return nil
			}
			results[i] = &ms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]types.ModuleScript, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ModuleIndex < out[b].ModuleIndex })
	w.log.Info("[script] 🏁 modules written", zap.Int("written", len(out)), zap.Int("planned", len(mods)))
	return out, nil
}

// WriteModule drafts one module, checking each draft with QACheck.
func (w *Writer) WriteModule(ctx context.Context, in Input, m types.Module, prev *types.Module) (types.ModuleScript, error) {
	keywords := AllowedKeywords(m, in.Keywords)
	prompt := modulePrompt(in, m, prev, keywords)

	var last *types.ModuleScript
	err := w.Attempts.Do(ctx, func(ctx context.Context, attempt int) error {
		var d draft
		if err := llm.Object(ctx, w.gen, llm.Call{
			Action:      fmt.Sprintf("generate_module_%d", m.Index),
			ProjectID:   in.ProjectID,
			Models:      w.models,
			Prompt:      prompt,
			MaxTokens:   8192,
			Temperature: 0.7,
			Validate:    requireContent,
		}, &d); err != nil {
			return err
		}
		issues := QACheck(d.Content, d.Cliffhanger, m, keywords, in.Niche)
		last = &types.ModuleScript{
			ModuleIndex: m.Index,
			Role:        m.Role,
			Content:     strings.TrimSpace(d.Content),
			Cliffhanger: strings.TrimSpace(d.Cliffhanger),
			QAPassed:    len(issues) == 0,
			QAIssues:    issues,
		}
		if len(issues) > 0 {
			w.log.Warn("[script] ⚠️ QA failed", zap.Int("module", m.Index), zap.Int("attempt", attempt), zap.Strings("issues", issues))
			return fmt.Errorf("module %d QA: %s", m.Index, strings.Join(issues, "; "))
		}
		return nil
	})
	if last == nil {
		return types.ModuleScript{}, fmt.Errorf("module %d: %w", m.Index, err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return types.ModuleScript{}, ctx.Err()
		}
		w.log.Warn("[script] keeping last draft despite QA issues", zap.Int("module", m.Index))
	} else {
		w.log.Info("[script] ✅ module passed QA", zap.Int("module", m.Index), zap.String("role", m.Role))
	}
	return *last, nil
}

func requireContent(text string) error {
	var d draft
	if err := jsonparse.DecodeObject(text, &d); err != nil {
		return err
	}
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("empty module content")
	}
	return nil
}

// AllowedKeywords resolves a module's keyword types against the keyword plan.
func AllowedKeywords(m types.Module, kp *types.KeywordPlan) []string {
	if kp == nil {
		return nil
	}
	var out []string
	for _, t := range m.AllowedKeywordTypes {
		switch t {
		case "core":
			if kp.CoreKeyword != "" {
				out = append(out, kp.CoreKeyword)
			}
		case "support":
			out = append(out, kp.SupportingKeywords...)
		case "ctr":
			out = append(out, kp.CTRPhrases...)
		}
	}
	return out
}

// QACheck runs the rule checks on a module draft and returns its issues.
func QACheck(content, cliffhanger string, m types.Module, keywords []string, n config.Niche) []string {
	var issues []string

	words := len(strings.Fields(content))
	if m.WordTarget > 0 {
		lo := float64(m.WordTarget) * (1 - WordTolerance)
		hi := float64(m.WordTarget) * (1 + WordTolerance)
		if float64(words) < lo || float64(words) > hi {
			issues = append(issues, fmt.Sprintf("word count %d outside %d-%d (target %d)", words, int(lo), int(hi), m.WordTarget))
		}
	}

	limit := 2
	if n.KeywordDiscipline == "strict" {
		limit = 1
	}
	for _, kw := range keywords {
		if c := CountKeyword(content, kw); c > limit {
			issues = append(issues, fmt.Sprintf("keyword %q used %d times (max %d)", kw, c, limit))
		}
	}

	lower := strings.ToLower(content)
	for _, phrase := range append(append([]string(nil), defaultForbidden...), n.ForbiddenPhrases...) {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			issues = append(issues, fmt.Sprintf("forbidden phrase %q", phrase))
		}
	}

	if len(strings.TrimSpace(cliffhanger)) < 10 {
		issues = append(issues, "missing or too short cliffhanger")
	}
	return issues
}

// CountKeyword counts whole-word, case-insensitive occurrences of kw.
func CountKeyword(text, kw string) int {
	kw = strings.TrimSpace(kw)
	if kw == "" {
		return 0
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
	if err != nil {
		return 0
	}
	return len(re.FindAllStringIndex(text, -1))
}

// SpeakingSeconds estimates narration time for text.
func SpeakingSeconds(text string) float64 {
	return float64(len(strings.Fields(text))) / WordsPerMinute * 60
}

func modulePrompt(in Input, m types.Module, prev *types.Module, keywords []string) string {
	n := in.Niche
	lang := in.TargetLanguage
	if n.IsGerman() {
		lang = "German"
	}
	if lang == "" {
		lang = "English"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are an expert %s.\n\n", n.WriterRole)
	fmt.Fprintf(&sb, "MODULE ROLE:\n%s\n\nMODULE GOAL:\n%s\n\n", m.Role, m.Goal)
	if prev != nil {
		fmt.Fprintf(&sb, "PREVIOUS MODULE (%s): %s\n\n", prev.Role, prev.Goal)
	} else {
		sb.WriteString("This is the start of the video.\n\n")
	}
	fmt.Fprintf(&sb, "TASK:\nWrite the content for this module in %s. The content and the cliffhanger MUST be in %s.\n\n", lang, lang)
	sb.WriteString("STRICT RULES:\n- Do NOT write an introduction for the entire video\n- Do NOT summarize previous modules\n- Do NOT conclude the story\n- No greetings, no calls to action\n\n")

	sb.WriteString("CONTENT RULES:\n")
	fmt.Fprintf(&sb, "- Tone: %s\n", strings.Join(n.Tone, ", "))
	sb.WriteString("- Write in short, clear sentences\n")
	switch n.SpeculationLevel {
	case "free":
		sb.WriteString("- Thoughtful speculation and reflective questions are encouraged.\n")
	case "limited":
		sb.WriteString("- Avoid wild speculation; only limited, logical interpretation.\n")
	default:
		sb.WriteString("- Avoid all speculation. Stick to provided facts.\n")
	}
	if len(n.ForbiddenPhrases) > 0 {
		fmt.Fprintf(&sb, "- FORBIDDEN PHRASES: %s\n", strings.Join(n.ForbiddenPhrases, ", "))
	}
	if n.RequiresDisclaimer {
		sb.WriteString("- Include a brief, non-medical disclaimer where appropriate.\n")
	}

	sb.WriteString("\nKEYWORD RULES:\n")
	if len(keywords) > 0 {
		fmt.Fprintf(&sb, "- You may ONLY use these keywords: %s\n- Use each keyword at most ONCE\n", strings.Join(keywords, ", "))
	}
	sb.WriteString("- Do NOT introduce new SEO keywords\n\n")

	fmt.Fprintf(&sb, "STRUCTURE:\n- Follow the module role strictly\n- Build tension progressively\n- %s\n\n", config.CliffRule(n.CliffStyle))
	fmt.Fprintf(&sb, "LENGTH:\nTarget %d words (strict range %d-%d)\n\n",
		m.WordTarget, int(float64(m.WordTarget)*(1-WordTolerance)), int(float64(m.WordTarget)*(1+WordTolerance)))
	fmt.Fprintf(&sb, "OUTPUT FORMAT (JSON ONLY):\n{\"module_index\": %d, \"content\": \"...\", \"cliffhanger\": \"...\"}", m.Index)
	return sb.String()
}
