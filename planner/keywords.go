package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/types"
)

// ErrWeakCluster means too few usable supporting keywords came back.
var ErrWeakCluster = errors.New("semantic keyword cluster too weak")

var genericKeywords = map[string]bool{"space": true, "universe": true, "galaxy": true}

// KeywordInput is what the keyword engine works from.
type KeywordInput struct {
	ProjectID      string
	Analysis       *types.Analysis
	Niche          config.Niche
	TargetLanguage string
	// Feedback is the checkpoint's advice when keywords are being redone.
	Feedback string
}

// KeywordEngine builds the SEO keyword plan of a run.
type KeywordEngine struct {
	gen    llm.Generator
	models []string
	log    *zap.Logger
}

func NewKeywordEngine(gen llm.Generator, models []string, logger *zap.Logger) *KeywordEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeywordEngine{gen: gen, models: models, log: logger.Named("keywords")}
}

// Generate picks the core keyword by rule, then asks for supporting keywords
// and CTR phrases in parallel.
func (k *KeywordEngine) Generate(ctx context.Context, in KeywordInput) (*types.KeywordPlan, error) {
	var repeated []string
	trigger := ""
	if in.Analysis != nil {
		repeated = in.Analysis.RepeatedPhrases
		trigger = in.Analysis.DominantTrigger
	}
	core := PickCoreKeyword(repeated, in.Niche.KeywordPool)
	k.log.Info("[keywords] 🎯 core keyword selected", zap.String("core", core), zap.Bool("refine", in.Feedback != ""))

	var supporting, phrases []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return llm.List(gctx, k.gen, k.call(in, "semantic_keywords", semanticPrompt(in, core, trigger)), &supporting)
	})
	g.Go(func() error {
		return llm.List(gctx, k.gen, k.call(in, "ctr_phrases", ctrPhrasePrompt(in, trigger)), &phrases)
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("keyword generation: %w", err)
	}

	supporting = FilterSupporting(supporting, core, in.Niche.MaxKeywordCluster())
	if need := in.Niche.MinKeywordCluster(); len(supporting) < need {
		return nil, fmt.Errorf("%w for %s: %d keywords, need %d", ErrWeakCluster, in.Niche.Name, len(supporting), need)
	}

	plan := &types.KeywordPlan{
		CoreKeyword:        core,
		SupportingKeywords: supporting,
		CTRPhrases:         phrases,
		KeywordMap: map[string]types.KeywordUse{
			"core_keyword":        {Use: []string{"title", "description", "voice_hook", "recap"}, MaxUsage: 3},
			"supporting_keywords": {Use: []string{"body_modules"}, MaxUsage: 1},
			"ctr_phrases":         {Use: []string{"thumbnail_text", "title_variant"}, MaxUsage: 1},
		},
	}
	k.log.Info("[keywords] ✅ keyword plan ready", zap.Int("supporting", len(supporting)), zap.Int("ctr_phrases", len(phrases)))
	return plan, nil
}

func (k *KeywordEngine) call(in KeywordInput, action, prompt string) llm.Call {
	return llm.Call{
		Action:      action,
		ProjectID:   in.ProjectID,
		Models:      k.models,
		Prompt:      prompt,
		MaxTokens:   8192,
		Temperature: 0.7,
		Fatal:       llm.FatalNextModel,
	}
}

// normalizeKeyword lowercases and drops a trailing plural s.
func normalizeKeyword(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s")
}

// PickCoreKeyword returns the shortest repeated phrase that is also in pool,
// else the shortest pool keyword, else the first repeated phrase, else
// "documentary".
func PickCoreKeyword(repeated, pool []string) string {
	inPool := make(map[string]bool, len(pool))
	for _, p := range pool {
		inPool[normalizeKeyword(p)] = true
	}

	var common []string
	for _, r := range repeated {
		if inPool[normalizeKeyword(r)] {
			common = append(common, r)
		}
	}
	if len(common) > 0 {
		return shortest(common)
	}
	if len(pool) > 0 {
		return shortest(pool)
	}
	if len(repeated) > 0 && strings.TrimSpace(repeated[0]) != "" {
		return repeated[0]
	}
	return "documentary"
}

func shortest(list []string) string {
	sorted := append([]string(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) < len(sorted[j]) })
	return sorted[0]
}

// FilterSupporting drops duplicates, the core keyword, generic terms and
// one-word entries, then caps the list at limit.
func FilterSupporting(list []string, core string, limit int) []string {
	seen := map[string]bool{}
	coreNorm := normalizeKeyword(core)
	var out []string
	for _, kw := range list {
		kw = strings.TrimSpace(kw)
		norm := normalizeKeyword(kw)
		if kw == "" || seen[norm] || norm == coreNorm || genericKeywords[norm] {
			continue
		}
		if len(strings.Fields(kw)) < 2 {
			continue
		}
		seen[norm] = true
		out = append(out, kw)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func semanticPrompt(in KeywordInput, core, trigger string) string {
	n := in.Niche
	task := fmt.Sprintf("Generate semantically related supporting keywords for a YouTube %s video.", n.Name)
	if in.Feedback != "" {
		task = "REFINE the supporting keywords based on this feedback:\n" + in.Feedback
	}
	kind := "reflective, emotional, or concept-based"
	if n.KeywordDiscipline == "strict" {
		kind = "informational or investigative"
	}
	style, count := "Engaging, emotional, descriptive", "6-10"
	if n.IsGerman() {
		style, count = "Minimalist, direct, logical", "3-5"
	}
	lang := languageOf(in.TargetLanguage, n)

	return fmt.Sprintf(`You are an SEO semantic expansion assistant specializing in %s content.
TASK: %s
RULES:
- Do NOT select a main keyword
- Keywords should be %s
- Style: %s
- Language: %s ONLY (translate if necessary)
- Each keyword should be 2-5 words
CORE KEYWORD: %s
CONTEXT: %s content, tone: %s, dominant trigger: %s
OUTPUT: Return a JSON array of %s supporting keywords only.`,
		n.Name, task, kind, style, lang, core, n.Name, strings.Join(n.Tone, ", "), trigger, count)
}

func ctrPhrasePrompt(in KeywordInput, trigger string) string {
	rule := "2-4 words per phrase. Emotional hooks encouraged."
	lang := "English ONLY"
	if in.Niche.IsGerman() {
		rule = "1-3 words per phrase. MINIMALIST. No superlatives. No exclamation marks."
		lang = "German (Deutsch) ONLY"
	}
	return fmt.Sprintf(`You are a YouTube CTR phrase generator.
TASK: Generate short emotional phrases for thumbnails and titles.
RULES:
- %s
- Language: %s
- Format: ALL CAPS
- Match the dominant emotional trigger: %s
OUTPUT: Return 5 phrases as a JSON array.`, rule, lang, trigger)
}

func languageOf(target string, n config.Niche) string {
	if n.IsGerman() {
		return "German"
	}
	if target == "" {
		return "English"
	}
	return target
}
