package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/types"
)

// ErrNoSource is returned when neither a URL nor a manual script is given.
var ErrNoSource = errors.New("source url or manual script is required")

const extractPrompt = `You are a content analyst specialized in YouTube psychology and explainer-style videos.
STRICT RULES:
- Do NOT rewrite or paraphrase
- hooks and phrases must be copied EXACTLY
- Output ONLY JSON
EXTRACT: hook_candidates (top 3), repeated_phrases, emotion_triggers, narrative_structure.
OUTPUT JSON: { "hook_candidates": ["..."], "repeated_phrases": ["..."], "emotion_triggers": ["..."], "narrative_structure": "..." }`

const scorePrompt = `You are a YouTube hook evaluator. Evaluate hook strength (1-10).
OUTPUT JSON: { "hook_score": 0.0, "dominant_trigger": "...", "ctr_potential": "high/med/low", "recommendation": "proceed/rewrite/reject" }`

const germanScoreRules = "\nGERMAN RULES: Focus on logic, behavioral observation, no American hype."

// Input is one source to analyze. AudioPath and ManualScript are
// alternatives; the script wins when both are set.
type Input struct {
	ProjectID      string
	AudioPath      string
	ManualScript   string
	Niche          config.Niche
	TargetLanguage string
}

// Analyzer runs extraction and hook scoring against the audio key pool.
type Analyzer struct {
	gen    llm.Generator
	models []string
	log    *zap.Logger
}

func New(gen llm.Generator, models []string, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{gen: gen, models: models, log: logger.Named("analysis")}
}

type extraction struct {
	HookCandidates     []string `json:"hook_candidates"`
	RepeatedPhrases    []string `json:"repeated_phrases"`
	EmotionTriggers    []string `json:"emotion_triggers"`
	NarrativeStructure flexText `json:"narrative_structure"`
}

type scoring struct {
	HookScore       flexScore `json:"hook_score"`
	DominantTrigger string    `json:"dominant_trigger"`
	CTRPotential    string    `json:"ctr_potential"`
	Recommendation  string    `json:"recommendation"`
}

// Analyze extracts hooks and phrases from the source, then scores the hook.
// A "reject" recommendation is returned as a normal result; callers check
// Analysis.Rejected.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*types.Analysis, error) {
	call := llm.Call{
		Action:      "analyze_step1",
		ProjectID:   in.ProjectID,
		Models:      a.models,
		MaxTokens:   8192,
		Temperature: 0.7,
		Fatal:       llm.FatalNextModel,
	}
	switch {
	case strings.TrimSpace(in.ManualScript) != "":
		a.log.Info("[analysis] 📝 analyzing manual script", zap.Int("words", len(strings.Fields(in.ManualScript))))
		call.Prompt = "SCRIPT:\n" + in.ManualScript + "\n\nINSTRUCTIONS:\n" + extractPrompt
	case in.AudioPath != "":
		a.log.Info("[analysis] 🎧 analyzing source audio", zap.String("file", in.AudioPath))
		call.Prompt = extractPrompt
		call.AudioPath = in.AudioPath
	default:
		return nil, ErrNoSource
	}

	var ex extraction
	if err := llm.Object(ctx, a.gen, call, &ex); err != nil {
		return nil, fmt.Errorf("extraction: %w", err)
	}

	exJSON, err := json.Marshal(ex)
	if err != nil {
		return nil, err
	}
	prompt := scorePrompt
	if in.Niche.IsGerman() || strings.EqualFold(in.TargetLanguage, "german") {
		prompt += germanScoreRules
	}
	var sc scoring
	if err := llm.Object(ctx, a.gen, llm.Call{
		Action:      "analyze_step15",
		ProjectID:   in.ProjectID,
		Models:      a.models,
		Prompt:      prompt + "\n\nINPUT:\n" + string(exJSON),
		MaxTokens:   1024,
		Temperature: 0.3,
		Fatal:       llm.FatalNextModel,
	}, &sc); err != nil {
		return nil, fmt.Errorf("hook scoring: %w", err)
	}

	out := &types.Analysis{
		HookCandidates:     ex.HookCandidates,
		RepeatedPhrases:    ex.RepeatedPhrases,
		EmotionTriggers:    ex.EmotionTriggers,
		NarrativeStructure: string(ex.NarrativeStructure),
		HookScore:          float64(sc.HookScore),
		DominantTrigger:    sc.DominantTrigger,
		CTRPotential:       strings.ToLower(strings.TrimSpace(sc.CTRPotential)),
		Recommendation:     NormalizeRecommendation(sc.Recommendation),
	}
	a.log.Info("[analysis] 🎯 hook scored",
		zap.Float64("score", out.HookScore),
		zap.String("trigger", out.DominantTrigger),
		zap.String("recommendation", out.Recommendation))
	return out, nil
}

// NormalizeRecommendation maps free-form advice onto proceed, rewrite or
// reject. Anything unrecognized proceeds.
func NormalizeRecommendation(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "reject"):
		return "reject"
	case strings.HasPrefix(s, "rewrite"):
		return "rewrite"
	default:
		return "proceed"
	}
}

// flexScore accepts 7.5, "7.5" and "7.5/10".
type flexScore float64

func (f *flexScore) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexScore(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hook_score: %s", data)
	}
	s, _, _ = strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("hook_score: %q", s)
	}
	*f = flexScore(n)
	return nil
}

// flexText accepts a string or any JSON value, kept as compact JSON.
type flexText string

func (t *flexText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = flexText(s)
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	*t = flexText(data)
	return nil
}
