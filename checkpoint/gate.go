// Package checkpoint decides whether a module plan is good enough to write.
// Structural rules are checked locally first; only a plan that passes them
// is sent to a model for an editorial verdict.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/types"
)

// WordCeiling is how far over the target word count a plan may go.
const WordCeiling = 1.2

// InvalidResponseIssue is reported when no model returned a usable verdict.
const InvalidResponseIssue = "empty or invalid checkpoint response"

// Input is everything the gate looks at.
type Input struct {
	ProjectID   string
	Plan        types.ModulePlan
	Mode        types.Mode
	TargetWords int
	Analysis    *types.Analysis
	Keywords    *types.KeywordPlan
	Niche       config.Niche
}

// Gate evaluates module plans.
type Gate struct {
	gen    llm.Generator
	models []string
	log    *zap.Logger
}

// New creates a Gate that asks models in priority order.
func New(gen llm.Generator, models []string, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{gen: gen, models: models, log: logger.Named("checkpoint")}
}

// CheckHardRules validates the plan structure without any model call. It
// returns the issues found, nil when the plan passes.
func CheckHardRules(in Input) []string {
	var issues []string
	mods := in.Plan.Modules

	if want := in.Mode.RequiredModules(); len(mods) != want {
		issues = append(issues, fmt.Sprintf("plan has %d modules, %s mode requires exactly %d", len(mods), modeName(in.Mode), want))
	}
	if len(mods) > 0 && mods[0].Role != in.Mode.OpeningRole() {
		issues = append(issues, fmt.Sprintf("first module role is %q, must be %s", mods[0].Role, in.Mode.OpeningRole()))
	}
	if in.TargetWords > 0 {
		ceiling := int(float64(in.TargetWords) * WordCeiling)
		if total := in.Plan.TotalWords(); total > ceiling {
			issues = append(issues, fmt.Sprintf("total word target %d exceeds ceiling %d", total, ceiling))
		}
	}
	return issues
}

// Evaluate runs the hard rules and, if they pass, the model verdict. A model
// failure yields a not-ready verdict rather than an error; only context
// cancellation is returned as an error.
func (g *Gate) Evaluate(ctx context.Context, in Input) (types.Verdict, error) {
	g.log.Info("[checkpoint] 🔍 evaluating plan", zap.Int("modules", len(in.Plan.Modules)), zap.Int("words", in.Plan.TotalWords()))

	if issues := CheckHardRules(in); len(issues) > 0 {
		g.log.Warn("[checkpoint] ❌ hard rules failed", zap.Strings("issues", issues))
		return types.Verdict{
			Ready:          false,
			Recommendation: types.RecommendReplanModules,
			Issues:         issues,
			Feedback:       "Fix the structural issues: " + strings.Join(issues, "; "),
		}, nil
	}

	var v types.Verdict
	err := llm.Object(ctx, g.gen, llm.Call{
		Action:      "checkpoint",
		ProjectID:   in.ProjectID,
		Models:      g.models,
		Prompt:      buildPrompt(in),
		MaxTokens:   2048,
		Temperature: 0.3,
		Fatal:       llm.FatalNextModel,
	}, &v)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.Verdict{}, ctxErr
		}
		g.log.Warn("[checkpoint] ⚠️ no usable verdict", zap.Error(err))
		return types.Verdict{
			Ready:          false,
			Recommendation: types.RecommendReplanModules,
			Issues:         []string{InvalidResponseIssue},
		}, nil
	}

	v = normalize(v)
	if v.Ready {
		g.log.Info("[checkpoint] ✅ plan approved")
	} else {
		g.log.Warn("[checkpoint] 🔁 plan rejected", zap.String("recommendation", string(v.Recommendation)), zap.Strings("issues", v.Issues))
	}
	return v, nil
}

func normalize(v types.Verdict) types.Verdict {
	if v.Ready {
		if v.Recommendation == "" {
			v.Recommendation = types.RecommendProceed
		}
		return v
	}
	if v.Recommendation != types.RecommendReplanModules && v.Recommendation != types.RecommendAdjustKeywords {
		v.Recommendation = types.RecommendReplanModules
	}
	return v
}

func modeName(m types.Mode) string {
	if m == "" {
		return string(types.ModeStandard)
	}
	return string(m)
}

func buildPrompt(in Input) string {
	n := in.Niche
	role := n.WriterRole
	if role == "" {
		role = "documentary"
	}
	minutes := in.TargetWords / 150

	hookScore := "n/a"
	trigger := "n/a"
	if in.Analysis != nil {
		hookScore = fmt.Sprintf("%.1f", in.Analysis.HookScore)
		trigger = in.Analysis.DominantTrigger
	}
	core, supporting := "n/a", "n/a"
	if in.Keywords != nil {
		core = in.Keywords.CoreKeyword
		supporting = strings.Join(in.Keywords.SupportingKeywords, ", ")
	}
	planJSON, _ := json.MarshalIndent(in.Plan, "", "  ")

	return fmt.Sprintf(`You are a senior %s content director.
Evaluate this module plan for a %s video of about %d words (~%d minutes).

HOOK SCORE: %s
DOMINANT TRIGGER: %s
TONE: %s
CORE KEYWORD: %s
SUPPORTING KEYWORDS: %s

MODULE PLAN:
%s

CRITERIA:
1. Narrative Flow / Single Peak: exactly one climax, roles escalate toward it.
2. Keyword Placement: core keyword early, supporting keywords spread, no stuffing.
3. Retention Potential: every module opens a question the next one pays off.
4. Factual Risk: speculation level must stay %s.

RULES:
- A hook score below 6 is a high retention risk; say so in issues.
- If the keywords are generic or off-topic, recommend "adjust_keywords".
- If pacing or word distribution is off, recommend "replan_modules".
- Otherwise recommend "proceed".

Return ONLY JSON:
{"ready": true, "recommendation": "proceed|replan_modules|adjust_keywords", "issues": ["..."], "feedback": "concrete instructions for the planner"}`,
		role, n.Name, in.TargetWords, minutes,
		hookScore, trigger, strings.Join(n.Tone, ", "), core, supporting,
		planJSON, orDefault(n.SpeculationLevel, "limited"))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
