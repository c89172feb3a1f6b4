package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/retry"
	"longform-studio/types"
)

// ErrInvalidPlan is wrapped by every structural plan error.
var ErrInvalidPlan = errors.New("invalid module plan")

// PlanInput is what the module planner works from.
type PlanInput struct {
	ProjectID   string
	Analysis    *types.Analysis
	Keywords    *types.KeywordPlan
	Niche       config.Niche
	Mode        types.Mode
	TargetWords int
	// Feedback and Previous are set when a rejected plan is being refined.
	Feedback *types.Verdict
	Previous *types.ModulePlan
}

// ModulePlanner asks a model for the module structure, then fills in word
// targets and keyword permissions by rule.
type ModulePlanner struct {
	gen    llm.Generator
	models []string
	log    *zap.Logger
	// Attempts covers invalid plans within one planning call.
	Attempts retry.Policy
}

func NewModulePlanner(gen llm.Generator, models []string, logger *zap.Logger) *ModulePlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModulePlanner{
		gen:      gen,
		models:   models,
		log:      logger.Named("modules"),
		Attempts: retry.Policy{MaxAttempts: 3, Backoff: retry.Constant(time.Second)},
	}
}

// RawModule is one module as the model returns it.
type RawModule struct {
	Index int    `json:"index"`
	Role  string `json:"role"`
	Goal  string `json:"goal"`
}

// Plan returns an enriched, structurally valid plan.
func (p *ModulePlanner) Plan(ctx context.Context, in PlanInput) (*types.ModulePlan, error) {
	roles := AllowedRoles(in.Niche, in.Mode)
	prompt := planPrompt(in, roles)
	hookScore := 10.0
	if in.Analysis != nil {
		hookScore = in.Analysis.HookScore
	}

	p.log.Info("[modules] 🧠 planning modules",
		zap.String("niche", in.Niche.Name),
		zap.Int("target_words", in.TargetWords),
		zap.Bool("refine", in.Feedback != nil))

	var plan *types.ModulePlan
	err := p.Attempts.Do(ctx, func(ctx context.Context, attempt int) error {
		var raw []RawModule
		if err := llm.List(ctx, p.gen, llm.Call{
			Action:      "planner_gen",
			ProjectID:   in.ProjectID,
			Models:      p.models,
			Prompt:      prompt,
			MaxTokens:   8192,
			Temperature: 0.7,
		}, &raw); err != nil {
			p.log.Warn("[modules] ⚠️ planning attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		enriched, err := Enrich(raw, roles, in.Niche, in.TargetWords, hookScore)
		if err == nil {
			err = Validate(enriched, in.Mode)
		}
		if err != nil {
			p.log.Warn("[modules] ⚠️ planning attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		plan = enriched
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("plan modules: %w", err)
	}

	p.log.Info("[modules] ✅ plan ready", zap.Int("modules", len(plan.Modules)), zap.Int("total_words", plan.TotalWordEstimate))
	return plan, nil
}

// AllowedRoles is the niche's role whitelist, always including the mode's
// opening role and a closing role.
func AllowedRoles(n config.Niche, mode types.Mode) []string {
	roles := append([]string(nil), n.Roles...)
	has := func(r string) bool {
		for _, x := range roles {
			if x == r {
				return true
			}
		}
		return false
	}
	if open := mode.OpeningRole(); !has(open) {
		roles = append([]string{open}, roles...)
	}
	if !has(types.RoleOpenEnd) && !has(types.RoleOpenLoop) {
		roles = append(roles, types.RoleOpenEnd)
	}
	return roles
}

// Enrich turns raw planner output into modules with word targets and allowed
// keyword types. Word targets scale with targetWords/5000.
func Enrich(raw []RawModule, roles []string, n config.Niche, targetWords int, hookScore float64) (*types.ModulePlan, error) {
	allowed := map[string]bool{}
	for _, r := range roles {
		allowed[r] = true
	}
	if targetWords <= 0 {
		targetWords = 5000
	}
	scale := float64(targetWords) / 5000
	loose := n.LooseKeywords()

	plan := &types.ModulePlan{}
	for _, m := range raw {
		role := strings.ToUpper(strings.TrimSpace(m.Role))
		if !allowed[role] {
			return nil, fmt.Errorf("%w: role %q not allowed for %s", ErrInvalidPlan, m.Role, n.Name)
		}
		bias := float64(config.RoleBias(role))
		var words float64
		kw := []string{"support"}
		switch {
		case role == types.RoleHook || role == types.RoleHookThreat:
			words = (120 + bias) * math.Max(0.8, scale)
			kw = []string{"core", "ctr"}
		case types.IsPeakRole(role):
			base := 650.0
			if hookScore < 7 {
				base = 500
			}
			words = (base + bias) * scale
			kw = []string{"core", "support"}
		case types.IsClosingRole(role):
			words = (300 + bias) * scale
			kw = []string{"core"}
		default:
			words = (550 + bias) * scale
		}
		if loose {
			kw = []string{}
		}
		plan.Modules = append(plan.Modules, types.Module{
			Index:               m.Index,
			Role:                role,
			Goal:                m.Goal,
			WordTarget:          int(math.Round(words)),
			AllowedKeywordTypes: kw,
		})
	}
	plan.TotalWordEstimate = plan.TotalWords()
	return plan, nil
}

// Validate checks contiguous indices, the opening role, exactly one peak and
// a closing last module. The module count is left to the checkpoint.
func Validate(plan *types.ModulePlan, mode types.Mode) error {
	if plan == nil || len(plan.Modules) < 2 {
		return fmt.Errorf("%w: too few modules", ErrInvalidPlan)
	}
	mods := plan.Modules
	for i, m := range mods {
		if m.Index != i+1 {
			return fmt.Errorf("%w: index not contiguous at position %d (want %d, got %d)", ErrInvalidPlan, i, i+1, m.Index)
		}
	}
	if mods[0].Role != mode.OpeningRole() {
		return fmt.Errorf("%w: first module must be %s, got %s", ErrInvalidPlan, mode.OpeningRole(), mods[0].Role)
	}
	var peaks []string
	for _, m := range mods {
		if types.IsPeakRole(m.Role) {
			peaks = append(peaks, m.Role)
		}
	}
	if len(peaks) != 1 {
		return fmt.Errorf("%w: want exactly 1 peak role, got %d (%s)", ErrInvalidPlan, len(peaks), strings.Join(peaks, ", "))
	}
	if last := mods[len(mods)-1]; !types.IsClosingRole(last.Role) {
		return fmt.Errorf("%w: last module must be OPEN_END or OPEN_LOOP, got %s", ErrInvalidPlan, last.Role)
	}
	return nil
}

func planPrompt(in PlanInput, roles []string) string {
	n := in.Niche
	count := in.Mode.RequiredModules()

	task := fmt.Sprintf("Plan the optimal module structure for a long-form YouTube %s video.", n.Name)
	if in.Feedback != nil {
		fb, _ := json.Marshal(in.Feedback)
		base := "none"
		if in.Previous != nil {
			b, _ := json.Marshal(in.Previous.Modules)
			base = string(b)
		}
		task = fmt.Sprintf(`REFINE the module plan based on the feedback to improve narrative flow, tension building and keyword placement.

RULES FOR REFINEMENT:
- Keep exactly %d modules.
- Do NOT remove the opening or the closing module.
- Sharpen the goals.
- Use only the listed roles, in the order the role list gives them.

FEEDBACK TO FIX:
%s

CURRENT PLAN:
%s`, count, fb, base)
	}

	trigger, hook, core := "n/a", "n/a", "N/A"
	if in.Analysis != nil {
		trigger = in.Analysis.DominantTrigger
		hook = fmt.Sprintf("%.1f", in.Analysis.HookScore)
	}
	if in.Keywords != nil && in.Keywords.CoreKeyword != "" {
		core = in.Keywords.CoreKeyword
	}

	return fmt.Sprintf(`You are a senior YouTube editor specializing in %s.

TASK:
%s

CONTEXT:
- Niche: %s
- Tone: %s
- Dominant emotion: %s
- Hook strength score: %s
- Core keyword: %s

RULES:
- Exactly %d modules, indexed 1..%d
- The first module role is %s
- Escalate tension gradually (single peak)
- Choose exactly ONE role from PEAK, REALIZATION, TURNING_POINT, SHIFT, COLD_RESOLUTION as the climax
- The final module is OPEN_END or OPEN_LOOP and leaves an open loop

AVAILABLE MODULE ROLES:
%s

OUTPUT FORMAT (JSON ONLY):
[{"index": 1, "role": "%s", "goal": "..."}]`,
		n.WriterRole, task, n.Name, strings.Join(n.Tone, ", "), trigger, hook, core,
		count, count, in.Mode.OpeningRole(), strings.Join(roles, "\n"), in.Mode.OpeningRole())
}
