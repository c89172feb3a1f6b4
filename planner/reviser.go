package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"longform-studio/checkpoint"
	"longform-studio/config"
	"longform-studio/retry"
	"longform-studio/types"
)

// ErrPlanNotApproved is returned when no plan passed the checkpoint within
// the round limit.
var ErrPlanNotApproved = errors.New("plan not approved")

// DefaultRounds is the plan-revise round limit.
const DefaultRounds = 3

// KeywordGenerator produces keyword plans.
type KeywordGenerator interface {
	Generate(ctx context.Context, in KeywordInput) (*types.KeywordPlan, error)
}

// PlanGenerator produces module plans.
type PlanGenerator interface {
	Plan(ctx context.Context, in PlanInput) (*types.ModulePlan, error)
}

// Evaluator judges module plans.
type Evaluator interface {
	Evaluate(ctx context.Context, in checkpoint.Input) (types.Verdict, error)
}

// RevisionInput is the fixed context of one planning loop.
type RevisionInput struct {
	ProjectID      string
	Analysis       *types.Analysis
	Niche          config.Niche
	Mode           types.Mode
	TargetWords    int
	TargetLanguage string
	// Keywords, when set, skips keyword generation until a verdict asks for it.
	Keywords *types.KeywordPlan
}

// Approved is the outcome of a successful loop.
type Approved struct {
	Keywords *types.KeywordPlan
	Plan     *types.ModulePlan
	Verdict  types.Verdict
	Rounds   int
	// Generations counts module plans produced, approved or not.
	Generations int
}

// Reviser runs generate, checkpoint, refine rounds until a plan is approved.
type Reviser struct {
	Keywords KeywordGenerator
	Modules  PlanGenerator
	Gate     Evaluator
	// RoundPause is the wait after a failed or rejected round.
	RoundPause time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error

	log *zap.Logger
}

func NewReviser(keywords KeywordGenerator, modules PlanGenerator, gate Evaluator, logger *zap.Logger) *Reviser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reviser{
		Keywords:   keywords,
		Modules:    modules,
		Gate:       gate,
		RoundPause: 2 * time.Second,
		Sleep:      retry.Sleep,
		log:        logger.Named("reviser"),
	}
}

// PlanWithApproval loops at most maxRounds times. An adjust_keywords verdict
// regenerates keywords and modules; replan_modules regenerates modules only.
func (r *Reviser) PlanWithApproval(ctx context.Context, in RevisionInput, maxRounds int) (*Approved, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultRounds
	}
	out := &Approved{Keywords: in.Keywords}
	var feedback *types.Verdict
	var lastErr error

	for round := 1; round <= maxRounds; round++ {
		out.Rounds = round
		r.log.Info("[reviser] 🔄 planning round", zap.Int("round", round), zap.Int("max", maxRounds))

		verdict, err := r.round(ctx, in, out, feedback)
		if err == nil && verdict.Ready {
			out.Verdict = verdict
			r.log.Info("[reviser] ✅ plan approved", zap.Int("round", round))
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err != nil {
			lastErr = err
			r.log.Warn("[reviser] ⚠️ round failed", zap.Int("round", round), zap.Error(err))
		} else {
			v := verdict
			feedback = &v
			out.Verdict = verdict
			lastErr = &RejectedError{Verdict: verdict}
			r.log.Warn("[reviser] 🔁 plan rejected", zap.Int("round", round), zap.String("recommendation", string(verdict.Recommendation)))
		}

		if round < maxRounds {
			if err := r.Sleep(ctx, r.RoundPause); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w after %d rounds: %w", ErrPlanNotApproved, maxRounds, lastErr)
}

func (r *Reviser) round(ctx context.Context, in RevisionInput, out *Approved, feedback *types.Verdict) (types.Verdict, error) {
	regenKeywords := out.Keywords == nil ||
		(feedback != nil && feedback.Recommendation == types.RecommendAdjustKeywords)
	if regenKeywords {
		kin := KeywordInput{
			ProjectID:      in.ProjectID,
			Analysis:       in.Analysis,
			Niche:          in.Niche,
			TargetLanguage: in.TargetLanguage,
		}
		if feedback != nil {
			kin.Feedback = feedbackText(*feedback)
		}
		kw, err := r.Keywords.Generate(ctx, kin)
		if err != nil {
			return types.Verdict{}, fmt.Errorf("keywords: %w", err)
		}
		out.Keywords = kw
	}

	if out.Plan == nil || feedback != nil {
		plan, err := r.Modules.Plan(ctx, PlanInput{
			ProjectID:   in.ProjectID,
			Analysis:    in.Analysis,
			Keywords:    out.Keywords,
			Niche:       in.Niche,
			Mode:        in.Mode,
			TargetWords: in.TargetWords,
			Feedback:    feedback,
			Previous:    out.Plan,
		})
		out.Generations++
		if err != nil {
			return types.Verdict{}, fmt.Errorf("modules: %w", err)
		}
		out.Plan = plan
	}

	return r.Gate.Evaluate(ctx, checkpoint.Input{
		ProjectID:   in.ProjectID,
		Plan:        *out.Plan,
		Mode:        in.Mode,
		TargetWords: in.TargetWords,
		Analysis:    in.Analysis,
		Keywords:    out.Keywords,
		Niche:       in.Niche,
	})
}

func feedbackText(v types.Verdict) string {
	parts := append([]string(nil), v.Issues...)
	if v.Feedback != "" {
		parts = append(parts, v.Feedback)
	}
	return strings.Join(parts, "\n")
}

// RejectedError carries the last checkpoint verdict of a loop that never
// got approval.
type RejectedError struct {
	Verdict types.Verdict
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("checkpoint rejected plan (%s): %s", e.Verdict.Recommendation, strings.Join(e.Verdict.Issues, "; "))
}
