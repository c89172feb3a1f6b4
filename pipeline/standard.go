package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/planner"
	"longform-studio/render"
	"longform-studio/script"
	"longform-studio/types"
	"longform-studio/visuals"
)

// runStandard produces one long video from a single source.
func (p *Pipeline) runStandard(ctx context.Context, run *types.PipelineRun, runDir string, niche config.Niche) error {
	in := run.Input

	// ─────────────────────────────────────────────
	// STAGE 1: Analysis
	// ─────────────────────────────────────────────
	p.stage(run, 1, "Analysis")
	an, err := p.analyze(ctx, run, niche)
	if err != nil {
		return p.fail(run, 1, "Analysis", err)
	}
	run.Merge(types.PipelineRun{Analysis: an})
	saveJSON(p.log, filepath.Join(runDir, "analysis.json"), an)
	p.persist(ctx, run, runDir)
	if an.Rejected() {
		p.log.Warn("[pipeline] 🛑 hook scoring rejected the source", zap.Float64("hook_score", an.HookScore))
		return errRejected
	}

	// ─────────────────────────────────────────────
	// STAGE 2-4: Keywords, Modules, Checkpoint
	// ─────────────────────────────────────────────
	p.stage(run, 2, "Planning")
	approved, err := p.deps.Planner.PlanWithApproval(ctx, planner.RevisionInput{
		ProjectID:      run.ProjectID,
		Analysis:       an,
		Niche:          niche,
		Mode:           types.ModeStandard,
		TargetWords:    in.TargetWords,
		TargetLanguage: in.TargetLanguage,
	}, p.cfg.Pipeline.MaxPlanRounds)
	if err != nil {
		return p.fail(run, 2, "Planning", err)
	}
	verdict := approved.Verdict
	run.Merge(types.PipelineRun{
		Stage:      "Checkpoint",
		Keywords:   approved.Keywords,
		Plan:       approved.Plan,
		Checkpoint: &verdict,
		PlanRounds: approved.Rounds,
	})
	saveJSON(p.log, filepath.Join(runDir, "plan.json"), approved.Plan)
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 5: Module Scripts
	// ─────────────────────────────────────────────
	p.stage(run, 5, "Scripts")
	modules, err := p.deps.Writer.WriteAll(ctx, script.Input{
		ProjectID:      run.ProjectID,
		Plan:           *approved.Plan,
		Keywords:       approved.Keywords,
		Niche:          niche,
		TargetLanguage: in.TargetLanguage,
	})
	if err == nil && len(modules) == 0 {
		err = errors.New("no module was written")
	}
	if err != nil {
		return p.fail(run, 5, "Scripts", err)
	}
	run.Merge(types.PipelineRun{Modules: modules})
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 6-7: Assembly and Polish
	// ─────────────────────────────────────────────
	p.stage(run, 6, "Assembly")
	assembled, err := p.deps.Assembler.Assemble(ctx, script.AssembleInput{
		ProjectID:      run.ProjectID,
		Modules:        modules,
		Niche:          niche,
		TargetLanguage: in.TargetLanguage,
	})
	if err != nil {
		return p.fail(run, 6, "Assembly", err)
	}
	run.Merge(types.PipelineRun{Script: assembled})
	saveText(p.log, filepath.Join(runDir, "script.txt"), assembled.FullScript)
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 8: Metadata
	// ─────────────────────────────────────────────
	p.stage(run, 8, "Metadata")
	if err := p.buildMetadata(ctx, run, runDir, niche); err != nil {
		return p.fail(run, 8, "Metadata", err)
	}
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 9: Voice
	// ─────────────────────────────────────────────
	p.stage(run, 9, "Voice")
	track, err := p.deps.Voice.Generate(ctx, voiceRequest(assembled.FullScript, filepath.Join(runDir, "audio"), in))
	if err != nil {
		return p.fail(run, 9, "Voice", err)
	}
	run.Merge(types.PipelineRun{Voice: track})
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 10: Visuals
	// ─────────────────────────────────────────────
	p.stage(run, 10, "Visuals")
	shots, err := p.deps.Visuals.Run(ctx, visuals.Input{
		ProjectID: run.ProjectID,
		Topic:     topicOf(run),
		SRTPath:   track.SRTPath,
		Niche:     niche,
		OutputDir: runDir,
	})
	if err != nil {
		return p.fail(run, 10, "Visuals", err)
	}
	run.Merge(types.PipelineRun{Shots: shots})
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 11: Render
	// ─────────────────────────────────────────────
	p.stage(run, 11, "Render")
	video, err := p.deps.Renderer.Render(ctx, render.Input{
		Shots:       shots,
		AudioPath:   track.AudioPath,
		SRTPath:     track.SRTPath,
		DurationSec: track.DurationSec,
		OutputDir:   runDir,
	})
	if err != nil {
		return p.fail(run, 11, "Render", err)
	}
	run.Merge(types.PipelineRun{VideoFile: video})
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 12: Upload
	// ─────────────────────────────────────────────
	p.stage(run, 12, "Upload")
	if err := p.upload(ctx, run); err != nil {
		return p.fail(run, 12, "Upload", err)
	}
	return nil
}

// topicOf names the run's subject for prompts that need one.
func topicOf(run *types.PipelineRun) string {
	switch {
	case run.Input.Topic != "":
		return run.Input.Topic
	case run.Analysis != nil && run.Analysis.SourceTitle != "":
		return run.Analysis.SourceTitle
	case run.Keywords != nil && run.Keywords.CoreKeyword != "":
		return run.Keywords.CoreKeyword
	case run.Analysis != nil && len(run.Analysis.HookCandidates) > 0:
		return run.Analysis.HookCandidates[0]
	}
	return fmt.Sprintf("%s video", run.Input.Niche)
}
