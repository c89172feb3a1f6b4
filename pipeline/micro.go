package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"longform-studio/compilation"
	"longform-studio/config"
	"longform-studio/planner"
	"longform-studio/render"
	"longform-studio/script"
	"longform-studio/types"
	"longform-studio/visuals"
)

// ErrNoUnits is returned when every micro unit failed.
var ErrNoUnits = errors.New("no micro unit completed")

// runMicro splits a topic into standalone units, produces each one up to
// voice and visuals, and joins them into one compilation.
func (p *Pipeline) runMicro(ctx context.Context, run *types.PipelineRun, runDir string, niche config.Niche) error {
	in := run.Input

	// ─────────────────────────────────────────────
	// STAGE 1: Analysis (only with a source)
	// ─────────────────────────────────────────────
	trigger := ""
	if in.SourceURL != "" || in.ManualScript != "" {
		p.stage(run, 1, "Analysis")
		an, err := p.analyze(ctx, run, niche)
		if err != nil {
			return p.fail(run, 1, "Analysis", err)
		}
		run.Merge(types.PipelineRun{Analysis: an})
		p.persist(ctx, run, runDir)
		if an.Rejected() {
			return errRejected
		}
		trigger = an.DominantTrigger
	}

	// ─────────────────────────────────────────────
	// STAGE 2: Micro Topics
	// ─────────────────────────────────────────────
	p.stage(run, 2, "Micro Topics")
	topics, err := p.deps.Topics.Generate(ctx, planner.TopicInput{
		ProjectID:       run.ProjectID,
		CoreTopic:       topicOf(run),
		DominantTrigger: trigger,
		Count:           p.cfg.Pipeline.MicroUnits,
		Niche:           niche,
	})
	if err != nil {
		return p.fail(run, 2, "Micro Topics", err)
	}
	run.Merge(types.PipelineRun{MicroTopics: topics})
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 3: Units
	// ─────────────────────────────────────────────
	p.stage(run, 3, "Units")
	units := make([]types.MicroUnit, len(topics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Pipeline.UnitConcurrency, 1))
	for i := range topics {
		i := i
		g.Go(func() error {
			unitDir := filepath.Join(runDir, fmt.Sprintf("unit_%02d", i+1))
			units[i] = p.produceUnit(gctx, run, unitDir, topics[i], trigger, niche)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.fail(run, 3, "Units", err)
	}
	run.Merge(types.PipelineRun{MicroUnits: units})
	p.persist(ctx, run, runDir)

	var blocks []compilation.Block
	var done []types.MicroUnit
	for _, u := range units {
		if u.Error != "" {
			continue
		}
		blocks = append(blocks, compilation.Block{Voice: u.Voice, Shots: u.Shots})
		done = append(done, u)
	}
	if len(blocks) == 0 {
		return p.fail(run, 3, "Units", ErrNoUnits)
	}
	p.log.Info("[pipeline] 🧱 units produced", zap.Int("ok", len(blocks)), zap.Int("planned", len(units)))

	// ─────────────────────────────────────────────
	// STAGE 4: Compilation
	// ─────────────────────────────────────────────
	p.stage(run, 4, "Compilation")
	comp, err := p.deps.Compiler.Assemble(ctx, compilation.Input{
		Niche:     niche,
		Blocks:    blocks,
		OutputDir: filepath.Join(runDir, "compilation"),
	})
	if err != nil {
		return p.fail(run, 4, "Compilation", err)
	}
	combined := combineScripts(done)
	run.Merge(types.PipelineRun{
		Compilation: comp,
		Script:      combined,
		Shots:       comp.Shots,
		Voice: &types.VoiceTrack{
			AudioPath:   comp.AudioPath,
			SRTPath:     comp.SRTPath,
			DurationSec: comp.TotalDuration,
			Chunks:      comp.BlocksCount,
			Provider:    "compilation",
		},
	})
	saveText(p.log, filepath.Join(runDir, "script.txt"), combined.FullScript)
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 5: Metadata
	// ─────────────────────────────────────────────
	p.stage(run, 5, "Metadata")
	if run.Keywords == nil {
		run.Merge(types.PipelineRun{Keywords: done[0].Keywords})
	}
	if err := p.buildMetadata(ctx, run, runDir, niche); err != nil {
		return p.fail(run, 5, "Metadata", err)
	}
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 6: Render
	// ─────────────────────────────────────────────
	p.stage(run, 6, "Render")
	video, err := p.deps.Renderer.Render(ctx, render.Input{
		Shots:       comp.Shots,
		AudioPath:   comp.AudioPath,
		SRTPath:     comp.SRTPath,
		DurationSec: comp.TotalDuration,
		OutputDir:   runDir,
	})
	if err != nil {
		return p.fail(run, 6, "Render", err)
	}
	run.Merge(types.PipelineRun{VideoFile: video})
	p.persist(ctx, run, runDir)

	// ─────────────────────────────────────────────
	// STAGE 7: Upload
	// ─────────────────────────────────────────────
	p.stage(run, 7, "Upload")
	if err := p.upload(ctx, run); err != nil {
		return p.fail(run, 7, "Upload", err)
	}
	return nil
}

// produceUnit takes one micro topic from planning to visuals. Failures are
// recorded on the unit so the other units can still be compiled.
func (p *Pipeline) produceUnit(ctx context.Context, run *types.PipelineRun, dir string, topic types.MicroTopic, trigger string, niche config.Niche) types.MicroUnit {
	unit := types.MicroUnit{Topic: topic}
	log := p.log.With(zap.Int("unit", topic.ID), zap.String("topic", topic.TopicTitle))
	failed := func(step string, err error) types.MicroUnit {
		unit.Error = fmt.Sprintf("%s: %v", step, err)
		log.Error("[pipeline] ❌ unit failed", zap.String("step", step), zap.Error(err))
		return unit
	}

	an := topicAnalysis(topic.TopicTitle, trigger)
	if topic.NamedMechanism != "" {
		an.RepeatedPhrases = append(an.RepeatedPhrases, topic.NamedMechanism)
	}
	approved, err := p.deps.Planner.PlanWithApproval(ctx, planner.RevisionInput{
		ProjectID:      run.ProjectID,
		Analysis:       an,
		Niche:          niche,
		Mode:           types.ModeMicro,
		TargetWords:    p.cfg.Pipeline.WordsPerUnit,
		TargetLanguage: run.Input.TargetLanguage,
	}, p.cfg.Pipeline.MaxPlanRounds)
	if err != nil {
		return failed("planning", err)
	}
	unit.Keywords = approved.Keywords
	unit.Plan = approved.Plan

	modules, err := p.deps.Writer.WriteAll(ctx, script.Input{
		ProjectID:      run.ProjectID,
		Plan:           *approved.Plan,
		Keywords:       approved.Keywords,
		Niche:          niche,
		TargetLanguage: run.Input.TargetLanguage,
	})
	if err == nil && len(modules) == 0 {
		err = errors.New("no module was written")
	}
	if err != nil {
		return failed("scripts", err)
	}
	assembled, err := p.deps.Assembler.Assemble(ctx, script.AssembleInput{
		ProjectID:      run.ProjectID,
		Modules:        modules,
		Niche:          niche,
		TargetLanguage: run.Input.TargetLanguage,
	})
	if err != nil {
		return failed("assembly", err)
	}
	unit.Script = assembled

	track, err := p.deps.Voice.Generate(ctx, voiceRequest(assembled.FullScript, dir, run.Input))
	if err != nil {
		return failed("voice", err)
	}
	unit.Voice = track

	shots, err := p.deps.Visuals.Run(ctx, visuals.Input{
		ProjectID: run.ProjectID,
		Topic:     topic.TopicTitle,
		SRTPath:   track.SRTPath,
		Niche:     niche,
		OutputDir: dir,
	})
	if err != nil {
		return failed("visuals", err)
	}
	unit.Shots = shots
	log.Info("[pipeline] ✅ unit ready", zap.Float64("duration", track.DurationSec), zap.Int("shots", len(shots)))
	return unit
}

// combineScripts joins the unit scripts into one, one module per unit, so
// the description gets a chapter per unit.
func combineScripts(units []types.MicroUnit) *types.AssembledScript {
	out := &types.AssembledScript{VoiceReady: true, EmotionalArcPassed: true}
	parts := make([]string, 0, len(units))
	for i, u := range units {
		parts = append(parts, u.Script.FullScript)
		out.Modules = append(out.Modules, types.ModuleScript{
			ModuleIndex: i + 1,
			Role:        u.Topic.TopicTitle,
			Content:     u.Script.FullScript,
			QAPassed:    true,
		})
		out.ValidationIssues = append(out.ValidationIssues, u.Script.ValidationIssues...)
		out.ReadabilityIssues = append(out.ReadabilityIssues, u.Script.ReadabilityIssues...)
		out.EmotionalArcPassed = out.EmotionalArcPassed && u.Script.EmotionalArcPassed
		out.Polished = out.Polished || u.Script.Polished
	}
	out.FullScript = strings.Join(parts, "\n\n")
	out.WordCount = len(strings.Fields(out.FullScript))
	return out
}
