// Package pipeline runs the stages of a video end to end: analysis,
// planning, scripts, metadata, voice, visuals, render and upload, or the
// micro-unit compilation flow.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"longform-studio/analysis"
	"longform-studio/compilation"
	"longform-studio/config"
	"longform-studio/metadata"
	"longform-studio/planner"
	"longform-studio/render"
	"longform-studio/script"
	"longform-studio/types"
	"longform-studio/upload"
	"longform-studio/visuals"
	"longform-studio/voice"
)

// errRejected ends a run whose source failed hook scoring.
var errRejected = errors.New("source rejected by hook scoring")

type SourceFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
	Title(ctx context.Context, url string) (string, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) (*types.Analysis, error)
}

type Planner interface {
	PlanWithApproval(ctx context.Context, in planner.RevisionInput, maxRounds int) (*planner.Approved, error)
}

type TopicGenerator interface {
	Generate(ctx context.Context, in planner.TopicInput) ([]types.MicroTopic, error)
}

type ModuleWriter interface {
	WriteAll(ctx context.Context, in script.Input) ([]types.ModuleScript, error)
}

type ScriptAssembler interface {
	Assemble(ctx context.Context, in script.AssembleInput) (*types.AssembledScript, error)
}

type CTRGenerator interface {
	Generate(ctx context.Context, in metadata.CTRInput) (*types.CTRBundle, error)
}

type DescriptionGenerator interface {
	Generate(ctx context.Context, in metadata.DescriptionInput) (*types.DescriptionBundle, error)
}

type VisualAssembler interface {
	Run(ctx context.Context, in visuals.Input) ([]types.ShotPrompt, error)
}

type Thumbnailer interface {
	Fetch(ctx context.Context, shot types.ShotPrompt, dest string) error
}

type VideoRenderer interface {
	Render(ctx context.Context, in render.Input) (string, error)
}

type Compiler interface {
	Assemble(ctx context.Context, in compilation.Input) (*types.Compilation, error)
}

type Uploader interface {
	Upload(ctx context.Context, videoFile string, meta *types.VideoMetadata) (*types.UploadResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, run *types.PipelineRun, runDir string) ([]string, error)
}

type RunStore interface {
	SaveRun(ctx context.Context, run *types.PipelineRun) error
	SaveSEO(ctx context.Context, projectID string, ctr *types.CTRBundle, desc *types.DescriptionBundle) error
}

type Notifier interface {
	Notify(ctx context.Context, run *types.PipelineRun) error
}

// Deps are the stage implementations. Source, Thumbnails, Uploader,
// Publisher, Store and Notifier are optional.
type Deps struct {
	Source      SourceFetcher
	Analyzer    Analyzer
	Planner     Planner
	Topics      TopicGenerator
	Writer      ModuleWriter
	Assembler   ScriptAssembler
	CTR         CTRGenerator
	Description DescriptionGenerator
	Voice       compilation.Voicer
	Visuals     VisualAssembler
	Thumbnails  Thumbnailer
	Renderer    VideoRenderer
	Compiler    Compiler
	Uploader    Uploader
	Publisher   Publisher
	Store       RunStore
	Notifier    Notifier
}

// Pipeline runs videos with one set of stage implementations.
type Pipeline struct {
	cfg  *config.Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time
}

func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, log: logger.Named("pipeline"), now: time.Now}
}

// WithClock replaces the clock used for timestamps and publish slots.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run executes one video from in and returns its final state. The run is
// returned even when a stage fails; run.Error then names the stage.
func (p *Pipeline) Run(ctx context.Context, in types.Input) (*types.PipelineRun, error) {
	in = p.withDefaults(in)
	run := types.NewRun(uuid.NewString()[:8], uuid.NewString(), in, p.now())
	runDir := filepath.Join(p.cfg.Paths.Output, run.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	p.log.Info("🎬 Longform pipeline starting",
		zap.String("run", run.RunID),
		zap.String("mode", string(in.Mode)),
		zap.String("niche", in.Niche),
		zap.String("dir", runDir))

	niche := p.cfg.Niche(in.Niche)
	var err error
	if in.Mode == types.ModeMicro {
		err = p.runMicro(ctx, run, runDir, niche)
	} else {
		err = p.runStandard(ctx, run, runDir, niche)
	}
	p.finish(ctx, run, runDir, err)

	if errors.Is(err, errRejected) {
		return run, nil
	}
	return run, err
}

func (p *Pipeline) withDefaults(in types.Input) types.Input {
	pc := p.cfg.Pipeline
	if in.Mode == "" {
		in.Mode = types.Mode(pc.Mode)
	}
	if in.Niche == "" {
		in.Niche = pc.Niche
	}
	if in.TargetLanguage == "" {
		in.TargetLanguage = pc.TargetLanguage
		if n := p.cfg.Niche(in.Niche); n.Language != "" {
			in.TargetLanguage = n.Language
		}
	}
	if in.TargetWords <= 0 {
		in.TargetWords = pc.TargetWords
	}
	return in
}

// stage logs the banner and records the stage on the run.
func (p *Pipeline) stage(run *types.PipelineRun, n int, name string) {
	p.log.Info(fmt.Sprintf("━━━ STAGE %d: %s ━━━", n, name))
	run.Stage = name
}

// fail records a stage error on the run the way run.json reports it.
func (p *Pipeline) fail(run *types.PipelineRun, n int, name string, err error) error {
	run.Error = fmt.Sprintf("Stage %d %s: %v", n, name, err)
	return fmt.Errorf("stage %d %s: %w", n, name, err)
}

// persist writes run.json and the store row after a stage.
func (p *Pipeline) persist(ctx context.Context, run *types.PipelineRun, runDir string) {
	saveJSON(p.log, filepath.Join(runDir, "run.json"), run)
	if p.deps.Store != nil {
		if err := p.deps.Store.SaveRun(ctx, run); err != nil {
			p.log.Warn("[pipeline] ⚠️ could not save run", zap.Error(err))
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, run *types.PipelineRun, runDir string, err error) {
	status := types.StatusCompleted
	switch {
	case errors.Is(err, errRejected):
		status = types.StatusRejected
	case err != nil:
		status = types.StatusFailed
		if run.Error == "" {
			run.Error = err.Error()
		}
	}
	run.Finish(status, p.now())
	saveJSON(p.log, filepath.Join(runDir, "run.json"), run)

	if status == types.StatusCompleted && p.deps.Publisher != nil {
		keys, perr := p.deps.Publisher.Publish(ctx, run, runDir)
		if perr != nil {
			p.log.Warn("[pipeline] ⚠️ artifact publish incomplete", zap.Error(perr))
		}
		if len(keys) > 0 {
			run.Merge(types.PipelineRun{ArtifactKeys: keys})
			saveJSON(p.log, filepath.Join(runDir, "run.json"), run)
		}
	}
	if p.deps.Store != nil {
		if err := p.deps.Store.SaveRun(ctx, run); err != nil {
			p.log.Warn("[pipeline] ⚠️ could not save run", zap.Error(err))
		}
	}
	if p.deps.Notifier != nil {
		if err := p.deps.Notifier.Notify(ctx, run); err != nil {
			p.log.Warn("[pipeline] ⚠️ notification failed", zap.Error(err))
		}
	}

	switch status {
	case types.StatusCompleted:
		p.log.Info("✅ Pipeline complete", zap.String("run", run.RunID), zap.String("video", run.VideoFile))
	case types.StatusRejected:
		p.log.Warn("🛑 Pipeline stopped, source rejected", zap.String("run", run.RunID))
	default:
		p.log.Error("❌ Pipeline failed", zap.String("run", run.RunID), zap.String("error", run.Error))
	}
}

// analyze runs the source analysis when the input has a source. A
// topic-only input gets a stand-in analysis built from the topic.
func (p *Pipeline) analyze(ctx context.Context, run *types.PipelineRun, niche config.Niche) (*types.Analysis, error) {
	in := run.Input
	if in.ManualScript == "" && in.SourceURL == "" {
		if in.Topic == "" {
			return nil, analysis.ErrNoSource
		}
		p.log.Info("[pipeline] 📝 no source, planning from topic", zap.String("topic", in.Topic))
		return topicAnalysis(in.Topic, ""), nil
	}

	req := analysis.Input{
		ProjectID:      run.ProjectID,
		ManualScript:   in.ManualScript,
		Niche:          niche,
		TargetLanguage: in.TargetLanguage,
	}
	var title string
	if in.ManualScript == "" {
		if p.deps.Source == nil {
			return nil, errors.New("no source fetcher configured")
		}
		audio, err := p.deps.Source.Fetch(ctx, in.SourceURL)
		if err != nil {
			return nil, err
		}
		req.AudioPath = audio
		if title, err = p.deps.Source.Title(ctx, in.SourceURL); err != nil {
			p.log.Warn("[pipeline] ⚠️ could not read source title", zap.Error(err))
		}
	}
	res, err := p.deps.Analyzer.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}
	res.SourceTitle = title
	return res, nil
}

// topicAnalysis stands in for source analysis when only a topic is known.
func topicAnalysis(topic, trigger string) *types.Analysis {
	if trigger == "" {
		trigger = "curiosity"
	}
	return &types.Analysis{
		HookCandidates:  []string{topic},
		RepeatedPhrases: []string{topic},
		DominantTrigger: trigger,
		HookScore:       7,
		Recommendation:  "proceed",
		SourceTitle:     topic,
	}
}

// buildMetadata runs the CTR and description bundles, records them, and
// fetches the thumbnail image when a thumbnail source is configured.
func (p *Pipeline) buildMetadata(ctx context.Context, run *types.PipelineRun, runDir string, niche config.Niche) error {
	ctr, err := p.deps.CTR.Generate(ctx, metadata.CTRInput{
		ProjectID:      run.ProjectID,
		FullScript:     run.Script.FullScript,
		Niche:          niche,
		TargetLanguage: run.Input.TargetLanguage,
	})
	if err != nil {
		return fmt.Errorf("ctr bundle: %w", err)
	}
	desc, err := p.deps.Description.Generate(ctx, metadata.DescriptionInput{
		ProjectID:      run.ProjectID,
		Script:         run.Script,
		Keywords:       run.Keywords,
		Niche:          niche,
		TargetLanguage: run.Input.TargetLanguage,
		TagsCount:      p.cfg.Metadata.TagsCount,
	})
	if err != nil {
		return fmt.Errorf("description bundle: %w", err)
	}
	md := metadata.Build(p.cfg.Metadata, p.cfg.Upload, ctr, desc, p.now())

	if p.deps.Thumbnails != nil && md.ThumbnailPrompt != "" {
		dest := filepath.Join(runDir, "thumbnail.jpg")
		if err := p.deps.Thumbnails.Fetch(ctx, types.ShotPrompt{Prompt: md.ThumbnailPrompt}, dest); err != nil {
			p.log.Warn("[pipeline] ⚠️ thumbnail image failed", zap.Error(err))
		} else {
			md.ThumbnailFile = dest
		}
	}

	run.Merge(types.PipelineRun{CTR: ctr, Description: desc, Metadata: md})
	if p.deps.Store != nil {
		if err := p.deps.Store.SaveSEO(ctx, run.ProjectID, ctr, desc); err != nil {
			p.log.Warn("[pipeline] ⚠️ could not save SEO bundle", zap.Error(err))
		}
	}
	saveJSON(p.log, filepath.Join(runDir, "metadata.json"), md)
	p.log.Info("[pipeline] 🏷️ metadata ready", zap.String("title", md.Title), zap.String("scheduled", md.ScheduledTimeUTC))
	return nil
}

// upload publishes the rendered video when uploads are enabled.
func (p *Pipeline) upload(ctx context.Context, run *types.PipelineRun) error {
	if !p.cfg.Upload.Enabled || p.deps.Uploader == nil {
		p.log.Info("[pipeline] ⏭️ upload disabled, keeping local video", zap.String("file", run.VideoFile))
		return nil
	}
	res, err := p.deps.Uploader.Upload(ctx, run.VideoFile, run.Metadata)
	if err != nil {
		return err
	}
	run.Merge(types.PipelineRun{Upload: res})
	if err := os.MkdirAll(p.cfg.Paths.Logs, 0755); err == nil {
		if _, err := upload.SaveLog(p.cfg.Paths.Logs, res, run.VideoFile, run.Metadata, p.now()); err != nil {
			p.log.Warn("[pipeline] ⚠️ could not write upload log", zap.Error(err))
		}
	}
	return nil
}

func voiceRequest(text, dir string, in types.Input) voice.Request {
	return voice.Request{Text: text, OutputDir: dir, Language: in.TargetLanguage}
}

func saveJSON(log *zap.Logger, path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Warn("could not marshal JSON", zap.String("path", path), zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Warn("could not save file", zap.String("path", path), zap.Error(err))
	}
}

func saveText(log *zap.Logger, path, text string) {
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		log.Warn("could not save file", zap.String("path", path), zap.Error(err))
	}
}
