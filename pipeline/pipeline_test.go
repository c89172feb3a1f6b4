package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"longform-studio/analysis"
	"longform-studio/compilation"
	"longform-studio/config"
	"longform-studio/metadata"
	"longform-studio/planner"
	"longform-studio/render"
	"longform-studio/script"
	"longform-studio/types"
	"longform-studio/visuals"
	"longform-studio/voice"
)

type analyzerFunc func(context.Context, analysis.Input) (*types.Analysis, error)

func (f analyzerFunc) Analyze(ctx context.Context, in analysis.Input) (*types.Analysis, error) {
	return f(ctx, in)
}

type plannerFunc func(context.Context, planner.RevisionInput, int) (*planner.Approved, error)

func (f plannerFunc) PlanWithApproval(ctx context.Context, in planner.RevisionInput, rounds int) (*planner.Approved, error) {
	return f(ctx, in, rounds)
}

type topicsFunc func(context.Context, planner.TopicInput) ([]types.MicroTopic, error)

func (f topicsFunc) Generate(ctx context.Context, in planner.TopicInput) ([]types.MicroTopic, error) {
	return f(ctx, in)
}

type writerFunc func(context.Context, script.Input) ([]types.ModuleScript, error)

func (f writerFunc) WriteAll(ctx context.Context, in script.Input) ([]types.ModuleScript, error) {
	return f(ctx, in)
}

type assemblerFunc func(context.Context, script.AssembleInput) (*types.AssembledScript, error)

func (f assemblerFunc) Assemble(ctx context.Context, in script.AssembleInput) (*types.AssembledScript, error) {
	return f(ctx, in)
}

type ctrFunc func(context.Context, metadata.CTRInput) (*types.CTRBundle, error)

func (f ctrFunc) Generate(ctx context.Context, in metadata.CTRInput) (*types.CTRBundle, error) {
	return f(ctx, in)
}

type descFunc func(context.Context, metadata.DescriptionInput) (*types.DescriptionBundle, error)

func (f descFunc) Generate(ctx context.Context, in metadata.DescriptionInput) (*types.DescriptionBundle, error) {
	return f(ctx, in)
}

type voiceFunc func(context.Context, voice.Request) (*types.VoiceTrack, error)

func (f voiceFunc) Generate(ctx context.Context, req voice.Request) (*types.VoiceTrack, error) {
	return f(ctx, req)
}

type visualsFunc func(context.Context, visuals.Input) ([]types.ShotPrompt, error)

func (f visualsFunc) Run(ctx context.Context, in visuals.Input) ([]types.ShotPrompt, error) {
	return f(ctx, in)
}

type renderFunc func(context.Context, render.Input) (string, error)

func (f renderFunc) Render(ctx context.Context, in render.Input) (string, error) {
	return f(ctx, in)
}

type compilerFunc func(context.Context, compilation.Input) (*types.Compilation, error)

func (f compilerFunc) Assemble(ctx context.Context, in compilation.Input) (*types.Compilation, error) {
	return f(ctx, in)
}

type uploaderFunc func(context.Context, string, *types.VideoMetadata) (*types.UploadResult, error)

func (f uploaderFunc) Upload(ctx context.Context, file string, meta *types.VideoMetadata) (*types.UploadResult, error) {
	return f(ctx, file, meta)
}

type sourceFake struct{}

func (sourceFake) Fetch(context.Context, string) (string, error) { return "/cache/source.webm", nil }
func (sourceFake) Title(context.Context, string) (string, error) { return "Source Title", nil }

// recorder captures what the pipeline handed to its stages.
type recorder struct {
	mu       sync.Mutex
	plans    []planner.RevisionInput
	writes   int
	saves    int
	seo      int
	notified []types.RunStatus
	rendered render.Input
	compiled compilation.Input
}

func (r *recorder) SaveRun(context.Context, *types.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	return nil
}

func (r *recorder) SaveSEO(context.Context, string, *types.CTRBundle, *types.DescriptionBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seo++
	return nil
}

func (r *recorder) Notify(_ context.Context, run *types.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, run.Status)
	return nil
}

func testPlan(n int) *types.ModulePlan {
	plan := &types.ModulePlan{}
	for i := 1; i <= n; i++ {
		plan.Modules = append(plan.Modules, types.Module{Index: i, Role: "R", WordTarget: 100})
	}
	return plan
}

func testDeps(rec *recorder) Deps {
	return Deps{
		Source: sourceFake{},
		Analyzer: analyzerFunc(func(_ context.Context, in analysis.Input) (*types.Analysis, error) {
			return &types.Analysis{HookScore: 8, DominantTrigger: "awe", Recommendation: "proceed"}, nil
		}),
		Planner: plannerFunc(func(_ context.Context, in planner.RevisionInput, _ int) (*planner.Approved, error) {
			rec.mu.Lock()
			rec.plans = append(rec.plans, in)
			rec.mu.Unlock()
			return &planner.Approved{
				Keywords: &types.KeywordPlan{CoreKeyword: "dark matter"},
				Plan:     testPlan(in.Mode.RequiredModules()),
				Verdict:  types.Verdict{Ready: true},
				Rounds:   1,
			}, nil
		}),
		Topics: topicsFunc(func(_ context.Context, in planner.TopicInput) ([]types.MicroTopic, error) {
			var out []types.MicroTopic
			for i, t := range []string{"A", "B", "C"}[:in.Count] {
				out = append(out, types.MicroTopic{ID: i + 1, TopicTitle: t})
			}
			return out, nil
		}),
		Writer: writerFunc(func(_ context.Context, in script.Input) ([]types.ModuleScript, error) {
			rec.mu.Lock()
			rec.writes++
			rec.mu.Unlock()
			var out []types.ModuleScript
			for _, m := range in.Plan.Modules {
				out = append(out, types.ModuleScript{ModuleIndex: m.Index, Content: "words here"})
			}
			return out, nil
		}),
		Assembler: assemblerFunc(func(_ context.Context, in script.AssembleInput) (*types.AssembledScript, error) {
			return &types.AssembledScript{FullScript: "The full script.", Modules: in.Modules, EmotionalArcPassed: true}, nil
		}),
		CTR: ctrFunc(func(context.Context, metadata.CTRInput) (*types.CTRBundle, error) {
			return &types.CTRBundle{Titles: []string{"The Quiet Signal"}}, nil
		}),
		Description: descFunc(func(_ context.Context, in metadata.DescriptionInput) (*types.DescriptionBundle, error) {
			return &types.DescriptionBundle{Description: "desc", Tags: []string{"a", "b"}}, nil
		}),
		Voice: voiceFunc(func(_ context.Context, req voice.Request) (*types.VoiceTrack, error) {
			return &types.VoiceTrack{
				AudioPath:   filepath.Join(req.OutputDir, "voice_final.mp3"),
				SRTPath:     filepath.Join(req.OutputDir, "voice_final.srt"),
				DurationSec: 30,
			}, nil
		}),
		Visuals: visualsFunc(func(context.Context, visuals.Input) ([]types.ShotPrompt, error) {
			return []types.ShotPrompt{{ID: 1, EndSec: 15}, {ID: 2, StartSec: 15, EndSec: 30}}, nil
		}),
		Renderer: renderFunc(func(_ context.Context, in render.Input) (string, error) {
			rec.mu.Lock()
			rec.rendered = in
			rec.mu.Unlock()
			return filepath.Join(in.OutputDir, "final_video.mp4"), nil
		}),
		Compiler: compilerFunc(func(_ context.Context, in compilation.Input) (*types.Compilation, error) {
			rec.mu.Lock()
			rec.compiled = in
			rec.mu.Unlock()
			return &types.Compilation{
				AudioPath:     filepath.Join(in.OutputDir, "mega_audio.mp3"),
				SRTPath:       filepath.Join(in.OutputDir, "mega_video.srt"),
				TotalDuration: 60,
				BlocksCount:   len(in.Blocks),
				Shots:         []types.ShotPrompt{{ID: 1}, {ID: 2}, {ID: 3}},
			}, nil
		}),
		Uploader: uploaderFunc(func(context.Context, string, *types.VideoMetadata) (*types.UploadResult, error) {
			return &types.UploadResult{VideoID: "vid", VideoURL: "https://www.youtube.com/watch?v=vid"}, nil
		}),
		Store:    rec,
		Notifier: rec,
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	root := t.TempDir()
	cfg.Paths.Output = filepath.Join(root, "output")
	cfg.Paths.Logs = filepath.Join(root, "logs")
	cfg.Upload.Enabled = true
	return cfg
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

func TestRunStandardFromTopic(t *testing.T) {
	cfg := testConfig(t)
	rec := &recorder{}
	p := New(cfg, testDeps(rec), nil).WithClock(fixedNow)

	run, err := p.Run(context.Background(), types.Input{Topic: "dark matter"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != types.StatusCompleted || run.Error != "" {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}
	if run.Metadata == nil || run.Metadata.Title != "The Quiet Signal" || run.Upload == nil || run.Upload.VideoID != "vid" {
		t.Fatalf("metadata = %+v, upload = %+v", run.Metadata, run.Upload)
	}
	if len(rec.plans) != 1 || rec.plans[0].Mode != types.ModeStandard || rec.plans[0].TargetWords != 5000 {
		t.Fatalf("plans = %+v", rec.plans)
	}
	if rec.rendered.DurationSec != 30 || len(rec.rendered.Shots) != 2 {
		t.Fatalf("render input = %+v", rec.rendered)
	}
	if len(rec.notified) != 1 || rec.notified[0] != types.StatusCompleted || rec.seo != 1 || rec.saves < 2 {
		t.Fatalf("notified = %v, seo = %d, saves = %d", rec.notified, rec.seo, rec.saves)
	}

	runDir := filepath.Join(cfg.Paths.Output, run.RunID)
	for _, f := range []string{"run.json", "metadata.json", "script.txt", "analysis.json"} {
		if _, err := os.Stat(filepath.Join(runDir, f)); err != nil {
			t.Fatalf("missing %s: %v", f, err)
		}
	}
	logs, _ := filepath.Glob(filepath.Join(cfg.Paths.Logs, "upload_*.json"))
	if len(logs) != 1 {
		t.Fatalf("upload logs = %v", logs)
	}
}

func TestRunFetchesSourceAudio(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.Enabled = false
	rec := &recorder{}
	deps := testDeps(rec)
	var got analysis.Input
	deps.Analyzer = analyzerFunc(func(_ context.Context, in analysis.Input) (*types.Analysis, error) {
		got = in
		return &types.Analysis{HookScore: 8, Recommendation: "proceed"}, nil
	})

	run, err := New(cfg, deps, nil).Run(context.Background(), types.Input{SourceURL: "https://youtu.be/abc"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.AudioPath != "/cache/source.webm" || run.Analysis.SourceTitle != "Source Title" {
		t.Fatalf("analysis input = %+v, analysis = %+v", got, run.Analysis)
	}
	if run.Upload != nil {
		t.Fatalf("upload should be skipped when disabled")
	}
}

func TestRunRejectedSource(t *testing.T) {
	rec := &recorder{}
	deps := testDeps(rec)
	deps.Analyzer = analyzerFunc(func(context.Context, analysis.Input) (*types.Analysis, error) {
		return &types.Analysis{HookScore: 2, Recommendation: "reject"}, nil
	})

	run, err := New(testConfig(t), deps, nil).Run(context.Background(), types.Input{ManualScript: "weak script"})
	if err != nil {
		t.Fatalf("a rejection is not an error: %v", err)
	}
	if run.Status != types.StatusRejected || rec.writes != 0 || len(rec.plans) != 0 {
		t.Fatalf("status = %s, writes = %d, plans = %d", run.Status, rec.writes, len(rec.plans))
	}
	if len(rec.notified) != 1 || rec.notified[0] != types.StatusRejected {
		t.Fatalf("notified = %v", rec.notified)
	}
}

func TestRunStageFailure(t *testing.T) {
	rec := &recorder{}
	deps := testDeps(rec)
	deps.Writer = writerFunc(func(context.Context, script.Input) ([]types.ModuleScript, error) {
		return nil, errors.New("boom")
	})
	rendered := false
	deps.Renderer = renderFunc(func(context.Context, render.Input) (string, error) {
		rendered = true
		return "", nil
	})

	run, err := New(testConfig(t), deps, nil).Run(context.Background(), types.Input{Topic: "t"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if run.Status != types.StatusFailed || run.Error != "Stage 5 Scripts: boom" || rendered {
		t.Fatalf("status = %s, error = %q, rendered = %v", run.Status, run.Error, rendered)
	}
	if len(rec.notified) != 1 || rec.notified[0] != types.StatusFailed {
		t.Fatalf("notified = %v", rec.notified)
	}
}

func TestRunNeedsSourceOrTopic(t *testing.T) {
	run, err := New(testConfig(t), testDeps(&recorder{}), nil).Run(context.Background(), types.Input{})
	if !errors.Is(err, analysis.ErrNoSource) || !strings.HasPrefix(run.Error, "Stage 1 Analysis") {
		t.Fatalf("err = %v, run error = %q", err, run.Error)
	}
}

func TestRunMicroSkipsFailedUnit(t *testing.T) {
	cfg := testConfig(t)
	rec := &recorder{}
	deps := testDeps(rec)
	deps.Voice = voiceFunc(func(_ context.Context, req voice.Request) (*types.VoiceTrack, error) {
		if filepath.Base(req.OutputDir) == "unit_02" {
			return nil, errors.New("all providers failed")
		}
		return &types.VoiceTrack{AudioPath: filepath.Join(req.OutputDir, "voice_final.mp3"), SRTPath: filepath.Join(req.OutputDir, "voice_final.srt"), DurationSec: 30}, nil
	})

	run, err := New(cfg, deps, nil).Run(context.Background(), types.Input{Topic: "manipulation", Mode: types.ModeMicro})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(run.MicroUnits) != 3 || !strings.HasPrefix(run.MicroUnits[1].Error, "voice:") || run.MicroUnits[0].Error != "" {
		t.Fatalf("units = %+v", run.MicroUnits)
	}
	if len(rec.compiled.Blocks) != 2 {
		t.Fatalf("compiled blocks = %d", len(rec.compiled.Blocks))
	}
	for _, in := range rec.plans {
		if in.Mode != types.ModeMicro || in.TargetWords != cfg.Pipeline.WordsPerUnit {
			t.Fatalf("unit plan input = %+v", in)
		}
	}
	if rec.rendered.DurationSec != 60 || len(rec.rendered.Shots) != 3 {
		t.Fatalf("render input = %+v", rec.rendered)
	}
	if run.Script == nil || len(run.Script.Modules) != 2 || run.Script.Modules[1].Role != "C" {
		t.Fatalf("combined script = %+v", run.Script)
	}
	if run.Status != types.StatusCompleted || run.Voice.DurationSec != 60 {
		t.Fatalf("status = %s, voice = %+v", run.Status, run.Voice)
	}
}

func TestRunMicroAllUnitsFail(t *testing.T) {
	deps := testDeps(&recorder{})
	deps.Planner = plannerFunc(func(context.Context, planner.RevisionInput, int) (*planner.Approved, error) {
		return nil, planner.ErrPlanNotApproved
	})
	run, err := New(testConfig(t), deps, nil).Run(context.Background(), types.Input{Topic: "x", Mode: types.ModeMicro})
	if !errors.Is(err, ErrNoUnits) || run.Status != types.StatusFailed {
		t.Fatalf("err = %v, status = %s", err, run.Status)
	}
}
