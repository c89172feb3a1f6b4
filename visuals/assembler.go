package visuals

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/types"
)

// Assembler runs the visuals stage: scenes from subtitles, prompts, images.
type Assembler struct {
	cfg     config.VisualsConfig
	writer  *ShotWriter
	fetcher *ImageFetcher
	log     *zap.Logger
}

func NewAssembler(cfg *config.Config, gen llm.Generator, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		cfg:     cfg.Visuals,
		writer:  NewShotWriter(gen, cfg.Models.Visuals, cfg.Visuals.ShotsPerBatch, logger),
		fetcher: NewImageFetcher(cfg.Visuals, nil, logger),
		log:     logger.Named("visuals"),
	}
}

// WithFetcher swaps the image fetcher.
func (a *Assembler) WithFetcher(f *ImageFetcher) *Assembler {
	a.fetcher = f
	return a
}

// Input is one narration to illustrate.
type Input struct {
	ProjectID string
	Topic     string
	SRTPath   string
	Niche     config.Niche
	OutputDir string
	// SkipImages stops after the prompts.
	SkipImages bool
}

// Run groups the subtitles into scenes, writes a prompt per scene, fetches
// the images into <OutputDir>/visuals and saves the shot list next to them.
func (a *Assembler) Run(ctx context.Context, in Input) ([]types.ShotPrompt, error) {
	target := seconds(a.cfg.SceneTargetSec, 8)
	minDur := seconds(a.cfg.SceneMinSec, 3)

	scenes, err := Scenes(in.SRTPath, target, minDur)
	if err != nil {
		return nil, fmt.Errorf("group scenes: %w", err)
	}
	a.log.Info("[visuals] 🎬 scenes grouped", zap.Int("scenes", len(scenes)), zap.Duration("target", target))

	shots, err := a.writer.Write(ctx, ShotInput{
		ProjectID: in.ProjectID,
		Topic:     in.Topic,
		Scenes:    scenes,
		Niche:     in.Niche,
	})
	if err != nil {
		return nil, fmt.Errorf("shot prompts: %w", err)
	}

	dir := filepath.Join(in.OutputDir, "visuals")
	if !in.SkipImages {
		shots, err = a.fetcher.FetchAll(ctx, shots, dir)
		if err != nil {
			return nil, fmt.Errorf("fetch images: %w", err)
		}
	}
	if err := SaveShots(filepath.Join(dir, "shots.json"), shots); err != nil {
		a.log.Warn("[visuals] could not save shot list", zap.Error(err))
	}
	return shots, nil
}

// SaveShots writes the shot list as indented JSON.
func SaveShots(path string, shots []types.ShotPrompt) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(shots, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func seconds(v, def float64) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v * float64(time.Second))
}
