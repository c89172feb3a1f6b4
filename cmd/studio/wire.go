package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"longform-studio/analysis"
	"longform-studio/artifacts"
	"longform-studio/checkpoint"
	"longform-studio/compilation"
	"longform-studio/config"
	"longform-studio/keypool"
	"longform-studio/llm"
	"longform-studio/metadata"
	"longform-studio/notify"
	"longform-studio/pipeline"
	"longform-studio/planner"
	"longform-studio/proxy"
	"longform-studio/render"
	"longform-studio/script"
	"longform-studio/store"
	"longform-studio/subtitles"
	"longform-studio/upload"
	"longform-studio/visuals"
	"longform-studio/voice"
)

// groqDailyLimit is far above the Gemini free tier; Groq throttles per minute.
const groqDailyLimit = 1000

type app struct {
	pipeline *pipeline.Pipeline
	proxies  *proxy.Rotator
	closers  []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		_ = c()
	}
}

// wire builds every stage from cfg. niche picks the local fallback voice.
func wire(ctx context.Context, cfg *config.Config, configPath, niche string, st *store.Store, logger *zap.Logger) (*app, error) {
	a := &app{proxies: proxy.NewRotator(cfg.Proxies, logger)}

	general, err := newPool(cfg, configPath, "general", logger)
	if err != nil {
		return nil, err
	}
	audioPool, err := newPool(cfg, configPath, "audio", logger)
	if err != nil {
		return nil, err
	}

	gemini := llm.NewGeminiProvider()
	gen := llm.NewClient(llm.NewExecutor(general, a.proxies, logger), gemini, st, logger)
	audioGen := llm.NewClient(llm.NewExecutor(audioPool, a.proxies, logger), gemini, st, logger)

	// Metadata goes to Groq when a key is configured.
	var metaGen llm.Generator = gen
	metaModels := cfg.Models.CTR
	if cfg.Groq.APIKey != "" {
		groqPool, err := keypool.New(keypool.Options{
			Name:       "groq",
			Source:     keypool.Static(cfg.Groq.APIKey),
			UsageFile:  filepath.Join(cfg.Paths.Usage, "usage_groq.json"),
			Model:      "groq",
			DailyLimit: groqDailyLimit,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("groq pool: %w", err)
		}
		metaGen = llm.NewClient(llm.NewExecutor(groqPool, nil, logger), llm.NewOpenAIProvider(cfg.Groq.BaseURL), st, logger)
		metaModels = cfg.Groq.Models
	}

	subs := subtitles.New(cfg, logger)
	voiceGen := voice.NewGenerator(voiceProviders(ctx, a, cfg, niche, logger), cfg.Audio.ChunkChars, logger)
	voiceGen.Transcriber = subs

	fetcher := visuals.NewImageFetcher(cfg.Visuals, nil, logger)

	deps := pipeline.Deps{
		Source:      analysis.NewDownloader(cfg.Paths.Cache, logger),
		Analyzer:    analysis.New(audioGen, cfg.Models.Analysis, logger),
		Planner: planner.NewReviser(
			planner.NewKeywordEngine(gen, cfg.Models.Keywords, logger),
			planner.NewModulePlanner(gen, cfg.Models.Modules, logger),
			checkpoint.New(gen, cfg.Models.Checkpoint, logger),
			logger,
		),
		Topics:      planner.NewTopicGenerator(gen, cfg.Models.Micro, logger),
		Writer:      script.New(gen, cfg.Models.Writer, cfg.Pipeline.ModuleConcurrency, logger),
		Assembler:   script.NewAssembler(gen, cfg.Models.Polish, logger),
		CTR:         metadata.NewCTREngine(metaGen, metaModels, logger),
		Description: metadata.NewDescriptionWriter(metaGen, metaModels, logger),
		Voice:       voiceGen,
		Visuals:     visuals.NewAssembler(cfg, gen, logger).WithFetcher(fetcher),
		Thumbnails:  fetcher,
		Renderer:    render.New(cfg, subs, logger),
		Compiler:    compilation.New(voiceGen, logger),
		Uploader:    upload.New(cfg, logger),
		Store:       st,
	}

	if cfg.Artifacts.Endpoint != "" {
		ms, err := artifacts.NewMinioStore(ctx, cfg.Artifacts)
		if err != nil {
			logger.Warn("⚠️ artifact store unavailable, runs stay local", zap.Error(err))
		} else {
			deps.Publisher = artifacts.NewPublisher(ms, cfg.Artifacts, logger)
		}
	}

	n, err := notify.New(cfg.Notify, logger)
	if err != nil {
		logger.Warn("⚠️ telegram unavailable, notifications off", zap.Error(err))
		n = notify.Nop{}
	}
	deps.Notifier = n

	a.pipeline = pipeline.New(cfg, deps, logger)
	return a, nil
}

func newPool(cfg *config.Config, configPath, name string, logger *zap.Logger) (*keypool.Pool, error) {
	pool, err := keypool.New(keypool.Options{
		Name:        name,
		Source:      config.KeySource(configPath, name),
		UsageFile:   filepath.Join(cfg.Paths.Usage, "usage_"+name+".json"),
		DeadKeysLog: cfg.Paths.DeadKeyLog,
		Model:       "gemini",
		DailyLimit:  cfg.Gemini.DailyLimit,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s key pool: %w", name, err)
	}
	return pool, nil
}

// voiceProviders lists the hosted TTS services in config order, then the
// local edge-tts voice for the niche's language.
func voiceProviders(ctx context.Context, a *app, cfg *config.Config, niche string, logger *zap.Logger) []voice.Synthesizer {
	var out []voice.Synthesizer
	for _, pc := range cfg.Audio.Providers {
		jp := voice.NewJobProvider(pc, cfg.Audio, nil, logger)
		if pc.FeedURL != "" {
			feed, err := voice.DialFeed(ctx, pc.FeedURL, pc.Token, logger)
			if err != nil {
				logger.Warn("⚠️ progress feed unavailable, polling only", zap.String("provider", pc.Name), zap.Error(err))
			} else {
				jp.Feed = feed
				a.closers = append(a.closers, feed.Close)
			}
		}
		out = append(out, jp)
	}

	edgeVoice := cfg.Audio.EdgeVoice
	if cfg.Niche(niche).IsGerman() && cfg.Audio.EdgeVoiceDE != "" {
		edgeVoice = cfg.Audio.EdgeVoiceDE
	}
	edge := voice.NewEdgeTTS(edgeVoice, logger)
	if edge.Available() {
		out = append(out, edge)
	} else {
		logger.Warn("⚠️ edge-tts not installed, no local voice fallback")
	}
	return out
}
