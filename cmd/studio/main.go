package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/logging"
	"longform-studio/store"
	"longform-studio/types"
)

func main() {
	// Load .env (local dev only)
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "config.yaml", "path to config.yaml")
		mode       = flag.String("mode", "", "standard or micro (default from config)")
		sourceURL  = flag.String("url", "", "source video URL to analyze")
		scriptPath = flag.String("script", "", "manual script file used instead of a source URL")
		topic      = flag.String("topic", "", "topic to plan from when there is no source")
		niche      = flag.String("niche", "", "niche profile (default from config)")
		words      = flag.Int("words", 0, "target word count (default from config)")
		lang       = flag.String("lang", "", "target language (default from niche)")
		doUpload   = flag.Bool("upload", false, "upload the finished video to YouTube")
		list       = flag.Bool("list", false, "list recent projects and exit")
		status     = flag.String("status", "", "with -list, only show projects in this status")
		testProxy  = flag.Bool("test-proxies", false, "test the configured proxies and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *doUpload {
		cfg.Upload.Enabled = true
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Paths.Logs)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	for _, dir := range []string{cfg.Paths.Output, cfg.Paths.Cache, cfg.Paths.Usage} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("failed to create dir", zap.String("dir", dir), zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if *list {
		if err := listProjects(ctx, st, types.RunStatus(*status)); err != nil {
			logger.Fatal("list projects", zap.Error(err))
		}
		return
	}

	nicheName := *niche
	if nicheName == "" {
		nicheName = cfg.Pipeline.Niche
	}
	app, err := wire(ctx, cfg, *configPath, nicheName, st, logger)
	if err != nil {
		logger.Fatal("failed to wire pipeline", zap.Error(err))
	}
	defer app.Close()

	if *testProxy || app.proxies.Len() > 0 {
		ok := app.proxies.Test(ctx)
		logger.Info("🌐 proxies tested", zap.Int("ok", ok), zap.Int("total", app.proxies.Len()))
		if *testProxy {
			return
		}
	}

	in := types.Input{
		SourceURL:      *sourceURL,
		Topic:          *topic,
		Niche:          *niche,
		TargetLanguage: *lang,
		TargetWords:    *words,
		Mode:           types.Mode(*mode),
	}
	if *scriptPath != "" {
		data, err := os.ReadFile(*scriptPath)
		if err != nil {
			logger.Fatal("read manual script", zap.Error(err))
		}
		in.ManualScript = string(data)
	}

	run, err := app.pipeline.Run(ctx, in)
	if err != nil {
		if run != nil {
			logger.Error("run failed", zap.String("run", run.RunID), zap.String("error", run.Error))
		}
		logger.Sync()
		os.Exit(1)
	}
	fmt.Printf("%s\t%s\t%s\n", run.RunID, run.Status, run.VideoFile)
}

func listProjects(ctx context.Context, st *store.Store, status types.RunStatus) error {
	projects, err := st.ListProjects(ctx, status, 20)
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%-10s\t%-10s\t%s\n", p.CreatedAt.Format("2006-01-02 15:04"), p.RunID, p.Status, p.Stage, p.Title)
	}
	return nil
}
