package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	geminiKeysEnv      = "GEMINI_API_KEYS"
	geminiAudioKeysEnv = "GEMINI_AUDIO_KEYS"
	proxiesEnv         = "PROXIES"
	groqKeyEnv         = "GROQ_API_KEY"
	ttsTokenEnv        = "TTS_API_TOKEN"
	telegramTokenEnv   = "TELEGRAM_BOT_TOKEN"
	telegramChatEnv    = "TELEGRAM_CHAT_ID"
	artifactsAccessEnv = "ARTIFACTS_ACCESS_KEY"
	artifactsSecretEnv = "ARTIFACTS_SECRET_KEY"
	youtubeClientEnv   = "YOUTUBE_CLIENT_ID"
	youtubeSecretEnv   = "YOUTUBE_CLIENT_SECRET"
	youtubeRefreshEnv  = "YOUTUBE_REFRESH_TOKEN"
	logLevelEnv        = "LOG_LEVEL"
)

type Config struct {
	Gemini    GeminiConfig     `yaml:"gemini"`
	Groq      GroqConfig       `yaml:"groq"`
	Proxies   []string         `yaml:"proxies"`
	Models    ModelsConfig     `yaml:"models"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Audio     AudioConfig      `yaml:"audio"`
	Visuals   VisualsConfig    `yaml:"visuals"`
	Subtitles SubtitlesConfig  `yaml:"subtitles"`
	Metadata  MetadataConfig   `yaml:"metadata"`
	Upload    UploadConfig     `yaml:"upload"`
	Store     StoreConfig      `yaml:"store"`
	Notify    NotifyConfig     `yaml:"notify"`
	Artifacts ArtifactsConfig  `yaml:"artifacts"`
	Paths     PathsConfig      `yaml:"paths"`
	Log       LogConfig        `yaml:"log"`
	Niches    map[string]Niche `yaml:"niches"`
}

type GeminiConfig struct {
	APIKeys    []string `yaml:"api_keys"`
	AudioKeys  []string `yaml:"audio_keys"`
	DailyLimit int      `yaml:"daily_limit"`
	Endpoint   string   `yaml:"endpoint"`
}

// GroqConfig enables an OpenAI-compatible endpoint for the metadata stage.
type GroqConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
}

// ModelsConfig is the priority list of models for every AI action.
type ModelsConfig struct {
	Analysis   []string `yaml:"analysis"`
	Keywords   []string `yaml:"keywords"`
	Modules    []string `yaml:"modules"`
	Checkpoint []string `yaml:"checkpoint"`
	Writer     []string `yaml:"writer"`
	Polish     []string `yaml:"polish"`
	CTR        []string `yaml:"ctr"`
	Micro      []string `yaml:"micro"`
	Visuals    []string `yaml:"visuals"`
}

type PipelineConfig struct {
	Mode              string `yaml:"mode"`
	Niche             string `yaml:"niche"`
	TargetWords       int    `yaml:"target_words"`
	TargetLanguage    string `yaml:"target_language"`
	MaxPlanRounds     int    `yaml:"max_plan_rounds"`
	ModuleConcurrency int    `yaml:"module_concurrency"`
	UnitConcurrency   int    `yaml:"unit_concurrency"`
	MicroUnits        int    `yaml:"micro_units"`
	WordsPerUnit      int    `yaml:"words_per_unit"`
}

type TTSProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	VoiceID string `yaml:"voice_id"`
	ModelID string `yaml:"model_id"`
	// FeedURL is an optional websocket that pushes task progress.
	FeedURL string `yaml:"feed_url"`
}

type AudioConfig struct {
	Providers       []TTSProviderConfig `yaml:"providers"`
	EdgeVoice       string              `yaml:"edge_voice"`
	EdgeVoiceDE     string              `yaml:"edge_voice_de"`
	ChunkChars      int                 `yaml:"chunk_chars"`
	PollIntervalSec int                 `yaml:"poll_interval_sec"`
	PollTimeoutSec  int                 `yaml:"poll_timeout_sec"`
	OutputFormat    string              `yaml:"output_format"`
}

type VisualsConfig struct {
	VideoResolution    string  `yaml:"video_resolution"`
	FPS                int     `yaml:"fps"`
	KenBurnsZoomFactor float64 `yaml:"ken_burns_zoom_factor"`
	SceneTargetSec     float64 `yaml:"scene_target_sec"`
	SceneMinSec        float64 `yaml:"scene_min_sec"`
	ImageWidth         int     `yaml:"image_width"`
	ImageHeight        int     `yaml:"image_height"`
	ImageBaseURL       string  `yaml:"image_base_url"`
	ImageConcurrency   int     `yaml:"image_concurrency"`
	ShotsPerBatch      int     `yaml:"shots_per_batch"`
}

type SubtitlesConfig struct {
	Engine        string  `yaml:"engine"`
	WhisperModel  string  `yaml:"whisper_model"`
	BurnIntoVideo bool    `yaml:"burn_into_video"`
	Font          string  `yaml:"font"`
	FontSize      int     `yaml:"font_size"`
	Color         string  `yaml:"color"`
	StrokeColor   string  `yaml:"stroke_color"`
	StrokeWidth   float64 `yaml:"stroke_width"`
	MarginBottom  int     `yaml:"margin_bottom"`
}

type MetadataConfig struct {
	TitleMaxChars     int    `yaml:"title_max_chars"`
	TagsCount         int    `yaml:"tags_count"`
	YouTubeCategoryID string `yaml:"youtube_category_id"`
	Timezone          string `yaml:"timezone"`
	PublishHour       int    `yaml:"publish_hour"`
}

type UploadConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Visibility        string `yaml:"visibility"`
	NotifySubscribers bool   `yaml:"notify_subscribers"`
	MadeForKids       bool   `yaml:"made_for_kids"`
	DefaultLanguage   string `yaml:"default_language"`
	ClientID          string `yaml:"-"`
	ClientSecret      string `yaml:"-"`
	RefreshToken      string `yaml:"-"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type ArtifactsConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type PathsConfig struct {
	Output     string `yaml:"output"`
	Logs       string `yaml:"logs"`
	Cache      string `yaml:"cache"`
	Usage      string `yaml:"usage"`
	DeadKeyLog string `yaml:"dead_key_log"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a config that runs a standard documentary video with
// local TTS and no optional integrations.
func Default() *Config {
	return &Config{
		Gemini: GeminiConfig{DailyLimit: 20},
		Groq:   GroqConfig{BaseURL: "https://api.groq.com/openai/v1", Models: []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant"}},
		Models: ModelsConfig{
			Analysis:   []string{"gemini-3-flash-preview", "gemini-2.5-flash", "gemini-2.5-flash-lite"},
			Keywords:   []string{"gemma-3-27b-it", "gemma-3-12b-it", "gemini-2.5-flash-lite", "gemini-2.5-flash"},
			Modules:    []string{"gemini-3-flash-preview", "gemma-3-27b-it"},
			Checkpoint: []string{"gemini-3-flash-preview", "gemma-3-27b-it", "gemma-3-12b-it"},
			Writer:     []string{"gemma-3-27b-it", "gemma-3-12b-it", "gemini-3-flash-preview"},
			Polish:     []string{"gemma-3-27b-it", "gemma-3-12b-it", "gemini-3-flash-preview"},
			CTR:        []string{"gemma-3-27b-it", "gemma-3-12b-it", "gemini-3-flash-preview"},
			Micro:      []string{"gemini-3-flash-preview", "gemma-3-27b-it"},
			Visuals:    []string{"gemma-3-27b-it", "gemma-3-12b-it", "gemini-2.5-flash-lite"},
		},
		Pipeline: PipelineConfig{
			Mode:              "standard",
			Niche:             "documentary",
			TargetWords:       5000,
			TargetLanguage:    "English",
			MaxPlanRounds:     3,
			ModuleConcurrency: 3,
			UnitConcurrency:   4,
			MicroUnits:        3,
			WordsPerUnit:      1500,
		},
		Audio: AudioConfig{
			EdgeVoice:       "en-US-GuyNeural",
			EdgeVoiceDE:     "de-DE-ConradNeural",
			ChunkChars:      4500,
			PollIntervalSec: 5,
			PollTimeoutSec:  600,
			OutputFormat:    "mp3",
		},
		Visuals: VisualsConfig{
			VideoResolution:    "1920x1080",
			FPS:                30,
			KenBurnsZoomFactor: 1.15,
			SceneTargetSec:     8,
			SceneMinSec:        3,
			ImageWidth:         1920,
			ImageHeight:        1080,
			ImageBaseURL:       "https://image.pollinations.ai/prompt",
			ImageConcurrency:   3,
			ShotsPerBatch:      40,
		},
		Subtitles: SubtitlesConfig{
			Engine:        "whisper",
			WhisperModel:  "base",
			BurnIntoVideo: true,
			Font:          "Arial",
			FontSize:      22,
			Color:         "FFFFFF",
			StrokeColor:   "000000",
			StrokeWidth:   2,
			MarginBottom:  60,
		},
		Metadata: MetadataConfig{
			TitleMaxChars:     100,
			TagsCount:         15,
			YouTubeCategoryID: "27",
			Timezone:          "America/New_York",
			PublishHour:       14,
		},
		Upload: UploadConfig{
			Visibility:        "public",
			NotifySubscribers: true,
			DefaultLanguage:   "en",
		},
		Store:     StoreConfig{Path: "data/studio.db"},
		Artifacts: ArtifactsConfig{Bucket: "longform-studio", Region: "us-east-1", Prefix: "runs"},
		Paths: PathsConfig{
			Output:     "output",
			Logs:       "logs",
			Cache:      "cache",
			Usage:      "data",
			DeadKeyLog: "data/dead_keys.log",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config.yaml on top of Default and applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(geminiKeysEnv); v != "" {
		c.Gemini.APIKeys = SplitList(v)
	}
	if v := os.Getenv(geminiAudioKeysEnv); v != "" {
		c.Gemini.AudioKeys = SplitList(v)
	}
	if v := os.Getenv(proxiesEnv); v != "" {
		c.Proxies = SplitList(v)
	}
	if v := os.Getenv(groqKeyEnv); v != "" {
		c.Groq.APIKey = v
	}
	if v := os.Getenv(ttsTokenEnv); v != "" {
		for i := range c.Audio.Providers {
			if c.Audio.Providers[i].Token == "" {
				c.Audio.Providers[i].Token = v
			}
		}
	}
	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notify.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatEnv); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", telegramChatEnv, err)
		}
		c.Notify.Telegram.ChatID = id
	}
	if v := os.Getenv(artifactsAccessEnv); v != "" {
		c.Artifacts.AccessKey = v
	}
	if v := os.Getenv(artifactsSecretEnv); v != "" {
		c.Artifacts.SecretKey = v
	}
	c.Upload.ClientID = os.Getenv(youtubeClientEnv)
	c.Upload.ClientSecret = os.Getenv(youtubeSecretEnv)
	c.Upload.RefreshToken = os.Getenv(youtubeRefreshEnv)
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks the values the pipeline cannot run without.
func (c *Config) Validate() error {
	switch c.Pipeline.Mode {
	case "standard", "micro":
	default:
		return fmt.Errorf("pipeline.mode must be standard or micro, got %q", c.Pipeline.Mode)
	}
	if c.Pipeline.TargetWords <= 0 {
		return fmt.Errorf("pipeline.target_words must be positive")
	}
	if c.Pipeline.MaxPlanRounds <= 0 {
		c.Pipeline.MaxPlanRounds = 3
	}
	if c.Pipeline.ModuleConcurrency <= 0 {
		c.Pipeline.ModuleConcurrency = 3
	}
	if c.Pipeline.UnitConcurrency <= 0 {
		c.Pipeline.UnitConcurrency = 4
	}
	if c.Pipeline.MicroUnits <= 0 {
		c.Pipeline.MicroUnits = 3
	}
	if c.Audio.ChunkChars <= 0 {
		c.Audio.ChunkChars = 4500
	}
	return nil
}

// KeySource re-reads the config file and environment each time it is
// called and returns the key list of the named pool ("general" or "audio").
// The audio pool falls back to the general keys when it has none.
func KeySource(path, pool string) func() ([]string, error) {
	return func() ([]string, error) {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		if pool == "audio" && len(cfg.Gemini.AudioKeys) > 0 {
			return cfg.Gemini.AudioKeys, nil
		}
		return cfg.Gemini.APIKeys, nil
	}
}

// SplitList splits a comma or newline separated env value.
func SplitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
