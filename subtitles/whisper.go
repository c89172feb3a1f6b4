// Package subtitles reads, writes, shifts and merges SRT tracks, groups
// cues into visual scenes, transcribes audio with whisper and burns
// subtitles into video with ffmpeg.
package subtitles

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"longform-studio/config"
)

// Generator wraps the whisper and ffmpeg command lines.
type Generator struct {
	cfg config.SubtitlesConfig
	log *zap.Logger
}

// New creates a new subtitle Generator
func New(cfg *config.Config, logger *zap.Logger) *Generator {
	return &Generator{cfg: cfg.Subtitles, log: logger.Named("subtitles")}
}

// Transcribe runs whisper on audioFile and returns the path of the SRT it wrote.
func (g *Generator) Transcribe(ctx context.Context, audioFile, outputDir, language string) (string, error) {
	g.log.Info("[subtitles] running whisper transcription", zap.String("audio", audioFile))

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", err
	}
	if language == "" {
		language = "en"
	}

	cmd := exec.CommandContext(ctx,
		"whisper",
		audioFile,
		"--model", g.cfg.WhisperModel,
		"--output_format", "srt",
		"--output_dir", outputDir,
		"--language", language,
		"--word_timestamps", "True",
		"--max_line_count", "2",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("whisper failed: %w: %s", err, tail(out))
	}

	// whisper names the file after the audio
	base := strings.TrimSuffix(filepath.Base(audioFile), filepath.Ext(audioFile))
	srtFile := filepath.Join(outputDir, base+".srt")
	if err := ValidateSRT(srtFile); err != nil {
		return "", err
	}

	g.log.Info("[subtitles] ✅ SRT generated", zap.String("srt", srtFile))
	return srtFile, nil
}

// BurnIntoVideo uses FFmpeg to burn subtitles directly into the video
func (g *Generator) BurnIntoVideo(ctx context.Context, videoFile, srtFile, outputDir string) (string, error) {
	g.log.Info("[subtitles] burning subtitles into video")

	outFile := filepath.Join(outputDir, "video_subtitled.mp4")

	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-i", videoFile,
		"-vf", g.filter(srtFile),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "20",
		"-c:a", "copy",
		outFile,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg subtitle burn: %w: %s", err, tail(out))
	}

	g.log.Info("[subtitles] ✅ subtitles burned", zap.String("video", outFile))
	return outFile, nil
}

func (g *Generator) filter(srtFile string) string {
	return fmt.Sprintf(
		"subtitles=%s:force_style='FontName=%s,FontSize=%d,PrimaryColour=&H00%s,OutlineColour=&H00%s,Outline=%.0f,Alignment=2,MarginV=%d'",
		escapeSubtitlePath(srtFile),
		g.cfg.Font,
		g.cfg.FontSize,
		bgr(g.cfg.Color),
		bgr(g.cfg.StrokeColor),
		g.cfg.StrokeWidth,
		g.cfg.MarginBottom,
	)
}

// ValidateSRT checks that the SRT file exists and holds at least one cue.
func ValidateSRT(srtFile string) error {
	cues, err := ReadFile(srtFile)
	if err != nil {
		return err
	}
	if len(cues) == 0 {
		return errors.New("SRT file appears empty or malformed: " + srtFile)
	}
	return nil
}

func escapeSubtitlePath(path string) string {
	// FFmpeg subtitle filter needs escaped colons and backslashes
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, ":", "\\:")
	return path
}

// bgr converts an RRGGBB colour to the BBGGRR order ASS styles use.
func bgr(rgb string) string {
	rgb = strings.TrimPrefix(rgb, "#")
	if len(rgb) != 6 {
		return "FFFFFF"
	}
	return strings.ToUpper(rgb[4:6] + rgb[2:4] + rgb[0:2])
}

func tail(out []byte) string {
	const max = 400
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
