package voice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"longform-studio/retry"
)

// EdgeTTS synthesizes locally with the edge-tts command line.
type EdgeTTS struct {
	Voice string
	// Bin is the executable; it defaults to edge-tts.
	Bin      string
	Attempts retry.Policy
	log      *zap.Logger
}

func NewEdgeTTS(voice string, logger *zap.Logger) *EdgeTTS {
	if logger == nil {
		logger = zap.NewNop()
	}
	if voice == "" {
		voice = "en-US-GuyNeural"
	}
	return &EdgeTTS{
		Voice:    voice,
		Bin:      "edge-tts",
		Attempts: retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(2 * time.Second)},
		log:      logger.Named("tts.edge"),
	}
}

func (e *EdgeTTS) Name() string { return "edge-tts" }

// Available reports whether the binary is on PATH.
func (e *EdgeTTS) Available() bool {
	_, err := exec.LookPath(e.Bin)
	return err == nil
}

// Synthesize writes the text to a file next to outBase and runs edge-tts on
// it. Subtitles are kept only when edge-tts wrote a non-empty SRT.
func (e *EdgeTTS) Synthesize(ctx context.Context, text, outBase string) (Clip, error) {
	if err := os.MkdirAll(filepath.Dir(outBase), 0755); err != nil {
		return Clip{}, err
	}
	textFile := outBase + ".txt"
	if err := os.WriteFile(textFile, []byte(text), 0644); err != nil {
		return Clip{}, err
	}
	defer os.Remove(textFile)

	clip := Clip{AudioPath: outBase + ".mp3", Provider: e.Name()}
	srt := outBase + ".srt"

	err := e.Attempts.Do(ctx, func(ctx context.Context, attempt int) error {
		cmd := exec.CommandContext(ctx, e.Bin,
			"--voice", e.Voice,
			"--file", textFile,
			"--write-media", clip.AudioPath,
			"--write-subtitles", srt,
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			e.log.Warn("[tts] edge-tts attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("edge-tts: %w: %s", err, lastLine(out))
		}
		return nil
	})
	if err != nil {
		return Clip{}, err
	}
	if fi, err := os.Stat(srt); err == nil && fi.Size() > 0 {
		clip.SRTPath = srt
	}
	return clip, nil
}

// ErrNoDuration means neither ffprobe nor the subtitles gave a duration.
var ErrNoDuration = errors.New("audio duration unknown")

// Probe measures an audio file with ffprobe.
func Probe(ctx context.Context, audioFile string) (float64, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		audioFile,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", filepath.Base(audioFile), err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", filepath.Base(audioFile), err)
	}
	return dur, nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return lines[len(lines)-1]
}
