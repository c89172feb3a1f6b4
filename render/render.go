// Package render composes the final video with ffmpeg: a Ken Burns clip per
// shot, the clips joined in order, the narration laid under them and the
// subtitles burned in.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/types"
)

// ErrNoShots is returned when there is nothing to put on screen.
var ErrNoShots = errors.New("no shots to render")

// minClipSec keeps very short shots from producing empty clips.
const minClipSec = 0.5

// Runner executes one external command.
type Runner func(ctx context.Context, name string, args ...string) error

// Exec runs the command and folds the tail of its output into the error.
func Exec(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		return fmt.Errorf("%s: %w: %s", name, err, lines[len(lines)-1])
	}
	return nil
}

// SubtitleBurner burns an SRT file into a video.
type SubtitleBurner interface {
	BurnIntoVideo(ctx context.Context, videoFile, srtFile, outputDir string) (string, error)
}

// Renderer assembles the final video from the shots and the narration.
type Renderer struct {
	cfg    config.VisualsConfig
	burner SubtitleBurner
	log    *zap.Logger

	// Run executes ffmpeg; tests replace it.
	Run Runner
}

// New builds a renderer. burner may be nil to skip subtitle burn-in.
func New(cfg *config.Config, burner SubtitleBurner, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Subtitles.BurnIntoVideo {
		burner = nil
	}
	return &Renderer{cfg: cfg.Visuals, burner: burner, log: logger.Named("render"), Run: Exec}
}

// Input is everything one render needs.
type Input struct {
	Shots       []types.ShotPrompt
	AudioPath   string
	SRTPath     string
	DurationSec float64
	OutputDir   string
}

// Clip is one shot's slot on the timeline.
type Clip struct {
	Shot     types.ShotPrompt
	Duration float64
}

// Timeline gives every shot the time until the next shot starts, so the clips
// cover the narration without gaps. The last shot runs to total.
func Timeline(shots []types.ShotPrompt, total float64) []Clip {
	clips := make([]Clip, 0, len(shots))
	for i, s := range shots {
		end := s.EndSec
		if i+1 < len(shots) {
			end = shots[i+1].StartSec
		} else if total > end {
			end = total
		}
		start := s.StartSec
		if i == 0 {
			start = 0
		}
		clips = append(clips, Clip{Shot: s, Duration: max(end-start, minClipSec)})
	}
	return clips
}

// Render builds every clip, joins them, adds the audio and burns subtitles.
// A failed burn-in leaves the unsubtitled video as the result.
func (r *Renderer) Render(ctx context.Context, in Input) (string, error) {
	if len(in.Shots) == 0 {
		return "", ErrNoShots
	}
	r.log.Info("[render] 🎞️ starting final video assembly", zap.Int("shots", len(in.Shots)))

	clipDir := filepath.Join(in.OutputDir, "clips")
	if err := os.MkdirAll(clipDir, 0755); err != nil {
		return "", err
	}

	timeline := Timeline(in.Shots, in.DurationSec)
	files := make([]string, 0, len(timeline))
	for i, c := range timeline {
		out, err := r.clip(ctx, c, clipDir)
		if err != nil {
			return "", fmt.Errorf("shot %d: %w", c.Shot.ID, err)
		}
		files = append(files, out)
		if (i+1)%25 == 0 {
			r.log.Info("[render] clips rendered", zap.Int("done", i+1), zap.Int("of", len(timeline)))
		}
	}

	silent, err := r.concat(ctx, files, in.OutputDir)
	if err != nil {
		return "", fmt.Errorf("concatenate clips: %w", err)
	}
	final, err := r.combine(ctx, silent, in.AudioPath, in.OutputDir)
	if err != nil {
		return "", fmt.Errorf("combine video+audio: %w", err)
	}

	if r.burner != nil && in.SRTPath != "" {
		burned, err := r.burner.BurnIntoVideo(ctx, final, in.SRTPath, in.OutputDir)
		if err != nil {
			r.log.Warn("[render] ⚠️ subtitle burn-in failed, keeping plain video", zap.Error(err))
		} else {
			final = burned
		}
	}
	r.log.Info("[render] ✅ final video ready", zap.String("video", final))
	return final, nil
}

func (r *Renderer) clip(ctx context.Context, c Clip, dir string) (string, error) {
	out := filepath.Join(dir, fmt.Sprintf("clip_%03d.mp4", c.Shot.ID))
	w, h := r.size()
	dur := strconv.FormatFloat(c.Duration, 'f', 3, 64)

	if c.Shot.ImageFile == "" {
		// no image: hold a black frame for the shot
		return out, r.Run(ctx, "ffmpeg", "-y",
			"-f", "lavfi",
			"-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%d", w, h, r.fps()),
			"-t", dur,
			"-c:v", "libx264", "-preset", "fast", "-crf", "23",
			"-pix_fmt", "yuv420p", "-an",
			out,
		)
	}
	return out, r.Run(ctx, "ffmpeg", "-y",
		"-loop", "1",
		"-i", c.Shot.ImageFile,
		"-vf", KenBurnsFilter(r.cfg.KenBurnsZoomFactor, c.Duration, r.fps(), w, h),
		"-t", dur,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-pix_fmt", "yuv420p", "-an",
		out,
	)
}

// KenBurnsFilter zooms slowly from 1.0 to zoom over the clip, centred.
func KenBurnsFilter(zoom, duration float64, fps, w, h int) string {
	if zoom <= 1 {
		zoom = 1.1
	}
	frames := max(int(duration*float64(fps)), 1)
	step := (zoom - 1.0) / float64(frames)
	return fmt.Sprintf(
		"scale=%d:%d,zoompan=z='min(zoom+%.6f,%.3f)':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=%d:fps=%d,scale=%d:%d,setsar=1",
		w*2, h*2, step, zoom, frames, fps, w, h,
	)
}

// ConcatList is the body of an ffmpeg concat demuxer file.
func ConcatList(files []string) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(f, "'", `'\''`))
	}
	return b.String()
}

func (r *Renderer) concat(ctx context.Context, files []string, dir string) (string, error) {
	list := filepath.Join(dir, "clips_concat.txt")
	if err := os.WriteFile(list, []byte(ConcatList(files)), 0644); err != nil {
		return "", err
	}
	out := filepath.Join(dir, "visuals_raw.mp4")
	return out, r.Run(ctx, "ffmpeg", "-y",
		"-f", "concat", "-safe", "0",
		"-i", list,
		"-c", "copy",
		out,
	)
}

func (r *Renderer) combine(ctx context.Context, video, audio, dir string) (string, error) {
	r.log.Info("[render] combining video + audio")
	out := filepath.Join(dir, "final_video.mp4")
	return out, r.Run(ctx, "ffmpeg", "-y",
		"-i", video,
		"-i", audio,
		"-c:v", "copy",
		"-c:a", "aac", "-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		out,
	)
}

func (r *Renderer) size() (int, int) {
	var w, h int
	if _, err := fmt.Sscanf(r.cfg.VideoResolution, "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 1920, 1080
	}
	return w, h
}

func (r *Renderer) fps() int {
	if r.cfg.FPS <= 0 {
		return 30
	}
	return r.cfg.FPS
}
