package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"longform-studio/subtitles"
	"longform-studio/types"
)

// ErrAllProvidersFailed is returned when no provider could voice a chunk.
var ErrAllProvidersFailed = errors.New("all voice providers failed")

// Transcriber writes subtitles for an audio file and returns the SRT path.
type Transcriber interface {
	Transcribe(ctx context.Context, audioFile, outputDir, language string) (string, error)
}

// Generator voices a whole script through a provider fallback chain.
type Generator struct {
	providers  []Synthesizer
	chunkChars int
	log        *zap.Logger

	// Transcriber fills in subtitles for clips that came without any.
	Transcriber Transcriber
	// Probe measures clip durations; it defaults to ffprobe.
	Probe func(ctx context.Context, audioFile string) (float64, error)
	// KeepParts leaves the per-chunk files on disk after merging.
	KeepParts bool
}

// NewGenerator tries providers in order for every chunk.
func NewGenerator(providers []Synthesizer, chunkChars int, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chunkChars <= 0 {
		chunkChars = DefaultChunkChars
	}
	return &Generator{
		providers:  providers,
		chunkChars: chunkChars,
		log:        logger.Named("voice"),
		Probe:      Probe,
	}
}

// Request is one narration to produce.
type Request struct {
	Text      string
	OutputDir string
	// Name is the file stem of the merged output, "voice_final" by default.
	Name     string
	Language string
}

// Generate chunks the text, voices every chunk, and merges the clips into
// <Name>.mp3 and <Name>.srt under OutputDir.
func (g *Generator) Generate(ctx context.Context, req Request) (*types.VoiceTrack, error) {
	if len(g.providers) == 0 {
		return nil, fmt.Errorf("no voice providers configured")
	}
	name := req.Name
	if name == "" {
		name = "voice_final"
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create voice dir: %w", err)
	}

	chunks := SplitText(CleanScript(req.Text), g.chunkChars)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("nothing to voice after cleaning the script")
	}
	g.log.Info("[voice] 🛠️ voicing script", zap.Int("chars", len(req.Text)), zap.Int("chunks", len(chunks)))

	clips := make([]Clip, 0, len(chunks))
	providers := map[string]bool{}
	for i, chunk := range chunks {
		base := filepath.Join(req.OutputDir, fmt.Sprintf("%s_part_%03d", name, i+1))
		clip, err := g.voiceChunk(ctx, chunk, base, req.Language)
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		g.log.Info("[voice] 🎤 chunk voiced",
			zap.Int("chunk", i+1), zap.String("provider", clip.Provider), zap.Float64("duration", clip.Duration))
		providers[clip.Provider] = true
		clips = append(clips, clip)
	}

	audioPath := filepath.Join(req.OutputDir, name+".mp3")
	srtPath := filepath.Join(req.OutputDir, name+".srt")
	if err := ConcatAudio(clips, audioPath); err != nil {
		return nil, fmt.Errorf("merge audio: %w", err)
	}
	total, err := MergeSubtitles(clips, srtPath)
	if err != nil {
		return nil, fmt.Errorf("merge subtitles: %w", err)
	}

	if !g.KeepParts {
		for _, c := range clips {
			os.Remove(c.AudioPath)
			if c.SRTPath != "" {
				os.Remove(c.SRTPath)
			}
		}
	}

	used := make([]string, 0, len(providers))
	for _, s := range g.providers {
		if providers[s.Name()] {
			used = append(used, s.Name())
		}
	}
	g.log.Info("[voice] ✅ narration merged", zap.String("audio", audioPath), zap.Float64("duration", total))
	return &types.VoiceTrack{
		AudioPath:   audioPath,
		SRTPath:     srtPath,
		DurationSec: total,
		Chunks:      len(clips),
		Provider:    strings.Join(used, ","),
	}, nil
}

func (g *Generator) voiceChunk(ctx context.Context, text, base, language string) (Clip, error) {
	var errs []error
	for _, p := range g.providers {
		clip, err := p.Synthesize(ctx, text, base)
		if err != nil {
			if ctx.Err() != nil {
				return Clip{}, ctx.Err()
			}
			g.log.Warn("[voice] ⚠️ provider failed, trying next", zap.String("provider", p.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if clip.Provider == "" {
			clip.Provider = p.Name()
		}
		if clip.SRTPath == "" && g.Transcriber != nil {
			srt, err := g.Transcriber.Transcribe(ctx, clip.AudioPath, filepath.Dir(base), language)
			if err != nil {
				g.log.Warn("[voice] ⚠️ transcription failed, chunk has no subtitles", zap.Error(err))
			} else {
				clip.SRTPath = srt
			}
		}
		clip.Duration = g.duration(ctx, clip)
		if clip.Duration <= 0 {
			return Clip{}, fmt.Errorf("%s: %w", clip.AudioPath, ErrNoDuration)
		}
		return clip, nil
	}
	return Clip{}, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}

// duration prefers the measured length and falls back to the last cue.
func (g *Generator) duration(ctx context.Context, c Clip) float64 {
	if c.Duration > 0 {
		return c.Duration
	}
	if g.Probe != nil {
		if d, err := g.Probe(ctx, c.AudioPath); err == nil && d > 0 {
			return d
		}
	}
	if c.SRTPath != "" {
		if cues, err := subtitles.ReadFile(c.SRTPath); err == nil {
			return subtitles.LastEnd(cues).Seconds()
		}
	}
	return 0
}

// ConcatAudio appends the clip files byte for byte into dest. MP3 frames are
// self-delimiting, so the joined file plays as one track.
func ConcatAudio(clips []Clip, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	for _, c := range clips {
		in, err := os.Open(c.AudioPath)
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

// MergeSubtitles shifts every clip's cues by the summed durations of the
// clips before it, renumbers them, writes dest and returns the total
// duration in seconds. Clips without subtitles still advance the offset.
func MergeSubtitles(clips []Clip, dest string) (float64, error) {
	segments := make([]subtitles.Segment, 0, len(clips))
	var total float64
	for _, c := range clips {
		seg := subtitles.Segment{Duration: seconds(c.Duration)}
		if c.SRTPath != "" {
			cues, err := subtitles.ReadFile(c.SRTPath)
			if err != nil {
				return 0, err
			}
			seg.Cues = cues
		}
		segments = append(segments, seg)
		total += c.Duration
	}
	if err := subtitles.WriteFile(dest, subtitles.Merge(segments)); err != nil {
		return 0, err
	}
	return total, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s*1000)) * time.Millisecond
}
