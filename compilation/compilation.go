// Package compilation joins the micro units of a run into one long video:
// audio back to back, subtitles and shots on a shared clock, with a short
// spoken bridge between units.
package compilation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/subtitles"
	"longform-studio/types"
	"longform-studio/visuals"
	"longform-studio/voice"
)

var bridgesEN = []string{
	"What you just heard is only one side of the same mechanism. In the next part, the same dynamic shows up from a different angle.",
	"That is the logic behind it. But how does it play out in everyday life? The next part takes exactly that apart.",
}

var bridgesDE = []string{
	"Was du gerade gehört hast, ist nur eine Ausprägung desselben Mechanismus. Im nächsten Abschnitt zeigt sich dieselbe Dynamik aus einer anderen Perspektive.",
	"Das ist die Logik der Macht. Doch wie manifestiert sich das im System? Der nächste Teil analysiert genau diese Struktur.",
}

// Bridges returns the bridge lines for a niche's language.
func Bridges(n config.Niche) []string {
	if n.IsGerman() {
		return bridgesDE
	}
	return bridgesEN
}

// Voicer narrates a bridge; *voice.Generator implements it.
type Voicer interface {
	Generate(ctx context.Context, req voice.Request) (*types.VoiceTrack, error)
}

// Block is one finished unit.
type Block struct {
	Voice *types.VoiceTrack
	Shots []types.ShotPrompt
}

// Input is one compilation.
type Input struct {
	Niche     config.Niche
	Blocks    []Block
	OutputDir string
}

// Assembler builds compilations.
type Assembler struct {
	voicer Voicer
	log    *zap.Logger
}

// New builds an assembler. voicer may be nil, which drops the bridges.
func New(voicer Voicer, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{voicer: voicer, log: logger.Named("compilation")}
}

type asset struct {
	clip   voice.Clip
	cues   []subtitles.Cue
	shots  []types.ShotPrompt
	bridge string
}

// Assemble voices the bridges, then writes mega_audio.mp3, mega_video.srt and
// mega_visual_prompts.json under OutputDir. A bridge that cannot be voiced is
// left out.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*types.Compilation, error) {
	if len(in.Blocks) == 0 {
		return nil, fmt.Errorf("no blocks to compile")
	}
	if err := os.MkdirAll(in.OutputDir, 0755); err != nil {
		return nil, err
	}
	a.log.Info("[compilation] 🧩 assembling compilation", zap.Int("blocks", len(in.Blocks)))

	lines := Bridges(in.Niche)
	var assets []asset
	for i, b := range in.Blocks {
		if b.Voice == nil {
			return nil, fmt.Errorf("block %d has no narration", i+1)
		}
		cues, err := subtitles.ReadFile(b.Voice.SRTPath)
		if err != nil {
			return nil, fmt.Errorf("block %d subtitles: %w", i+1, err)
		}
		assets = append(assets, asset{
			clip:  voice.Clip{AudioPath: b.Voice.AudioPath, Duration: b.Voice.DurationSec},
			cues:  cues,
			shots: b.Shots,
		})

		if i == len(in.Blocks)-1 || a.voicer == nil {
			continue
		}
		text := lines[i%len(lines)]
		br, err := a.bridge(ctx, in, i+1, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.Warn("[compilation] ⚠️ bridge skipped", zap.Int("bridge", i+1), zap.Error(err))
			continue
		}
		assets = append(assets, br)
	}

	comp := &types.Compilation{
		AudioPath:   filepath.Join(in.OutputDir, "mega_audio.mp3"),
		SRTPath:     filepath.Join(in.OutputDir, "mega_video.srt"),
		VisualPath:  filepath.Join(in.OutputDir, "mega_visual_prompts.json"),
		BlocksCount: len(in.Blocks),
	}

	clips := make([]voice.Clip, len(assets))
	segments := make([]subtitles.Segment, len(assets))
	var offset float64
	for i, as := range assets {
		clips[i] = as.clip
		segments[i] = subtitles.Segment{Cues: as.cues, Duration: secs(as.clip.Duration)}
		if as.bridge != "" {
			comp.Shots = append(comp.Shots, bridgeShot(comp.Shots, as, offset))
		} else {
			comp.Shots = append(comp.Shots, ShiftShots(as.shots, offset)...)
		}
		offset += as.clip.Duration
	}
	for i := range comp.Shots {
		comp.Shots[i].ID = i + 1
	}
	comp.TotalDuration = offset

	if err := voice.ConcatAudio(clips, comp.AudioPath); err != nil {
		return nil, fmt.Errorf("merge audio: %w", err)
	}
	if err := subtitles.WriteFile(comp.SRTPath, subtitles.Merge(segments)); err != nil {
		return nil, fmt.Errorf("merge subtitles: %w", err)
	}
	if err := visuals.SaveShots(comp.VisualPath, comp.Shots); err != nil {
		return nil, fmt.Errorf("save shots: %w", err)
	}
	a.log.Info("[compilation] ✨ compilation ready",
		zap.String("audio", comp.AudioPath), zap.Float64("duration", comp.TotalDuration), zap.Int("shots", len(comp.Shots)))
	return comp, nil
}

func (a *Assembler) bridge(ctx context.Context, in Input, n int, text string) (asset, error) {
	a.log.Info("[compilation] 🎙️ voicing bridge", zap.Int("bridge", n))
	track, err := a.voicer.Generate(ctx, voice.Request{
		Text:      text,
		OutputDir: filepath.Join(in.OutputDir, "bridges"),
		Name:      fmt.Sprintf("bridge_%d", n),
		Language:  in.Niche.Language,
	})
	if err != nil {
		return asset{}, err
	}
	d := secs(track.DurationSec)
	return asset{
		clip:   voice.Clip{AudioPath: track.AudioPath, Duration: track.DurationSec},
		cues:   []subtitles.Cue{{Index: 1, Start: 0, End: d, Text: text}},
		bridge: text,
	}, nil
}

// bridgeShot holds the previous image on screen while the bridge plays.
func bridgeShot(prev []types.ShotPrompt, as asset, offset float64) types.ShotPrompt {
	s := types.ShotPrompt{Prompt: visuals.FallbackPrompt(as.bridge)}
	if len(prev) > 0 {
		s = prev[len(prev)-1]
	}
	s.StartSec = offset
	s.EndSec = offset + as.clip.Duration
	s.Text = as.bridge
	s.IsBridge = true
	return s
}

// ShiftShots returns copies of shots moved later by offset seconds.
func ShiftShots(shots []types.ShotPrompt, offset float64) []types.ShotPrompt {
	out := make([]types.ShotPrompt, len(shots))
	for i, s := range shots {
		s.StartSec += offset
		s.EndSec += offset
		out[i] = s
	}
	return out
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond)
}
