package subtitles

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cue is one numbered SRT entry.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// Scene is a run of cues shown under one visual.
type Scene struct {
	ID    int
	Start time.Duration
	End   time.Duration
	Text  string
	Cues  int
}

// Duration is the scene length.
func (s Scene) Duration() time.Duration { return s.End - s.Start }

var (
	timingLine  = regexp.MustCompile(`(\d{2}:\d{2}:\d{2}[,.]\d{3})\s*-->\s*(\d{2}:\d{2}:\d{2}[,.]\d{3})`)
	blockSplit  = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd = regexp.MustCompile(`[.!?…]["'»”]?$`)
)

// ParseTimestamp reads "HH:MM:SS,mmm" (a dot separator is accepted too).
func ParseTimestamp(s string) (time.Duration, error) {
	s = strings.Replace(strings.TrimSpace(s), ".", ",", 1)
	hms, ms, ok := strings.Cut(s, ",")
	if !ok {
		return 0, fmt.Errorf("timestamp %q: missing milliseconds", s)
	}
	parts := strings.Split(hms, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("timestamp %q: want HH:MM:SS", s)
	}
	var vals [4]int
	for i, p := range append(parts, ms) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("timestamp %q: %w", s, err)
		}
		vals[i] = n
	}
	return time.Duration(vals[0])*time.Hour +
		time.Duration(vals[1])*time.Minute +
		time.Duration(vals[2])*time.Second +
		time.Duration(vals[3])*time.Millisecond, nil
}

// FormatTimestamp writes d as "HH:MM:SS,mmm". Negative values clamp to zero.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Parse reads SRT content. Malformed blocks are skipped; multi-line text is
// kept with its line breaks.
func Parse(content string) []Cue {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSpace(strings.TrimPrefix(content, "\ufeff"))
	if content == "" {
		return nil
	}

	var cues []Cue
	for _, block := range blockSplit.Split(content, -1) {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 2 {
			continue
		}
		// the index line is optional in the wild
		timingAt := 1
		if timingLine.MatchString(lines[0]) {
			timingAt = 0
		}
		if timingAt >= len(lines) {
			continue
		}
		m := timingLine.FindStringSubmatch(lines[timingAt])
		if m == nil {
			continue
		}
		start, err1 := ParseTimestamp(m[1])
		end, err2 := ParseTimestamp(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		idx := len(cues) + 1
		if timingAt == 1 {
			if n, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
				idx = n
			}
		}
		text := strings.TrimSpace(strings.Join(lines[timingAt+1:], "\n"))
		cues = append(cues, Cue{Index: idx, Start: start, End: end, Text: text})
	}
	return cues
}

// Format writes cues as SRT.
func Format(cues []Cue) string {
	var sb strings.Builder
	for i, c := range cues {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%d\n%s --> %s\n%s\n", c.Index, FormatTimestamp(c.Start), FormatTimestamp(c.End), c.Text)
	}
	return sb.String()
}

// Shift moves every cue by offset.
func Shift(cues []Cue, offset time.Duration) []Cue {
	out := make([]Cue, len(cues))
	for i, c := range cues {
		c.Start += offset
		c.End += offset
		out[i] = c
	}
	return out
}

// Segment is one piece of a longer track: its cues and how long its audio runs.
type Segment struct {
	Cues     []Cue
	Duration time.Duration
}

// Merge concatenates segments, shifting each by the summed durations of the
// segments before it and renumbering from 1.
func Merge(segments []Segment) []Cue {
	var out []Cue
	var offset time.Duration
	for _, seg := range segments {
		for _, c := range Shift(seg.Cues, offset) {
			c.Index = len(out) + 1
			out = append(out, c)
		}
		offset += seg.Duration
	}
	return out
}

// LastEnd is the end time of the final cue.
func LastEnd(cues []Cue) time.Duration {
	if len(cues) == 0 {
		return 0
	}
	return cues[len(cues)-1].End
}

// GroupScenes groups cues into scenes. A scene is cut once it is at least
// minDur long and the cue ends a sentence, or once it reaches target.
func GroupScenes(cues []Cue, target, minDur time.Duration) []Scene {
	if len(cues) == 0 {
		return nil
	}
	var scenes []Scene
	start := 0
	for i, c := range cues {
		elapsed := c.End - cues[start].Start
		last := i == len(cues)-1
		cut := last
		if !cut && elapsed >= minDur {
			cut = sentenceEnd.MatchString(strings.TrimSpace(c.Text)) || elapsed >= target
		}
		if !cut {
			continue
		}
		texts := make([]string, 0, i-start+1)
		for _, g := range cues[start : i+1] {
			texts = append(texts, strings.ReplaceAll(g.Text, "\n", " "))
		}
		scenes = append(scenes, Scene{
			ID:    len(scenes) + 1,
			Start: cues[start].Start,
			End:   c.End,
			Text:  strings.Join(texts, " "),
			Cues:  i - start + 1,
		})
		start = i + 1
	}
	return scenes
}

// ReadFile parses an SRT file.
func ReadFile(path string) ([]Cue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(data)), nil
}

// WriteFile writes cues to path.
func WriteFile(path string, cues []Cue) error {
	return os.WriteFile(path, []byte(Format(cues)), 0644)
}
