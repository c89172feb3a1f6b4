// Package voice turns a finished script into one narration track: it chunks
// the text, synthesizes each chunk through a chain of TTS providers, and
// merges the parts into a single MP3 with a matching SRT.
package voice

import (
	"regexp"
	"strings"
)

// DefaultChunkChars is the largest chunk the hosted TTS providers accept.
const DefaultChunkChars = 4500

var (
	sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+`)
	headerRe   = regexp.MustCompile(`(?im)^[ \t]*(module|chapter|part)[ \t]+([0-9]+|[a-z]{1,10})[ \t]*[:,.\-].*$`)
	metaRe     = regexp.MustCompile(`(?im)^[ \t]*(\*\*|#)?[ \t]*(module goal|keywords used|content|cliffhanger)(\*\*)?:.*$`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
	markerRe   = regexp.MustCompile(`\[M-\d+\]`)
)

// CleanScript removes everything that must not be read aloud: visual notes,
// module headers, metadata lines and leftover [M-X] markers.
func CleanScript(text string) string {
	if i := strings.Index(text, "[VISUAL]"); i != -1 {
		text = text[:i]
	}
	text = markerRe.ReplaceAllString(text, "")
	text = headerRe.ReplaceAllString(text, "")
	text = metaRe.ReplaceAllString(text, "")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// SplitText cuts text into chunks of at most limit characters, breaking on
// sentence ends. A sentence longer than limit is broken on word boundaries.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkChars
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	end := 0
	for _, loc := range sentenceRe.FindAllStringIndex(text, -1) {
		sentences = append(sentences, text[loc[0]:loc[1]])
		end = loc[1]
	}
	if end < len(text) {
		sentences = append(sentences, text[end:])
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(s) > limit {
			flush()
			chunks = append(chunks, splitWords(s, limit)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(s) > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	flush()
	return chunks
}

func splitWords(s string, limit int) []string {
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(s) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

var (
	ellipsisRe = regexp.MustCompile(`\.\.\.`)
	periodRe   = regexp.MustCompile(`([^.])\.(\s|$)`)
	exclaimRe  = regexp.MustCompile(`([!?])(\s|$)`)
	commaRe    = regexp.MustCompile(`,(\s|$)`)
)

// Pace inserts SSML break tags after punctuation so hosted voices pause
// naturally between sentences and clauses.
func Pace(text string) string {
	text = ellipsisRe.ReplaceAllString(text, `…`)
	text = periodRe.ReplaceAllString(text, `$1. <break time="0.5s" />$2`)
	text = exclaimRe.ReplaceAllString(text, `$1 <break time="0.5s" />$2`)
	text = commaRe.ReplaceAllString(text, `, <break time="0.3s" />$1`)
	text = strings.ReplaceAll(text, `…`, `... <break time="0.7s" />`)
	return text
}
