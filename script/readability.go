package script

import (
	"fmt"
	"regexp"
	"strings"

	"longform-studio/config"
)

const (
	maxSentenceWords      = 28
	maxParagraphSentences = 5
	maxAvgSentenceWordsDE = 15
)

var (
	sentenceRe  = regexp.MustCompile(`[^.!?]+[.!?]+`)
	paragraphRe = regexp.MustCompile(`\n\s*\n`)
)

var overEmpathyWords = []string{"healing", "deserve", "journey", "motivation", "self-love", "believe"}

// CheckReadability flags long sentences, dense paragraphs and, for German
// scripts, over-empathetic wording and complex sentence structure.
func CheckReadability(text string, n config.Niche, language string) []string {
	var issues []string
	sentences := sentenceRe.FindAllString(text, -1)

	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if words := len(strings.Fields(s)); words > maxSentenceWords {
			issues = append(issues, fmt.Sprintf("long sentence (%d words): %q", words, preview(s, 30)))
		}
	}

	for _, p := range paragraphRe.Split(text, -1) {
		if c := len(sentenceRe.FindAllString(p, -1)); c > maxParagraphSentences {
			issues = append(issues, fmt.Sprintf("dense paragraph (%d sentences)", c))
		}
	}

	if n.IsGerman() || n.OverEmpathyCheck || strings.EqualFold(language, "german") {
		lower := strings.ToLower(text)
		var found []string
		for _, w := range overEmpathyWords {
			if strings.Contains(lower, w) {
				found = append(found, w)
			}
		}
		if len(found) > 0 {
			issues = append(issues, fmt.Sprintf("over-empathy: emotional words found [%s]", strings.Join(found, ", ")))
		}
		if len(sentences) > 0 {
			avg := float64(len(strings.Fields(text))) / float64(len(sentences))
			if avg > maxAvgSentenceWordsDE {
				issues = append(issues, fmt.Sprintf("sentence structure too complex for a direct analytical tone (avg %.1f words)", avg))
			}
		}
	}
	return issues
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
