// Package jsonparse recovers structured data from LLM text responses.
//
// Models wrap JSON in markdown fences, prepend commentary, emit control
// characters and get cut off mid-string. Parse tries progressively looser
// strategies and only gives up when nothing usable is left.
package jsonparse

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnrecoverable is returned when no strategy produced any data.
var ErrUnrecoverable = errors.New("unrecoverable JSON response")

var (
	fenceOpen    = regexp.MustCompile("(?i)```json\\s*")
	fenceAny     = regexp.MustCompile("```\\s*")
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

	promptBlock = regexp.MustCompile(`(?s)\{[^{}]*"(?:image_prompt|p)"[^{}]*\}`)
	blockID     = regexp.MustCompile(`"id"\s*:\s*"?(\d+)"?`)
	blockPrompt = regexp.MustCompile(`"(?:image_prompt|p)"\s*:\s*"((?:\\.|[^"\\])*)"`)
	rawPrompt   = regexp.MustCompile(`"(?:image_prompt|p|video_prompt)"\s*:\s*"((?:\\.|[^"\\])*)"`)
)

// SalvageFields are the string fields recovered from truncated objects.
var SalvageFields = []string{"content", "cliffhanger", "feedback", "title"}

// Clean strips markdown fences and control characters.
func Clean(text string) string {
	s := fenceOpen.ReplaceAllString(text, "")
	s = fenceAny.ReplaceAllString(s, "")
	s = controlChars.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Parse returns the JSON values found in text as a list. A single object is
// returned as a one-element list. An empty list counts as no data.
func Parse(text string) ([]any, error) {
	clean := Clean(text)
	if clean == "" {
		return nil, fmt.Errorf("%w: empty response", ErrUnrecoverable)
	}

	// The outermost container is whichever bracket opens first.
	arr := span(clean, '[', ']')
	obj := span(clean, '{', '}')
	first, second := arr, obj
	if obj != "" && (arr == "" || strings.Index(clean, "{") < strings.Index(clean, "[")) {
		first, second = obj, arr
	}
	for _, candidate := range []string{first, second, clean} {
		if candidate == "" {
			continue
		}
		if out, ok := decode(candidate); ok {
			return out, nil
		}
	}

	if out := salvagePromptBlocks(clean); len(out) > 0 {
		return out, nil
	}
	if out := salvageRawPrompts(clean); len(out) > 0 {
		return out, nil
	}
	if out := salvageFields(clean); len(out) > 0 {
		return out, nil
	}

	preview := clean
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return nil, fmt.Errorf("%w: %q", ErrUnrecoverable, preview)
}

// DecodeObject parses text and decodes the first object into v.
func DecodeObject(text string, v any) error {
	items, err := Parse(text)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: no object in response", ErrUnrecoverable)
	}
	return remarshal(items[0], v)
}

// DecodeList parses text and decodes it into the slice pointed to by v. An
// object whose only field is a list (`{"titles": [...]}`) is unwrapped.
func DecodeList(text string, v any) error {
	items, err := Parse(text)
	if err != nil {
		return err
	}
	if len(items) == 1 {
		if m, ok := items[0].(map[string]any); ok && len(m) == 1 {
			for _, inner := range m {
				if list, ok := inner.([]any); ok {
					items = list
				}
			}
		}
	}
	return remarshal(items, v)
}

func remarshal(in any, v any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("re-encode parsed JSON: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode parsed JSON: %w", err)
	}
	return nil
}

func span(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func decode(s string) ([]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case []any:
		return t, len(t) > 0
	case map[string]any:
		return []any{t}, true
	}
	return nil, false
}

func salvagePromptBlocks(s string) []any {
	var out []any
	for _, block := range promptBlock.FindAllString(s, -1) {
		pm := blockPrompt.FindStringSubmatch(block)
		if pm == nil {
			continue
		}
		id := len(out) + 1
		if im := blockID.FindStringSubmatch(block); im != nil {
			if n, err := strconv.Atoi(im[1]); err == nil {
				id = n
			}
		}
		out = append(out, map[string]any{"id": id, "p": unescape(pm[1])})
	}
	return out
}

func salvageRawPrompts(s string) []any {
	var out []any
	for i, m := range rawPrompt.FindAllStringSubmatch(s, -1) {
		out = append(out, map[string]any{"id": i + 1, "p": unescape(m[1])})
	}
	return out
}

// salvageFields pulls known string fields out of an object that may be cut
// off inside its last value.
func salvageFields(s string) []any {
	obj := map[string]any{}
	for _, field := range SalvageFields {
		re := regexp.MustCompile(`"` + regexp.QuoteMeta(field) + `"\s*:\s*"((?:\\.|[^"\\])*)`)
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		val := strings.TrimSuffix(m[1], `\`)
		obj[field] = unescape(val)
	}
	if len(obj) == 0 {
		return nil
	}
	return []any{obj}
}

func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err == nil {
		return out
	}
	r := strings.NewReplacer(`\"`, `"`, `\n`, "\n", `\t`, "\t", `\\`, `\`)
	return r.Replace(s)
}
