package script

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/types"
)

// GapError means the module sequence is missing an index.
type GapError struct {
	Missing  int
	Sequence []int
}

func (e *GapError) Error() string {
	seq := make([]string, len(e.Sequence))
	for i, n := range e.Sequence {
		seq[i] = strconv.Itoa(n)
	}
	return fmt.Sprintf("script not contiguous: module %d missing (sequence %s)", e.Missing, strings.Join(seq, ","))
}

var markerRe = regexp.MustCompile(`\[M-(\d+)\]`)

// Assembler merges module scripts into the full narration.
type Assembler struct {
	gen    llm.Generator
	models []string
	log    *zap.Logger
}

func NewAssembler(gen llm.Generator, models []string, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{gen: gen, models: models, log: logger.Named("assembler")}
}

// AssembleInput is what assembly needs.
type AssembleInput struct {
	ProjectID      string
	Modules        []types.ModuleScript
	Niche          config.Niche
	TargetLanguage string
	// SkipPolish assembles without the model pass.
	SkipPolish bool
}

// Order sorts modules by index and checks they run 1..N without gaps.
func Order(modules []types.ModuleScript) ([]types.ModuleScript, error) {
	if len(modules) == 0 {
		return nil, fmt.Errorf("no module scripts to assemble")
	}
	sorted := append([]types.ModuleScript(nil), modules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ModuleIndex < sorted[j].ModuleIndex })
	for i, m := range sorted {
		if m.ModuleIndex != i+1 {
			seq := make([]int, len(sorted))
			for k, s := range sorted {
				seq[k] = s.ModuleIndex
			}
			return nil, &GapError{Missing: i + 1, Sequence: seq}
		}
	}
	return sorted, nil
}

// Assemble orders the modules, checks the emotional arc, polishes every
// module except the hook, and runs the readability checks. Arc and
// readability findings are warnings only.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) (*types.AssembledScript, error) {
	a.log.Info("[assembler] 🔗 assembling script", zap.Int("modules", len(in.Modules)), zap.String("niche", in.Niche.Name))

	sorted, err := Order(in.Modules)
	if err != nil {
		return nil, err
	}

	arcIssues := ValidateEmotionalFlow(sorted, in.Niche)
	if len(arcIssues) > 0 {
		a.log.Warn("[assembler] ⚠️ emotional flow", zap.Strings("issues", arcIssues))
	}

	polished := sorted
	didPolish := false
	if !in.SkipPolish && len(sorted) > 1 {
		polished, didPolish, err = a.polish(ctx, in, sorted)
		if err != nil {
			return nil, err
		}
	}

	parts := make([]string, len(polished))
	for i, m := range polished {
		parts[i] = m.Content
	}
	full := strings.Join(parts, "\n\n")
	readability := CheckReadability(full, in.Niche, in.TargetLanguage)

	out := &types.AssembledScript{
		FullScript:         full,
		WordCount:          len(strings.Fields(full)),
		VoiceReady:         true,
		EmotionalArcPassed: len(arcIssues) == 0,
		ValidationIssues:   arcIssues,
		ReadabilityIssues:  readability,
		Polished:           didPolish,
		Modules:            polished,
	}
	a.log.Info("[assembler] 🏁 script assembled",
		zap.Int("words", out.WordCount),
		zap.Float64("est_minutes", SpeakingSeconds(full)/60),
		zap.Bool("polished", didPolish))
	return out, nil
}

// polish sends the body (every module but the first) through the model with
// [M-X] markers and splits the reply back into modules. A reply without
// markers or a failed call keeps the unpolished modules.
func (a *Assembler) polish(ctx context.Context, in AssembleInput, sorted []types.ModuleScript) ([]types.ModuleScript, bool, error) {
	body := sorted[1:]
	var sb strings.Builder
	for i, m := range body {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[M-%d]\n%s", m.ModuleIndex, m.Content)
	}

	a.log.Info("[assembler] ✨ polishing body, hook protected")
	res, err := a.gen.Generate(ctx, llm.Call{
		Action:      "polish_script",
		ProjectID:   in.ProjectID,
		Models:      a.models,
		Prompt:      polishPrompt(in, sb.String()),
		MaxTokens:   8192,
		Temperature: 0.4,
		Fatal:       llm.FatalNextModel,
		Validate: func(text string) error {
			if len(strings.TrimSpace(text)) <= 100 {
				return fmt.Errorf("polish reply too short")
			}
			return nil
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		a.log.Warn("[assembler] ⚠️ polish failed, keeping unpolished modules", zap.Error(err))
		return sorted, false, nil
	}

	split := SplitMarkers(res.Text)
	if len(split) == 0 {
		a.log.Warn("[assembler] ⚠️ markers stripped during polish, keeping unpolished modules")
		return sorted, false, nil
	}

	out := make([]types.ModuleScript, len(sorted))
	copy(out, sorted)
	for i := 1; i < len(out); i++ {
		if text, ok := split[out[i].ModuleIndex]; ok && text != "" {
			out[i].Content = text
		}
	}
	return out, true, nil
}

// SplitMarkers splits text on [M-X] markers into module index -> content.
func SplitMarkers(text string) map[int]string {
	locs := markerRe.FindAllStringSubmatchIndex(text, -1)
	out := make(map[int]string, len(locs))
	for i, loc := range locs {
		idx, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out[idx] = strings.TrimSpace(text[loc[1]:end])
	}
	return out
}

// ValidateEmotionalFlow checks that every arc stage of the niche is covered
// by some module role and that the stages appear in order.
func ValidateEmotionalFlow(modules []types.ModuleScript, n config.Niche) []string {
	if len(n.EmotionalArc) == 0 {
		return nil
	}
	roles := make([]string, len(modules))
	for i, m := range modules {
		roles[i] = m.Role
	}
	firstIndex := func(stage string) int {
		allowed := config.ArcStages[stage]
		for i, r := range roles {
			for _, a := range allowed {
				if r == a {
					return i
				}
			}
		}
		return -1
	}

	var issues []string
	last := -1
	for _, stage := range n.EmotionalArc {
		idx := firstIndex(stage)
		if idx == -1 {
			issues = append(issues, "missing emotional stage: "+strings.ToUpper(stage))
			continue
		}
		if idx < last {
			issues = append(issues, fmt.Sprintf("emotional flow regression: %s found before previous stage", strings.ToUpper(stage)))
		}
		last = idx
	}
	return issues
}

func polishPrompt(in AssembleInput, body string) string {
	n := in.Niche
	lang := in.TargetLanguage
	if lang == "" {
		lang = "English"
	}
	instr := n.PolishPrompt
	if instr == "" {
		instr = "You are a senior script editor. Polish only the BODY of this script for clarity and rhythm."
	}
	de := ""
	if n.IsGerman() || lang == "German" {
		de = `
STRICT STYLE RULE (DE):
- No American-style emotional softening.
- Keep it cold, analytical and direct.
- Do not use words like "deserve", "healing", "journey" or "motivation".
`
	}
	return fmt.Sprintf(`%s

LANGUAGE RULE: The script is in %s. Keep it in %s.
%s
SCRIPT BODY TO POLISH:
%s

OUTPUT:
Return the polished body as plain text in %s.
IMPORTANT: DO NOT REMOVE the [M-X] markers at the beginning of each module.`, instr, lang, lang, de, body, lang)
}
