package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/retry"
	"longform-studio/types"
)

type funcGen struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(call llm.Call, n int) (string, error)
}

func newFuncGen(fn func(call llm.Call, n int) (string, error)) *funcGen {
	return &funcGen{calls: map[string]int{}, fn: fn}
}

func (f *funcGen) Generate(_ context.Context, call llm.Call) (llm.Result, error) {
	f.mu.Lock()
	n := f.calls[call.Action]
	f.calls[call.Action]++
	f.mu.Unlock()

	text, err := f.fn(call, n)
	if err != nil {
		return llm.Result{}, err
	}
	if call.Validate != nil {
		if err := call.Validate(text); err != nil {
			return llm.Result{}, errors.Join(llm.ErrInvalidResponse, err)
		}
	}
	return llm.Result{Response: llm.Response{Text: text}, Model: "fake"}, nil
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func moduleReply(index, n int) string {
	return fmt.Sprintf(`{"module_index": %d, "content": %q, "cliffhanger": "But nobody checked the second door."}`, index, words(n))
}

func TestOrderReportsGap(t *testing.T) {
	_, err := Order([]types.ModuleScript{{ModuleIndex: 4}, {ModuleIndex: 1}, {ModuleIndex: 2}})
	var gap *GapError
	if !errors.As(err, &gap) {
		t.Fatalf("err = %v, want *GapError", err)
	}
	if gap.Missing != 3 || !strings.Contains(gap.Error(), "module 3 missing") {
		t.Fatalf("gap = %+v (%v)", gap, gap)
	}

	sorted, err := Order([]types.ModuleScript{{ModuleIndex: 2}, {ModuleIndex: 1}})
	if err != nil || sorted[0].ModuleIndex != 1 {
		t.Fatalf("Order = %+v, %v", sorted, err)
	}
}

func TestQACheck(t *testing.T) {
	m := types.Module{Index: 2, Role: "CONTEXT", WordTarget: 100}
	strict := config.Niche{KeywordDiscipline: "strict", ForbiddenPhrases: []string{"aliens confirmed"}}

	if issues := QACheck(words(100), "A long enough cliffhanger.", m, nil, strict); len(issues) != 0 {
		t.Fatalf("clean draft flagged: %v", issues)
	}
	if issues := QACheck(words(80), "A long enough cliffhanger.", m, nil, strict); len(issues) != 1 {
		t.Fatalf("short draft issues = %v", issues)
	}

	content := words(96) + " dark matter and Dark Matter."
	issues := QACheck(content, "short", m, []string{"dark matter"}, strict)
	// keyword twice under strict, plus the cliffhanger
	if len(issues) != 2 {
		t.Fatalf("issues = %v", issues)
	}
	if got := QACheck(content, "A long enough cliffhanger.", m, []string{"dark matter"}, config.Niche{KeywordDiscipline: "loose"}); len(got) != 0 {
		t.Fatalf("loose discipline allows two uses, got %v", got)
	}

	forbidden := words(95) + " In conclusion, aliens confirmed."
	if got := QACheck(forbidden, "A long enough cliffhanger.", m, nil, strict); len(got) != 2 {
		t.Fatalf("forbidden issues = %v", got)
	}
}

func TestCountKeyword(t *testing.T) {
	if n := CountKeyword("Stars, starship, STARS and stars.", "stars"); n != 3 {
		t.Fatalf("CountKeyword = %d", n)
	}
	if n := CountKeyword("anything", " "); n != 0 {
		t.Fatalf("blank keyword counted %d", n)
	}
}

func TestWriteModuleRetriesThenKeepsLastDraft(t *testing.T) {
	m := types.Module{Index: 1, Role: "HOOK", WordTarget: 100}

	gen := newFuncGen(func(call llm.Call, n int) (string, error) {
		if n == 0 {
			return moduleReply(1, 40), nil
		}
		return moduleReply(1, 100), nil
	})
	w := New(gen, []string{"m"}, 2, nil)
	ms, err := w.WriteModule(context.Background(), Input{}, m, nil)
	if err != nil {
		t.Fatalf("WriteModule: %v", err)
	}
	if !ms.QAPassed || gen.calls["generate_module_1"] != 2 {
		t.Fatalf("ms = %+v, calls = %d", ms, gen.calls["generate_module_1"])
	}

	always := newFuncGen(func(llm.Call, int) (string, error) { return moduleReply(1, 40), nil })
	ms, err = New(always, []string{"m"}, 2, nil).WriteModule(context.Background(), Input{}, m, nil)
	if err != nil {
		t.Fatalf("WriteModule: %v", err)
	}
	if ms.QAPassed || len(ms.QAIssues) == 0 || ms.Content == "" {
		t.Fatalf("last draft not kept: %+v", ms)
	}
}

func TestWriteAllDropsFailedModules(t *testing.T) {
	plan := types.ModulePlan{Modules: []types.Module{
		{Index: 1, Role: "HOOK", WordTarget: 50},
		{Index: 2, Role: "CONTEXT", WordTarget: 50},
		{Index: 3, Role: "OPEN_END", WordTarget: 50},
	}}
	gen := newFuncGen(func(call llm.Call, _ int) (string, error) {
		if call.Action == "generate_module_2" {
			return "", llm.ErrModelsExhausted
		}
		idx := 1
		if call.Action == "generate_module_3" {
			idx = 3
		}
		return moduleReply(idx, 50), nil
	})
	w := New(gen, []string{"m"}, 3, nil)
	w.Attempts.Sleep = retry.NoSleep

	out, err := w.WriteAll(context.Background(), Input{Plan: plan})
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if len(out) != 2 || out[0].ModuleIndex != 1 || out[1].ModuleIndex != 3 || out[1].Role != "OPEN_END" {
		t.Fatalf("out = %+v", out)
	}
	if _, err := Order(out); err == nil {
		t.Fatal("assembly must fail on the missing module")
	}
}

func TestSplitMarkers(t *testing.T) {
	got := SplitMarkers("noise [M-2]\nSecond part.\n\n[M-3] Third part.")
	if len(got) != 2 || got[2] != "Second part." || got[3] != "Third part." {
		t.Fatalf("SplitMarkers = %#v", got)
	}
	if len(SplitMarkers("no markers at all")) != 0 {
		t.Fatal("expected no markers")
	}
}

func sampleModules() []types.ModuleScript {
	return []types.ModuleScript{
		{ModuleIndex: 2, Role: "EVIDENCE", Content: "Raw evidence."},
		{ModuleIndex: 1, Role: "HOOK", Content: "Raw hook."},
		{ModuleIndex: 3, Role: "OPEN_END", Content: "Raw ending."},
	}
}

func TestAssemblePolishesBodyOnly(t *testing.T) {
	var prompt string
	gen := newFuncGen(func(call llm.Call, _ int) (string, error) {
		prompt = call.Prompt
		return "[M-2]\nPolished evidence that is now considerably smoother to read aloud.\n\n[M-3]\nPolished ending that leaves the question open for the viewer.", nil
	})
	a := NewAssembler(gen, []string{"m"}, nil)

	out, err := a.Assemble(context.Background(), AssembleInput{Modules: sampleModules(), Niche: config.Niche{}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if strings.Contains(prompt, "Raw hook.") {
		t.Fatal("the hook must never be sent to the model")
	}
	if !out.Polished || out.Modules[0].Content != "Raw hook." || !strings.HasPrefix(out.Modules[1].Content, "Polished evidence") {
		t.Fatalf("out = %+v", out)
	}
	if !strings.HasPrefix(out.FullScript, "Raw hook.\n\nPolished evidence") || out.WordCount == 0 {
		t.Fatalf("full script = %q", out.FullScript)
	}
}

func TestAssembleFallsBackWhenMarkersStripped(t *testing.T) {
	gen := newFuncGen(func(llm.Call, int) (string, error) {
		return strings.Repeat("A polished body without any of the module markers. ", 5), nil
	})
	out, err := NewAssembler(gen, []string{"m"}, nil).Assemble(context.Background(), AssembleInput{Modules: sampleModules()})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if out.Polished || out.Modules[1].Content != "Raw evidence." {
		t.Fatalf("out = %+v", out)
	}
}

func TestAssembleGap(t *testing.T) {
	gen := newFuncGen(func(llm.Call, int) (string, error) { return "", errors.New("unused") })
	_, err := NewAssembler(gen, nil, nil).Assemble(context.Background(), AssembleInput{
		Modules: []types.ModuleScript{{ModuleIndex: 1}, {ModuleIndex: 2}, {ModuleIndex: 4}},
	})
	var gap *GapError
	if !errors.As(err, &gap) || gap.Missing != 3 {
		t.Fatalf("err = %v", err)
	}
	if gen.calls["polish_script"] != 0 {
		t.Fatal("polish must not run on a broken sequence")
	}
}

func TestValidateEmotionalFlow(t *testing.T) {
	n := config.Niche{EmotionalArc: []string{"hook", "evidence", "analysis"}}
	mods := []types.ModuleScript{{Role: "HOOK"}, {Role: "ANALYSIS"}, {Role: "EVIDENCE"}}
	issues := ValidateEmotionalFlow(mods, n)
	if len(issues) != 1 || !strings.Contains(issues[0], "regression: ANALYSIS") {
		t.Fatalf("issues = %v", issues)
	}
	inOrder := []types.ModuleScript{{Role: "HOOK"}, {Role: "CONTEXT"}, {Role: "THEORY"}}
	if got := ValidateEmotionalFlow(inOrder, n); len(got) != 0 {
		t.Fatalf("in-order arc flagged: %v", got)
	}
	missing := ValidateEmotionalFlow([]types.ModuleScript{{Role: "HOOK"}}, config.Niche{EmotionalArc: []string{"hook", "analysis"}})
	if len(missing) != 1 || !strings.Contains(missing[0], "ANALYSIS") {
		t.Fatalf("missing = %v", missing)
	}
	if ValidateEmotionalFlow(mods, config.Niche{}) != nil {
		t.Fatal("no arc means nothing to check")
	}
}

func TestCheckReadability(t *testing.T) {
	long := words(30) + "."
	issues := CheckReadability(long+"\n\nShort one.", config.Niche{}, "English")
	if len(issues) != 1 || !strings.Contains(issues[0], "long sentence") {
		t.Fatalf("issues = %v", issues)
	}

	dense := strings.Repeat("One two three. ", 6)
	if got := CheckReadability(dense, config.Niche{}, "English"); len(got) != 1 || !strings.Contains(got[0], "dense paragraph") {
		t.Fatalf("dense issues = %v", got)
	}

	de := config.Niche{Market: "DE"}
	got := CheckReadability("Du verdienst healing. Klar.", de, "German")
	if len(got) != 1 || !strings.Contains(got[0], "healing") {
		t.Fatalf("DE issues = %v", got)
	}
}
