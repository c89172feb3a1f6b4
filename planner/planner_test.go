package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"longform-studio/checkpoint"
	"longform-studio/config"
	"longform-studio/llm"
	"longform-studio/retry"
	"longform-studio/types"
)

// scriptedGen answers each action with the next reply in its queue; the last
// reply repeats.
type scriptedGen struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   map[string]int
}

func newScriptedGen(replies map[string][]string) *scriptedGen {
	return &scriptedGen{replies: replies, calls: map[string]int{}}
}

func (s *scriptedGen) Generate(_ context.Context, call llm.Call) (llm.Result, error) {
	s.mu.Lock()
	queue := s.replies[call.Action]
	n := s.calls[call.Action]
	s.calls[call.Action]++
	s.mu.Unlock()

	if len(queue) == 0 {
		return llm.Result{}, fmt.Errorf("no reply for %s", call.Action)
	}
	reply := queue[len(queue)-1]
	if n < len(queue) {
		reply = queue[n]
	}
	if call.Validate != nil {
		if err := call.Validate(reply); err != nil {
			return llm.Result{}, errors.Join(llm.ErrInvalidResponse, err)
		}
	}
	return llm.Result{Response: llm.Response{Text: reply}, Model: "fake"}, nil
}

func (s *scriptedGen) count(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[action]
}

func TestPickCoreKeyword(t *testing.T) {
	cases := []struct {
		repeated, pool []string
		want           string
	}{
		{[]string{"dark matter halos", "dark matter"}, []string{"Dark Matter", "dark matter halo"}, "dark matter"},
		{[]string{"cosmic dawn"}, []string{"black holes", "quasar"}, "quasar"},
		{[]string{"cosmic dawn", "first stars"}, nil, "cosmic dawn"},
		{nil, nil, "documentary"},
	}
	for _, c := range cases {
		if got := PickCoreKeyword(c.repeated, c.pool); got != c.want {
			t.Errorf("PickCoreKeyword(%v, %v) = %q, want %q", c.repeated, c.pool, got, c.want)
		}
	}
}

func TestFilterSupporting(t *testing.T) {
	in := []string{"Galaxy", "dark matter", "hidden mass problem", "hidden mass problems", "rotation curve data", "space", "  ", "lensing evidence"}
	got := FilterSupporting(in, "dark matter", 2)
	if len(got) != 2 || got[0] != "hidden mass problem" || got[1] != "rotation curve data" {
		t.Fatalf("FilterSupporting = %v", got)
	}
}

func TestKeywordEngineGenerate(t *testing.T) {
	gen := newScriptedGen(map[string][]string{
		"semantic_keywords": {`["hidden mass problem", "rotation curve data", "gravitational lensing map", "missing matter puzzle", "cold dark particles", "single"]`},
		"ctr_phrases":       {`{"phrases": ["IT WAS NEVER THERE", "THE MISSING MASS"]}`},
	})
	engine := NewKeywordEngine(gen, []string{"m"}, nil)
	niche := config.Default().Niche("science")

	plan, err := engine.Generate(context.Background(), KeywordInput{
		Analysis: &types.Analysis{RepeatedPhrases: []string{"dark matter"}},
		Niche:    niche,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if plan.CoreKeyword != "dark matter" || len(plan.SupportingKeywords) != 5 || len(plan.CTRPhrases) != 2 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.KeywordMap["core_keyword"].MaxUsage != 3 {
		t.Fatalf("keyword map = %+v", plan.KeywordMap)
	}
}

func TestKeywordEngineWeakCluster(t *testing.T) {
	gen := newScriptedGen(map[string][]string{
		"semantic_keywords": {`["hidden mass problem", "space"]`},
		"ctr_phrases":       {`["THE MISSING MASS"]`},
	})
	_, err := NewKeywordEngine(gen, []string{"m"}, nil).Generate(context.Background(), KeywordInput{Niche: config.Default().Niche("science")})
	if !errors.Is(err, ErrWeakCluster) {
		t.Fatalf("err = %v, want ErrWeakCluster", err)
	}
}

func TestEnrichWordTargets(t *testing.T) {
	niche := config.Default().Niche("documentary")
	raw := []RawModule{
		{Index: 1, Role: "HOOK"},
		{Index: 2, Role: "exposition"},
		{Index: 3, Role: "PEAK"},
		{Index: 4, Role: "OPEN_END"},
	}
	roles := AllowedRoles(niche, types.ModeStandard)

	plan, err := Enrich(raw, roles, niche, 5000, 8)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	want := []int{120, 550, 700, 300}
	for i, m := range plan.Modules {
		if m.WordTarget != want[i] {
			t.Errorf("module %d (%s) word target = %d, want %d", m.Index, m.Role, m.WordTarget, want[i])
		}
	}
	if plan.TotalWordEstimate != 1670 {
		t.Fatalf("total = %d", plan.TotalWordEstimate)
	}
	if got := plan.Modules[0].AllowedKeywordTypes; len(got) != 2 || got[0] != "core" {
		t.Fatalf("hook keyword types = %v", got)
	}

	weak, _ := Enrich(raw, roles, niche, 2500, 6)
	// peak drops to the 500 base and scales by half; the hook keeps its 0.8 floor
	if weak.Modules[2].WordTarget != 275 || weak.Modules[0].WordTarget != 96 {
		t.Fatalf("weak hook plan = %+v", weak.Modules)
	}

	if _, err := Enrich([]RawModule{{Index: 1, Role: "DANCE_BREAK"}}, roles, niche, 5000, 8); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("err = %v, want ErrInvalidPlan", err)
	}

	loose := config.Default().Niche("self_help")
	lp, err := Enrich([]RawModule{{Index: 1, Role: "HOOK"}}, AllowedRoles(loose, types.ModeStandard), loose, 5000, 8)
	if err != nil || len(lp.Modules[0].AllowedKeywordTypes) != 0 {
		t.Fatalf("loose plan = %+v, %v", lp, err)
	}
}

func TestValidate(t *testing.T) {
	good := &types.ModulePlan{Modules: []types.Module{
		{Index: 1, Role: "HOOK"}, {Index: 2, Role: "CONTEXT"}, {Index: 3, Role: "PEAK"}, {Index: 4, Role: "OPEN_END"},
	}}
	if err := Validate(good, types.ModeStandard); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := []*types.ModulePlan{
		{Modules: []types.Module{{Index: 1, Role: "HOOK"}, {Index: 3, Role: "PEAK"}, {Index: 4, Role: "OPEN_END"}}},
		{Modules: []types.Module{{Index: 1, Role: "CONTEXT"}, {Index: 2, Role: "PEAK"}, {Index: 3, Role: "OPEN_END"}}},
		{Modules: []types.Module{{Index: 1, Role: "HOOK"}, {Index: 2, Role: "PEAK"}, {Index: 3, Role: "SHIFT"}, {Index: 4, Role: "OPEN_END"}}},
		{Modules: []types.Module{{Index: 1, Role: "HOOK"}, {Index: 2, Role: "PEAK"}, {Index: 3, Role: "RECAP"}}},
	}
	for i, p := range bad {
		if err := Validate(p, types.ModeStandard); !errors.Is(err, ErrInvalidPlan) {
			t.Errorf("plan %d: err = %v, want ErrInvalidPlan", i, err)
		}
	}
	if err := Validate(good, types.ModeMicro); err == nil {
		t.Fatal("micro plans must open with HOOK_THREAT")
	}
}

const eightModules = `[
 {"index": 1, "role": "HOOK", "goal": "g"},
 {"index": 2, "role": "EXPOSITION", "goal": "g"},
 {"index": 3, "role": "RISING_ACTION", "goal": "g"},
 {"index": 4, "role": "COMPLICATION", "goal": "g"},
 {"index": 5, "role": "RISING_ACTION", "goal": "g"},
 {"index": 6, "role": "PEAK", "goal": "g"},
 {"index": 7, "role": "RESOLUTION", "goal": "g"},
 {"index": 8, "role": "OPEN_END", "goal": "g"}
]`

func TestModulePlannerRetriesInvalidPlan(t *testing.T) {
	gen := newScriptedGen(map[string][]string{
		"planner_gen": {
			`[{"index": 1, "role": "HOOK"}, {"index": 2, "role": "PEAK"}, {"index": 3, "role": "TURNING_POINT"}, {"index": 4, "role": "OPEN_END"}]`,
			eightModules,
		},
	})
	p := NewModulePlanner(gen, []string{"m"}, nil)
	p.Attempts.Sleep = retry.NoSleep

	plan, err := p.Plan(context.Background(), PlanInput{
		Niche:       config.Default().Niche("documentary"),
		Mode:        types.ModeStandard,
		TargetWords: 5000,
		Analysis:    &types.Analysis{HookScore: 8},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Modules) != 8 || gen.count("planner_gen") != 2 {
		t.Fatalf("modules = %d, calls = %d", len(plan.Modules), gen.count("planner_gen"))
	}
}

type fakeKeywords struct{ calls int }

func (f *fakeKeywords) Generate(context.Context, KeywordInput) (*types.KeywordPlan, error) {
	f.calls++
	return &types.KeywordPlan{CoreKeyword: fmt.Sprintf("core-%d", f.calls)}, nil
}

type fakePlanner struct {
	calls     int
	feedbacks []*types.Verdict
}

func (f *fakePlanner) Plan(_ context.Context, in PlanInput) (*types.ModulePlan, error) {
	f.calls++
	f.feedbacks = append(f.feedbacks, in.Feedback)
	return &types.ModulePlan{Modules: []types.Module{{Index: 1, Role: "HOOK", WordTarget: 100}}}, nil
}

type fakeGate struct {
	verdicts []types.Verdict
	calls    int
}

func (f *fakeGate) Evaluate(context.Context, checkpoint.Input) (types.Verdict, error) {
	v := f.verdicts[len(f.verdicts)-1]
	if f.calls < len(f.verdicts) {
		v = f.verdicts[f.calls]
	}
	f.calls++
	return v, nil
}

func newTestReviser(kw KeywordGenerator, pl PlanGenerator, gate Evaluator) *Reviser {
	r := NewReviser(kw, pl, gate, nil)
	r.Sleep = retry.NoSleep
	return r
}

func TestRejectedTwiceThenApproved(t *testing.T) {
	kw, pl := &fakeKeywords{}, &fakePlanner{}
	gate := &fakeGate{verdicts: []types.Verdict{
		{Ready: false, Recommendation: types.RecommendReplanModules, Issues: []string{"too slow"}},
		{Ready: false, Recommendation: types.RecommendReplanModules},
		{Ready: true, Recommendation: types.RecommendProceed},
	}}

	out, err := newTestReviser(kw, pl, gate).PlanWithApproval(context.Background(), RevisionInput{Mode: types.ModeStandard}, 3)
	if err != nil {
		t.Fatalf("PlanWithApproval: %v", err)
	}
	if pl.calls != 3 || out.Generations != 3 || out.Rounds != 3 {
		t.Fatalf("planner calls = %d, generations = %d, rounds = %d", pl.calls, out.Generations, out.Rounds)
	}
	if kw.calls != 1 {
		t.Fatalf("keywords regenerated %d times on replan_modules", kw.calls)
	}
	if pl.feedbacks[0] != nil || pl.feedbacks[1] == nil || pl.feedbacks[1].Issues[0] != "too slow" {
		t.Fatalf("feedbacks = %+v", pl.feedbacks)
	}
}

func TestAdjustKeywordsRegeneratesKeywords(t *testing.T) {
	kw, pl := &fakeKeywords{}, &fakePlanner{}
	gate := &fakeGate{verdicts: []types.Verdict{
		{Ready: false, Recommendation: types.RecommendAdjustKeywords},
		{Ready: true},
	}}
	out, err := newTestReviser(kw, pl, gate).PlanWithApproval(context.Background(), RevisionInput{
		Keywords: &types.KeywordPlan{CoreKeyword: "given"},
	}, 3)
	if err != nil {
		t.Fatalf("PlanWithApproval: %v", err)
	}
	if kw.calls != 1 || out.Keywords.CoreKeyword != "core-1" || pl.calls != 2 {
		t.Fatalf("keyword calls = %d, core = %s, plans = %d", kw.calls, out.Keywords.CoreKeyword, pl.calls)
	}
}

func TestNeverApproved(t *testing.T) {
	gate := &fakeGate{verdicts: []types.Verdict{{Ready: false, Recommendation: types.RecommendReplanModules, Issues: []string{"flat arc"}}}}
	_, err := newTestReviser(&fakeKeywords{}, &fakePlanner{}, gate).PlanWithApproval(context.Background(), RevisionInput{}, 2)
	if !errors.Is(err, ErrPlanNotApproved) {
		t.Fatalf("err = %v, want ErrPlanNotApproved", err)
	}
	var rej *RejectedError
	if !errors.As(err, &rej) || !strings.Contains(rej.Error(), "flat arc") {
		t.Fatalf("err = %v, want a RejectedError", err)
	}
	if gate.calls != 2 {
		t.Fatalf("gate calls = %d", gate.calls)
	}
}

func TestTopicGeneratorCount(t *testing.T) {
	gen := newScriptedGen(map[string][]string{
		"micro_topic_gen": {`[{"id": 7, "topic_title": "A"}, {"id": 9, "topic_title": "B"}, {"id": 2, "topic_title": "C"}]`},
	})
	topics, err := NewTopicGenerator(gen, []string{"m"}, nil).Generate(context.Background(), TopicInput{CoreTopic: "control", Count: 3})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(topics) != 3 || topics[2].ID != 3 || topics[2].TopicTitle != "C" {
		t.Fatalf("topics = %+v", topics)
	}

	if _, err := NewTopicGenerator(gen, []string{"m"}, nil).Generate(context.Background(), TopicInput{CoreTopic: "control", Count: 4}); err == nil {
		t.Fatal("expected error for wrong topic count")
	}
}
