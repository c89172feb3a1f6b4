package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/jsonparse"
	"longform-studio/llm"
	"longform-studio/types"
)

// TopicGenerator splits a core topic into standalone micro topics for a
// compilation run.
type TopicGenerator struct {
	gen    llm.Generator
	models []string
	log    *zap.Logger
}

func NewTopicGenerator(gen llm.Generator, models []string, logger *zap.Logger) *TopicGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopicGenerator{gen: gen, models: models, log: logger.Named("micro")}
}

// TopicInput describes the compilation to split.
type TopicInput struct {
	ProjectID       string
	CoreTopic       string
	DominantTrigger string
	Count           int
	Niche           config.Niche
}

// Generate returns exactly in.Count topics, renumbered 1..Count.
func (g *TopicGenerator) Generate(ctx context.Context, in TopicInput) ([]types.MicroTopic, error) {
	if in.Count <= 0 {
		in.Count = 3
	}
	g.log.Info("[micro] 🧱 generating micro topics", zap.String("topic", in.CoreTopic), zap.Int("count", in.Count))

	var topics []types.MicroTopic
	err := llm.List(ctx, g.gen, llm.Call{
		Action:      "micro_topic_gen",
		ProjectID:   in.ProjectID,
		Models:      g.models,
		Prompt:      microPrompt(in),
		MaxTokens:   2048,
		Temperature: 0.7,
		Validate: func(text string) error {
			var probe []types.MicroTopic
			if err := jsonparse.DecodeList(text, &probe); err != nil {
				return err
			}
			if len(probe) != in.Count {
				return fmt.Errorf("got %d micro topics, want %d", len(probe), in.Count)
			}
			return nil
		},
	}, &topics)
	if err != nil {
		return nil, fmt.Errorf("micro topics: %w", err)
	}
	for i := range topics {
		topics[i].ID = i + 1
	}
	g.log.Info("[micro] ✅ micro topics ready", zap.Int("count", len(topics)))
	return topics, nil
}

func microPrompt(in TopicInput) string {
	stages := make([]string, 0, 4)
	for _, r := range []string{types.RoleHookThreat, types.RoleMechanismExposed, types.RoleColdResolution, types.RoleOpenLoop} {
		stages = append(stages, strings.ReplaceAll(strings.ToLower(r), "_", " "))
	}
	market := "YouTube"
	if in.Niche.IsGerman() {
		market = "German-market YouTube"
	}
	return fmt.Sprintf(`You are a content strategist for %s %s content.

TASK:
Generate exactly %d MICRO-TOPICS from the core topic below.

A micro-topic is a narrowly scoped question that:
- can be fully explained and resolved in a 12-15 minute video
- does NOT require watching any other video to feel finished
- revolves around EXACTLY ONE named mechanism

STRICT RULES:
1. Each topic closes its core question completely. No follow-up videos.
2. One mechanism per topic. Topics needing two mechanisms are invalid.
3. Each topic fits these stages: %s.
4. Never use phrases like "part 2", "more in the next video" or "continued".

CORE TOPIC:
%s

DOMINANT TRIGGER:
%s

OUTPUT FORMAT (JSON ONLY):
[{"id": 1, "topic_title": "...", "core_question": "...", "named_mechanism": "...", "brief_outline": "..."}]`,
		market, in.Niche.Name, in.Count, strings.Join(stages, ", "), in.CoreTopic, in.DominantTrigger)
}
