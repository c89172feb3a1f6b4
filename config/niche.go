package config

import "strings"

// Niche is the editorial profile that shapes every prompt of a run.
type Niche struct {
	Name               string   `yaml:"-"`
	Language           string   `yaml:"language"`
	Market             string   `yaml:"market"`
	WriterRole         string   `yaml:"writer_role"`
	Tone               []string `yaml:"tone"`
	SpeculationLevel   string   `yaml:"speculation_level"`
	KeywordDiscipline  string   `yaml:"keyword_discipline"` // strict | medium | loose
	KeywordPool        []string `yaml:"keyword_pool"`
	CliffStyle         string   `yaml:"cliff_style"`
	ForbiddenPhrases   []string `yaml:"forbidden_phrases"`
	EmotionalArc       []string `yaml:"emotional_arc"`
	Roles              []string `yaml:"roles"`
	PolishPrompt       string   `yaml:"polish_prompt"`
	VisualStyle        string   `yaml:"visual_style"`
	RequiresDisclaimer bool     `yaml:"requires_disclaimer"`
	OverEmpathyCheck   bool     `yaml:"over_empathy_check"`
	CTR                CTRRules `yaml:"ctr"`
}

// CTRRules steer title and thumbnail generation.
type CTRRules struct {
	Strategy       string `yaml:"strategy"`
	TitleRules     string `yaml:"title_rules"`
	ThumbnailRules string `yaml:"thumbnail_rules"`
}

// IsGerman reports whether the niche targets the German market.
func (n Niche) IsGerman() bool {
	return n.Market == "DE" || strings.EqualFold(n.Language, "german")
}

// MinKeywordCluster is the smallest acceptable supporting keyword set.
func (n Niche) MinKeywordCluster() int {
	if n.IsGerman() {
		return 3
	}
	return 5
}

// MaxKeywordCluster caps the supporting keyword set.
func (n Niche) MaxKeywordCluster() int {
	if n.Name == "self_help" {
		return 5
	}
	return 8
}

// LooseKeywords reports whether keyword placement is unrestricted.
func (n Niche) LooseKeywords() bool { return n.KeywordDiscipline == "loose" }

var builtinNiches = map[string]Niche{
	"science": {
		WriterRole:        "scientific documentary scriptwriter",
		Tone:              []string{"investigative", "neutral", "serious", "evidentiary"},
		SpeculationLevel:  "none",
		KeywordDiscipline: "strict",
		CliffStyle:        "mystery",
		ForbiddenPhrases:  []string{"aliens confirmed", "proof of aliens"},
		EmotionalArc:      []string{"hook", "evidence", "analysis", "peak", "open_loop"},
		Roles:             []string{"HOOK", "CONTEXT", "DISCOVERY", "EVIDENCE", "ANALYSIS", "THEORY", "PEAK", "RECAP", "OPEN_END"},
		PolishPrompt:      "You are a senior scientific editor. Polish only the BODY of this script for clarity, precision, and rhythm. Do NOT change facts or add emotional fluff. Improve transitions between evidence and analysis.",
		CTR: CTRRules{
			Strategy:       "authority_seo",
			TitleRules:     "Use 1 strong core keyword. Include authority/action (confirmed, detected, revealed). 8-14 words max.",
			ThumbnailRules: "Subject: Mysterious object/phenomenon. Elements: red arrow, high contrast. Mood: discovery, urgency.",
		},
	},
	"documentary": {
		WriterRole:        "long-form documentary storyteller",
		Tone:              []string{"serious", "narrative-driven", "immersive", "cautious"},
		SpeculationLevel:  "limited",
		KeywordDiscipline: "medium",
		CliffStyle:        "story-based",
		EmotionalArc:      []string{"hook", "rising_action", "peak", "resolution", "open_loop"},
		Roles:             []string{"HOOK", "EXPOSITION", "RISING_ACTION", "COMPLICATION", "TURNING_POINT", "PEAK", "RESOLUTION", "OPEN_END"},
		PolishPrompt:      "You are a senior documentary editor. Polish only the BODY of this script. Maintain narrative tension and immersive flow. Smooth out transitions to maintain long-form engagement.",
		CTR: CTRRules{
			Strategy:       "narrative_mystery",
			TitleRules:     "Focus on the 'Untold Story' or 'Hidden Truth'. Use intriguing narrative hooks. 10-15 words max.",
			ThumbnailRules: "Subject: Iconic historic or natural scene. Elements: subtle hidden detail, mysterious lighting.",
		},
	},
	"dark_psychology_de": {
		Language:          "German",
		Market:            "DE",
		WriterRole:        "cold psychological analyst and senior behavioral observer",
		Tone:              []string{"cold", "analytical", "authoritative", "direct", "unemotional", "logic-driven"},
		SpeculationLevel:  "limited",
		KeywordDiscipline: "strict",
		CliffStyle:        "logical-threat",
		ForbiddenPhrases: []string{
			"stell dir vor", "dunkler wald", "herzschmerz", "traurig", "vielleicht",
			"you deserve", "healing", "self love", "motivation", "believe in yourself",
			"buy now", "subscribe", "guaranteed success", "click here",
		},
		EmotionalArc:     []string{"hook_threat", "mechanism_exposed", "power_imbalance", "boundary_definition", "cold_resolution", "open_loop"},
		Roles:            []string{"HOOK_THREAT", "MECHANISM_EXPOSED", "POWER_IMBALANCE", "BOUNDARY_DEFINITION", "COLD_RESOLUTION", "OPEN_LOOP"},
		PolishPrompt:     "You are a senior cold-logic editor. Remove ALL poetic metaphors, melancholic storytelling, and emotional softening. Shorten sentences. Use punchy, authoritative German. Ensure it sounds like a clinical behavioral analysis, not a novel.",
		VisualStyle:      "Dark, high-contrast cinematic clinical atmosphere. Minimalist, cold tones (slate, deep red accents). No smiling, no friendly colors.",
		OverEmpathyCheck: true,
		CTR: CTRRules{
			Strategy:       "power_control",
			TitleRules:     "German only. 6-12 words. Direct statement, no hype, no 'secret trick' phrasing.",
			ThumbnailRules: "German only. Max 2 words, ALL CAPS, no exclamation mark. Minimal gray/white with a red accent. Cold tension.",
		},
	},
	"health": {
		WriterRole:         "medical and wellness guide",
		Tone:               []string{"authoritative", "cautious", "informative", "balanced"},
		SpeculationLevel:   "none",
		KeywordDiscipline:  "strict",
		CliffStyle:         "health-tip",
		RequiresDisclaimer: true,
		ForbiddenPhrases:   []string{"cure for cancer", "guaranteed weight loss"},
		EmotionalArc:       []string{"hook", "symptom", "explanation", "solution", "open_loop"},
		Roles:              []string{"HOOK", "SYMPTOM", "BIOLOGY", "LIFESTYLE", "SOLUTION", "PEAK", "ACTION_PLAN", "OPEN_END"},
		PolishPrompt:       "You are a senior medical editor. Polish only the BODY. Ensure clarity and cautious authority. Smooth out biology-to-lifestyle transitions. Accurate but accessible.",
		CTR: CTRRules{
			Strategy:       "cautionary_benefit",
			TitleRules:     "Focus on a specific body change or hidden symptom. Use 'Why...' or 'The Truth about...'. 8-12 words max.",
			ThumbnailRules: "Subject: Biological visualization or symbolic health object. Elements: clean medical aesthetic, clear focal point.",
		},
	},
	"void_chaser": {
		WriterRole:        "thriller and mystery documentary storyteller",
		Tone:              []string{"suspenseful", "dark", "mysterious", "intense", "investigative"},
		SpeculationLevel:  "limited",
		KeywordDiscipline: "medium",
		CliffStyle:        "mystery",
		ForbiddenPhrases:  []string{"happy ending", "all explained"},
		EmotionalArc:      []string{"hook", "mystery", "escalation", "revelation", "peak", "open_loop"},
		Roles:             []string{"HOOK", "MYSTERY_SETUP", "INVESTIGATION", "ESCALATION", "REVELATION", "PEAK", "RECAP", "OPEN_END"},
		PolishPrompt:      "You are a senior thriller editor. Polish for maximum suspense. Use short, punchy sentences. Maintain a sense of impending revelation or dread.",
		CTR: CTRRules{
			Strategy:       "narrative_mystery",
			TitleRules:     "Focus on the 'Untold Story' or 'Hidden Truth'. Use intriguing narrative hooks. 10-15 words max.",
			ThumbnailRules: "Subject: Iconic historic or natural scene. Elements: subtle hidden detail, mysterious lighting.",
		},
	},
	"self_help": {
		WriterRole:        "calm self-improvement narrator",
		Tone:              []string{"reflective", "warm", "direct"},
		SpeculationLevel:  "none",
		KeywordDiscipline: "loose",
		CliffStyle:        "emotional-question",
		EmotionalArc:      []string{"hook", "pain", "awareness", "shift", "solution", "open_loop"},
		Roles:             []string{"HOOK", "PAIN", "STORY", "INSIGHT", "REFRAME", "REALIZATION", "ACTION_PLAN", "OPEN_END"},
		PolishPrompt:      "You are a senior editor for reflective narration. Polish only the BODY. Keep the voice personal and calm, remove clichés.",
		CTR: CTRRules{
			Strategy:       "emotional_mirror",
			TitleRules:     "Name the viewer's hidden pattern in plain words. 6-12 words max.",
			ThumbnailRules: "Subject: Single person in reflective pose. Elements: soft contrast, one short phrase.",
		},
	},
}

var roleBias = map[string]int{
	"PAIN":                -50,
	"INSIGHT":             20,
	"REALIZATION":         50,
	"SHIFT":               30,
	"HOOK_THREAT":         -20,
	"MECHANISM_EXPOSED":   10,
	"BOUNDARY_DEFINITION": 20,
	"COLD_RESOLUTION":     40,
	"PEAK":                50,
	"ANALYSIS":            10,
	"TURNING_POINT":       30,
}

// RoleBias is the word-count adjustment a role applies to its base target.
func RoleBias(role string) int { return roleBias[role] }

var cliffRules = map[string]string{
	"mystery":            "End with an unresolved factual question that raises a mystery or uncertainty",
	"emotional-question": "End with a reflective emotional question that challenges the viewer's current mindset",
	"health-tip":         "End with an actionable but incomplete insight that encourages watching the next module to understand the full mechanism",
	"story-based":        "End with a narrative tension point or an unresolved story development",
	"logical-threat":     "End with a direct logical warning or a boundary-based consequence that forces reflection on power dynamics",
}

// CliffRule is the instruction for how a module should end.
func CliffRule(style string) string {
	if r, ok := cliffRules[style]; ok {
		return r
	}
	return "End with a strong, curiosity-inducing cliffhanger sentence."
}

// ArcStages maps emotional arc stages to the roles that satisfy them.
var ArcStages = map[string][]string{
	"hook":                {"HOOK", "HOOK_THREAT"},
	"hook_threat":         {"HOOK_THREAT"},
	"mechanism_exposed":   {"MECHANISM_EXPOSED"},
	"pain":                {"PAIN", "MECHANISM_EXPOSED"},
	"symptom":             {"SYMPTOM"},
	"power_imbalance":     {"POWER_IMBALANCE"},
	"evidence":            {"EVIDENCE", "DISCOVERY", "CONTEXT", "POWER_IMBALANCE"},
	"boundary_definition": {"BOUNDARY_DEFINITION"},
	"rising_action":       {"EXPOSITION", "RISING_ACTION", "COMPLICATION", "BOUNDARY_DEFINITION"},
	"analysis":            {"ANALYSIS", "THEORY"},
	"explanation":         {"BIOLOGY", "LIFESTYLE", "CONTEXT"},
	"awareness":           {"INSIGHT", "REALIZATION"},
	"shift":               {"SHIFT", "REFRAME"},
	"cold_resolution":     {"COLD_RESOLUTION"},
	"solution":            {"SOLUTION", "ACTION_PLAN", "COLD_RESOLUTION"},
	"peak":                {"PEAK", "TURNING_POINT", "REALIZATION", "SHIFT"},
	"resolution":          {"RESOLUTION", "RECAP"},
	"open_loop":           {"OPEN_END", "OPEN_LOOP"},
	"mystery":             {"MYSTERY_SETUP"},
	"escalation":          {"INVESTIGATION", "ESCALATION"},
	"revelation":          {"REVELATION"},
}

// Niche returns the named profile. YAML entries override the built-in
// profile field by field where set; unknown names fall back to documentary.
func (c *Config) Niche(name string) Niche {
	base, ok := builtinNiches[name]
	if !ok {
		if _, custom := c.Niches[name]; !custom {
			name = "documentary"
			base = builtinNiches[name]
		}
	}
	if o, ok := c.Niches[name]; ok {
		base = overlayNiche(base, o)
	}
	if len(base.Roles) == 0 {
		base.Roles = builtinNiches["documentary"].Roles
	}
	if base.KeywordDiscipline == "" {
		base.KeywordDiscipline = "medium"
	}
	base.Name = name
	return base
}

func overlayNiche(base, o Niche) Niche {
	if o.Language != "" {
		base.Language = o.Language
	}
	if o.Market != "" {
		base.Market = o.Market
	}
	if o.WriterRole != "" {
		base.WriterRole = o.WriterRole
	}
	if len(o.Tone) > 0 {
		base.Tone = o.Tone
	}
	if o.SpeculationLevel != "" {
		base.SpeculationLevel = o.SpeculationLevel
	}
	if o.KeywordDiscipline != "" {
		base.KeywordDiscipline = o.KeywordDiscipline
	}
	if len(o.KeywordPool) > 0 {
		base.KeywordPool = o.KeywordPool
	}
	if o.CliffStyle != "" {
		base.CliffStyle = o.CliffStyle
	}
	if len(o.ForbiddenPhrases) > 0 {
		base.ForbiddenPhrases = o.ForbiddenPhrases
	}
	if len(o.EmotionalArc) > 0 {
		base.EmotionalArc = o.EmotionalArc
	}
	if len(o.Roles) > 0 {
		base.Roles = o.Roles
	}
	if o.PolishPrompt != "" {
		base.PolishPrompt = o.PolishPrompt
	}
	if o.VisualStyle != "" {
		base.VisualStyle = o.VisualStyle
	}
	if o.RequiresDisclaimer {
		base.RequiresDisclaimer = true
	}
	if o.OverEmpathyCheck {
		base.OverEmpathyCheck = true
	}
	if o.CTR.Strategy != "" {
		base.CTR.Strategy = o.CTR.Strategy
	}
	if o.CTR.TitleRules != "" {
		base.CTR.TitleRules = o.CTR.TitleRules
	}
	if o.CTR.ThumbnailRules != "" {
		base.CTR.ThumbnailRules = o.CTR.ThumbnailRules
	}
	return base
}
