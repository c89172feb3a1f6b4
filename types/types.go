package types

import (
	"encoding/json"
	"strings"
)

// Mode selects the stage layout of a run
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeMicro    Mode = "micro"
)

// RequiredModules is the exact module count a plan must have for the mode
func (m Mode) RequiredModules() int {
	if m == ModeMicro {
		return 4
	}
	return 8
}

// OpeningRole is the role the first module of a plan must carry
func (m Mode) OpeningRole() string {
	if m == ModeMicro {
		return RoleHookThreat
	}
	return RoleHook
}

// Module roles shared by the planner, the checkpoint gate and the assembler.
const (
	RoleHook               = "HOOK"
	RoleHookThreat         = "HOOK_THREAT"
	RoleMechanismExposed   = "MECHANISM_EXPOSED"
	RolePowerImbalance     = "POWER_IMBALANCE"
	RoleBoundaryDefinition = "BOUNDARY_DEFINITION"
	RoleColdResolution     = "COLD_RESOLUTION"
	RolePeak               = "PEAK"
	RoleRealization        = "REALIZATION"
	RoleTurningPoint       = "TURNING_POINT"
	RoleShift              = "SHIFT"
	RoleOpenEnd            = "OPEN_END"
	RoleOpenLoop           = "OPEN_LOOP"
)

// PeakRoles are the climax roles; a plan carries exactly one of them
var PeakRoles = []string{RolePeak, RoleRealization, RoleTurningPoint, RoleShift, RoleColdResolution}

// IsPeakRole reports whether role is one of PeakRoles
func IsPeakRole(role string) bool {
	for _, r := range PeakRoles {
		if r == role {
			return true
		}
	}
	return false
}

// IsClosingRole reports whether role may end a plan
func IsClosingRole(role string) bool {
	return role == RoleOpenEnd || role == RoleOpenLoop
}

// Analysis is the output of source analysis (extraction + hook scoring)
type Analysis struct {
	HookCandidates     []string `json:"hook_candidates"`
	RepeatedPhrases    []string `json:"repeated_phrases"`
	EmotionTriggers    []string `json:"emotion_triggers"`
	NarrativeStructure string   `json:"narrative_structure"`
	SelfEvaluation     string   `json:"self_evaluation,omitempty"`
	HookScore          float64  `json:"hook_score"`
	DominantTrigger    string   `json:"dominant_trigger"`
	CTRPotential       string   `json:"ctr_potential"`
	Recommendation     string   `json:"recommendation"` // proceed | rewrite | reject
	SourceTitle        string   `json:"source_title,omitempty"`
}

// Rejected reports whether hook scoring told the pipeline to stop
func (a *Analysis) Rejected() bool {
	return a != nil && strings.EqualFold(a.Recommendation, "reject")
}

// KeywordPlan is the SEO keyword set for a run
type KeywordPlan struct {
	CoreKeyword        string                `json:"core_keyword"`
	SupportingKeywords []string              `json:"supporting_keywords"`
	CTRPhrases         []string              `json:"ctr_phrases"`
	KeywordMap         map[string]KeywordUse `json:"keyword_map"`
}

// KeywordUse describes where a keyword class may appear
type KeywordUse struct {
	Use      []string `json:"use"`
	MaxUsage int      `json:"max_usage"`
}

// Module is one planned narrative unit
type Module struct {
	Index               int      `json:"index"`
	Role                string   `json:"role"`
	Goal                string   `json:"goal"`
	WordTarget          int      `json:"word_target"`
	AllowedKeywordTypes []string `json:"allowed_keyword_type"`
}

// ModulePlan is the ordered module structure of one video
type ModulePlan struct {
	Modules           []Module `json:"modules"`
	TotalWordEstimate int      `json:"total_word_estimate"`
}

// TotalWords sums the word targets of every module
func (p ModulePlan) TotalWords() int {
	total := 0
	for _, m := range p.Modules {
		total += m.WordTarget
	}
	return total
}

// MicroTopic is one standalone unit of a compilation
type MicroTopic struct {
	ID             int    `json:"id"`
	TopicTitle     string `json:"topic_title"`
	CoreQuestion   string `json:"core_question"`
	NamedMechanism string `json:"named_mechanism"`
	BriefOutline   string `json:"brief_outline"`
}

// Recommendation is the checkpoint's next-step advice
type Recommendation string

const (
	RecommendProceed        Recommendation = "proceed"
	RecommendReplanModules  Recommendation = "replan_modules"
	RecommendAdjustKeywords Recommendation = "adjust_keywords"
)

// Verdict is one checkpoint evaluation
type Verdict struct {
	Ready          bool           `json:"ready"`
	Recommendation Recommendation `json:"recommendation"`
	Issues         []string       `json:"issues"`
	Feedback       string         `json:"feedback"`
}

// UnmarshalJSON accepts loosely typed model output: ready as bool, string or
// number, and issues as a list or a single string.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	var raw struct {
		Ready          any             `json:"ready"`
		Recommendation string          `json:"recommendation"`
		Issues         json.RawMessage `json:"issues"`
		Feedback       any             `json:"feedback"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.Ready = truthy(raw.Ready)
	v.Recommendation = Recommendation(strings.ToLower(strings.TrimSpace(raw.Recommendation)))
	v.Issues = nil
	if len(raw.Issues) > 0 {
		var list []string
		if err := json.Unmarshal(raw.Issues, &list); err == nil {
			v.Issues = list
		} else {
			var one string
			if err := json.Unmarshal(raw.Issues, &one); err == nil && one != "" {
				v.Issues = []string{one}
			}
		}
	}
	switch f := raw.Feedback.(type) {
	case string:
		v.Feedback = f
	case nil:
		v.Feedback = ""
	default:
		b, _ := json.Marshal(f)
		v.Feedback = string(b)
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes" || s == "1"
	case float64:
		return t != 0
	}
	return false
}

// ModuleScript is the written text of one module
type ModuleScript struct {
	ModuleIndex int      `json:"module_index"`
	Role        string   `json:"role,omitempty"`
	Content     string   `json:"content"`
	Cliffhanger string   `json:"cliffhanger"`
	QAPassed    bool     `json:"qa_passed"`
	QAIssues    []string `json:"qa_issues,omitempty"`
}

// AssembledScript is the polished full script
type AssembledScript struct {
	FullScript         string         `json:"full_script"`
	WordCount          int            `json:"word_count"`
	VoiceReady         bool           `json:"voice_ready"`
	EmotionalArcPassed bool           `json:"emotional_arc_passed"`
	ValidationIssues   []string       `json:"validation_issues,omitempty"`
	ReadabilityIssues  []string       `json:"readability_issues,omitempty"`
	Polished           bool           `json:"polished"`
	Modules            []ModuleScript `json:"modules"`
}

// ClickTriggers are the curiosity hooks extracted from a script
type ClickTriggers struct {
	CuriosityCore    string `json:"curiosity_core"`
	EmotionalTrigger string `json:"emotional_trigger"`
	ShockAngle       string `json:"shock_angle"`
	ThumbnailPhrase  string `json:"thumbnail_phrase"`
}

// Thumbnail is the thumbnail concept for a video
type Thumbnail struct {
	VisualConcept string `json:"visual_concept"`
	TextOnThumb   string `json:"text_on_thumb"`
	AIImagePrompt string `json:"ai_image_prompt"`
	Mood          string `json:"mood"`
}

// SyncCheck records title/thumbnail redundancy
type SyncCheck struct {
	Pass  bool   `json:"pass"`
	Issue string `json:"issue,omitempty"`
}

// CTRBundle holds titles and thumbnail for a video
type CTRBundle struct {
	Titles        []string      `json:"titles"`
	Thumbnail     Thumbnail     `json:"thumbnail"`
	ClickTriggers ClickTriggers `json:"click_triggers"`
	Strategy      string        `json:"ctr_strategy"`
	SyncCheck     SyncCheck     `json:"sync_check"`
}

// Chapter is one timestamp line of a description
type Chapter struct {
	Time        string  `json:"time"`
	Seconds     float64 `json:"seconds"`
	Title       string  `json:"title"`
	ModuleIndex int     `json:"index"`
}

// DescriptionBundle is the YouTube description and tags
type DescriptionBundle struct {
	Description   string    `json:"description"`
	Chapters      []Chapter `json:"timestamps"`
	Hashtags      []string  `json:"hashtags"`
	Tags          []string  `json:"tags"`
	PinnedComment string    `json:"pinned_comment,omitempty"`
}

// VideoMetadata holds all YouTube upload metadata
type VideoMetadata struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Tags             []string `json:"tags"`
	ThumbnailPrompt  string   `json:"thumbnail_prompt"`
	ThumbnailFile    string   `json:"thumbnail_file,omitempty"`
	CategoryID       string   `json:"category_id"`
	Visibility       string   `json:"visibility"`
	ScheduledTimeUTC string   `json:"scheduled_time_utc"`
}

// VoiceTrack is a synthesized narration with its subtitles
type VoiceTrack struct {
	AudioPath   string  `json:"audio_path"`
	SRTPath     string  `json:"srt_path"`
	DurationSec float64 `json:"duration_sec"`
	Chunks      int     `json:"chunks"`
	Provider    string  `json:"provider"`
}

// ShotPrompt is one visual scene with its image prompt
type ShotPrompt struct {
	ID        int     `json:"id"`
	StartSec  float64 `json:"start_time"`
	EndSec    float64 `json:"end_time"`
	Text      string  `json:"text,omitempty"`
	Prompt    string  `json:"p"`
	ImageFile string  `json:"image_file,omitempty"`
	IsBridge  bool    `json:"is_bridge,omitempty"`
}

// UploadResult records a published video
type UploadResult struct {
	VideoID  string `json:"video_id"`
	VideoURL string `json:"video_url"`
}

// MicroUnit is one processed unit of a compilation run
type MicroUnit struct {
	Topic    MicroTopic       `json:"topic"`
	Keywords *KeywordPlan     `json:"keywords,omitempty"`
	Plan     *ModulePlan      `json:"plan,omitempty"`
	Script   *AssembledScript `json:"script,omitempty"`
	Voice    *VoiceTrack      `json:"voice,omitempty"`
	Shots    []ShotPrompt     `json:"shots,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Compilation is the merged micro-mode output
type Compilation struct {
	AudioPath     string       `json:"audio_path"`
	SRTPath       string       `json:"srt_path"`
	VisualPath    string       `json:"visual_path"`
	TotalDuration float64      `json:"total_duration"`
	BlocksCount   int          `json:"blocks_count"`
	Shots         []ShotPrompt `json:"shots"`
}
