package types

import "time"

// RunStatus is the lifecycle state of a pipeline run
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusRejected  RunStatus = "rejected"
	StatusFailed    RunStatus = "failed"
)

// Input is what a run starts from
type Input struct {
	SourceURL      string `json:"source_url,omitempty"`
	ManualScript   string `json:"manual_script,omitempty"`
	Topic          string `json:"topic,omitempty"`
	Niche          string `json:"niche"`
	TargetLanguage string `json:"target_language"`
	TargetWords    int    `json:"target_words"`
	Mode           Mode   `json:"mode"`
}

// PipelineRun tracks the full state of one pipeline run. Each stage fills its
// own field; Merge never clears a field that is already set.
type PipelineRun struct {
	RunID       string    `json:"run_id"`
	ProjectID   string    `json:"project_id"`
	Input       Input     `json:"input"`
	Status      RunStatus `json:"status"`
	Stage       string    `json:"stage"`
	StartedAt   string    `json:"started_at"`
	CompletedAt string    `json:"completed_at,omitempty"`

	Analysis     *Analysis          `json:"analysis,omitempty"`
	Keywords     *KeywordPlan       `json:"keywords,omitempty"`
	Plan         *ModulePlan        `json:"plan,omitempty"`
	Checkpoint   *Verdict           `json:"checkpoint,omitempty"`
	PlanRounds   int                `json:"plan_rounds,omitempty"`
	Modules      []ModuleScript     `json:"modules,omitempty"`
	Script       *AssembledScript   `json:"script,omitempty"`
	CTR          *CTRBundle         `json:"ctr,omitempty"`
	Description  *DescriptionBundle `json:"description,omitempty"`
	Metadata     *VideoMetadata     `json:"metadata,omitempty"`
	Voice        *VoiceTrack        `json:"voice,omitempty"`
	Shots        []ShotPrompt       `json:"shots,omitempty"`
	VideoFile    string             `json:"video_file,omitempty"`
	Upload       *UploadResult      `json:"upload,omitempty"`
	MicroTopics  []MicroTopic       `json:"micro_topics,omitempty"`
	MicroUnits   []MicroUnit        `json:"micro_units,omitempty"`
	Compilation  *Compilation       `json:"compilation,omitempty"`
	ArtifactKeys []string           `json:"artifact_keys,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewRun starts a run in the running state
func NewRun(runID, projectID string, in Input, now time.Time) *PipelineRun {
	return &PipelineRun{
		RunID:     runID,
		ProjectID: projectID,
		Input:     in,
		Status:    StatusRunning,
		StartedAt: now.UTC().Format(time.RFC3339),
	}
}

// Merge copies every set field of part into r.
func (r *PipelineRun) Merge(part PipelineRun) {
	if part.Stage != "" {
		r.Stage = part.Stage
	}
	if part.Analysis != nil {
		r.Analysis = part.Analysis
	}
	if part.Keywords != nil {
		r.Keywords = part.Keywords
	}
	if part.Plan != nil {
		r.Plan = part.Plan
	}
	if part.Checkpoint != nil {
		r.Checkpoint = part.Checkpoint
	}
	if part.PlanRounds != 0 {
		r.PlanRounds = part.PlanRounds
	}
	if part.Modules != nil {
		r.Modules = part.Modules
	}
	if part.Script != nil {
		r.Script = part.Script
	}
	if part.CTR != nil {
		r.CTR = part.CTR
	}
	if part.Description != nil {
		r.Description = part.Description
	}
	if part.Metadata != nil {
		r.Metadata = part.Metadata
	}
	if part.Voice != nil {
		r.Voice = part.Voice
	}
	if part.Shots != nil {
		r.Shots = part.Shots
	}
	if part.VideoFile != "" {
		r.VideoFile = part.VideoFile
	}
	if part.Upload != nil {
		r.Upload = part.Upload
	}
	if part.MicroTopics != nil {
		r.MicroTopics = part.MicroTopics
	}
	if part.MicroUnits != nil {
		r.MicroUnits = part.MicroUnits
	}
	if part.Compilation != nil {
		r.Compilation = part.Compilation
	}
	if part.ArtifactKeys != nil {
		r.ArtifactKeys = append(r.ArtifactKeys, part.ArtifactKeys...)
	}
}

// Finish moves the run to a terminal status
func (r *PipelineRun) Finish(status RunStatus, now time.Time) {
	r.Status = status
	r.CompletedAt = now.UTC().Format(time.RFC3339)
}
