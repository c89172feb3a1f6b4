package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/retry"
)

// JobState is the normalized state of a hosted TTS task.
type JobState string

const (
	JobPending JobState = "pending"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// ErrJobFailed is returned when the provider reports the task as failed.
var ErrJobFailed = errors.New("tts job failed")

// ErrJobTimeout is returned when the task does not finish in time.
var ErrJobTimeout = errors.New("tts job timed out")

// JobStatus is one status poll of a hosted TTS task.
type JobStatus struct {
	State    JobState
	AudioURL string
	SRTURL   string
	Percent  float64
}

// Clip is one synthesized piece of narration on disk.
type Clip struct {
	AudioPath string
	// SRTPath is empty when the provider produced no subtitles.
	SRTPath  string
	Duration float64
	Provider string
}

// Synthesizer turns one chunk of text into an audio file. outBase is the
// destination path without extension.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text, outBase string) (Clip, error)
}

// JobProvider drives a hosted TTS service that works in three steps: submit a
// task, poll its status, download the finished audio and subtitles.
type JobProvider struct {
	cfg    config.TTSProviderConfig
	client *http.Client
	log    *zap.Logger

	// FirstWait delays the first status poll for long texts.
	FirstWait    time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
	// Feed, when set, reports completion early so polling can stop waiting.
	Feed *ProgressFeed
	// Downloads bounds download attempts per file.
	Downloads retry.Policy
}

// NewJobProvider builds a provider from its config. Poll timings come from
// the audio config.
func NewJobProvider(cfg config.TTSProviderConfig, audio config.AudioConfig, client *http.Client, logger *zap.Logger) *JobProvider {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := time.Duration(audio.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := time.Duration(audio.PollTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &JobProvider{
		cfg:          cfg,
		client:       client,
		log:          logger.Named("tts." + cfg.Name),
		PollInterval: interval,
		PollTimeout:  timeout,
		Sleep:        retry.Sleep,
		Downloads:    retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(2 * time.Second)},
	}
}

func (p *JobProvider) Name() string { return p.cfg.Name }

type submitRequest struct {
	Input      string  `json:"input"`
	VoiceID    string  `json:"voice_id"`
	ModelID    string  `json:"model_id,omitempty"`
	Similarity float64 `json:"similarity"`
	Speed      float64 `json:"speed"`
	Stability  float64 `json:"stability"`
	Style      float64 `json:"style"`
}

type statusResponse struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Result   string  `json:"result"`
	Subtitle string  `json:"subtitle"`
	Percent  float64 `json:"process_percentage"`
	Error    string  `json:"error"`
}

// Submit creates a task and returns its id.
func (p *JobProvider) Submit(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Input:      Pace(text),
		VoiceID:    p.cfg.VoiceID,
		ModelID:    p.cfg.ModelID,
		Similarity: 0.75,
		Speed:      1,
		Stability:  0.5,
	})
	if err != nil {
		return "", err
	}
	var out statusResponse
	if err := p.do(ctx, http.MethodPost, "/labs/task", body, &out); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	if out.TaskID == "" {
		msg := out.Error
		if msg == "" {
			msg = "no task id in response"
		}
		return "", fmt.Errorf("submit task: %s", msg)
	}
	return out.TaskID, nil
}

// Status polls a task once.
func (p *JobProvider) Status(ctx context.Context, taskID string) (JobStatus, error) {
	var out statusResponse
	if err := p.do(ctx, http.MethodGet, "/labs/task/"+taskID, nil, &out); err != nil {
		return JobStatus{}, fmt.Errorf("task %s status: %w", taskID, err)
	}
	st := JobStatus{AudioURL: out.Result, SRTURL: out.Subtitle, Percent: out.Percent}
	switch strings.ToLower(out.Status) {
	case "completed", "done", "success":
		st.State = JobDone
	case "failed", "error":
		st.State = JobFailed
	default:
		st.State = JobPending
		if out.Percent >= 100 {
			st.State = JobDone
		}
	}
	// a finished task without its audio URL is still settling
	if st.State == JobDone && st.AudioURL == "" {
		st.State = JobPending
	}
	return st, nil
}

// Wait polls until the task is done, failed, or PollTimeout passes. A
// completion event on Feed cuts the current wait short.
func (p *JobProvider) Wait(ctx context.Context, taskID string, textLen int) (JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.PollTimeout)
	defer cancel()

	var done <-chan struct{}
	if p.Feed != nil {
		done = p.Feed.Watch(taskID)
		defer p.Feed.Forget(taskID)
	}

	if p.FirstWait > 0 && textLen > 2000 {
		p.log.Info("[tts] ⏳ long text, delaying first status check", zap.Duration("wait", p.FirstWait))
		if err := p.wait(ctx, p.FirstWait, done); err != nil {
			return JobStatus{}, p.waitErr(ctx, taskID, err)
		}
	}

	for {
		st, err := p.Status(ctx, taskID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return JobStatus{}, p.waitErr(ctx, taskID, ctx.Err())
			}
			p.log.Warn("[tts] status check failed, retrying", zap.String("task", taskID), zap.Error(err))
		case st.State == JobDone:
			return st, nil
		case st.State == JobFailed:
			return st, fmt.Errorf("task %s: %w", taskID, ErrJobFailed)
		default:
			p.log.Debug("[tts] task pending", zap.String("task", taskID), zap.Float64("percent", st.Percent))
		}
		if err := p.wait(ctx, p.PollInterval, done); err != nil {
			return JobStatus{}, p.waitErr(ctx, taskID, err)
		}
	}
}

// settleDelay spaces the polls once the feed has reported completion but the
// status endpoint has not caught up yet.
const settleDelay = 3 * time.Second

// wait sleeps for d, returning early once done fires. Once done has fired,
// waits shrink to settleDelay.
func (p *JobProvider) wait(ctx context.Context, d time.Duration, done <-chan struct{}) error {
	if done == nil {
		return p.Sleep(ctx, d)
	}
	select {
	case <-done:
		return p.Sleep(ctx, min(d, settleDelay))
	default:
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-wctx.Done():
		}
	}()
	if err := p.Sleep(wctx, d); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (p *JobProvider) waitErr(ctx context.Context, taskID string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("task %s: %w after %s", taskID, ErrJobTimeout, p.PollTimeout)
	}
	return err
}

// Synthesize submits text, waits for the task and downloads its files.
func (p *JobProvider) Synthesize(ctx context.Context, text, outBase string) (Clip, error) {
	taskID, err := p.Submit(ctx, text)
	if err != nil {
		return Clip{}, err
	}
	p.log.Info("[tts] ✅ task created", zap.String("task", taskID), zap.Int("chars", len(text)))

	st, err := p.Wait(ctx, taskID, len(text))
	if err != nil {
		return Clip{}, err
	}

	if err := os.MkdirAll(filepath.Dir(outBase), 0755); err != nil {
		return Clip{}, err
	}
	clip := Clip{AudioPath: outBase + ".mp3", Provider: p.Name()}
	if err := p.Download(ctx, st.AudioURL, clip.AudioPath); err != nil {
		return Clip{}, fmt.Errorf("download audio: %w", err)
	}
	if st.SRTURL != "" {
		srt := outBase + ".srt"
		if err := p.Download(ctx, st.SRTURL, srt); err != nil {
			p.log.Warn("[tts] ⚠️ subtitle download failed", zap.String("task", taskID), zap.Error(err))
		} else {
			clip.SRTPath = srt
		}
	}
	return clip, nil
}

// Download fetches url into dest, retrying with a linear backoff.
func (p *JobProvider) Download(ctx context.Context, url, dest string) error {
	return p.Downloads.Do(ctx, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
		}
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func (p *JobProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
