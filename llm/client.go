package llm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"longform-studio/jsonparse"
)

// ActionRecord is one successful model call, kept for auditing.
type ActionRecord struct {
	ProjectID string
	Action    string
	Model     string
	Tokens    int
	Response  string
	CreatedAt time.Time
}

// Recorder stores ActionRecords.
type Recorder interface {
	LogAIAction(ctx context.Context, rec ActionRecord) error
}

// Call describes one logical generation: which models to try, in order, and
// what to ask them.
type Call struct {
	Action      string
	ProjectID   string
	Models      []string
	Prompt      string
	AudioPath   string
	MaxTokens   int
	Temperature float64
	Fatal       FatalPolicy
	// Validate rejects replies that are unusable, sending the call on to
	// the next model.
	Validate func(text string) error
}

// Result is the reply plus the model that produced it.
type Result struct {
	Response
	Model string
}

// Client binds a provider to an executor and records every success.
type Client struct {
	exec     *Executor
	provider Provider
	recorder Recorder
	log      *zap.Logger
}

// NewClient builds a client. recorder may be nil.
func NewClient(exec *Executor, provider Provider, recorder Recorder, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{exec: exec, provider: provider, recorder: recorder, log: logger.Named("llm")}
}

// Generator is what stages depend on; *Client implements it.
type Generator interface {
	Generate(ctx context.Context, call Call) (Result, error)
}

var _ Generator = (*Client)(nil)

// Generate runs call and returns the raw text reply. When call.Validate is
// set, a reply it rejects counts as an invalid response and the next model
// is tried.
func (c *Client) Generate(ctx context.Context, call Call) (Result, error) {
	return run(ctx, c, call, func(r Result) (Result, error) {
		if call.Validate != nil {
			if err := call.Validate(r.Text); err != nil {
				return r, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
			}
		}
		return r, nil
	})
}

// Object runs call and decodes the first JSON object of the reply into v,
// which must be a pointer.
func Object(ctx context.Context, gen Generator, call Call, v any) error {
	call.Validate = chainValidate(call.Validate, func(text string) error {
		return jsonparse.DecodeObject(text, scratch(v))
	})
	res, err := gen.Generate(ctx, call)
	if err != nil {
		return err
	}
	if err := jsonparse.DecodeObject(res.Text, v); err != nil {
		return fmt.Errorf("%s: %w: %w", call.Action, ErrInvalidResponse, err)
	}
	return nil
}

// List runs call and decodes the JSON list of the reply into v, which must
// point to a slice. An empty list is rejected.
func List(ctx context.Context, gen Generator, call Call, v any) error {
	call.Validate = chainValidate(call.Validate, func(text string) error {
		tmp := scratch(v)
		if err := jsonparse.DecodeList(text, tmp); err != nil {
			return err
		}
		if reflect.ValueOf(tmp).Elem().Len() == 0 {
			return errors.New("empty list")
		}
		return nil
	})
	res, err := gen.Generate(ctx, call)
	if err != nil {
		return err
	}
	if err := jsonparse.DecodeList(res.Text, v); err != nil {
		return fmt.Errorf("%s: %w: %w", call.Action, ErrInvalidResponse, err)
	}
	if reflect.ValueOf(v).Elem().Len() == 0 {
		return fmt.Errorf("%s: %w: empty list", call.Action, ErrInvalidResponse)
	}
	return nil
}

// scratch returns a fresh value of v's element type so validation never
// leaves partial data in v.
func scratch(v any) any {
	return reflect.New(reflect.TypeOf(v).Elem()).Interface()
}

func chainValidate(first, second func(string) error) func(string) error {
	if first == nil {
		return second
	}
	return func(text string) error {
		if err := first(text); err != nil {
			return err
		}
		return second(text)
	}
}

func run[T any](ctx context.Context, c *Client, call Call, decode func(Result) (T, error)) (T, error) {
	start := time.Now()
	v, err := Execute(ctx, c.exec, call.Models, call.Fatal, func(ctx context.Context, a Attempt) (T, error) {
		var zero T
		resp, err := c.provider.Generate(ctx, a.Key, a.Proxy, Request{
			Model:       a.Model,
			Prompt:      call.Prompt,
			AudioPath:   call.AudioPath,
			MaxTokens:   call.MaxTokens,
			Temperature: call.Temperature,
		})
		if err != nil {
			return zero, err
		}
		res := Result{Response: resp, Model: a.Model}
		out, err := decode(res)
		if err != nil {
			c.log.Warn("⚠️ unusable reply", zap.String("action", call.Action), zap.String("model", a.Model), zap.Error(err))
			return zero, err
		}
		c.record(ctx, call, res)
		return out, nil
	})
	if err != nil {
		return v, fmt.Errorf("%s: %w", call.Action, err)
	}
	c.log.Info("✅ generated", zap.String("action", call.Action), zap.Duration("took", time.Since(start)))
	return v, nil
}

func (c *Client) record(ctx context.Context, call Call, res Result) {
	if c.recorder == nil || call.ProjectID == "" {
		return
	}
	rec := ActionRecord{
		ProjectID: call.ProjectID,
		Action:    call.Action,
		Model:     res.Model,
		Tokens:    res.TotalTokens,
		Response:  res.Text,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.recorder.LogAIAction(ctx, rec); err != nil {
		c.log.Warn("⚠️ could not record AI action", zap.String("action", call.Action), zap.Error(err))
	}
}
