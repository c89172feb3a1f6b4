package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"longform-studio/keypool"
	"longform-studio/proxy"
	"longform-studio/retry"
)

// FatalPolicy decides what an unclassified error does to the model loop.
type FatalPolicy int

const (
	// FatalPropagate returns the error to the caller immediately.
	FatalPropagate FatalPolicy = iota
	// FatalNextModel moves on to the next model in the list.
	FatalNextModel
)

// Attempt is what one try of an operation gets to work with.
type Attempt struct {
	Key    string
	Proxy  string
	Model  string
	Number int
}

// ExhaustedError is returned when every model failed. It matches
// ErrModelsExhausted and each per-model error.
type ExhaustedError struct {
	Models []string
	Errs   []error
}

func (e *ExhaustedError) Error() string {
	var last error
	if len(e.Errs) > 0 {
		last = e.Errs[len(e.Errs)-1]
	}
	return fmt.Sprintf("%v (%s): last error: %v", ErrModelsExhausted, strings.Join(e.Models, ", "), last)
}

func (e *ExhaustedError) Unwrap() []error {
	return append([]error{ErrModelsExhausted}, e.Errs...)
}

// fatalError carries an unclassified failure out of the key loop.
type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Executor rotates keys (and proxies) from one pool across a model list.
type Executor struct {
	pool    *keypool.Pool
	proxies *proxy.Rotator
	log     *zap.Logger

	// Sleep waits between attempts; tests replace it.
	Sleep         func(ctx context.Context, d time.Duration) error
	NoKeyWait     time.Duration
	ThrottlePause time.Duration
	NetworkPause  time.Duration
	MinAttempts   int
}

// NewExecutor builds an executor over pool. proxies may be nil.
func NewExecutor(pool *keypool.Pool, proxies *proxy.Rotator, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		pool:          pool,
		proxies:       proxies,
		log:           logger.Named("executor").With(zap.String("pool", pool.Name())),
		Sleep:         retry.Sleep,
		NoKeyWait:     15 * time.Second,
		ThrottlePause: time.Second,
		NetworkPause:  2 * time.Second,
		MinAttempts:   20,
	}
}

// Pool is the key pool this executor draws from.
func (e *Executor) Pool() *keypool.Pool { return e.pool }

// Execute runs op for each model in priority order until one succeeds. Per
// model it makes up to max(2*poolSize, MinAttempts) tries, releasing the key
// according to how each try failed.
func Execute[T any](ctx context.Context, e *Executor, models []string, policy FatalPolicy, op func(ctx context.Context, a Attempt) (T, error)) (T, error) {
	var zero T
	if len(models) == 0 {
		models = []string{""}
	}

	var errs []error
	for i, model := range models {
		v, err := executeModel(ctx, e, model, op)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if errors.Is(err, keypool.ErrEmptyPool) {
			return zero, err
		}
		var fe *fatalError
		if errors.As(err, &fe) && policy == FatalPropagate {
			return zero, fe.err
		}

		errs = append(errs, fmt.Errorf("model %s: %w", model, err))
		if i < len(models)-1 {
			e.log.Warn("🔄 switching model",
				zap.String("failed", model),
				zap.String("next", models[i+1]),
				zap.Error(err))
		}
	}
	return zero, &ExhaustedError{Models: models, Errs: errs}
}

func executeModel[T any](ctx context.Context, e *Executor, model string, op func(ctx context.Context, a Attempt) (T, error)) (T, error) {
	var zero T
	budget := max(e.pool.Size()*2, e.MinAttempts)

	var last error
	for try := 1; try <= budget; try++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		tk, ok, err := e.pool.Lease()
		if err != nil {
			return zero, err
		}
		if !ok {
			e.log.Info("⏳ waiting for a key to recover",
				zap.Duration("wait", e.NoKeyWait),
				zap.Int("try", try),
				zap.Int("budget", budget))
			if err := e.Sleep(ctx, e.NoKeyWait); err != nil {
				return zero, err
			}
			continue
		}

		key := tk.Key
		px := e.proxies.Next()
		fields := []zap.Field{zap.String("model", model), zap.String("key", keypool.Mask(key)), zap.Int("try", try)}
		if px != "" {
			fields = append(fields, zap.String("proxy", proxy.Host(px)))
		}
		e.log.Debug("🔑 using key", fields...)

		v, err := op(ctx, Attempt{Key: key, Proxy: px, Model: model, Number: try})
		if err == nil {
			e.pool.Release(tk, keypool.Success)
			return v, nil
		}
		if ctx.Err() != nil {
			e.pool.Release(tk, keypool.Retry)
			return zero, ctx.Err()
		}
		last = err

		switch class := Classify(err); class {
		case ClassNetwork:
			e.pool.Release(tk, keypool.Retry)
			e.log.Warn("🌐 network error, retrying", append(fields, zap.Error(err))...)
			if err := e.Sleep(ctx, e.NetworkPause); err != nil {
				return zero, err
			}
		case ClassTransient:
			e.pool.Release(tk, keypool.Throttled)
			e.log.Warn("⚠️ quota/overload", append(fields, zap.Error(err))...)
			if err := e.Sleep(ctx, e.ThrottlePause); err != nil {
				return zero, err
			}
		case ClassBlocked:
			e.pool.Remove(key, "Blocked (403)")
		case ClassInvalidKey:
			e.pool.Release(tk, keypool.Fatal)
		case ClassBadResponse:
			// the call went through and spent quota
			e.pool.Release(tk, keypool.Success)
			return zero, err
		default:
			e.pool.Release(tk, keypool.Retry)
			e.log.Error("❌ fatal model error", append(fields, zap.Error(err))...)
			return zero, &fatalError{err: err}
		}
	}

	if last == nil {
		return zero, fmt.Errorf("%w: no key became available after %d tries", ErrKeysExhausted, budget)
	}
	return zero, fmt.Errorf("%w after %d tries: %w", ErrKeysExhausted, budget, last)
}
