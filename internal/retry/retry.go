// Package retry wraps store writes in the transient-conflict retry policy.
//
// A write that fails with TRANSIENT_CONFLICT is retried after a fixed
// interval until it succeeds or the attempt budget is spent. Any other
// error ends the loop at once. When the budget is spent the failure is
// logged once at fatal severity and returned as a FATAL error.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/logging"
	"github.com/roach88/reconcile/internal/metrics"
)

// Defaults for Config.
const (
	DefaultMaxAttempts = 10
	DefaultInterval    = 5 * time.Second
)

// Config tunes the policy.
type Config struct {
	// MaxAttempts is the total number of tries, the first included.
	MaxAttempts uint `mapstructure:"max_attempts"`

	// Interval is the fixed sleep between tries.
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultConfig returns 10 attempts five seconds apart.
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, Interval: DefaultInterval}
}

// Policy runs operations under the retry policy.
//
// Thread-safety: A Policy is immutable and safe for concurrent use.
type Policy struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Policy. A zero MaxAttempts uses the default; a nil
// logger or metrics set is replaced by a no-op one.
func New(cfg Config, log *zap.Logger, m *metrics.Metrics) *Policy {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	return &Policy{
		cfg:     cfg,
		log:     logging.OrNop(log).With(zap.String("mod", "retry")),
		metrics: metrics.OrNew(m),
	}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

type activeKey struct{}

// Active reports whether ctx is already inside a retry loop.
func Active(ctx context.Context) bool {
	_, ok := ctx.Value(activeKey{}).(bool)
	return ok
}

// OnTransientConflict runs fn, retrying transient conflicts.
//
// op names the operation in logs and metrics; fields add context to the
// exhaustion log entry (kind, ids, attempted values).
//
// A call nested inside another retry loop runs fn exactly once: the outer
// loop owns the retry so a whole transaction is replayed, never a single
// statement inside it.
func (p *Policy) OnTransientConflict(ctx context.Context, op string, fn func(ctx context.Context) error, fields ...zap.Field) error {
	if Active(ctx) {
		return fn(ctx)
	}
	inner := context.WithValue(ctx, activeKey{}, true)

	var (
		attempts uint
		last     error
	)
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.cfg.MaxAttempts),
		retry.DelayType(func(uint, error, retry.DelayContext) time.Duration {
			return p.cfg.Interval
		}),
		retry.RetryIf(failure.IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.metrics.RetryAttempts.WithLabelValues(op).Inc()
			p.log.Debug("transient conflict, retrying",
				zap.String("op", op),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)

	err := r.Do(func() error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			last = ctxErr
			return ctxErr
		}
		attempts++
		last = fn(inner)
		return last
	})
	switch {
	case err == nil:
		return nil
	case last == nil:
		return err
	case !failure.IsTransient(last):
		return last
	case attempts < p.cfg.MaxAttempts:
		// The context ended the loop early.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return last
	}

	p.metrics.RetryExhausted.WithLabelValues(op).Inc()
	p.log.Error("retries exhausted",
		append([]zap.Field{
			zap.String("severity", "fatal"),
			zap.String("op", op),
			zap.Uint("attempts", attempts),
			zap.Error(last),
		}, fields...)...)
	return failure.Wrap(failure.CodeFatal, last, "%s: gave up after %d attempts", op, attempts)
}
