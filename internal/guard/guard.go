package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/phrazzld/tandem-api/internal/config"
	"github.com/phrazzld/tandem-api/internal/metrics"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/redact"
)

// Guard wraps outbound delivery and publish calls with a circuit breaker and a
// retry policy. Every attempt passes through the breaker, so an opening
// circuit also ends the retry loop.
type Guard struct {
	name    string
	breaker *CircuitBreaker
	policy  RetryPolicy
	clock   clock.Clock
	metrics metrics.Recorder
	logger  *slog.Logger
}

// Config configures a Guard.
type Config struct {
	Name    string
	Breaker BreakerConfig
	Policy  RetryPolicy
	Clock   clock.Clock
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// New builds a Guard. Breaker state changes are logged and reported to the
// metrics recorder.
func New(cfg Config) *Guard {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Guard{
		name:    cfg.Name,
		policy:  cfg.Policy,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With(slog.String("component", "guard"), slog.String("guard", cfg.Name)),
	}

	bc := cfg.Breaker
	bc.Name = cfg.Name
	bc.Clock = cfg.Clock
	userHook := bc.OnStateChange
	bc.OnStateChange = func(name string, from, to State) {
		g.logger.Warn("circuit state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		g.metrics.CircuitState(name, int(to))
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	g.breaker = NewCircuitBreaker(bc)

	return g
}

// Breaker exposes the underlying circuit breaker.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Do runs fn under the breaker and retry policy. A failure that survives
// both is logged, counted, and returned for the caller to absorb.
func (g *Guard) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := Retry(ctx, g.clock, g.policy, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, fn)
	})
	if err == nil {
		return nil
	}

	reason := failureReason(err)
	g.metrics.Error(g.name, reason)
	logger.FromContextOrDefault(ctx, g.logger).Warn("guarded call dropped",
		slog.String("op", op),
		slog.String("reason", reason),
		slog.String("error", redact.Error(err)))
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "permanent"
	}
}

// ConfigFromSettings converts loaded delivery settings into a Guard config.
// Backoff is exponential with 20% jitter.
func ConfigFromSettings(name string, cfg config.DeliveryConfig) Config {
	base := time.Duration(cfg.BaseBackoffMillis) * time.Millisecond
	maxBackoff := time.Duration(cfg.MaxBackoffMillis) * time.Millisecond
	return Config{
		Name: name,
		Breaker: BreakerConfig{
			ErrorThresholdPercent: float64(cfg.ErrorThresholdPercent),
			MinimumRequests:       cfg.MinimumRequests,
			Window:                time.Duration(cfg.WindowSeconds) * time.Second,
			Cooldown:              time.Duration(cfg.CooldownSeconds) * time.Second,
		},
		Policy: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     WithJitter(ExponentialBackoff(base, maxBackoff), 0.2),
		},
	}
}
