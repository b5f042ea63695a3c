package translate

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dasmlab/jsonrelay/pkg/failure"
)

// GuardConfig controls the protections wrapped around a backend.
type GuardConfig struct {
	// RatePerSecond limits outbound calls; 0 disables the limiter.
	RatePerSecond float64
	// Burst is the limiter bucket size; defaults to 1.
	Burst int
	// Retries is how many times a transport failure is retried with
	// exponential backoff. 0 surfaces the first failure.
	Retries int
	// BreakerFailures is the number of consecutive transport failures that
	// opens the circuit; 0 disables the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open before a trial call.
	BreakerCooldown time.Duration
}

// Guard wraps a Translator with rate limiting, optional retries of
// transport failures and a circuit breaker. Untyped backend errors are
// treated as transport failures. Errors of any other failure kind pass
// through untouched and never count against the breaker.
type Guard struct {
	next    Translator
	cfg     GuardConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *AdapterMetrics
	logger  *logrus.Logger
}

// NewGuard wraps next. name labels the breaker and metrics.
func NewGuard(next Translator, name string, cfg GuardConfig, logger *logrus.Logger) *Guard {
	if logger == nil {
		logger = logrus.New()
	}
	g := &Guard{
		next:    next,
		cfg:     cfg,
		metrics: NewAdapterMetrics(name),
		logger:  logger,
	}

	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	if cfg.BreakerFailures > 0 {
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				g.metrics.setBreakerState(to)
				logger.WithFields(logrus.Fields{
					"engine": name,
					"from":   from.String(),
					"to":     to.String(),
				}).Warn("Translation circuit breaker changed state")
			},
		})
		g.metrics.setBreakerState(gobreaker.StateClosed)
	}
	return g
}

// With returns a Guard around next that shares g's limiter, breaker and
// metrics, so calls through either count against the same budget.
func (g *Guard) With(next Translator) *Guard {
	shared := *g
	shared.next = next
	return &shared
}

// Translate runs one guarded call to the wrapped translator.
func (g *Guard) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	var out string
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			g.metrics.recordRetry()
			g.logger.WithField("attempt", attempt).Warn("Retrying translation after transport failure")
		}

		if g.limiter != nil {
			start := time.Now()
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(transportError("rate limit", err))
			}
			g.metrics.recordRateWait(time.Since(start))
		}

		res, err := g.call(ctx, text, sourceLang, targetLang)
		if err != nil {
			if !failure.Is(err, failure.Transport) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(g.cfg.Retries, 0))), ctx)
	if err := backoff.Retry(op, b); err != nil {
		// Cancellation while backing off comes back bare.
		return "", transportError("translate", err)
	}
	return out, nil
}

// call runs the backend inside the breaker. Only transport failures are
// reported to the breaker; anything else is carried out beside it.
func (g *Guard) call(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if g.breaker == nil {
		out, err := g.next.Translate(ctx, text, sourceLang, targetLang)
		return out, transportError("translate", err)
	}

	var passthrough error
	res, err := g.breaker.Execute(func() (interface{}, error) {
		out, err := g.next.Translate(ctx, text, sourceLang, targetLang)
		err = transportError("translate", err)
		if err != nil && !failure.Is(err, failure.Transport) {
			passthrough = err
			return "", nil
		}
		return out, err
	})
	if passthrough != nil {
		return "", passthrough
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", failure.New(failure.Transport, "circuit breaker", err)
		}
		return "", err
	}
	return res.(string), nil
}

// CheckHealth delegates to the wrapped translator.
func (g *Guard) CheckHealth(ctx context.Context) error {
	return g.next.CheckHealth(ctx)
}

// SupportedLanguages delegates to the wrapped translator.
func (g *Guard) SupportedLanguages(ctx context.Context) ([]string, error) {
	return g.next.SupportedLanguages(ctx)
}
