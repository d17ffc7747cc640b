package notify

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rodovia/alertcore/internal/metrics"
)

// GuardSettings bounds how hard a channel may be driven
type GuardSettings struct {
	RatePerSecond    float64
	Burst            int
	FailureThreshold uint32        // consecutive failures that open the breaker
	OpenTimeout      time.Duration // how long the breaker stays open
}

// DefaultGuardSettings returns the limits used when none are configured
func DefaultGuardSettings() GuardSettings {
	return GuardSettings{
		RatePerSecond:    5,
		Burst:            10,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// guardedChannel rate limits a channel and stops calling it while it keeps failing
type guardedChannel struct {
	inner   Channel
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Guard wraps ch with a token-bucket limiter and a circuit breaker. Permanent
// failures concern a single recipient and do not count against the breaker.
func Guard(ch Channel, s GuardSettings) Channel {
	limit := rate.Inf
	if s.RatePerSecond > 0 {
		limit = rate.Limit(s.RatePerSecond)
	}
	burst := s.Burst
	if burst < 1 {
		burst = 1
	}
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	name := ch.Name()
	metrics.ChannelBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("channel", name).Warnf("Channel breaker %s -> %s", from, to)
			metrics.ChannelBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &guardedChannel{
		inner:   ch,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (g *guardedChannel) Name() string {
	return g.inner.Name()
}

func (g *guardedChannel) Send(ctx context.Context, recipient, message string, metadata map[string]string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%s rate limit: %w", g.inner.Name(), err)
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Send(ctx, recipient, message, metadata)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}
