package push

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/roadsync/internal/circuitbreaker"
	"github.com/lalithlochan/roadsync/internal/metrics"
)

// ProtectedGateway wraps a Gateway with a rate limiter and a circuit breaker.
//
// A rejected token says nothing about provider health, so ErrTokenUnregistered
// is recorded as a success.
type ProtectedGateway struct {
	next     Gateway
	provider string
	breaker  *circuitbreaker.CircuitBreaker
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewProtectedGateway builds the decorator. A nil limiter means unlimited.
func NewProtectedGateway(next Gateway, provider string, breaker *circuitbreaker.CircuitBreaker, limiter *rate.Limiter, logger *zap.Logger) *ProtectedGateway {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &ProtectedGateway{
		next:     next,
		provider: provider,
		breaker:  breaker,
		limiter:  limiter,
		logger:   logger,
	}
}

func (g *ProtectedGateway) Send(ctx context.Context, msg Message) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("push rate limiter: %w", err)
	}

	if !g.breaker.Allow() {
		metrics.RecordPush(g.provider, "circuit_open")
		return fmt.Errorf("push via %s: %w", g.provider, circuitbreaker.ErrCircuitOpen)
	}

	err := g.next.Send(ctx, msg)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
		metrics.RecordPush(g.provider, "sent")
	case errors.Is(err, ErrTokenUnregistered):
		g.breaker.RecordSuccess()
		metrics.RecordPush(g.provider, "unregistered")
	default:
		g.breaker.RecordFailure()
		metrics.RecordPush(g.provider, "error")
		g.logger.Warn("push provider call failed",
			zap.String("provider", g.provider),
			zap.String("breaker_state", g.breaker.GetState().String()),
			zap.Error(err),
		)
	}
	return err
}

// BreakerStats exposes the breaker for the ops surface.
func (g *ProtectedGateway) BreakerStats() circuitbreaker.Stats {
	return g.breaker.Stats()
}
