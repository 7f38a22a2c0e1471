// Package resilience wraps stores with failure-handling decorators.
package resilience

import (
	"context"
	"time"

	"casefile-backend/application/ports"
	"casefile-backend/domain/collab"
	apperrors "casefile-backend/pkg/errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerCommandLog wraps a CommandLog with a circuit breaker. A
// persistence failure is fatal for the single command only; the breaker
// keeps a struggling store from stalling the coordinator loop on every
// append while the store is down.
type BreakerCommandLog struct {
	inner   ports.CommandLog
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerCommandLog wraps a command log with a circuit breaker
func NewBreakerCommandLog(inner ports.CommandLog, logger *zap.Logger) *BreakerCommandLog {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "command-log",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerCommandLog{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

type appendResult struct {
	seq       int64
	duplicate bool
}

// Append appends through the breaker
func (l *BreakerCommandLog) Append(ctx context.Context, graphID string, cmd collab.Command) (int64, bool, error) {
	result, err := l.breaker.Execute(func() (interface{}, error) {
		seq, duplicate, err := l.inner.Append(ctx, graphID, cmd)
		if err != nil {
			return nil, err
		}
		return appendResult{seq: seq, duplicate: duplicate}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return 0, false, apperrors.NewPersistenceError("append command", err)
		}
		return 0, false, err
	}
	res := result.(appendResult)
	return res.seq, res.duplicate, nil
}

// Fetch reads through without the breaker; replay failures surface to
// the joining client directly
func (l *BreakerCommandLog) Fetch(ctx context.Context, graphID string, limit int) ([]collab.Command, error) {
	return l.inner.Fetch(ctx, graphID, limit)
}
