package trust

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"github.com/veridian-network/veridian/pkg/metrics"
	"go.uber.org/zap"
)

// Affiliation verification levels reported by the source signal feed.
const (
	AffiliationNone     = "none"
	AffiliationClaimed  = "claimed"
	AffiliationVerified = "verified"
)

// Author-to-subject relations reported by the proximity signal feed.
const (
	RelationPrimary   = "primary"
	RelationSecondary = "secondary"
	RelationUnknown   = "unknown"
)

// SourceSignal feeds the T1 dimension.
type SourceSignal struct {
	AuthorAccuracy int    // historical accuracy, 0..100
	Affiliation    string // affiliation-verification level
}

// MethodSignal feeds the T2 dimension.
type MethodSignal struct {
	DisclosedSections int
	TotalSections     int
}

// ProximitySignal feeds the T3 dimension.
type ProximitySignal struct {
	Relation string
}

// TemporalSignal feeds the T4 dimension. A zero RelevanceWindow marks the
// content as not time-sensitive.
type TemporalSignal struct {
	DataTimestamp   time.Time
	RelevanceWindow time.Duration
}

// ValidationSignal feeds the T5 dimension from the citation store.
type ValidationSignal struct {
	Corroborating  int
	Contradictions []string
}

// SignalFeed supplies the per-dimension external signals for one content unit.
type SignalFeed interface {
	Source(ctx context.Context, contentID string) (SourceSignal, error)
	Method(ctx context.Context, contentID string) (MethodSignal, error)
	Proximity(ctx context.Context, contentID string) (ProximitySignal, error)
	Temporal(ctx context.Context, contentID string) (TemporalSignal, error)
}

// CitationFeed supplies corroboration counts from the citation store.
type CitationFeed interface {
	Validation(ctx context.Context, contentID string) (ValidationSignal, error)
}

// signalGuard bounds a signal feed lookup with a timeout and a circuit
// breaker so the engine never blocks on an unreachable feed.
type signalGuard struct {
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *zap.Logger
}

func newSignalGuard(name string, timeout time.Duration, log *zap.Logger) *signalGuard {
	return &signalGuard{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		timeout: timeout,
		log:     log,
	}
}

// fetch runs fn under the guard. On timeout, feed error, or an open breaker
// it reports failure so the caller can fall back to a neutral dimension.
func (g *signalGuard) fetch(ctx context.Context, dimension string, fn func(ctx context.Context) (interface{}, error)) (interface{}, bool) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		g.log.Warn("signal feed lookup degraded to neutral",
			zap.String("dimension", dimension),
			zap.Error(err),
		)
		metrics.SignalFeedFailures.WithLabelValues(dimension).Inc()
		return nil, false
	}
	return result, true
}
