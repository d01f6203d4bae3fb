package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	repository "github.com/veridian-network/veridian/internal/repository"
	trustrepo "github.com/veridian-network/veridian/internal/repository/trust"
	"github.com/veridian-network/veridian/pkg/graceful"
	"github.com/veridian-network/veridian/pkg/redis"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

const neutralScore = 50

// Repository is the persistence surface the engine and queue depend on.
type Repository interface {
	GetUserRole(ctx context.Context, userID string) (repository.Role, error)
	UpsertProfile(ctx context.Context, p *trustrepo.Profile) error
	GetProfile(ctx context.Context, contentID string) (*trustrepo.Profile, error)
	DeleteProfile(ctx context.Context, contentID string) error
	Enqueue(ctx context.Context, contentID, reason string) (bool, error)
	ClaimJobs(ctx context.Context, limit int, leaseID string) ([]trustrepo.RecalcJob, error)
	MarkProcessed(ctx context.Context, jobID int64) error
	Requeue(ctx context.Context, job trustrepo.RecalcJob) error
	ReleaseStaleClaims(ctx context.Context, cutoff time.Duration) (int64, error)
	PendingCount(ctx context.Context) (int, error)
}

// Engine computes and persists five-dimension trust profiles. It scores,
// it never gates content visibility.
type Engine struct {
	log       *zap.Logger
	repo      Repository
	signals   SignalFeed
	citations CitationFeed
	cache     *redis.Cache
	cacheTTL  time.Duration

	signalGuard   *signalGuard
	citationGuard *signalGuard

	now func() time.Time
}

// NewEngine constructs a trust score engine. cache may be nil.
func NewEngine(log *zap.Logger, repo Repository, signals SignalFeed, citations CitationFeed, cache *redis.Cache, signalTimeout, cacheTTL time.Duration) *Engine {
	return &Engine{
		log:           log,
		repo:          repo,
		signals:       signals,
		citations:     citations,
		cache:         cache,
		cacheTTL:      cacheTTL,
		signalGuard:   newSignalGuard("trust-signal-feed", signalTimeout, log),
		citationGuard: newSignalGuard("citation-feed", signalTimeout, log),
		now:           time.Now,
	}
}

// Compute recomputes a profile on demand. Admin only: routine updates flow
// through the recalc queue instead of this surface.
func (e *Engine) Compute(ctx context.Context, callerID, contentID string) (*trustrepo.Profile, error) {
	if err := requireAdmin(ctx, e.log, e.repo, callerID); err != nil {
		return nil, err
	}
	return e.compute(ctx, contentID)
}

// compute scores all five dimensions for one content unit and persists the
// profile. Any unreachable signal defaults that dimension to neutral and
// flags the profile partial; the engine never blocks indefinitely.
func (e *Engine) compute(ctx context.Context, contentID string) (*trustrepo.Profile, error) {
	if contentID == "" {
		return nil, graceful.WrapErr(ctx, codes.InvalidArgument, "content_id is required", nil)
	}

	p := &trustrepo.Profile{
		ContentID:      contentID,
		Contradictions: []string{},
	}

	if raw, ok := e.signalGuard.fetch(ctx, "t1_source", func(ctx context.Context) (interface{}, error) {
		return e.signals.Source(ctx, contentID)
	}); ok {
		p.T1Source = scoreSource(raw.(SourceSignal))
	} else {
		p.T1Source = neutralScore
		p.Partial = true
	}

	if raw, ok := e.signalGuard.fetch(ctx, "t2_method", func(ctx context.Context) (interface{}, error) {
		return e.signals.Method(ctx, contentID)
	}); ok {
		p.T2Method = scoreMethod(raw.(MethodSignal))
	} else {
		p.T2Method = neutralScore
		p.Partial = true
	}

	if raw, ok := e.signalGuard.fetch(ctx, "t3_proximity", func(ctx context.Context) (interface{}, error) {
		return e.signals.Proximity(ctx, contentID)
	}); ok {
		p.T3Proximity = scoreProximity(raw.(ProximitySignal))
	} else {
		p.T3Proximity = neutralScore
		p.Partial = true
	}

	if raw, ok := e.signalGuard.fetch(ctx, "t4_temporal", func(ctx context.Context) (interface{}, error) {
		return e.signals.Temporal(ctx, contentID)
	}); ok {
		signal := raw.(TemporalSignal)
		p.T4Temporal, p.IsTimeSensitive = scoreTemporal(signal, e.now())
		if !signal.DataTimestamp.IsZero() {
			ts := signal.DataTimestamp
			p.DataTimestamp = &ts
		}
	} else {
		p.T4Temporal = neutralScore
		p.Partial = true
	}

	if raw, ok := e.citationGuard.fetch(ctx, "t5_validation", func(ctx context.Context) (interface{}, error) {
		return e.citations.Validation(ctx, contentID)
	}); ok {
		signal := raw.(ValidationSignal)
		p.T5Validation = scoreValidation(signal)
		p.CorroboratingCount = signal.Corroborating
		p.ContradictingCount = len(signal.Contradictions)
		p.Contradictions = append(p.Contradictions, signal.Contradictions...)
	} else {
		p.T5Validation = neutralScore
		p.Partial = true
	}

	p.Summary = Summarize(p)

	if err := e.repo.UpsertProfile(ctx, p); err != nil {
		return nil, graceful.LogAndWrap(ctx, e.log, codes.Internal, "failed to persist trust profile", err,
			zap.String("content_id", contentID))
	}

	if err := e.cache.Set(ctx, "profile", contentID, p, e.cacheTTL); err != nil {
		e.log.Warn("failed to cache trust profile", zap.String("content_id", contentID), zap.Error(err))
	}

	return p, nil
}

// GetProfile returns the stored profile, preferring the cache.
func (e *Engine) GetProfile(ctx context.Context, contentID string) (*trustrepo.Profile, error) {
	var cached trustrepo.Profile
	if err := e.cache.Get(ctx, "profile", contentID, &cached); err == nil && cached.ContentID == contentID {
		return &cached, nil
	}
	p, err := e.repo.GetProfile(ctx, contentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, graceful.WrapErr(ctx, codes.NotFound, "trust profile not found", err)
		}
		return nil, graceful.LogAndWrap(ctx, e.log, codes.Internal, "failed to load trust profile", err)
	}
	return p, nil
}

// DeleteProfile orphans the profile of deleted content. Admin only.
func (e *Engine) DeleteProfile(ctx context.Context, callerID, contentID string) error {
	if err := requireAdmin(ctx, e.log, e.repo, callerID); err != nil {
		return err
	}
	if err := e.repo.DeleteProfile(ctx, contentID); err != nil {
		return graceful.LogAndWrap(ctx, e.log, codes.Internal, "failed to delete trust profile", err)
	}
	if err := e.cache.Delete(ctx, "profile", contentID); err != nil {
		e.log.Warn("failed to drop cached trust profile", zap.String("content_id", contentID), zap.Error(err))
	}
	return nil
}

// Aggregate derives the overall score from the five dimensions. It is never
// stored, so it cannot drift from them.
func Aggregate(p *trustrepo.Profile) int {
	return (p.T1Source + p.T2Method + p.T3Proximity + p.T4Temporal + p.T5Validation) / 5
}

// Summarize produces the deterministic templated synopsis of a profile.
func Summarize(p *trustrepo.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		"Trust profile for %s: source %d/100, methodology %d/100, proximity %d/100, temporal %d/100, validation %d/100 (aggregate %d/100).",
		p.ContentID, p.T1Source, p.T2Method, p.T3Proximity, p.T4Temporal, p.T5Validation, Aggregate(p),
	)
	fmt.Fprintf(&b, " %d corroborating and %d contradicting citations.", p.CorroboratingCount, p.ContradictingCount)
	if p.IsTimeSensitive && p.DataTimestamp != nil {
		fmt.Fprintf(&b, " Time-sensitive data as of %s.", p.DataTimestamp.UTC().Format("2006-01-02"))
	}
	if p.Partial {
		b.WriteString(" Partial: one or more signal sources were unavailable.")
	}
	return b.String()
}

func scoreSource(s SourceSignal) int {
	bonus := 0
	switch s.Affiliation {
	case AffiliationClaimed:
		bonus = 15
	case AffiliationVerified:
		bonus = 30
	}
	return clamp(s.AuthorAccuracy*7/10 + bonus)
}

func scoreMethod(s MethodSignal) int {
	if s.TotalSections <= 0 {
		return neutralScore
	}
	return clamp(s.DisclosedSections * 100 / s.TotalSections)
}

func scoreProximity(s ProximitySignal) int {
	switch s.Relation {
	case RelationPrimary:
		return 90
	case RelationSecondary:
		return 55
	default:
		return 40
	}
}

func scoreTemporal(s TemporalSignal, now time.Time) (score int, timeSensitive bool) {
	if s.RelevanceWindow <= 0 {
		return 100, false
	}
	if s.DataTimestamp.IsZero() {
		return neutralScore, true
	}
	age := now.Sub(s.DataTimestamp)
	if age <= 0 {
		return 100, true
	}
	if age >= s.RelevanceWindow {
		return 0, true
	}
	remaining := float64(s.RelevanceWindow-age) / float64(s.RelevanceWindow)
	return clamp(int(math.Round(remaining * 100))), true
}

func scoreValidation(s ValidationSignal) int {
	return clamp(neutralScore + 8*s.Corroborating - 10*len(s.Contradictions))
}

func requireAdmin(ctx context.Context, log *zap.Logger, repo Repository, userID string) error {
	if userID == "" {
		return graceful.WrapErr(ctx, codes.Unauthenticated, "authentication required", nil)
	}
	role, err := repo.GetUserRole(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return graceful.WrapErr(ctx, codes.Unauthenticated, "unknown user", err)
		}
		return graceful.LogAndWrap(ctx, log, codes.Internal, "failed to load user role", err)
	}
	if role != repository.RoleAdmin {
		return graceful.WrapErr(ctx, codes.PermissionDenied, "admin role required", nil)
	}
	return nil
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
