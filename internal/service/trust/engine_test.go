package trust

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	repository "github.com/veridian-network/veridian/internal/repository"
	trustrepo "github.com/veridian-network/veridian/internal/repository/trust"
	"github.com/veridian-network/veridian/pkg/graceful"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

type fakeTrustRepo struct {
	mu        sync.Mutex
	roles     map[string]repository.Role
	profiles  map[string]*trustrepo.Profile
	jobs      []trustrepo.RecalcJob
	nextJobID int64

	failUpsert error
}

func newFakeTrustRepo() *fakeTrustRepo {
	return &fakeTrustRepo{
		roles: map[string]repository.Role{
			"admin-1":  repository.RoleAdmin,
			"member-1": repository.RoleMember,
		},
		profiles:  map[string]*trustrepo.Profile{},
		nextJobID: 1,
	}
}

func (f *fakeTrustRepo) GetUserRole(_ context.Context, userID string) (repository.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return role, nil
}

func (f *fakeTrustRepo) UpsertProfile(_ context.Context, p *trustrepo.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert != nil {
		return f.failUpsert
	}
	cp := *p
	f.profiles[p.ContentID] = &cp
	return nil
}

func (f *fakeTrustRepo) GetProfile(_ context.Context, contentID string) (*trustrepo.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[contentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeTrustRepo) DeleteProfile(_ context.Context, contentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.profiles, contentID)
	return nil
}

func (f *fakeTrustRepo) Enqueue(_ context.Context, contentID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ContentID == contentID && j.Status == "pending" {
			return false, nil
		}
	}
	f.jobs = append(f.jobs, trustrepo.RecalcJob{
		ID: f.nextJobID, ContentID: contentID, Reason: reason,
		Status: "pending", EnqueuedAt: time.Now(),
	})
	f.nextJobID++
	return true, nil
}

func (f *fakeTrustRepo) ClaimJobs(_ context.Context, limit int, leaseID string) ([]trustrepo.RecalcJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []trustrepo.RecalcJob
	for i := range f.jobs {
		if len(claimed) == limit {
			break
		}
		if f.jobs[i].Status == "pending" {
			f.jobs[i].Status = "claimed"
			f.jobs[i].LeaseID = leaseID
			claimed = append(claimed, f.jobs[i])
		}
	}
	return claimed, nil
}

func (f *fakeTrustRepo) MarkProcessed(_ context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.jobs {
		if f.jobs[i].ID == jobID {
			f.jobs[i].Status = "processed"
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeTrustRepo) Requeue(_ context.Context, job trustrepo.RecalcJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.jobs {
		if f.jobs[i].ID != job.ID && f.jobs[i].ContentID == job.ContentID && f.jobs[i].Status == "pending" {
			return f.markLocked(job.ID, "processed")
		}
	}
	return f.markLocked(job.ID, "pending")
}

func (f *fakeTrustRepo) markLocked(jobID int64, status string) error {
	for i := range f.jobs {
		if f.jobs[i].ID == jobID {
			f.jobs[i].Status = status
			f.jobs[i].LeaseID = ""
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeTrustRepo) ReleaseStaleClaims(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeTrustRepo) PendingCount(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Status == "pending" {
			n++
		}
	}
	return n, nil
}

type fakeSignals struct {
	source    SourceSignal
	method    MethodSignal
	proximity ProximitySignal
	temporal  TemporalSignal

	sourceErr error
	methodErr error
}

func (f *fakeSignals) Source(ctx context.Context, _ string) (SourceSignal, error) {
	if f.sourceErr != nil {
		return SourceSignal{}, f.sourceErr
	}
	return f.source, nil
}

func (f *fakeSignals) Method(ctx context.Context, _ string) (MethodSignal, error) {
	if f.methodErr != nil {
		return MethodSignal{}, f.methodErr
	}
	return f.method, nil
}

func (f *fakeSignals) Proximity(ctx context.Context, _ string) (ProximitySignal, error) {
	return f.proximity, nil
}

func (f *fakeSignals) Temporal(ctx context.Context, _ string) (TemporalSignal, error) {
	return f.temporal, nil
}

type fakeCitations struct {
	validation ValidationSignal
	err        error
	slow       bool
}

func (f *fakeCitations) Validation(ctx context.Context, _ string) (ValidationSignal, error) {
	if f.slow {
		<-ctx.Done()
		return ValidationSignal{}, ctx.Err()
	}
	if f.err != nil {
		return ValidationSignal{}, f.err
	}
	return f.validation, nil
}

func newTestEngine(repo *fakeTrustRepo, signals *fakeSignals, citations *fakeCitations) *Engine {
	return NewEngine(zap.NewNop(), repo, signals, citations, nil, 100*time.Millisecond, time.Minute)
}

func TestComputeFullProfile(t *testing.T) {
	repo := newFakeTrustRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dataTime := now.Add(-24 * time.Hour)
	signals := &fakeSignals{
		source:    SourceSignal{AuthorAccuracy: 80, Affiliation: AffiliationVerified},
		method:    MethodSignal{DisclosedSections: 3, TotalSections: 4},
		proximity: ProximitySignal{Relation: RelationPrimary},
		temporal:  TemporalSignal{DataTimestamp: dataTime, RelevanceWindow: 96 * time.Hour},
	}
	citations := &fakeCitations{validation: ValidationSignal{Corroborating: 3, Contradictions: []string{"cite-9"}}}
	engine := newTestEngine(repo, signals, citations)
	engine.now = func() time.Time { return now }

	p, err := engine.Compute(context.Background(), "admin-1", "post-1")
	require.NoError(t, err)

	assert.Equal(t, 86, p.T1Source) // 80*0.7 + 30 verified bonus
	assert.Equal(t, 75, p.T2Method)
	assert.Equal(t, 90, p.T3Proximity)
	assert.Equal(t, 75, p.T4Temporal) // one of four days elapsed
	assert.Equal(t, 64, p.T5Validation)
	assert.True(t, p.IsTimeSensitive)
	assert.False(t, p.Partial)
	assert.Equal(t, 3, p.CorroboratingCount)
	assert.Equal(t, 1, p.ContradictingCount)
	assert.Equal(t, []string{"cite-9"}, p.Contradictions)

	stored, err := repo.GetProfile(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, p.Summary, stored.Summary)
}

func TestComputeNeutralFallbackOnFeedError(t *testing.T) {
	repo := newFakeTrustRepo()
	signals := &fakeSignals{
		sourceErr: errors.New("feed down"),
		method:    MethodSignal{DisclosedSections: 4, TotalSections: 4},
		proximity: ProximitySignal{Relation: RelationSecondary},
	}
	citations := &fakeCitations{validation: ValidationSignal{}}
	engine := newTestEngine(repo, signals, citations)

	p, err := engine.Compute(context.Background(), "admin-1", "post-2")
	require.NoError(t, err)

	assert.Equal(t, neutralScore, p.T1Source)
	assert.True(t, p.Partial)
	assert.Equal(t, 100, p.T2Method)
	assert.Contains(t, p.Summary, "Partial")
}

func TestComputeNeutralFallbackOnFeedTimeout(t *testing.T) {
	repo := newFakeTrustRepo()
	signals := &fakeSignals{
		source:    SourceSignal{AuthorAccuracy: 50},
		method:    MethodSignal{DisclosedSections: 1, TotalSections: 2},
		proximity: ProximitySignal{Relation: RelationUnknown},
	}
	citations := &fakeCitations{slow: true}
	engine := newTestEngine(repo, signals, citations)

	start := time.Now()
	p, err := engine.Compute(context.Background(), "admin-1", "post-3")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second, "timeout must bound the lookup")
	assert.Equal(t, neutralScore, p.T5Validation)
	assert.True(t, p.Partial)
}

func TestComputeRejectsEmptyContentID(t *testing.T) {
	engine := newTestEngine(newFakeTrustRepo(), &fakeSignals{}, &fakeCitations{})
	_, err := engine.Compute(context.Background(), "admin-1", "")
	assert.Error(t, err)
}

func TestMutatingTrustOpsRequireAdmin(t *testing.T) {
	repo := newFakeTrustRepo()
	engine := newTestEngine(repo, &fakeSignals{}, &fakeCitations{})
	queue := NewQueue(zap.NewNop(), repo, engine, 10)
	ctx := context.Background()

	_, err := engine.Compute(ctx, "", "post-1")
	assert.Equal(t, codes.Unauthenticated, graceful.Code(err))

	_, err = engine.Compute(ctx, "member-1", "post-1")
	assert.Equal(t, codes.PermissionDenied, graceful.Code(err))

	err = engine.DeleteProfile(ctx, "member-1", "post-1")
	assert.Equal(t, codes.PermissionDenied, graceful.Code(err))

	err = queue.Enqueue(ctx, "member-1", "post-1", "citation_added")
	assert.Equal(t, codes.PermissionDenied, graceful.Code(err))

	_, err = queue.Drain(ctx, "member-1", 10)
	assert.Equal(t, codes.PermissionDenied, graceful.Code(err))

	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "denied enqueue must not reach the store")
}

func TestGetProfileNotFound(t *testing.T) {
	engine := newTestEngine(newFakeTrustRepo(), &fakeSignals{}, &fakeCitations{})
	_, err := engine.GetProfile(context.Background(), "missing")
	assert.Error(t, err)
}

func TestScoreTemporal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name          string
		signal        TemporalSignal
		wantScore     int
		wantSensitive bool
	}{
		{
			name:          "no relevance window means not time-sensitive",
			signal:        TemporalSignal{DataTimestamp: now.Add(-1000 * time.Hour)},
			wantScore:     100,
			wantSensitive: false,
		},
		{
			name:          "fresh data scores full",
			signal:        TemporalSignal{DataTimestamp: now, RelevanceWindow: time.Hour},
			wantScore:     100,
			wantSensitive: true,
		},
		{
			name:          "half-elapsed window scores half",
			signal:        TemporalSignal{DataTimestamp: now.Add(-30 * time.Minute), RelevanceWindow: time.Hour},
			wantScore:     50,
			wantSensitive: true,
		},
		{
			name:          "age equal to the window scores zero",
			signal:        TemporalSignal{DataTimestamp: now.Add(-time.Hour), RelevanceWindow: time.Hour},
			wantScore:     0,
			wantSensitive: true,
		},
		{
			name:          "fully elapsed window scores zero",
			signal:        TemporalSignal{DataTimestamp: now.Add(-2 * time.Hour), RelevanceWindow: time.Hour},
			wantScore:     0,
			wantSensitive: true,
		},
		{
			name:          "fractional remainder rounds to nearest",
			signal:        TemporalSignal{DataTimestamp: now.Add(-20 * time.Minute), RelevanceWindow: time.Hour},
			wantScore:     67,
			wantSensitive: true,
		},
		{
			name:          "missing timestamp scores neutral",
			signal:        TemporalSignal{RelevanceWindow: time.Hour},
			wantScore:     neutralScore,
			wantSensitive: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, sensitive := scoreTemporal(tt.signal, now)
			assert.Equal(t, tt.wantScore, score)
			assert.Equal(t, tt.wantSensitive, sensitive)
		})
	}
}

func TestScoreValidationClamps(t *testing.T) {
	assert.Equal(t, 100, scoreValidation(ValidationSignal{Corroborating: 20}))
	assert.Equal(t, 0, scoreValidation(ValidationSignal{Contradictions: make([]string, 10)}))
	assert.Equal(t, 48, scoreValidation(ValidationSignal{Corroborating: 1, Contradictions: []string{"a"}}))
}

func TestSummarizeIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	p := &trustrepo.Profile{
		ContentID: "post-7", T1Source: 80, T2Method: 60, T3Proximity: 90,
		T4Temporal: 70, T5Validation: 50, IsTimeSensitive: true, DataTimestamp: &ts,
		CorroboratingCount: 2, ContradictingCount: 1,
	}
	first := Summarize(p)
	assert.Equal(t, first, Summarize(p))
	assert.Contains(t, first, "post-7")
	assert.Contains(t, first, "aggregate 70/100")
	assert.Contains(t, first, "2026-01-15")
}

func TestAggregateNeverStored(t *testing.T) {
	p := &trustrepo.Profile{T1Source: 10, T2Method: 20, T3Proximity: 30, T4Temporal: 40, T5Validation: 50}
	assert.Equal(t, 30, Aggregate(p))
}
