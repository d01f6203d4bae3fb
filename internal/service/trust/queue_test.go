package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnqueueDeduplicatesPending(t *testing.T) {
	repo := newFakeTrustRepo()
	queue := NewQueue(zap.NewNop(), repo, nil, 10)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, "admin-1", "post-1", "citation_added"))
	require.NoError(t, queue.Enqueue(ctx, "admin-1", "post-1", "author_accuracy_changed"))
	require.NoError(t, queue.Enqueue(ctx, "admin-1", "post-2", "citation_added"))

	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestEnqueueRejectsEmptyContentID(t *testing.T) {
	queue := NewQueue(zap.NewNop(), newFakeTrustRepo(), nil, 10)
	assert.Error(t, queue.Enqueue(context.Background(), "admin-1", "", "citation_added"))
}

func TestDrainProcessesClaimedJobs(t *testing.T) {
	repo := newFakeTrustRepo()
	signals := &fakeSignals{
		source:    SourceSignal{AuthorAccuracy: 70},
		method:    MethodSignal{DisclosedSections: 2, TotalSections: 2},
		proximity: ProximitySignal{Relation: RelationPrimary},
	}
	engine := newTestEngine(repo, signals, &fakeCitations{})
	queue := NewQueue(zap.NewNop(), repo, engine, 10)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, "admin-1", "post-1", "citation_added"))
	require.NoError(t, queue.Enqueue(ctx, "admin-1", "post-2", "citation_added"))

	result, err := queue.Drain(ctx, "admin-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 0, result.Requeued)

	p, err := repo.GetProfile(ctx, "post-1")
	require.NoError(t, err)
	assert.False(t, p.Partial)

	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestDrainRequeuesPartialProfiles(t *testing.T) {
	repo := newFakeTrustRepo()
	signals := &fakeSignals{
		sourceErr: errors.New("feed down"),
		method:    MethodSignal{DisclosedSections: 1, TotalSections: 2},
	}
	engine := newTestEngine(repo, signals, &fakeCitations{})
	queue := NewQueue(zap.NewNop(), repo, engine, 10)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, "admin-1", "post-1", "citation_added"))

	result, err := queue.Drain(ctx, "admin-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 1, result.Requeued)

	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "degraded job returns to the queue")

	// The partial profile is still persisted for readers in the meantime.
	p, err := repo.GetProfile(ctx, "post-1")
	require.NoError(t, err)
	assert.True(t, p.Partial)
}

func TestDrainRespectsLimit(t *testing.T) {
	repo := newFakeTrustRepo()
	engine := newTestEngine(repo, &fakeSignals{
		source:    SourceSignal{AuthorAccuracy: 50},
		method:    MethodSignal{DisclosedSections: 1, TotalSections: 1},
		proximity: ProximitySignal{Relation: RelationSecondary},
	}, &fakeCitations{})
	queue := NewQueue(zap.NewNop(), repo, engine, 10)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, queue.Enqueue(ctx, "admin-1", id, "bulk"))
	}

	result, err := queue.Drain(ctx, "admin-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)

	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDrainEmptyQueue(t *testing.T) {
	queue := NewQueue(zap.NewNop(), newFakeTrustRepo(), nil, 10)
	result, err := queue.Drain(context.Background(), "admin-1", 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result)
}

func TestStartDrainLoopRejectsBadSpec(t *testing.T) {
	queue := NewQueue(zap.NewNop(), newFakeTrustRepo(), nil, 10)
	_, err := queue.StartDrainLoop(context.Background(), "not a cron spec")
	assert.Error(t, err)
}

func TestStartDrainLoopStops(t *testing.T) {
	queue := NewQueue(zap.NewNop(), newFakeTrustRepo(), nil, 10)
	stop, err := queue.StartDrainLoop(context.Background(), "@every 1h")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain loop did not stop")
	}
}
