package invite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	repository "github.com/veridian-network/veridian/internal/repository"
	inviterepo "github.com/veridian-network/veridian/internal/repository/invite"
	"go.uber.org/zap"
)

type fakeInviteRepo struct {
	mu      sync.Mutex
	edges   map[string]inviterepo.Edge
	roles   map[string]repository.Role
	metrics map[string]inviterepo.DiversityMetric
}

func newFakeInviteRepo() *fakeInviteRepo {
	return &fakeInviteRepo{
		edges:   map[string]inviterepo.Edge{},
		roles:   map[string]repository.Role{},
		metrics: map[string]inviterepo.DiversityMetric{},
	}
}

func (f *fakeInviteRepo) seedRoot(userID string, role repository.Role) {
	f.edges[userID] = inviterepo.Edge{UserID: userID, Generation: 0, InvitedRole: role, CreatedAt: time.Now()}
	f.roles[userID] = role
}

func (f *fakeInviteRepo) GetUserRole(_ context.Context, userID string) (repository.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return role, nil
}

func (f *fakeInviteRepo) CreateEdge(_ context.Context, inviterID, userID string, invitedRole repository.Role, joinMethod string, seedingHeld bool) (inviterepo.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	generation := 0
	var inviter sql.NullString
	if inviterID != "" {
		parent, ok := f.edges[inviterID]
		if !ok {
			return inviterepo.Edge{}, inviterepo.ErrInviterUnknown
		}
		if f.metrics[inviterID].InviteBlocked {
			return inviterepo.Edge{}, inviterepo.ErrInviterBlocked
		}
		generation = parent.Generation + 1
		inviter = sql.NullString{String: inviterID, Valid: true}
	}
	if _, exists := f.edges[userID]; exists {
		return inviterepo.Edge{}, inviterepo.ErrUserExists
	}
	edge := inviterepo.Edge{
		UserID:                  userID,
		InviterID:               inviter,
		Generation:              generation,
		InvitedRole:             invitedRole,
		JoinMethod:              joinMethod,
		SeedingConversationHeld: seedingHeld,
		CreatedAt:               time.Now(),
	}
	f.edges[userID] = edge
	f.roles[userID] = invitedRole
	return edge, nil
}

func (f *fakeInviteRepo) GetEdge(_ context.Context, userID string) (inviterepo.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.edges[userID]
	if !ok {
		return inviterepo.Edge{}, repository.ErrNotFound
	}
	return e, nil
}

func (f *fakeInviteRepo) ListInvitees(_ context.Context, inviterID string) ([]inviterepo.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []inviterepo.Edge
	for _, e := range f.edges {
		if e.InviterID.Valid && e.InviterID.String == inviterID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeInviteRepo) Tree(_ context.Context) ([]inviterepo.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []inviterepo.Edge
	for _, e := range f.edges {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeInviteRepo) Lineage(_ context.Context, userID string, depth int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	current := userID
	for i := 0; i < depth; i++ {
		e, ok := f.edges[current]
		if !ok || !e.InviterID.Valid {
			break
		}
		out = append(out, e.InviterID.String)
		current = e.InviterID.String
	}
	return out, nil
}

func (f *fakeInviteRepo) ApplyDiversity(_ context.Context, inviterID string, flags inviterepo.Flags, blockThreshold int) (inviterepo.DiversityMetric, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.metrics[inviterID]
	m.InviterID = inviterID
	warned := false
	if flags.Homogeneity && !m.HomogeneityFlag {
		m.WarningCount++
		warned = true
	}
	if flags.Velocity && !m.VelocityFlag {
		m.WarningCount++
		warned = true
	}
	if flags.Seeding && !m.SeedingFlag {
		m.WarningCount++
		warned = true
	}
	m.HomogeneityFlag = flags.Homogeneity
	m.VelocityFlag = flags.Velocity
	m.SeedingFlag = flags.Seeding
	blockedNow := false
	if !m.InviteBlocked && warned && m.WarningCount >= blockThreshold {
		m.InviteBlocked = true
		blockedNow = true
	}
	m.UpdatedAt = time.Now()
	f.metrics[inviterID] = m
	return m, blockedNow, nil
}

func (f *fakeInviteRepo) GetMetric(_ context.Context, inviterID string) (inviterepo.DiversityMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.metrics[inviterID]
	if !ok {
		return inviterepo.DiversityMetric{}, repository.ErrNotFound
	}
	return m, nil
}

func (f *fakeInviteRepo) ListWarned(_ context.Context) ([]inviterepo.DiversityMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []inviterepo.DiversityMetric
	for _, m := range f.metrics {
		if m.WarningCount > 0 || m.InviteBlocked {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeInviteRepo) ClearBlock(_ context.Context, inviterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.metrics[inviterID]
	if !ok {
		return repository.ErrNotFound
	}
	m.InviteBlocked = false
	f.metrics[inviterID] = m
	return nil
}

func (f *fakeInviteRepo) CountEdges(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edges), nil
}

func (f *fakeInviteRepo) CountBlocked(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.metrics {
		if m.InviteBlocked {
			n++
		}
	}
	return n, nil
}

func testPolicy() Policy {
	return Policy{
		WarningThreshold: 3,
		HomogeneityFloor: 4,
		VelocityCount:    5,
		VelocityWindow:   48 * time.Hour,
		SeedingFloor:     3,
	}
}

func TestRecordInviteAssignsGeneration(t *testing.T) {
	repo := newFakeInviteRepo()
	repo.seedRoot("root", repository.RoleAdmin)
	svc := NewService(zap.NewNop(), repo, testPolicy())
	ctx := context.Background()

	child, err := svc.RecordInvite(ctx, "root", "alice", "member", "invite", true)
	require.NoError(t, err)
	assert.Equal(t, 1, child.Generation)

	grandchild, err := svc.RecordInvite(ctx, "alice", "bob", "member", "invite", true)
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.Generation)
}

func TestRecordInviteWithoutInviterSeedsRoot(t *testing.T) {
	repo := newFakeInviteRepo()
	svc := NewService(zap.NewNop(), repo, testPolicy())
	ctx := context.Background()

	root, err := svc.RecordInvite(ctx, "", "founder", "admin", "seed", false)
	require.NoError(t, err)
	assert.Equal(t, 0, root.Generation)
	assert.False(t, root.InviterID.Valid)

	// The fresh root can immediately invite.
	child, err := svc.RecordInvite(ctx, "founder", "alice", "member", "invite", true)
	require.NoError(t, err)
	assert.Equal(t, 1, child.Generation)
}

func TestRecordInviteRejectsUnknownInviter(t *testing.T) {
	svc := NewService(zap.NewNop(), newFakeInviteRepo(), testPolicy())
	_, err := svc.RecordInvite(context.Background(), "ghost", "alice", "member", "invite", true)
	assert.Error(t, err)
}

func TestRecordInviteRejectsDuplicateUser(t *testing.T) {
	repo := newFakeInviteRepo()
	repo.seedRoot("root", repository.RoleAdmin)
	svc := NewService(zap.NewNop(), repo, testPolicy())
	ctx := context.Background()

	_, err := svc.RecordInvite(ctx, "root", "alice", "member", "invite", true)
	require.NoError(t, err)
	_, err = svc.RecordInvite(ctx, "root", "alice", "member", "invite", true)
	assert.Error(t, err)
}

func TestDiversityWarnsOnceThenBlocks(t *testing.T) {
	repo := newFakeInviteRepo()
	repo.seedRoot("root", repository.RoleMember)
	svc := NewService(zap.NewNop(), repo, testPolicy())
	ctx := context.Background()

	// Four same-role invitees, none seeded, all inside one burst window.
	for i := 0; i < 4; i++ {
		_, err := svc.RecordInvite(ctx, "root", fmt.Sprintf("user-%d", i), "member", "invite", false)
		require.NoError(t, err)
	}

	metric, err := svc.RecomputeDiversity(ctx, "root")
	require.NoError(t, err)
	assert.True(t, metric.HomogeneityFlag)
	assert.True(t, metric.SeedingFlag)
	assert.Equal(t, 2, metric.WarningCount, "homogeneity and seeding warn once")
	assert.False(t, metric.InviteBlocked)

	// Re-running with unchanged flags must not inflate the count.
	metric, err = svc.RecomputeDiversity(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, 2, metric.WarningCount)

	// A fifth rapid invite trips velocity and crosses the block threshold.
	_, err = svc.RecordInvite(ctx, "root", "user-4", "member", "invite", false)
	require.NoError(t, err)
	metric, err = svc.RecomputeDiversity(ctx, "root")
	require.NoError(t, err)
	assert.True(t, metric.VelocityFlag)
	assert.Equal(t, 3, metric.WarningCount)
	assert.True(t, metric.InviteBlocked)

	// Blocked inviters cannot add edges until an admin clears the block.
	_, err = svc.RecordInvite(ctx, "root", "user-5", "member", "invite", true)
	assert.Error(t, err)
}

func TestClearBlockRequiresAdmin(t *testing.T) {
	repo := newFakeInviteRepo()
	repo.seedRoot("admin", repository.RoleAdmin)
	repo.seedRoot("member", repository.RoleMember)
	repo.metrics["member"] = inviterepo.DiversityMetric{InviterID: "member", WarningCount: 3, InviteBlocked: true}
	svc := NewService(zap.NewNop(), repo, testPolicy())
	ctx := context.Background()

	err := svc.ClearBlock(ctx, "member", "member")
	assert.Error(t, err, "non-admin cannot clear a block")

	require.NoError(t, svc.ClearBlock(ctx, "admin", "member"))
	metric, err := repo.GetMetric(ctx, "member")
	require.NoError(t, err)
	assert.False(t, metric.InviteBlocked)
	assert.Equal(t, 3, metric.WarningCount, "warnings stay on record")
}

func TestClearBlockKeepsWarningsWithoutReblock(t *testing.T) {
	repo := newFakeInviteRepo()
	repo.seedRoot("admin", repository.RoleAdmin)
	repo.seedRoot("root", repository.RoleMember)
	svc := NewService(zap.NewNop(), repo, testPolicy())
	ctx := context.Background()

	// Five homogeneous, unseeded, rapid invites trip all three flags.
	for i := 0; i < 5; i++ {
		_, err := svc.RecordInvite(ctx, "root", fmt.Sprintf("user-%d", i), "member", "invite", false)
		require.NoError(t, err)
	}
	metric, err := repo.GetMetric(ctx, "root")
	require.NoError(t, err)
	require.True(t, metric.InviteBlocked)
	require.Equal(t, 3, metric.WarningCount)

	require.NoError(t, svc.ClearBlock(ctx, "admin", "root"))

	// Unchanged flags neither add warnings nor re-latch the block.
	metric, err = svc.RecomputeDiversity(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, 3, metric.WarningCount, "warnings stay on record")
	assert.False(t, metric.InviteBlocked, "a cleared inviter is not re-blocked without new behavior")

	// The cleared inviter can invite again.
	_, err = svc.RecordInvite(ctx, "root", "user-9", "member", "invite", true)
	require.NoError(t, err)
}

func TestTreeGroupsByGeneration(t *testing.T) {
	repo := newFakeInviteRepo()
	repo.seedRoot("root", repository.RoleAdmin)
	svc := NewService(zap.NewNop(), repo, testPolicy())
	ctx := context.Background()

	_, err := svc.RecordInvite(ctx, "root", "alice", "member", "invite", true)
	require.NoError(t, err)
	_, err = svc.RecordInvite(ctx, "alice", "bob", "member", "invite", true)
	require.NoError(t, err)

	gens, err := svc.Tree(ctx)
	require.NoError(t, err)
	require.Len(t, gens, 3)
	assert.Equal(t, 0, gens[0].Generation)
	assert.Equal(t, 1, gens[1].Generation)
	assert.Equal(t, 2, gens[2].Generation)
}

func TestLineageNearestFirst(t *testing.T) {
	repo := newFakeInviteRepo()
	repo.seedRoot("root", repository.RoleAdmin)
	svc := NewService(zap.NewNop(), repo, testPolicy())
	ctx := context.Background()

	_, err := svc.RecordInvite(ctx, "root", "alice", "member", "invite", true)
	require.NoError(t, err)
	_, err = svc.RecordInvite(ctx, "alice", "bob", "member", "invite", true)
	require.NoError(t, err)

	ancestors, err := svc.Lineage(ctx, "bob", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "root"}, ancestors)
}

func TestStatusReportsEdgeAndMetric(t *testing.T) {
	repo := newFakeInviteRepo()
	repo.seedRoot("root", repository.RoleAdmin)
	svc := NewService(zap.NewNop(), repo, testPolicy())
	ctx := context.Background()

	_, err := svc.RecordInvite(ctx, "root", "alice", "member", "invite", true)
	require.NoError(t, err)

	edge, metric, err := svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", edge.UserID)
	assert.Equal(t, 1, edge.Generation)
	assert.Equal(t, "alice", metric.InviterID)
	assert.Zero(t, metric.WarningCount, "alice has invited nobody yet")
	assert.False(t, metric.InviteBlocked)

	rootEdge, rootMetric, err := svc.Status(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, 0, rootEdge.Generation)
	assert.Equal(t, "root", rootMetric.InviterID)

	_, _, err = svc.Status(ctx, "ghost")
	assert.Error(t, err)

	_, _, err = svc.Status(ctx, "")
	assert.Error(t, err)
}
