package invite

import (
	"context"
	"errors"
	"sort"
	"time"

	repository "github.com/veridian-network/veridian/internal/repository"
	inviterepo "github.com/veridian-network/veridian/internal/repository/invite"
	"github.com/veridian-network/veridian/pkg/graceful"
	"github.com/veridian-network/veridian/pkg/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// Policy carries the diversity monitor thresholds. All values come from
// deployment config, never hard-coded into the monitor.
type Policy struct {
	// WarningThreshold is the warning count at which invites are blocked.
	WarningThreshold int
	// HomogeneityFloor is the minimum invitee count before role uniformity
	// counts as suspicious.
	HomogeneityFloor int
	// VelocityCount and VelocityWindow define a suspicious join burst.
	VelocityCount  int
	VelocityWindow time.Duration
	// SeedingFloor is the minimum invitee count before universally skipped
	// seeding conversations count as suspicious.
	SeedingFloor int
}

// Repository is the persistence surface the invite service depends on.
type Repository interface {
	GetUserRole(ctx context.Context, userID string) (repository.Role, error)
	CreateEdge(ctx context.Context, inviterID, userID string, invitedRole repository.Role, joinMethod string, seedingHeld bool) (inviterepo.Edge, error)
	GetEdge(ctx context.Context, userID string) (inviterepo.Edge, error)
	ListInvitees(ctx context.Context, inviterID string) ([]inviterepo.Edge, error)
	Tree(ctx context.Context) ([]inviterepo.Edge, error)
	Lineage(ctx context.Context, userID string, depth int) ([]string, error)
	ApplyDiversity(ctx context.Context, inviterID string, flags inviterepo.Flags, blockThreshold int) (inviterepo.DiversityMetric, bool, error)
	GetMetric(ctx context.Context, inviterID string) (inviterepo.DiversityMetric, error)
	ListWarned(ctx context.Context) ([]inviterepo.DiversityMetric, error)
	ClearBlock(ctx context.Context, inviterID string) error
	CountEdges(ctx context.Context) (int, error)
	CountBlocked(ctx context.Context) (int, error)
}

// Service maintains the invite forest and its diversity health metrics.
type Service struct {
	log    *zap.Logger
	repo   Repository
	policy Policy
}

// NewService constructs the invite graph service.
func NewService(log *zap.Logger, repo Repository, policy Policy) *Service {
	if policy.WarningThreshold <= 0 {
		policy.WarningThreshold = 3
	}
	return &Service{log: log, repo: repo, policy: policy}
}

// RecordInvite registers a new member joining through an inviter and
// recomputes the inviter's diversity metric. Blocked inviters cannot add
// edges. An empty inviterID records a generation-zero root, which is how
// the forest is seeded.
func (s *Service) RecordInvite(ctx context.Context, inviterID, userID, role, joinMethod string, seedingHeld bool) (inviterepo.Edge, error) {
	if userID == "" {
		return inviterepo.Edge{}, graceful.WrapErr(ctx, codes.InvalidArgument, "user_id is required", nil)
	}
	invitedRole, ok := repository.ParseRole(role)
	if !ok {
		return inviterepo.Edge{}, graceful.WrapErr(ctx, codes.InvalidArgument, "invalid invited role", nil)
	}

	edge, err := s.repo.CreateEdge(ctx, inviterID, userID, invitedRole, joinMethod, seedingHeld)
	if err != nil {
		switch {
		case errors.Is(err, inviterepo.ErrInviterUnknown):
			return inviterepo.Edge{}, graceful.WrapErr(ctx, codes.NotFound, "inviter not found", err)
		case errors.Is(err, inviterepo.ErrInviterBlocked):
			return inviterepo.Edge{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "inviter is blocked from sending invites", err)
		case errors.Is(err, inviterepo.ErrUserExists):
			return inviterepo.Edge{}, graceful.WrapErr(ctx, codes.AlreadyExists, "user already exists", err)
		default:
			return inviterepo.Edge{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to record invite", err,
				zap.String("inviter_id", inviterID), zap.String("user_id", userID))
		}
	}

	if inviterID != "" {
		if _, err := s.RecomputeDiversity(ctx, inviterID); err != nil {
			s.log.Warn("diversity recompute after invite failed",
				zap.String("inviter_id", inviterID), zap.Error(err))
		}
	}
	return edge, nil
}

// RecomputeDiversity rescans one inviter's invitees and updates the
// warning count. Each suspicion flag increments the count only when it
// newly turns on, so a persistently homogeneous subtree is warned once,
// not on every recompute.
func (s *Service) RecomputeDiversity(ctx context.Context, inviterID string) (inviterepo.DiversityMetric, error) {
	if inviterID == "" {
		return inviterepo.DiversityMetric{}, graceful.WrapErr(ctx, codes.InvalidArgument, "inviter_id is required", nil)
	}
	invitees, err := s.repo.ListInvitees(ctx, inviterID)
	if err != nil {
		return inviterepo.DiversityMetric{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to list invitees", err,
			zap.String("inviter_id", inviterID))
	}

	flags := s.computeFlags(invitees)
	metric, blockedNow, err := s.repo.ApplyDiversity(ctx, inviterID, flags, s.policy.WarningThreshold)
	if err != nil {
		return inviterepo.DiversityMetric{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to apply diversity metric", err,
			zap.String("inviter_id", inviterID))
	}
	if blockedNow {
		metrics.InviteBlocks.Inc()
		s.log.Warn("inviter blocked for diversity warnings",
			zap.String("inviter_id", inviterID),
			zap.Int("warning_count", metric.WarningCount),
		)
	}
	return metric, nil
}

func (s *Service) computeFlags(invitees []inviterepo.Edge) inviterepo.Flags {
	var flags inviterepo.Flags

	if len(invitees) >= s.policy.HomogeneityFloor {
		uniform := true
		for _, e := range invitees[1:] {
			if e.InvitedRole != invitees[0].InvitedRole {
				uniform = false
				break
			}
		}
		flags.Homogeneity = uniform
	}

	if s.policy.VelocityCount > 0 && len(invitees) >= s.policy.VelocityCount {
		times := make([]time.Time, len(invitees))
		for i, e := range invitees {
			times[i] = e.CreatedAt
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for i := 0; i+s.policy.VelocityCount-1 < len(times); i++ {
			if times[i+s.policy.VelocityCount-1].Sub(times[i]) <= s.policy.VelocityWindow {
				flags.Velocity = true
				break
			}
		}
	}

	if len(invitees) >= s.policy.SeedingFloor {
		skippedAll := true
		for _, e := range invitees {
			if e.SeedingConversationHeld {
				skippedAll = false
				break
			}
		}
		flags.Seeding = skippedAll
	}

	return flags
}

// Generation groups the invite forest for display.
type Generation struct {
	Generation int               `json:"generation"`
	Members    []inviterepo.Edge `json:"members"`
}

// Tree returns the full invite forest grouped by generation, roots first.
func (s *Service) Tree(ctx context.Context) ([]Generation, error) {
	edges, err := s.repo.Tree(ctx)
	if err != nil {
		return nil, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load invite tree", err)
	}
	byGen := map[int][]inviterepo.Edge{}
	for _, e := range edges {
		byGen[e.Generation] = append(byGen[e.Generation], e)
	}
	gens := make([]int, 0, len(byGen))
	for g := range byGen {
		gens = append(gens, g)
	}
	sort.Ints(gens)
	out := make([]Generation, 0, len(gens))
	for _, g := range gens {
		out = append(out, Generation{Generation: g, Members: byGen[g]})
	}
	return out, nil
}

// Warnings lists every inviter carrying warnings or an invite block.
func (s *Service) Warnings(ctx context.Context) ([]inviterepo.DiversityMetric, error) {
	ms, err := s.repo.ListWarned(ctx)
	if err != nil {
		return nil, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to list diversity warnings", err)
	}
	return ms, nil
}

// ClearBlock lifts an inviter's block. Admin only; warnings stay on record.
func (s *Service) ClearBlock(ctx context.Context, adminID, inviterID string) error {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	if err := s.repo.ClearBlock(ctx, inviterID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return graceful.WrapErr(ctx, codes.NotFound, "no diversity metric for inviter", err)
		}
		return graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to clear invite block", err,
			zap.String("inviter_id", inviterID))
	}
	s.log.Info("invite block cleared",
		zap.String("inviter_id", inviterID), zap.String("cleared_by", adminID))
	return nil
}

// Status reports a user's own invite edge together with their standing as
// an inviter. A user who has never triggered a diversity recompute has no
// metric row yet; that reads as a zero metric, not an error.
func (s *Service) Status(ctx context.Context, userID string) (inviterepo.Edge, inviterepo.DiversityMetric, error) {
	if userID == "" {
		return inviterepo.Edge{}, inviterepo.DiversityMetric{}, graceful.WrapErr(ctx, codes.InvalidArgument, "user_id is required", nil)
	}
	edge, err := s.repo.GetEdge(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return inviterepo.Edge{}, inviterepo.DiversityMetric{}, graceful.WrapErr(ctx, codes.NotFound, "user is not in the invite tree", err)
		}
		return inviterepo.Edge{}, inviterepo.DiversityMetric{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load invite edge", err,
			zap.String("user_id", userID))
	}
	metric, err := s.repo.GetMetric(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return inviterepo.Edge{}, inviterepo.DiversityMetric{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load diversity metric", err,
			zap.String("user_id", userID))
	}
	metric.InviterID = userID
	return edge, metric, nil
}

// Lineage returns the chain of inviter ancestors for a user, nearest first.
func (s *Service) Lineage(ctx context.Context, userID string, depth int) ([]string, error) {
	ancestors, err := s.repo.Lineage(ctx, userID, depth)
	if err != nil {
		return nil, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to resolve invite lineage", err,
			zap.String("user_id", userID))
	}
	return ancestors, nil
}

// Stats reports tree size and block count for the governance summary.
func (s *Service) Stats(ctx context.Context) (edges, blocked int, err error) {
	if edges, err = s.repo.CountEdges(ctx); err != nil {
		return 0, 0, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to count invite edges", err)
	}
	if blocked, err = s.repo.CountBlocked(ctx); err != nil {
		return 0, 0, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to count blocked inviters", err)
	}
	return edges, blocked, nil
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	if userID == "" {
		return graceful.WrapErr(ctx, codes.Unauthenticated, "authentication required", nil)
	}
	role, err := s.repo.GetUserRole(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return graceful.WrapErr(ctx, codes.Unauthenticated, "unknown user", err)
		}
		return graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load user role", err)
	}
	if role != repository.RoleAdmin {
		return graceful.WrapErr(ctx, codes.PermissionDenied, "admin role required", nil)
	}
	return nil
}
