package promotion

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	repository "github.com/veridian-network/veridian/internal/repository"
	promotionrepo "github.com/veridian-network/veridian/internal/repository/promotion"
	"github.com/veridian-network/veridian/pkg/graceful"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

const minJustificationLen = 20

// DecisionApproved and DecisionRejected are the terminal request states.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// rolePolicy is one row of the role-pair threshold table.
type rolePolicy struct {
	from       repository.Role
	moderators int
	admins     int
}

// rolePolicies maps each promotable target role to its endorsement
// thresholds.
var rolePolicies = map[repository.Role]rolePolicy{
	repository.RoleModerator: {from: repository.RoleMember, moderators: 2, admins: 1},
	repository.RoleAdmin:     {from: repository.RoleModerator, moderators: 3, admins: 2},
}

// Repository is the persistence surface the promotion service depends on.
type Repository interface {
	GetUserRole(ctx context.Context, userID string) (repository.Role, error)
	CreateRequest(ctx context.Context, req *promotionrepo.Request) error
	GetRequest(ctx context.Context, id string) (promotionrepo.Request, error)
	ListPending(ctx context.Context) ([]promotionrepo.Request, error)
	AddEndorsement(ctx context.Context, e *promotionrepo.Endorsement) error
	ListEndorsements(ctx context.Context, requestID string) ([]promotionrepo.Endorsement, error)
	Resolve(ctx context.Context, requestID, decision, resolverID string) (promotionrepo.Request, error)
	RingEdges(ctx context.Context, memberIDs []string, excludeRequestID string, window time.Duration) ([]promotionrepo.RingEdge, error)
	CountPending(ctx context.Context) (int, error)
}

// LineageResolver reports a user's inviter ancestry for collusion checks.
type LineageResolver interface {
	Lineage(ctx context.Context, userID string, depth int) ([]string, error)
}

// Service runs the promotion endorsement workflow.
type Service struct {
	log        *zap.Logger
	repo       Repository
	lineage    LineageResolver
	ringWindow time.Duration
	depth      int
}

// NewService constructs the promotion workflow service.
func NewService(log *zap.Logger, repo Repository, lineage LineageResolver, ringWindow time.Duration, lineageDepth int) *Service {
	if ringWindow <= 0 {
		ringWindow = 14 * 24 * time.Hour
	}
	if lineageDepth <= 0 {
		lineageDepth = 3
	}
	return &Service{log: log, repo: repo, lineage: lineage, ringWindow: ringWindow, depth: lineageDepth}
}

// CreateRequest opens a pending promotion request with thresholds from the
// role-pair policy table. A previously rejected user may file again; only
// one pending request per user is allowed.
func (s *Service) CreateRequest(ctx context.Context, userID, targetRole string) (promotionrepo.Request, error) {
	if userID == "" {
		return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.Unauthenticated, "authentication required", nil)
	}
	target, ok := repository.ParseRole(targetRole)
	if !ok {
		return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.InvalidArgument, "invalid target role", nil)
	}
	policy, ok := rolePolicies[target]
	if !ok {
		return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.InvalidArgument, "role is not promotable", nil)
	}

	current, err := s.repo.GetUserRole(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.Unauthenticated, "unknown user", err)
		}
		return promotionrepo.Request{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load user role", err)
	}
	if current != policy.from {
		return promotionrepo.Request{}, graceful.WrapErrWithDetails(ctx, codes.FailedPrecondition,
			"current role does not qualify for this promotion", nil,
			map[string]interface{}{"current_role": current.String(), "required_role": policy.from.String()})
	}

	pending, err := s.repo.ListPending(ctx)
	if err != nil {
		return promotionrepo.Request{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to list pending requests", err)
	}
	for _, p := range pending {
		if p.UserID == userID {
			return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.FailedPrecondition,
				"a pending promotion request already exists for this user", nil)
		}
	}

	req := &promotionrepo.Request{
		ID:                            uuid.New().String(),
		UserID:                        userID,
		TargetRole:                    target,
		RequiredModeratorEndorsements: policy.moderators,
		RequiredAdminEndorsements:     policy.admins,
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return promotionrepo.Request{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to create promotion request", err,
			zap.String("user_id", userID), zap.String("target_role", target.String()))
	}
	s.log.Info("promotion request opened",
		zap.String("request_id", req.ID),
		zap.String("user_id", userID),
		zap.String("target_role", target.String()),
	)
	return *req, nil
}

// EndorseResult pairs a recorded endorsement with the post-insert cluster
// risk signal. The risk never blocks the endorsement.
type EndorseResult struct {
	Endorsement promotionrepo.Endorsement `json:"endorsement"`
	ClusterRisk ClusterRisk               `json:"cluster_risk"`
}

// Endorse appends one endorsement and re-runs collusion detection over the
// request's endorser set.
func (s *Service) Endorse(ctx context.Context, requestID, endorserID, justification string) (EndorseResult, error) {
	if endorserID == "" {
		return EndorseResult{}, graceful.WrapErr(ctx, codes.Unauthenticated, "authentication required", nil)
	}
	if len(strings.TrimSpace(justification)) < minJustificationLen {
		return EndorseResult{}, graceful.WrapErr(ctx, codes.InvalidArgument,
			"justification must be at least 20 characters", nil)
	}

	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return EndorseResult{}, graceful.WrapErr(ctx, codes.NotFound, "promotion request not found", err)
		}
		return EndorseResult{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load promotion request", err)
	}
	if req.UserID == endorserID {
		return EndorseResult{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "self-endorsement is forbidden", nil)
	}

	e := &promotionrepo.Endorsement{
		ID:            uuid.New().String(),
		RequestID:     requestID,
		EndorserID:    endorserID,
		Justification: justification,
	}
	if err := s.repo.AddEndorsement(ctx, e); err != nil {
		switch {
		case errors.Is(err, promotionrepo.ErrAlreadyResolved):
			return EndorseResult{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "promotion request already resolved", err)
		case errors.Is(err, promotionrepo.ErrDuplicateEndorsement):
			return EndorseResult{}, graceful.WrapErr(ctx, codes.AlreadyExists, "endorser already endorsed this request", err)
		case errors.Is(err, repository.ErrNotFound):
			return EndorseResult{}, graceful.WrapErr(ctx, codes.NotFound, "promotion request or endorser not found", err)
		default:
			return EndorseResult{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to record endorsement", err,
				zap.String("request_id", requestID), zap.String("endorser_id", endorserID))
		}
	}

	risk, err := s.DetectEndorsementCluster(ctx, requestID)
	if err != nil {
		// Detection is advisory. A failure must not undo the endorsement.
		s.log.Warn("cluster detection failed", zap.String("request_id", requestID), zap.Error(err))
		risk = ClusterRisk{Level: ClusterRiskUnknown}
	}
	if risk.Level == ClusterRiskHigh {
		s.log.Warn("high endorsement cluster risk",
			zap.String("request_id", requestID),
			zap.Strings("reasons", risk.Reasons),
		)
	}
	return EndorseResult{Endorsement: *e, ClusterRisk: risk}, nil
}

// Resolve closes a request. Only admins resolve; approvals re-check quorum
// inside the store transaction so concurrent resolvers cannot double-apply.
func (s *Service) Resolve(ctx context.Context, requestID, resolverID, decision string) (promotionrepo.Request, error) {
	if resolverID == "" {
		return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.Unauthenticated, "authentication required", nil)
	}
	if decision != DecisionApproved && decision != DecisionRejected {
		return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.InvalidArgument, "decision must be approved or rejected", nil)
	}
	role, err := s.repo.GetUserRole(ctx, resolverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.Unauthenticated, "unknown user", err)
		}
		return promotionrepo.Request{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load resolver role", err)
	}
	if role != repository.RoleAdmin {
		return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.PermissionDenied, "admin role required to resolve promotions", nil)
	}

	req, err := s.repo.Resolve(ctx, requestID, decision, resolverID)
	if err != nil {
		var quorum *promotionrepo.QuorumError
		switch {
		case errors.As(err, &quorum):
			return promotionrepo.Request{}, graceful.WrapErrWithDetails(ctx, codes.FailedPrecondition,
				"insufficient endorsements for approval", err,
				map[string]interface{}{
					"required_moderators": quorum.RequiredModerators,
					"required_admins":     quorum.RequiredAdmins,
					"current_moderators":  quorum.CurrentModerators,
					"current_admins":      quorum.CurrentAdmins,
				})
		case errors.Is(err, promotionrepo.ErrAlreadyResolved):
			return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "promotion request already resolved", err)
		case errors.Is(err, repository.ErrNotFound):
			return promotionrepo.Request{}, graceful.WrapErr(ctx, codes.NotFound, "promotion request not found", err)
		default:
			return promotionrepo.Request{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to resolve promotion request", err,
				zap.String("request_id", requestID))
		}
	}
	s.log.Info("promotion request resolved",
		zap.String("request_id", requestID),
		zap.String("decision", decision),
		zap.String("resolved_by", resolverID),
	)
	return req, nil
}

// GetRequest returns one request with its endorsements.
func (s *Service) GetRequest(ctx context.Context, requestID string) (promotionrepo.Request, []promotionrepo.Endorsement, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return promotionrepo.Request{}, nil, graceful.WrapErr(ctx, codes.NotFound, "promotion request not found", err)
		}
		return promotionrepo.Request{}, nil, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load promotion request", err)
	}
	endorsements, err := s.repo.ListEndorsements(ctx, requestID)
	if err != nil {
		return promotionrepo.Request{}, nil, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to list endorsements", err)
	}
	return req, endorsements, nil
}

// ListPending returns all open requests for the resolver queue.
func (s *Service) ListPending(ctx context.Context) ([]promotionrepo.Request, error) {
	reqs, err := s.repo.ListPending(ctx)
	if err != nil {
		return nil, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to list pending promotion requests", err)
	}
	return reqs, nil
}

// CountPending reports the open request count for the governance summary.
func (s *Service) CountPending(ctx context.Context) (int, error) {
	n, err := s.repo.CountPending(ctx)
	if err != nil {
		return 0, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to count pending promotion requests", err)
	}
	return n, nil
}
