package appeal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	repository "github.com/veridian-network/veridian/internal/repository"
	appealrepo "github.com/veridian-network/veridian/internal/repository/appeal"
	"github.com/veridian-network/veridian/pkg/graceful"
	"github.com/veridian-network/veridian/pkg/logger"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

const minReasonLen = 20

// Repository is the persistence surface the appeal service depends on.
type Repository interface {
	GetUserRole(ctx context.Context, userID string) (repository.Role, error)
	CreateAppeal(ctx context.Context, a *appealrepo.Appeal) error
	GetAppeal(ctx context.Context, id string) (appealrepo.Appeal, error)
	ListAppeals(ctx context.Context, userID string) ([]appealrepo.Appeal, error)
	AdminResolve(ctx context.Context, appealID, adminID, decision, adminResponse string) (appealrepo.Appeal, error)
	CreateCase(ctx context.Context, c *appealrepo.JuryCase) error
	GetCase(ctx context.Context, id string) (appealrepo.JuryCase, error)
	ListOpenCases(ctx context.Context) ([]appealrepo.JuryCase, error)
	AddVote(ctx context.Context, v *appealrepo.JuryVote) (appealrepo.JuryCase, error)
	ResolveCase(ctx context.Context, caseID string, now time.Time) (appealrepo.JuryCase, appealrepo.Appeal, error)
}

// ModerationPipeline is the moderation system the appeal workflow reads
// flag state from and hands overturned posts back to.
type ModerationPipeline interface {
	// PostStatus reports the post's author and whether it is flagged.
	PostStatus(ctx context.Context, postID string) (authorID string, flagged bool, err error)
	// ReopenForReview returns an overturned post to the review queue.
	ReopenForReview(ctx context.Context, postID string) error
}

// Service runs the appeal and jury voting workflow.
type Service struct {
	log           *zap.Logger
	repo          Repository
	pipeline      ModerationPipeline
	juryDeadline  time.Duration
	requiredVotes int
	now           func() time.Time
}

// NewService constructs the appeal service.
func NewService(log *zap.Logger, repo Repository, pipeline ModerationPipeline, juryDeadline time.Duration, requiredVotes int) *Service {
	if juryDeadline <= 0 {
		juryDeadline = 72 * time.Hour
	}
	if requiredVotes <= 0 {
		requiredVotes = 3
	}
	return &Service{
		log:           log,
		repo:          repo,
		pipeline:      pipeline,
		juryDeadline:  juryDeadline,
		requiredVotes: requiredVotes,
		now:           time.Now,
	}
}

// FileAppeal opens a pending appeal by the author of a flagged post. One
// pending appeal per (post, author); a rejected appeal is final.
func (s *Service) FileAppeal(ctx context.Context, postID, userID, disputeReason string) (appealrepo.Appeal, error) {
	if userID == "" {
		return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.Unauthenticated, "authentication required", nil)
	}
	if postID == "" {
		return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.InvalidArgument, "post_id is required", nil)
	}
	if len(strings.TrimSpace(disputeReason)) < minReasonLen {
		return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.InvalidArgument,
			"dispute reason must be at least 20 characters", nil)
	}

	authorID, flagged, err := s.pipeline.PostStatus(ctx, postID)
	if err != nil {
		return appealrepo.Appeal{}, graceful.LogAndWrap(ctx, s.log, codes.Unavailable, "moderation pipeline unavailable", err,
			zap.String("post_id", postID))
	}
	if authorID != userID {
		return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.PermissionDenied, "only the post author may appeal", nil)
	}
	if !flagged {
		return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "post is not flagged", nil)
	}

	a := &appealrepo.Appeal{
		ID:            uuid.New().String(),
		PostID:        postID,
		UserID:        userID,
		DisputeReason: disputeReason,
	}
	if err := s.repo.CreateAppeal(ctx, a); err != nil {
		switch {
		case errors.Is(err, appealrepo.ErrDuplicatePending):
			return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "a pending appeal already exists for this post", err)
		case errors.Is(err, appealrepo.ErrPriorRejection):
			return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "a rejected appeal blocks resubmission for this post", err)
		default:
			return appealrepo.Appeal{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to file appeal", err,
				zap.String("post_id", postID), zap.String("user_id", userID))
		}
	}
	s.log.Info("appeal filed",
		zap.String("appeal_id", a.ID), zap.String("post_id", postID), zap.String("user_id", userID))
	return *a, nil
}

// AssignJury opens a jury case over a pending appeal. Moderators and admins
// assign juries.
func (s *Service) AssignJury(ctx context.Context, appealID, assignerID string) (appealrepo.JuryCase, error) {
	if err := s.requireStaff(ctx, assignerID); err != nil {
		return appealrepo.JuryCase{}, err
	}
	c := &appealrepo.JuryCase{
		ID:            uuid.New().String(),
		AppealID:      appealID,
		Deadline:      s.now().Add(s.juryDeadline),
		RequiredVotes: s.requiredVotes,
	}
	if err := s.repo.CreateCase(ctx, c); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.NotFound, "appeal not found", err)
		case errors.Is(err, appealrepo.ErrAlreadyResolved):
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "appeal already resolved", err)
		case errors.Is(err, appealrepo.ErrCaseExists):
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.AlreadyExists, "jury case already assigned", err)
		default:
			return appealrepo.JuryCase{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to assign jury case", err,
				zap.String("appeal_id", appealID))
		}
	}
	s.log.Info("jury case assigned",
		zap.String("case_id", c.ID),
		zap.String("appeal_id", appealID),
		zap.Time("deadline", c.Deadline),
		zap.Int("required_votes", c.RequiredVotes),
	)
	return *c, nil
}

// CastVote records one juror's vote and resolves the case once quorum is
// reached.
func (s *Service) CastVote(ctx context.Context, caseID, jurorID, decision, reasoning string) (appealrepo.JuryCase, error) {
	if jurorID == "" {
		return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.Unauthenticated, "authentication required", nil)
	}
	if decision != appealrepo.DecisionOverturn && decision != appealrepo.DecisionUphold {
		return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.InvalidArgument, "decision must be overturn or uphold", nil)
	}
	if len(strings.TrimSpace(reasoning)) < minReasonLen {
		return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.InvalidArgument,
			"vote reasoning must be at least 20 characters", nil)
	}

	c, err := s.repo.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.NotFound, "jury case not found", err)
		}
		return appealrepo.JuryCase{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load jury case", err)
	}
	a, err := s.repo.GetAppeal(ctx, c.AppealID)
	if err != nil {
		return appealrepo.JuryCase{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load appeal for jury case", err,
			zap.String("case_id", caseID))
	}
	if a.UserID == jurorID {
		return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.PermissionDenied, "the appellant cannot sit on the jury", nil)
	}

	v := &appealrepo.JuryVote{CaseID: caseID, JurorID: jurorID, Decision: decision, Reasoning: reasoning}
	c, err = s.repo.AddVote(ctx, v)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.NotFound, "jury case not found", err)
		case errors.Is(err, appealrepo.ErrCaseResolved):
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "jury case already resolved", err)
		case errors.Is(err, appealrepo.ErrDuplicateVote):
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.AlreadyExists, "juror already voted on this case", err)
		default:
			return appealrepo.JuryCase{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to record jury vote", err,
				zap.String("case_id", caseID))
		}
	}

	if c.TotalVotes >= c.RequiredVotes {
		if resolved, err := s.ResolveCase(ctx, caseID); err == nil {
			return resolved, nil
		} else if graceful.Code(err) != codes.FailedPrecondition {
			s.log.Warn("quorum resolution failed", zap.String("case_id", caseID), zap.Error(err))
		}
	}
	return c, nil
}

// ResolveCase closes a case by quorum or elapsed deadline. Overturning the
// moderation decision hands the post back to the review queue.
func (s *Service) ResolveCase(ctx context.Context, caseID string) (appealrepo.JuryCase, error) {
	c, a, err := s.repo.ResolveCase(ctx, caseID, s.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.NotFound, "jury case not found", err)
		case errors.Is(err, appealrepo.ErrCaseResolved), errors.Is(err, appealrepo.ErrAlreadyResolved):
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "case or appeal already resolved", err)
		case errors.Is(err, appealrepo.ErrNotReady):
			return appealrepo.JuryCase{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "case has neither quorum nor an elapsed deadline", err)
		default:
			return appealrepo.JuryCase{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to resolve jury case", err,
				zap.String("case_id", caseID))
		}
	}

	if c.Decision.Valid && c.Decision.String == appealrepo.DecisionOverturn {
		if err := s.pipeline.ReopenForReview(ctx, a.PostID); err != nil {
			// The appeal outcome is committed. The pipeline handoff can be
			// retried by the moderation side.
			s.log.Error("failed to reopen overturned post for review",
				zap.String("post_id", a.PostID), zap.Error(err))
		}
	}
	s.log.Info("jury case resolved",
		zap.String("case_id", c.ID),
		zap.String("decision", c.Decision.String),
		zap.Int("total_votes", c.TotalVotes),
	)
	return c, nil
}

// SweepExpiredCases resolves every open case whose deadline has elapsed.
func (s *Service) SweepExpiredCases(ctx context.Context) (int, error) {
	cases, err := s.repo.ListOpenCases(ctx)
	if err != nil {
		return 0, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to list open jury cases", err)
	}
	resolved := 0
	now := s.now()
	for _, c := range cases {
		if now.Before(c.Deadline) {
			continue
		}
		if _, err := s.ResolveCase(ctx, c.ID); err != nil {
			if graceful.Code(err) == codes.FailedPrecondition {
				continue
			}
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// StartSweepLoop resolves deadline-expired cases on the given cron spec and
// returns a stop function. Deadline progress never depends on a late vote
// arriving.
func (s *Service) StartSweepLoop(ctx context.Context, spec string) (func(), error) {
	runner := cron.New()
	_, err := runner.AddFunc(spec, func() {
		sweepCtx, cancel := context.WithTimeout(logger.WithContext(ctx, "jury-sweep"), time.Minute)
		defer cancel()
		if resolved, err := s.SweepExpiredCases(sweepCtx); err != nil {
			s.log.Error("jury case sweep failed", zap.Error(err))
		} else if resolved > 0 {
			s.log.Info("expired jury cases resolved", zap.Int("count", resolved))
		}
	})
	if err != nil {
		return nil, err
	}
	runner.Start()
	return func() {
		stopCtx := runner.Stop()
		<-stopCtx.Done()
	}, nil
}

// AdminResolve closes an appeal directly with a mandatory written response.
// The store guard makes the jury and admin paths mutually exclusive.
func (s *Service) AdminResolve(ctx context.Context, appealID, adminID, decision, adminResponse string) (appealrepo.Appeal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return appealrepo.Appeal{}, err
	}
	if decision != "approved" && decision != "rejected" {
		return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.InvalidArgument, "decision must be approved or rejected", nil)
	}
	if len(strings.TrimSpace(adminResponse)) < minReasonLen {
		return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.InvalidArgument,
			"admin response must be at least 20 characters", nil)
	}

	a, err := s.repo.AdminResolve(ctx, appealID, adminID, decision, adminResponse)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.NotFound, "appeal not found", err)
		case errors.Is(err, appealrepo.ErrAlreadyResolved):
			return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.FailedPrecondition, "appeal already resolved", err)
		default:
			return appealrepo.Appeal{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to resolve appeal", err,
				zap.String("appeal_id", appealID))
		}
	}

	if decision == "approved" {
		if err := s.pipeline.ReopenForReview(ctx, a.PostID); err != nil {
			s.log.Error("failed to reopen overturned post for review",
				zap.String("post_id", a.PostID), zap.Error(err))
		}
	}
	s.log.Info("appeal resolved by admin",
		zap.String("appeal_id", appealID),
		zap.String("decision", decision),
		zap.String("resolved_by", adminID),
	)
	return a, nil
}

// GetAppeal returns one appeal by id.
func (s *Service) GetAppeal(ctx context.Context, appealID string) (appealrepo.Appeal, error) {
	a, err := s.repo.GetAppeal(ctx, appealID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return appealrepo.Appeal{}, graceful.WrapErr(ctx, codes.NotFound, "appeal not found", err)
		}
		return appealrepo.Appeal{}, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load appeal", err)
	}
	return a, nil
}

// ListAppeals returns appeals scoped to one author. Only moderators and
// admins may list another author's appeals or the unscoped full set.
func (s *Service) ListAppeals(ctx context.Context, callerID, userID string) ([]appealrepo.Appeal, error) {
	if callerID == "" {
		return nil, graceful.WrapErr(ctx, codes.Unauthenticated, "authentication required", nil)
	}
	if userID != callerID {
		if err := s.requireStaff(ctx, callerID); err != nil {
			return nil, err
		}
	}
	as, err := s.repo.ListAppeals(ctx, userID)
	if err != nil {
		return nil, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to list appeals", err)
	}
	return as, nil
}

// ListOpenCases returns unresolved jury cases, earliest deadline first.
func (s *Service) ListOpenCases(ctx context.Context) ([]appealrepo.JuryCase, error) {
	cs, err := s.repo.ListOpenCases(ctx)
	if err != nil {
		return nil, graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to list open jury cases", err)
	}
	return cs, nil
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	role, err := s.loadRole(ctx, userID)
	if err != nil {
		return err
	}
	if role != repository.RoleAdmin {
		return graceful.WrapErr(ctx, codes.PermissionDenied, "admin role required", nil)
	}
	return nil
}

func (s *Service) requireStaff(ctx context.Context, userID string) error {
	role, err := s.loadRole(ctx, userID)
	if err != nil {
		return err
	}
	if role != repository.RoleAdmin && role != repository.RoleModerator {
		return graceful.WrapErr(ctx, codes.PermissionDenied, "moderator or admin role required", nil)
	}
	return nil
}

func (s *Service) loadRole(ctx context.Context, userID string) (repository.Role, error) {
	if userID == "" {
		return "", graceful.WrapErr(ctx, codes.Unauthenticated, "authentication required", nil)
	}
	role, err := s.repo.GetUserRole(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", graceful.WrapErr(ctx, codes.Unauthenticated, "unknown user", err)
		}
		return "", graceful.LogAndWrap(ctx, s.log, codes.Internal, "failed to load user role", err)
	}
	return role, nil
}
