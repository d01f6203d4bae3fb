package promotion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	repository "github.com/veridian-network/veridian/internal/repository"
	"go.uber.org/zap"
)

var (
	ErrAlreadyResolved      = errors.New("promotion request already resolved")
	ErrDuplicateEndorsement = errors.New("endorser already endorsed this request")
)

// QuorumError reports required vs. current endorsement counts on a
// premature approval attempt.
type QuorumError struct {
	RequiredModerators int
	RequiredAdmins     int
	CurrentModerators  int
	CurrentAdmins      int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf(
		"insufficient endorsements: moderators %d/%d, admins %d/%d",
		e.CurrentModerators, e.RequiredModerators,
		e.CurrentAdmins, e.RequiredAdmins,
	)
}

// Request is one role promotion request.
type Request struct {
	ID                            string          `json:"id"`
	UserID                        string          `json:"user_id"`
	TargetRole                    repository.Role `json:"target_role"`
	Status                        string          `json:"status"`
	RequiredModeratorEndorsements int             `json:"required_moderator_endorsements"`
	RequiredAdminEndorsements     int             `json:"required_admin_endorsements"`
	ResolvedBy                    sql.NullString  `json:"resolved_by"`
	ResolvedAt                    sql.NullTime    `json:"resolved_at"`
	CreatedAt                     time.Time       `json:"created_at"`
}

// Endorsement is one append-only peer endorsement with a role snapshot.
type Endorsement struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	EndorserID    string          `json:"endorser_id"`
	EndorserRole  repository.Role `json:"endorser_role"`
	Justification string          `json:"justification"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RingEdge is one reciprocal endorsement observation between two endorsers.
type RingEdge struct {
	EndorserID string
	SubjectID  string
}

// Repository handles database operations for promotion requests.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new promotion repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{BaseRepository: repository.NewBaseRepository(db, log)}
}

const requestColumns = `id, user_id, target_role, status, required_moderator_endorsements, required_admin_endorsements, resolved_by, resolved_at, created_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (Request, error) {
	var req Request
	var role string
	err := row.Scan(
		&req.ID, &req.UserID, &role, &req.Status,
		&req.RequiredModeratorEndorsements, &req.RequiredAdminEndorsements,
		&req.ResolvedBy, &req.ResolvedAt, &req.CreatedAt,
	)
	if err != nil {
		return Request{}, err
	}
	req.TargetRole = repository.Role(role)
	return req, nil
}

// CreateRequest inserts a new pending promotion request.
func (r *Repository) CreateRequest(ctx context.Context, req *Request) error {
	row := r.GetDB().QueryRowContext(ctx,
		`INSERT INTO promotion_requests
		 (id, user_id, target_role, required_moderator_endorsements, required_admin_endorsements)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING status, created_at`,
		req.ID, req.UserID, req.TargetRole.String(),
		req.RequiredModeratorEndorsements, req.RequiredAdminEndorsements,
	)
	return row.Scan(&req.Status, &req.CreatedAt)
}

// GetRequest returns one promotion request by id.
func (r *Repository) GetRequest(ctx context.Context, id string) (Request, error) {
	row := r.GetDB().QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM promotion_requests WHERE id = $1`, id,
	)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, repository.ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// ListPending returns all pending requests, oldest first.
func (r *Repository) ListPending(ctx context.Context) ([]Request, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT `+requestColumns+` FROM promotion_requests WHERE status = 'pending' ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// AddEndorsement appends an endorsement inside a transaction that re-checks
// the request is still pending and snapshots the endorser's current role.
func (r *Repository) AddEndorsement(ctx context.Context, e *Endorsement) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer r.RollbackTx(tx)

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM promotion_requests WHERE id = $1 FOR UPDATE`,
		e.RequestID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != "pending" {
		return ErrAlreadyResolved
	}

	var endorserRole string
	err = tx.QueryRowContext(ctx,
		`SELECT role FROM users WHERE id = $1`, e.EndorserID,
	).Scan(&endorserRole)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return err
	}
	e.EndorserRole = repository.Role(endorserRole)

	err = tx.QueryRowContext(ctx,
		`INSERT INTO endorsements (id, request_id, endorser_id, endorser_role, justification)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		e.ID, e.RequestID, e.EndorserID, e.EndorserRole.String(), e.Justification,
	).Scan(&e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateEndorsement
		}
		return err
	}

	return tx.Commit()
}

// ListEndorsements returns all endorsements for one request, oldest first.
func (r *Repository) ListEndorsements(ctx context.Context, requestID string) ([]Endorsement, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT id, request_id, endorser_id, endorser_role, justification, created_at
		 FROM endorsements WHERE request_id = $1 ORDER BY created_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endorsements []Endorsement
	for rows.Next() {
		var e Endorsement
		var role string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.EndorserID, &role, &e.Justification, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EndorserRole = repository.Role(role)
		endorsements = append(endorsements, e)
	}
	return endorsements, rows.Err()
}

// Resolve atomically checks the request is pending, verifies quorum on
// approval, updates the request, and applies the role mutation in one
// transaction, so concurrent resolvers cannot double-approve.
func (r *Repository) Resolve(ctx context.Context, requestID, decision, resolverID string) (Request, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return Request{}, err
	}
	defer r.RollbackTx(tx)

	row := tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM promotion_requests WHERE id = $1 FOR UPDATE`,
		requestID,
	)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, repository.ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	if req.Status != "pending" {
		return Request{}, ErrAlreadyResolved
	}

	if decision == "approved" {
		var moderators, admins int
		err = tx.QueryRowContext(ctx,
			`SELECT
			   COUNT(*) FILTER (WHERE endorser_role = 'moderator'),
			   COUNT(*) FILTER (WHERE endorser_role = 'admin')
			 FROM endorsements WHERE request_id = $1`,
			requestID,
		).Scan(&moderators, &admins)
		if err != nil {
			return Request{}, err
		}
		if moderators < req.RequiredModeratorEndorsements || admins < req.RequiredAdminEndorsements {
			return Request{}, &QuorumError{
				RequiredModerators: req.RequiredModeratorEndorsements,
				RequiredAdmins:     req.RequiredAdminEndorsements,
				CurrentModerators:  moderators,
				CurrentAdmins:      admins,
			}
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE users SET role = $1 WHERE id = $2`,
			req.TargetRole.String(), req.UserID,
		); err != nil {
			return Request{}, err
		}
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE promotion_requests
		 SET status = $2, resolved_by = $3, resolved_at = NOW()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING status, resolved_by, resolved_at`,
		requestID, decision, resolverID,
	).Scan(&req.Status, &req.ResolvedBy, &req.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrAlreadyResolved
	}
	if err != nil {
		return Request{}, err
	}

	if err := tx.Commit(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// RingEdges returns endorsements inside the window where one member of the
// given user set endorsed a request filed by another member. The request
// under inspection is excluded so its own endorsements never count as
// reciprocity. Used by the cluster detector to spot endorsement rings.
func (r *Repository) RingEdges(ctx context.Context, memberIDs []string, excludeRequestID string, window time.Duration) ([]RingEdge, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT e.endorser_id, pr.user_id
		 FROM endorsements e
		 JOIN promotion_requests pr ON pr.id = e.request_id
		 WHERE e.created_at > NOW() - ($2 * INTERVAL '1 second')
		   AND e.request_id <> $3
		   AND e.endorser_id = ANY($1)
		   AND pr.user_id = ANY($1)
		   AND e.endorser_id <> pr.user_id`,
		pq.Array(memberIDs), int64(window.Seconds()), excludeRequestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []RingEdge
	for rows.Next() {
		var edge RingEdge
		if err := rows.Scan(&edge.EndorserID, &edge.SubjectID); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// CountPending reports pending promotion requests for the summary surface.
func (r *Repository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM promotion_requests WHERE status = 'pending'`,
	).Scan(&n)
	return n, err
}
