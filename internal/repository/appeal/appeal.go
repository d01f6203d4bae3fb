package appeal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	repository "github.com/veridian-network/veridian/internal/repository"
	"go.uber.org/zap"
)

var (
	ErrDuplicatePending = errors.New("a pending appeal already exists for this post and author")
	ErrPriorRejection   = errors.New("a rejected appeal blocks resubmission for this post and author")
	ErrAlreadyResolved  = errors.New("appeal already resolved")
	ErrCaseExists       = errors.New("jury case already assigned for this appeal")
	ErrCaseResolved     = errors.New("jury case already resolved")
	ErrDuplicateVote    = errors.New("juror already voted on this case")
	ErrNotReady         = errors.New("case has neither enough votes nor an elapsed deadline")
)

// Vote decisions.
const (
	DecisionOverturn = "overturn"
	DecisionUphold   = "uphold"
)

// Resolution paths, mutually exclusive per appeal.
const (
	PathJury  = "jury"
	PathAdmin = "admin"
)

// Appeal is one author appeal over flagged content.
type Appeal struct {
	ID             string         `json:"id"`
	PostID         string         `json:"post_id"`
	UserID         string         `json:"user_id"`
	DisputeReason  string         `json:"dispute_reason"`
	Status         string         `json:"status"`
	ResolvedBy     sql.NullString `json:"resolved_by"`
	ResolvedByPath sql.NullString `json:"resolved_by_path"`
	ResolvedAt     sql.NullTime   `json:"resolved_at"`
	AdminResponse  sql.NullString `json:"admin_response"`
	CreatedAt      time.Time      `json:"created_at"`
}

// JuryCase is one time-bounded voting round over an appeal.
type JuryCase struct {
	ID            string         `json:"id"`
	AppealID      string         `json:"appeal_id"`
	Deadline      time.Time      `json:"deadline"`
	RequiredVotes int            `json:"required_votes"`
	TotalVotes    int            `json:"total_votes"`
	Status        string         `json:"status"`
	Decision      sql.NullString `json:"decision"`
	CreatedAt     time.Time      `json:"created_at"`
}

// JuryVote is one juror's vote with mandatory reasoning.
type JuryVote struct {
	CaseID    string    `json:"case_id"`
	JurorID   string    `json:"juror_id"`
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository handles database operations for appeals and jury cases.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new appeal repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{BaseRepository: repository.NewBaseRepository(db, log)}
}

const appealColumns = `id, post_id, user_id, dispute_reason, status, resolved_by, resolved_by_path, resolved_at, admin_response, created_at`

func scanAppeal(row interface{ Scan(...interface{}) error }) (Appeal, error) {
	var a Appeal
	err := row.Scan(
		&a.ID, &a.PostID, &a.UserID, &a.DisputeReason, &a.Status,
		&a.ResolvedBy, &a.ResolvedByPath, &a.ResolvedAt, &a.AdminResponse, &a.CreatedAt,
	)
	return a, err
}

// CreateAppeal files a new pending appeal. A prior rejection for the
// (post, author) pair blocks refiling; the partial unique index enforces at
// most one pending appeal per pair against concurrent writers.
func (r *Repository) CreateAppeal(ctx context.Context, a *Appeal) error {
	var rejected bool
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM appeals WHERE post_id = $1 AND user_id = $2 AND status = 'rejected'
		 )`,
		a.PostID, a.UserID,
	).Scan(&rejected)
	if err != nil {
		return err
	}
	if rejected {
		return ErrPriorRejection
	}

	err = r.GetDB().QueryRowContext(ctx,
		`INSERT INTO appeals (id, post_id, user_id, dispute_reason)
		 VALUES ($1, $2, $3, $4)
		 RETURNING status, created_at`,
		a.ID, a.PostID, a.UserID, a.DisputeReason,
	).Scan(&a.Status, &a.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicatePending
		}
		return err
	}
	return nil
}

// GetAppeal returns one appeal by id.
func (r *Repository) GetAppeal(ctx context.Context, id string) (Appeal, error) {
	row := r.GetDB().QueryRowContext(ctx,
		`SELECT `+appealColumns+` FROM appeals WHERE id = $1`, id,
	)
	a, err := scanAppeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Appeal{}, repository.ErrNotFound
	}
	if err != nil {
		return Appeal{}, err
	}
	return a, nil
}

// ListAppeals returns appeals, optionally filtered to one author.
func (r *Repository) ListAppeals(ctx context.Context, userID string) ([]Appeal, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = r.GetDB().QueryContext(ctx,
			`SELECT `+appealColumns+` FROM appeals ORDER BY created_at DESC`,
		)
	} else {
		rows, err = r.GetDB().QueryContext(ctx,
			`SELECT `+appealColumns+` FROM appeals WHERE user_id = $1 ORDER BY created_at DESC`,
			userID,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appeals []Appeal
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, err
		}
		appeals = append(appeals, a)
	}
	return appeals, rows.Err()
}

// AdminResolve applies the admin resolution path. The status guard makes the
// write idempotently lose to whichever path committed first.
func (r *Repository) AdminResolve(ctx context.Context, appealID, adminID, decision, adminResponse string) (Appeal, error) {
	row := r.GetDB().QueryRowContext(ctx,
		`UPDATE appeals
		 SET status = $2, resolved_by = $3, resolved_by_path = $4, resolved_at = NOW(), admin_response = $5
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+appealColumns,
		appealID, decision, adminID, PathAdmin, adminResponse,
	)
	a, err := scanAppeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetAppeal(ctx, appealID); getErr != nil {
			return Appeal{}, getErr
		}
		return Appeal{}, ErrAlreadyResolved
	}
	if err != nil {
		return Appeal{}, err
	}
	return a, nil
}

// CreateCase assigns a jury case over a pending appeal, one per appeal.
func (r *Repository) CreateCase(ctx context.Context, c *JuryCase) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer r.RollbackTx(tx)

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM appeals WHERE id = $1`, c.AppealID,
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

	err = tx.QueryRowContext(ctx,
		`INSERT INTO jury_cases (id, appeal_id, deadline, required_votes)
		 VALUES ($1, $2, $3, $4)
		 RETURNING status, total_votes, created_at`,
		c.ID, c.AppealID, c.Deadline, c.RequiredVotes,
	).Scan(&c.Status, &c.TotalVotes, &c.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrCaseExists
		}
		return err
	}

	return tx.Commit()
}

// GetCase returns one jury case by id.
func (r *Repository) GetCase(ctx context.Context, id string) (JuryCase, error) {
	var c JuryCase
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT id, appeal_id, deadline, required_votes, total_votes, status, decision, created_at
		 FROM jury_cases WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.AppealID, &c.Deadline, &c.RequiredVotes, &c.TotalVotes, &c.Status, &c.Decision, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JuryCase{}, repository.ErrNotFound
	}
	if err != nil {
		return JuryCase{}, err
	}
	return c, nil
}

// ListOpenCases returns unresolved cases, earliest deadline first.
func (r *Repository) ListOpenCases(ctx context.Context) ([]JuryCase, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT id, appeal_id, deadline, required_votes, total_votes, status, decision, created_at
		 FROM jury_cases WHERE status = 'open' ORDER BY deadline ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []JuryCase
	for rows.Next() {
		var c JuryCase
		if err := rows.Scan(&c.ID, &c.AppealID, &c.Deadline, &c.RequiredVotes, &c.TotalVotes, &c.Status, &c.Decision, &c.CreatedAt); err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// AddVote records one vote per juror per case; the composite primary key is
// the uniqueness guard, not an application check.
func (r *Repository) AddVote(ctx context.Context, v *JuryVote) (JuryCase, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return JuryCase{}, err
	}
	defer r.RollbackTx(tx)

	var c JuryCase
	err = tx.QueryRowContext(ctx,
		`SELECT id, appeal_id, deadline, required_votes, total_votes, status, decision, created_at
		 FROM jury_cases WHERE id = $1 FOR UPDATE`,
		v.CaseID,
	).Scan(&c.ID, &c.AppealID, &c.Deadline, &c.RequiredVotes, &c.TotalVotes, &c.Status, &c.Decision, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JuryCase{}, repository.ErrNotFound
	}
	if err != nil {
		return JuryCase{}, err
	}
	if c.Status != "open" {
		return JuryCase{}, ErrCaseResolved
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO jury_votes (case_id, juror_id, decision, reasoning)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		v.CaseID, v.JurorID, v.Decision, v.Reasoning,
	).Scan(&v.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return JuryCase{}, ErrDuplicateVote
		}
		return JuryCase{}, err
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE jury_cases SET total_votes = total_votes + 1 WHERE id = $1 RETURNING total_votes`,
		v.CaseID,
	).Scan(&c.TotalVotes)
	if err != nil {
		return JuryCase{}, err
	}

	if err := tx.Commit(); err != nil {
		return JuryCase{}, err
	}
	return c, nil
}

// ResolveCase resolves a case by quorum or deadline, whichever came first.
// Majority of cast votes decides; a tie (or a deadline expiry with zero
// votes) upholds the original moderation decision. Case and appeal commit in
// one transaction; losing the race to the admin path closes the case
// without recording a jury decision and reports ErrAlreadyResolved.
func (r *Repository) ResolveCase(ctx context.Context, caseID string, now time.Time) (JuryCase, Appeal, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return JuryCase{}, Appeal{}, err
	}
	defer r.RollbackTx(tx)

	var c JuryCase
	err = tx.QueryRowContext(ctx,
		`SELECT id, appeal_id, deadline, required_votes, total_votes, status, decision, created_at
		 FROM jury_cases WHERE id = $1 FOR UPDATE`,
		caseID,
	).Scan(&c.ID, &c.AppealID, &c.Deadline, &c.RequiredVotes, &c.TotalVotes, &c.Status, &c.Decision, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JuryCase{}, Appeal{}, repository.ErrNotFound
	}
	if err != nil {
		return JuryCase{}, Appeal{}, err
	}
	if c.Status != "open" {
		return JuryCase{}, Appeal{}, ErrCaseResolved
	}
	if c.TotalVotes < c.RequiredVotes && now.Before(c.Deadline) {
		return JuryCase{}, Appeal{}, ErrNotReady
	}

	var overturn, uphold int
	err = tx.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE decision = 'overturn'),
		   COUNT(*) FILTER (WHERE decision = 'uphold')
		 FROM jury_votes WHERE case_id = $1`,
		caseID,
	).Scan(&overturn, &uphold)
	if err != nil {
		return JuryCase{}, Appeal{}, err
	}

	decision := DecisionUphold
	if overturn > uphold {
		decision = DecisionOverturn
	}
	appealStatus := "rejected"
	if decision == DecisionOverturn {
		appealStatus = "approved"
	}

	row := tx.QueryRowContext(ctx,
		`UPDATE appeals
		 SET status = $2, resolved_by = $3, resolved_by_path = $4, resolved_at = NOW()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+appealColumns,
		c.AppealID, appealStatus, PathJury, PathJury,
	)
	a, err := scanAppeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Admin path won the race: close the case with no jury decision.
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE jury_cases SET status = 'resolved' WHERE id = $1`, caseID,
		); execErr != nil {
			return JuryCase{}, Appeal{}, execErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return JuryCase{}, Appeal{}, commitErr
		}
		return JuryCase{}, Appeal{}, ErrAlreadyResolved
	}
	if err != nil {
		return JuryCase{}, Appeal{}, err
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE jury_cases SET status = 'resolved', decision = $2 WHERE id = $1
		 RETURNING status, decision`,
		caseID, decision,
	).Scan(&c.Status, &c.Decision)
	if err != nil {
		return JuryCase{}, Appeal{}, err
	}

	if err := tx.Commit(); err != nil {
		return JuryCase{}, Appeal{}, err
	}
	return c, a, nil
}
