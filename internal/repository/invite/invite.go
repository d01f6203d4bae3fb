package invite

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
	ErrInviterUnknown = errors.New("inviter not found")
	ErrInviterBlocked = errors.New("inviter is blocked from sending invites")
	ErrUserExists     = errors.New("user already exists")
)

// Edge is one user↔inviter edge in the invite forest.
type Edge struct {
	UserID                  string          `json:"user_id"`
	InviterID               sql.NullString  `json:"inviter_id"`
	Generation              int             `json:"generation"`
	InvitedRole             repository.Role `json:"invited_role"`
	JoinMethod              string          `json:"join_method"`
	SeedingConversationHeld bool            `json:"seeding_conversation_held"`
	CreatedAt               time.Time       `json:"created_at"`
}

// DiversityMetric is the per-inviter diversity health record.
type DiversityMetric struct {
	InviterID       string    `json:"inviter_id"`
	WarningCount    int       `json:"warning_count"`
	InviteBlocked   bool      `json:"invite_blocked"`
	HomogeneityFlag bool      `json:"homogeneity_flag"`
	VelocityFlag    bool      `json:"velocity_flag"`
	SeedingFlag     bool      `json:"seeding_flag"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Flags carries the suspicion signals computed by the diversity monitor.
type Flags struct {
	Homogeneity bool
	Velocity    bool
	Seeding     bool
}

// Repository handles database operations for the invite graph.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new invite graph repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{BaseRepository: repository.NewBaseRepository(db, log)}
}

const edgeColumns = `user_id, inviter_id, generation, invited_role, join_method, seeding_conversation_held, created_at`

func scanEdge(row interface{ Scan(...interface{}) error }) (Edge, error) {
	var e Edge
	var role string
	err := row.Scan(
		&e.UserID,
		&e.InviterID,
		&e.Generation,
		&role,
		&e.JoinMethod,
		&e.SeedingConversationHeld,
		&e.CreatedAt,
	)
	if err != nil {
		return Edge{}, err
	}
	e.InvitedRole = repository.Role(role)
	return e, nil
}

// CreateEdge atomically records a new user and their invite edge.
// The inviter must already exist, and a blocked inviter is rejected inside
// the same transaction that reads their generation.
func (r *Repository) CreateEdge(ctx context.Context, inviterID, userID string, invitedRole repository.Role, joinMethod string, seedingHeld bool) (Edge, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return Edge{}, err
	}
	defer r.RollbackTx(tx)

	generation := 0
	var inviter sql.NullString
	if inviterID != "" {
		inviter = sql.NullString{String: inviterID, Valid: true}
		var inviterGen int
		err = tx.QueryRowContext(ctx,
			`SELECT generation FROM invite_edges WHERE user_id = $1`,
			inviterID,
		).Scan(&inviterGen)
		if errors.Is(err, sql.ErrNoRows) {
			return Edge{}, ErrInviterUnknown
		}
		if err != nil {
			return Edge{}, err
		}
		generation = inviterGen + 1

		var blocked bool
		err = tx.QueryRowContext(ctx,
			`SELECT invite_blocked FROM diversity_metrics WHERE inviter_id = $1`,
			inviterID,
		).Scan(&blocked)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Edge{}, err
		}
		if blocked {
			return Edge{}, ErrInviterBlocked
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, role) VALUES ($1, $2)`,
		userID, invitedRole.String(),
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return Edge{}, ErrUserExists
		}
		return Edge{}, err
	}

	row := tx.QueryRowContext(ctx,
		`INSERT INTO invite_edges (user_id, inviter_id, generation, invited_role, join_method, seeding_conversation_held)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+edgeColumns,
		userID, inviter, generation, invitedRole.String(), joinMethod, seedingHeld,
	)
	edge, err := scanEdge(row)
	if err != nil {
		return Edge{}, err
	}

	if err := tx.Commit(); err != nil {
		return Edge{}, err
	}
	return edge, nil
}

// GetEdge returns the invite edge for one user.
func (r *Repository) GetEdge(ctx context.Context, userID string) (Edge, error) {
	row := r.GetDB().QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM invite_edges WHERE user_id = $1`,
		userID,
	)
	edge, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, repository.ErrNotFound
	}
	if err != nil {
		return Edge{}, err
	}
	return edge, nil
}

// ListInvitees returns all edges recorded by one inviter, oldest first.
func (r *Repository) ListInvitees(ctx context.Context, inviterID string) ([]Edge, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM invite_edges WHERE inviter_id = $1 ORDER BY created_at ASC`,
		inviterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEdges(rows)
}

// Tree returns the full invite forest ordered by generation then join time.
func (r *Repository) Tree(ctx context.Context) ([]Edge, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM invite_edges ORDER BY generation ASC, created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEdges(rows)
}

// Lineage returns up to depth ancestors of a user, nearest first.
func (r *Repository) Lineage(ctx context.Context, userID string, depth int) ([]string, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`WITH RECURSIVE ancestors AS (
			SELECT inviter_id, 1 AS hop FROM invite_edges WHERE user_id = $1
			UNION ALL
			SELECT e.inviter_id, a.hop + 1
			FROM invite_edges e
			JOIN ancestors a ON e.user_id = a.inviter_id
			WHERE a.hop < $2 AND a.inviter_id IS NOT NULL
		)
		SELECT inviter_id FROM ancestors WHERE inviter_id IS NOT NULL ORDER BY hop ASC`,
		userID, depth,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lineage []string
	for rows.Next() {
		var ancestor string
		if err := rows.Scan(&ancestor); err != nil {
			return nil, err
		}
		lineage = append(lineage, ancestor)
	}
	return lineage, rows.Err()
}

// ApplyDiversity folds freshly computed suspicion flags into the metric row.
// warning_count increments only on a flag's false→true transition, and
// invite_blocked latches when a new warning carries the count to the
// threshold. A cleared inviter whose count already sits at the threshold is
// not re-blocked until fresh suspicious behavior earns another warning.
// Returns the updated metric and whether this call transitioned the inviter
// to blocked.
func (r *Repository) ApplyDiversity(ctx context.Context, inviterID string, flags Flags, blockThreshold int) (DiversityMetric, bool, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return DiversityMetric{}, false, err
	}
	defer r.RollbackTx(tx)

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO diversity_metrics (inviter_id) VALUES ($1)
		 ON CONFLICT (inviter_id) DO NOTHING`,
		inviterID,
	); err != nil {
		return DiversityMetric{}, false, err
	}

	var m DiversityMetric
	err = tx.QueryRowContext(ctx,
		`SELECT inviter_id, warning_count, invite_blocked, homogeneity_flag, velocity_flag, seeding_flag, updated_at
		 FROM diversity_metrics WHERE inviter_id = $1 FOR UPDATE`,
		inviterID,
	).Scan(&m.InviterID, &m.WarningCount, &m.InviteBlocked, &m.HomogeneityFlag, &m.VelocityFlag, &m.SeedingFlag, &m.UpdatedAt)
	if err != nil {
		return DiversityMetric{}, false, err
	}

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

	err = tx.QueryRowContext(ctx,
		`UPDATE diversity_metrics
		 SET warning_count = $2, invite_blocked = $3, homogeneity_flag = $4, velocity_flag = $5, seeding_flag = $6, updated_at = NOW()
		 WHERE inviter_id = $1
		 RETURNING updated_at`,
		inviterID, m.WarningCount, m.InviteBlocked, m.HomogeneityFlag, m.VelocityFlag, m.SeedingFlag,
	).Scan(&m.UpdatedAt)
	if err != nil {
		return DiversityMetric{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return DiversityMetric{}, false, err
	}
	return m, blockedNow, nil
}

// GetMetric returns the diversity metric for one inviter.
func (r *Repository) GetMetric(ctx context.Context, inviterID string) (DiversityMetric, error) {
	var m DiversityMetric
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT inviter_id, warning_count, invite_blocked, homogeneity_flag, velocity_flag, seeding_flag, updated_at
		 FROM diversity_metrics WHERE inviter_id = $1`,
		inviterID,
	).Scan(&m.InviterID, &m.WarningCount, &m.InviteBlocked, &m.HomogeneityFlag, &m.VelocityFlag, &m.SeedingFlag, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DiversityMetric{}, repository.ErrNotFound
	}
	if err != nil {
		return DiversityMetric{}, err
	}
	return m, nil
}

// ListWarned returns metrics that carry warnings or an active block.
func (r *Repository) ListWarned(ctx context.Context) ([]DiversityMetric, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT inviter_id, warning_count, invite_blocked, homogeneity_flag, velocity_flag, seeding_flag, updated_at
		 FROM diversity_metrics
		 WHERE warning_count > 0 OR invite_blocked
		 ORDER BY warning_count DESC, inviter_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []DiversityMetric
	for rows.Next() {
		var m DiversityMetric
		if err := rows.Scan(&m.InviterID, &m.WarningCount, &m.InviteBlocked, &m.HomogeneityFlag, &m.VelocityFlag, &m.SeedingFlag, &m.UpdatedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// ClearBlock lifts an inviter's block. Warnings and flags stay on record,
// so a still-suspicious subtree does not re-earn the same warnings and the
// history survives the unblock.
func (r *Repository) ClearBlock(ctx context.Context, inviterID string) error {
	res, err := r.GetDB().ExecContext(ctx,
		`UPDATE diversity_metrics
		 SET invite_blocked = FALSE, updated_at = NOW()
		 WHERE inviter_id = $1`,
		inviterID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountEdges returns the total size of the invite forest.
func (r *Repository) CountEdges(ctx context.Context) (int, error) {
	var n int
	err := r.GetDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM invite_edges`).Scan(&n)
	return n, err
}

// CountBlocked returns the number of currently blocked inviters.
func (r *Repository) CountBlocked(ctx context.Context) (int, error) {
	var n int
	err := r.GetDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM diversity_metrics WHERE invite_blocked`).Scan(&n)
	return n, err
}

func collectEdges(rows *sql.Rows) ([]Edge, error) {
	var edges []Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}
