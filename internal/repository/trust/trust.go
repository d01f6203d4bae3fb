package trust

import (
	"context"
	"database/sql"
	"errors"
	"time"

	repository "github.com/veridian-network/veridian/internal/repository"
	"go.uber.org/zap"
)

// Profile is the five-dimension credibility score for one content unit.
type Profile struct {
	ContentID          string     `json:"content_id"`
	T1Source           int        `json:"t1_source"`
	T2Method           int        `json:"t2_method"`
	T3Proximity        int        `json:"t3_proximity"`
	T4Temporal         int        `json:"t4_temporal"`
	T5Validation       int        `json:"t5_validation"`
	IsTimeSensitive    bool       `json:"is_time_sensitive"`
	DataTimestamp      *time.Time `json:"data_timestamp,omitempty"`
	CorroboratingCount int        `json:"corroborating_count"`
	ContradictingCount int        `json:"contradicting_count"`
	Contradictions     []string   `json:"contradictions"`
	Summary            string     `json:"summary"`
	Partial            bool       `json:"partial"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// RecalcJob is one queued trust recomputation request.
type RecalcJob struct {
	ID         int64     `json:"id"`
	ContentID  string    `json:"content_id"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"`
	LeaseID    string    `json:"lease_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Repository handles database operations for trust profiles and recalc jobs.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new trust repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{BaseRepository: repository.NewBaseRepository(db, log)}
}

// UpsertProfile writes a full profile, creating it on first scoring.
func (r *Repository) UpsertProfile(ctx context.Context, p *Profile) error {
	contradictions, err := repository.ToJSONB(p.Contradictions)
	if err != nil {
		return err
	}
	return r.GetDB().QueryRowContext(ctx,
		`INSERT INTO trust_profiles
		 (content_id, t1_source, t2_method, t3_proximity, t4_temporal, t5_validation,
		  is_time_sensitive, data_timestamp, corroborating_count, contradicting_count,
		  contradictions, summary, partial)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (content_id) DO UPDATE SET
		   t1_source = EXCLUDED.t1_source,
		   t2_method = EXCLUDED.t2_method,
		   t3_proximity = EXCLUDED.t3_proximity,
		   t4_temporal = EXCLUDED.t4_temporal,
		   t5_validation = EXCLUDED.t5_validation,
		   is_time_sensitive = EXCLUDED.is_time_sensitive,
		   data_timestamp = EXCLUDED.data_timestamp,
		   corroborating_count = EXCLUDED.corroborating_count,
		   contradicting_count = EXCLUDED.contradicting_count,
		   contradictions = EXCLUDED.contradictions,
		   summary = EXCLUDED.summary,
		   partial = EXCLUDED.partial,
		   updated_at = NOW()
		 RETURNING created_at, updated_at`,
		p.ContentID, p.T1Source, p.T2Method, p.T3Proximity, p.T4Temporal, p.T5Validation,
		p.IsTimeSensitive, p.DataTimestamp, p.CorroboratingCount, p.ContradictingCount,
		contradictions, p.Summary, p.Partial,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetProfile returns the stored profile for one content unit.
func (r *Repository) GetProfile(ctx context.Context, contentID string) (*Profile, error) {
	p := &Profile{}
	var contradictions []byte
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT content_id, t1_source, t2_method, t3_proximity, t4_temporal, t5_validation,
		        is_time_sensitive, data_timestamp, corroborating_count, contradicting_count,
		        contradictions, summary, partial, created_at, updated_at
		 FROM trust_profiles WHERE content_id = $1`,
		contentID,
	).Scan(
		&p.ContentID, &p.T1Source, &p.T2Method, &p.T3Proximity, &p.T4Temporal, &p.T5Validation,
		&p.IsTimeSensitive, &p.DataTimestamp, &p.CorroboratingCount, &p.ContradictingCount,
		&contradictions, &p.Summary, &p.Partial, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := repository.FromJSONB(contradictions, &p.Contradictions); err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteProfile removes the profile of deleted content.
func (r *Repository) DeleteProfile(ctx context.Context, contentID string) error {
	_, err := r.GetDB().ExecContext(ctx, `DELETE FROM trust_profiles WHERE content_id = $1`, contentID)
	return err
}

// Enqueue appends a recalc job unless an equivalent pending job exists.
// Returns false when the job was deduplicated.
func (r *Repository) Enqueue(ctx context.Context, contentID, reason string) (bool, error) {
	var id int64
	err := r.GetDB().QueryRowContext(ctx,
		`INSERT INTO trust_recalc_jobs (content_id, reason)
		 VALUES ($1, $2)
		 ON CONFLICT (content_id) WHERE status = 'pending' DO NOTHING
		 RETURNING id`,
		contentID, reason,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClaimJobs leases up to limit pending jobs for one drain pass. SKIP LOCKED
// keeps concurrent drains from double-claiming.
func (r *Repository) ClaimJobs(ctx context.Context, limit int, leaseID string) ([]RecalcJob, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`UPDATE trust_recalc_jobs
		 SET status = 'claimed', lease_id = $1, claimed_at = NOW()
		 WHERE id IN (
		   SELECT id FROM trust_recalc_jobs
		   WHERE status = 'pending'
		   ORDER BY enqueued_at ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, content_id, reason, status, lease_id, enqueued_at`,
		leaseID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []RecalcJob
	for rows.Next() {
		var j RecalcJob
		var lease sql.NullString
		if err := rows.Scan(&j.ID, &j.ContentID, &j.Reason, &j.Status, &lease, &j.EnqueuedAt); err != nil {
			return nil, err
		}
		j.LeaseID = lease.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkProcessed finishes a claimed job.
func (r *Repository) MarkProcessed(ctx context.Context, jobID int64) error {
	_, err := r.GetDB().ExecContext(ctx,
		`UPDATE trust_recalc_jobs SET status = 'processed', lease_id = NULL WHERE id = $1`,
		jobID,
	)
	return err
}

// Requeue returns a claimed job to pending. If an equivalent pending job
// appeared while this one was claimed, the claim is dropped as processed so
// the one-pending-per-content invariant holds.
func (r *Repository) Requeue(ctx context.Context, job RecalcJob) error {
	res, err := r.GetDB().ExecContext(ctx,
		`UPDATE trust_recalc_jobs
		 SET status = 'pending', lease_id = NULL, claimed_at = NULL
		 WHERE id = $1
		   AND NOT EXISTS (
		     SELECT 1 FROM trust_recalc_jobs
		     WHERE content_id = $2 AND status = 'pending'
		   )`,
		job.ID, job.ContentID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return r.MarkProcessed(ctx, job.ID)
	}
	return nil
}

// ReleaseStaleClaims requeues jobs whose lease outlived cutoff, covering
// drains that died mid-batch.
func (r *Repository) ReleaseStaleClaims(ctx context.Context, cutoff time.Duration) (int64, error) {
	res, err := r.GetDB().ExecContext(ctx,
		`UPDATE trust_recalc_jobs
		 SET status = 'pending', lease_id = NULL, claimed_at = NULL
		 WHERE status = 'claimed'
		   AND claimed_at < NOW() - ($1 * INTERVAL '1 second')
		   AND NOT EXISTS (
		     SELECT 1 FROM trust_recalc_jobs AS p
		     WHERE p.content_id = trust_recalc_jobs.content_id AND p.status = 'pending'
		   )`,
		int64(cutoff.Seconds()),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingCount reports the operational queue-size metric.
func (r *Repository) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trust_recalc_jobs WHERE status = 'pending'`,
	).Scan(&n)
	return n, err
}
