package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"git-reviewer/internal/models"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrOwnerNotFound is returned when an owner has no stored credential.
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrNotProcessing is returned when a save targets a job that is no longer processing.
	ErrNotProcessing = errors.New("job is not processing")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, owner_id, repository_reference, status, progress, result, last_error, worker_id, idempotency_key, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	OwnerID             string
	RepositoryReference string
	IdempotencyKey      string
	IdempotencyTTL      time.Duration
}

// CreateJob inserts a pending job, honoring idempotency if a key is provided.
// It returns the job, and a boolean indicating if an existing job was reused via idempotency.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()
	emptyResult, err := json.Marshal(models.Result{FileTree: []string{}})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal result: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO review_jobs (id, owner_id, repository_reference, status, progress, result, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, id, p.OwnerID, p.RepositoryReference, string(models.StatusPending), emptyResult, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			e := now.Add(p.IdempotencyTTL)
			expires = &e
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:                  id,
		OwnerID:             p.OwnerID,
		RepositoryReference: p.RepositoryReference,
		Status:              models.StatusPending,
		Progress:            0,
		Result:              models.Result{FileTree: []string{}},
		IdempotencyKey:      emptyToNil(p.IdempotencyKey),
		CreatedAt:           now,
		UpdatedAt:           now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM review_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

// ListJobs returns an owner's jobs, newest first, optionally filtered by repository reference.
func (s *Store) ListJobs(ctx context.Context, ownerID, repositoryReference string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM review_jobs
		WHERE owner_id = $1 AND ($2 = '' OR repository_reference = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, ownerID, repositoryReference, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob moves a pending job to processing with progress 0. claimed is false when the job
// exists but is not pending.
func (s *Store) ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE review_jobs
		SET status = $2, progress = 0, last_error = NULL, worker_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns,
		id, string(models.StatusProcessing), emptyToNil(workerID), string(models.StatusPending))
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	existing, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return existing, false, nil
}

// SaveJob writes status, progress, result and error in one statement. It only applies while
// the stored job is processing, so terminal records are never rewritten.
func (s *Store) SaveJob(ctx context.Context, job models.Job) error {
	result, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE review_jobs
		SET status = $2, progress = $3, result = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, job.ID, string(job.Status), job.Progress, result, job.Error, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save job %s: %w", job.ID, ErrNotProcessing)
	}
	return nil
}

// MarkFailed fails a job that never left pending, for example when it could not be enqueued.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE review_jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(models.StatusFailed), lastError, string(models.StatusPending))
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// OwnerToken returns the repository host credential stored for ownerID.
func (s *Store) OwnerToken(ctx context.Context, ownerID string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, `SELECT access_token FROM owners WHERE id = $1`, ownerID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrOwnerNotFound, ownerID)
	}
	if err != nil {
		return "", fmt.Errorf("query owner token: %w", err)
	}
	return token, nil
}

// UpsertOwnerToken stores or replaces an owner's credential.
func (s *Store) UpsertOwnerToken(ctx context.Context, ownerID, token string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO owners (id, access_token) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET access_token = EXCLUDED.access_token, updated_at = NOW()
	`, ownerID, token)
	if err != nil {
		return fmt.Errorf("upsert owner token: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job        models.Job
		status     string
		resultJSON []byte
		lastErr    pgtype.Text
		workerID   pgtype.Text
		idem       pgtype.Text
	)
	err := row.Scan(&job.ID, &job.OwnerID, &job.RepositoryReference, &status, &job.Progress,
		&resultJSON, &lastErr, &workerID, &idem, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Error = textPtr(lastErr)
	job.WorkerID = textPtr(workerID)
	job.IdempotencyKey = textPtr(idem)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
