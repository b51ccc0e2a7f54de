package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// DB represents a database connection interface. Both *sql.DB and *sql.Tx
// satisfy it, and both the sqlite and postgres drivers work behind it.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// JobRepository handles job CRUD operations.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create creates a new job.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	query := `
		INSERT INTO jobs (id, user_id, document_key, enrichment, stage, status,
			progress, message, total_units, completed_units, error_detail, result,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID.String(), job.UserID.String(), job.DocumentKey, string(job.Enrichment),
		string(job.Stage), string(job.Status), job.Progress, job.Message,
		job.TotalUnits, job.CompletedUnits, job.ErrorDetail, rawJSONValue(job.Result),
		job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// GetByID retrieves a job by ID.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `
		SELECT id, user_id, document_key, enrichment, stage, status,
			progress, message, total_units, completed_units, error_detail, result,
			created_at, updated_at
		FROM jobs WHERE id = $1
	`
	return scanJob(r.db.QueryRowContext(ctx, query, id.String()))
}

// ListByUser lists a user's jobs, newest first.
func (r *JobRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Job, error) {
	query := `
		SELECT id, user_id, document_key, enrichment, stage, status,
			progress, message, total_units, completed_units, error_detail, result,
			created_at, updated_at
		FROM jobs WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update persists the job's mutable fields. The progress tracker is the only
// caller during execution, which keeps read-modify-write safe.
func (r *JobRepository) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	query := `
		UPDATE jobs SET stage = $1, status = $2, progress = $3, message = $4,
			total_units = $5, completed_units = $6, error_detail = $7, result = $8,
			updated_at = $9
		WHERE id = $10
	`
	result, err := r.db.ExecContext(ctx, query,
		string(job.Stage), string(job.Status), job.Progress, job.Message,
		job.TotalUnits, job.CompletedUnits, job.ErrorDetail, rawJSONValue(job.Result),
		job.UpdatedAt, job.ID.String(),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UnitRepository handles unit upserts and queries.
type UnitRepository struct {
	db DB
}

// NewUnitRepository creates a new unit repository.
func NewUnitRepository(db DB) *UnitRepository {
	return &UnitRepository{db: db}
}

// Upsert creates or overwrites a unit keyed by (job_id, stage, idx).
func (r *UnitRepository) Upsert(ctx context.Context, unit *Unit) error {
	now := time.Now()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = now
	}
	unit.UpdatedAt = now

	query := `
		INSERT INTO units (job_id, stage, idx, status, artifact_key, error_detail,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, stage, idx) DO UPDATE SET
			status = EXCLUDED.status,
			artifact_key = EXCLUDED.artifact_key,
			error_detail = EXCLUDED.error_detail,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		unit.JobID.String(), string(unit.Stage), unit.Index, string(unit.Status),
		unit.ArtifactKey, unit.ErrorDetail, unit.CreatedAt, unit.UpdatedAt,
	)
	return err
}

// Get retrieves one unit.
func (r *UnitRepository) Get(ctx context.Context, jobID uuid.UUID, stage Stage, idx int) (*Unit, error) {
	query := `
		SELECT job_id, stage, idx, status, artifact_key, error_detail, created_at, updated_at
		FROM units WHERE job_id = $1 AND stage = $2 AND idx = $3
	`
	unit := &Unit{}
	var jobIDStr, stageStr, statusStr string
	err := r.db.QueryRowContext(ctx, query, jobID.String(), string(stage), idx).Scan(
		&jobIDStr, &stageStr, &unit.Index, &statusStr,
		&unit.ArtifactKey, &unit.ErrorDetail, &unit.CreatedAt, &unit.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	unit.JobID, _ = uuid.Parse(jobIDStr)
	unit.Stage = Stage(stageStr)
	unit.Status = UnitStatus(statusStr)
	return unit, nil
}

// ListByStage returns all units for (job, stage) ordered by index. Reflects
// all prior upserts, which resumability depends on.
func (r *UnitRepository) ListByStage(ctx context.Context, jobID uuid.UUID, stage Stage) ([]*Unit, error) {
	query := `
		SELECT job_id, stage, idx, status, artifact_key, error_detail, created_at, updated_at
		FROM units WHERE job_id = $1 AND stage = $2
		ORDER BY idx
	`
	rows, err := r.db.QueryContext(ctx, query, jobID.String(), string(stage))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []*Unit
	for rows.Next() {
		unit := &Unit{}
		var jobIDStr, stageStr, statusStr string
		if err := rows.Scan(
			&jobIDStr, &stageStr, &unit.Index, &statusStr,
			&unit.ArtifactKey, &unit.ErrorDetail, &unit.CreatedAt, &unit.UpdatedAt,
		); err != nil {
			return nil, err
		}
		unit.JobID, _ = uuid.Parse(jobIDStr)
		unit.Stage = Stage(stageStr)
		unit.Status = UnitStatus(statusStr)
		units = append(units, unit)
	}
	return units, rows.Err()
}

// ArtifactRepository handles stage artifact upserts and queries.
type ArtifactRepository struct {
	db DB
}

// NewArtifactRepository creates a new artifact repository.
func NewArtifactRepository(db DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// Upsert creates or overwrites an artifact keyed by (job_id, stage, idx), so
// a retried unit replaces its output rather than duplicating it.
func (r *ArtifactRepository) Upsert(ctx context.Context, artifact *StageArtifact) error {
	now := time.Now()
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = now
	}
	artifact.UpdatedAt = now

	query := `
		INSERT INTO stage_artifacts (job_id, stage, idx, kind, blob_key, content, meta,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, stage, idx) DO UPDATE SET
			kind = EXCLUDED.kind,
			blob_key = EXCLUDED.blob_key,
			content = EXCLUDED.content,
			meta = EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		artifact.JobID.String(), string(artifact.Stage), artifact.Index, string(artifact.Kind),
		artifact.BlobKey, artifact.Content, rawJSONValue(artifact.Meta),
		artifact.CreatedAt, artifact.UpdatedAt,
	)
	return err
}

// DeleteAboveIndex removes all artifacts for (job, stage) with an index
// greater than maxIdx. A retried stage that yields fewer outputs than a
// previous attempt uses this to drop the stale tail.
func (r *ArtifactRepository) DeleteAboveIndex(ctx context.Context, jobID uuid.UUID, stage Stage, maxIdx int) error {
	query := `DELETE FROM stage_artifacts WHERE job_id = $1 AND stage = $2 AND idx > $3`
	_, err := r.db.ExecContext(ctx, query, jobID.String(), string(stage), maxIdx)
	return err
}

// Get retrieves one artifact.
func (r *ArtifactRepository) Get(ctx context.Context, jobID uuid.UUID, stage Stage, idx int) (*StageArtifact, error) {
	query := `
		SELECT job_id, stage, idx, kind, blob_key, content, meta, created_at, updated_at
		FROM stage_artifacts WHERE job_id = $1 AND stage = $2 AND idx = $3
	`
	row := r.db.QueryRowContext(ctx, query, jobID.String(), string(stage), idx)
	artifact, err := scanArtifactRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return artifact, err
}

// ListByStage returns all artifacts for (job, stage) ordered by index.
func (r *ArtifactRepository) ListByStage(ctx context.Context, jobID uuid.UUID, stage Stage) ([]*StageArtifact, error) {
	query := `
		SELECT job_id, stage, idx, kind, blob_key, content, meta, created_at, updated_at
		FROM stage_artifacts WHERE job_id = $1 AND stage = $2
		ORDER BY idx
	`
	rows, err := r.db.QueryContext(ctx, query, jobID.String(), string(stage))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*StageArtifact
	for rows.Next() {
		artifact, err := scanArtifactRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// Repositories bundles all repositories together.
type Repositories struct {
	Jobs      *JobRepository
	Units     *UnitRepository
	Artifacts *ArtifactRepository
}

// NewRepositories creates all repositories with the given database connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Jobs:      NewJobRepository(db),
		Units:     NewUnitRepository(db),
		Artifacts: NewArtifactRepository(db),
	}
}

type scanFunc func(dest ...interface{}) error

func scanArtifactRow(scan scanFunc) (*StageArtifact, error) {
	artifact := &StageArtifact{}
	var jobIDStr, stageStr, kindStr string
	var meta sql.NullString
	if err := scan(
		&jobIDStr, &stageStr, &artifact.Index, &kindStr,
		&artifact.BlobKey, &artifact.Content, &meta,
		&artifact.CreatedAt, &artifact.UpdatedAt,
	); err != nil {
		return nil, err
	}
	artifact.JobID, _ = uuid.Parse(jobIDStr)
	artifact.Stage = Stage(stageStr)
	artifact.Kind = ArtifactKind(kindStr)
	if meta.Valid {
		artifact.Meta = json.RawMessage(meta.String)
	}
	return artifact, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	job, err := scanJobFields(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func scanJobRows(rows *sql.Rows) (*Job, error) {
	return scanJobFields(rows.Scan)
}

func scanJobFields(scan scanFunc) (*Job, error) {
	job := &Job{}
	var idStr, userIDStr, enrichStr, stageStr, statusStr string
	var result sql.NullString
	if err := scan(
		&idStr, &userIDStr, &job.DocumentKey, &enrichStr, &stageStr, &statusStr,
		&job.Progress, &job.Message, &job.TotalUnits, &job.CompletedUnits,
		&job.ErrorDetail, &result, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.ID, _ = uuid.Parse(idStr)
	job.UserID, _ = uuid.Parse(userIDStr)
	job.Enrichment = EnrichmentKind(enrichStr)
	job.Stage = Stage(stageStr)
	job.Status = JobStatus(statusStr)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	return job, nil
}

// rawJSONValue converts a raw JSON payload to a driver-friendly value.
func rawJSONValue(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
