package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"proxyforge/internal/config"
	"proxyforge/internal/models"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS transcode_jobs (
	job_id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL,
	status TEXT NOT NULL,
	is_upgrade BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS transcode_jobs_file_created_idx
	ON transcode_jobs (file_id, created_at DESC)`,
}

// PostgresDurable persists jobs in the transcode_jobs table.
type PostgresDurable struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresDurable opens a pgx pool using cfg. Call Migrate before first use
// against a fresh database.
func NewPostgresDurable(ctx context.Context, cfg config.PostgresConfig) (*PostgresDurable, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.AppName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.AppName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresDurable{pool: pool, timeout: cfg.AcquireTimeout}, nil
}

func (d *PostgresDurable) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

// Migrate creates the jobs table and its fileId index when missing.
func (d *PostgresDurable) Migrate(ctx context.Context) error {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// Save upserts the job row.
func (d *PostgresDurable) Save(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err = d.pool.Exec(ctx, `
INSERT INTO transcode_jobs (job_id, file_id, status, is_upgrade, created_at, updated_at, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at,
	payload = EXCLUDED.payload
`, job.ID, job.FileID, string(job.Status), job.IsUpgrade, job.CreatedAt.UTC(), job.UpdatedAt.UTC(), payload)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Load reads one job row.
func (d *PostgresDurable) Load(ctx context.Context, jobID string) (models.Job, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	row := d.pool.QueryRow(ctx, `SELECT payload FROM transcode_jobs WHERE job_id = $1`, jobID)
	return scanJob(row, jobID)
}

// LatestForFile returns the newest non-upgrade job for fileID.
func (d *PostgresDurable) LatestForFile(ctx context.Context, fileID string) (models.Job, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	row := d.pool.QueryRow(ctx, `
SELECT payload
FROM transcode_jobs
WHERE file_id = $1 AND NOT is_upgrade
ORDER BY created_at DESC
LIMIT 1
`, fileID)
	return scanJob(row, "file "+fileID)
}

func scanJob(row pgx.Row, subject string) (models.Job, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("load job %s: %w", subject, err)
	}
	var job models.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", subject, err)
	}
	return job, nil
}

// Ping checks database connectivity.
func (d *PostgresDurable) Ping(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx is cancelled first.
func (d *PostgresDurable) Close(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
