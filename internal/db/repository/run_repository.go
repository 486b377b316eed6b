// Package repository persists job run outcomes for audit and status
// lookups beyond the in-memory runner.Runner.running map's lifetime.
package repository

import (
	"context"
	"time"

	"github.com/forgehq/agentrunner/internal/db"
)

// RunRecord is the durable record of one completed job run.
type RunRecord struct {
	InstanceID  string
	Fingerprint string
	UsedPrefork bool
	ExitCode    int
	Cancelled   bool
	ErrorKind   string
	StartedAt   time.Time
	FinishedAt  time.Time
}

type RunRepository struct {
	db *db.DB
}

func NewRunRepository(db *db.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Insert(ctx context.Context, rec RunRecord) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO runs (
            instance_id, fingerprint, used_prefork, exit_code, cancelled,
            error_kind, started_at, finished_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (instance_id) DO UPDATE SET
            fingerprint=$2, used_prefork=$3, exit_code=$4, cancelled=$5,
            error_kind=$6, started_at=$7, finished_at=$8`,
		rec.InstanceID, rec.Fingerprint, rec.UsedPrefork, rec.ExitCode,
		rec.Cancelled, rec.ErrorKind, rec.StartedAt, rec.FinishedAt,
	)
	return err
}

func (r *RunRepository) Get(ctx context.Context, instanceID string) (*RunRecord, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT instance_id, fingerprint, used_prefork, exit_code, cancelled,
                error_kind, started_at, finished_at
         FROM runs WHERE instance_id=$1`,
		instanceID,
	)

	var rec RunRecord
	if err := row.Scan(
		&rec.InstanceID, &rec.Fingerprint, &rec.UsedPrefork, &rec.ExitCode,
		&rec.Cancelled, &rec.ErrorKind, &rec.StartedAt, &rec.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
