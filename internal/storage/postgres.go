// File: internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	models "github.com/ewag/orthanc-client/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id             TEXT PRIMARY KEY,
    set_id         TEXT NOT NULL,
    study_id       TEXT NOT NULL,
    groups         JSONB NOT NULL,
    instance_count INTEGER NOT NULL,
    state          TEXT NOT NULL,
    superseded_by  TEXT,
    parent_id      TEXT,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_study_id_idx ON snapshots (study_id, created_at);
`

// PostgresStore keeps snapshot records in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new store over an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("database pool cannot be nil")
	}
	return &PostgresStore{pool: pool}
}

// Connect opens a pool on databaseURL and creates the schema.
func Connect(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the snapshots table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create snapshots schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

const selectColumns = `id, set_id, study_id, groups, instance_count, state, superseded_by, parent_id, created_at, updated_at`

// Get retrieves a snapshot record.
// Returns the record, a boolean indicating if found, and any error.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.SnapshotRecord, bool, error) {
	query := `SELECT ` + selectColumns + ` FROM snapshots WHERE id = $1`

	slog.DebugContext(ctx, "Querying snapshot", "snapshotID", id)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			slog.DebugContext(ctx, "No snapshot found in DB", "snapshotID", id)
			return nil, false, nil // Not found, but not an error
		}
		slog.ErrorContext(ctx, "Error querying snapshot from DB", "snapshotID", id, "error", err)
		return nil, false, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return rec, true, nil
}

// Save inserts or updates a snapshot record (Upsert).
func (s *PostgresStore) Save(ctx context.Context, rec *models.SnapshotRecord) error {
	query := `
        INSERT INTO snapshots (` + selectColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            set_id = EXCLUDED.set_id,
            groups = EXCLUDED.groups,
            instance_count = EXCLUDED.instance_count,
            state = EXCLUDED.state,
            superseded_by = EXCLUDED.superseded_by,
            updated_at = EXCLUDED.updated_at
    `
	groups, err := json.Marshal(rec.Groups)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot groups: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	slog.DebugContext(ctx, "Saving snapshot in DB", "snapshotID", rec.ID, "state", rec.State)
	commandTag, err := s.pool.Exec(ctx, query,
		rec.ID.String(), rec.SetID, rec.StudyID, groups, rec.InstanceCount, string(rec.State),
		nullableID(rec.SupersededBy), nullableID(rec.ParentID), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.ErrorContext(ctx, "Error executing upsert snapshot in DB", "snapshotID", rec.ID, "error", err)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	slog.DebugContext(ctx, "Successfully saved snapshot", "snapshotID", rec.ID, "rowsAffected", commandTag.RowsAffected())
	return nil
}

// List returns the records of studyID, or every record when it is empty.
func (s *PostgresStore) List(ctx context.Context, studyID string) ([]*models.SnapshotRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM snapshots WHERE ($1 = '' OR study_id = $1) ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*models.SnapshotRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (*models.SnapshotRecord, error) {
	var (
		rec                    models.SnapshotRecord
		id, state              string
		groups                 []byte
		supersededBy, parentID sql.NullString
	)
	err := row.Scan(&id, &rec.SetID, &rec.StudyID, &groups, &rec.InstanceCount, &state,
		&supersededBy, &parentID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid snapshot id %q: %w", id, err)
	}
	if err := json.Unmarshal(groups, &rec.Groups); err != nil {
		return nil, fmt.Errorf("invalid groups for snapshot %s: %w", id, err)
	}
	rec.State = models.SnapshotState(state)
	if rec.SupersededBy, err = parseNullableID(supersededBy); err != nil {
		return nil, err
	}
	if rec.ParentID, err = parseNullableID(parentID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func nullableID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func parseNullableID(ns sql.NullString) (*uuid.UUID, error) {
	if !ns.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot reference %q: %w", ns.String, err)
	}
	return &id, nil
}
