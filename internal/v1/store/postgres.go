package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
)

// Postgres persists snapshots in a single table keyed by room name. The
// payload column holds the base64 record payload so operational tooling can
// read it with plain SQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database, verifies connectivity, and ensures
// the snapshot table exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("Connected to Postgres snapshot store")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS collab_snapshots (
			room_name  TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			size_bytes INT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure snapshot table: %w", err)
	}
	return nil
}

// Load returns the snapshot bytes for a room, or (nil, nil) when none exists.
func (s *Postgres) Load(ctx context.Context, name string) ([]byte, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT payload, updated_at, size_bytes
		FROM collab_snapshots WHERE room_name = $1
	`, name).Scan(&rec.Payload, &rec.UpdatedAt, &rec.Size)
	if err == pgx.ErrNoRows {
		metrics.SnapshotOps.WithLabelValues("load", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.SnapshotOps.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to load snapshot %q: %w", name, err)
	}

	data, err := rec.Bytes()
	if err != nil {
		metrics.SnapshotOps.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to decode snapshot payload %q: %w", name, err)
	}
	metrics.SnapshotOps.WithLabelValues("load", "ok").Inc()
	return data, nil
}

// Save upserts the snapshot record for a room.
func (s *Postgres) Save(ctx context.Context, name string, data []byte) error {
	rec := NewRecord(data)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO collab_snapshots (room_name, payload, updated_at, size_bytes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_name) DO UPDATE
		SET payload = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at,
		    size_bytes = EXCLUDED.size_bytes
	`, name, rec.Payload, rec.UpdatedAt, rec.Size)
	if err != nil {
		metrics.SnapshotOps.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("failed to save snapshot %q: %w", name, err)
	}
	metrics.SnapshotOps.WithLabelValues("save", "ok").Inc()
	return nil
}

// Delete removes the snapshot for a room.
func (s *Postgres) Delete(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM collab_snapshots WHERE room_name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", name, err)
	}
	return nil
}

// List returns every room name with a stored snapshot.
func (s *Postgres) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT room_name FROM collab_snapshots ORDER BY room_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Ping checks database connectivity; used by the readiness probe.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
