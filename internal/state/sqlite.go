package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"orderdesk/internal/domain"
)

const watermarkKey = "watermark"

// SQLiteStore implements domain.StateStore using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type SQLiteConfig struct {
	DBPath string
	// RetentionDays prunes processed ids older than this on each commit. Zero keeps everything.
	RetentionDays int
	Logger        *slog.Logger
}

func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{
		db:        db,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		now:       time.Now,
		logger:    cfg.Logger,
	}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*domain.PipelineSnapshot, error) {
	snap := &domain.PipelineSnapshot{}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM pipeline_state WHERE key = ?", watermarkKey).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("load watermark: %w", err)
	default:
		wm, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse watermark %q: %w", raw, err)
		}
		snap.Watermark = wm
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM processed_ids ORDER BY processed_at, id")
	if err != nil {
		return nil, fmt.Errorf("load processed ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		snap.ProcessedIDs = append(snap.ProcessedIDs, id)
	}
	return snap, rows.Err()
}

// Commit writes the watermark and ids in one transaction and prunes expired ids.
func (s *SQLiteStore) Commit(ctx context.Context, watermark time.Time, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	wm := watermark.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pipeline_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		watermarkKey, wm, s.now().UTC(),
	); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO processed_ids (id, processed_at, run_watermark) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare ids: %w", err)
	}
	defer stmt.Close()
	now := s.now().UTC()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, now, wm); err != nil {
			return fmt.Errorf("save id %s: %w", id, err)
		}
	}

	if s.retention > 0 {
		res, err := tx.ExecContext(ctx, "DELETE FROM processed_ids WHERE processed_at < ?", now.Add(-s.retention))
		if err != nil {
			return fmt.Errorf("prune ids: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Debug("pruned processed ids", "count", n)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
