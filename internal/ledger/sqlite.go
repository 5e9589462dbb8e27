package ledger

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

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp         TEXT NOT NULL,
	customer_name     TEXT NOT NULL,
	phone             TEXT NOT NULL,
	products          TEXT NOT NULL,
	quantities        TEXT NOT NULL,
	total_amount      TEXT NOT NULL,
	special_requests  TEXT NOT NULL DEFAULT '',
	urgency           TEXT NOT NULL,
	original_message  TEXT NOT NULL,
	message_id        TEXT NOT NULL,
	status            TEXT NOT NULL,
	recorded_at       DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_orders_message ON orders(message_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// SQLite keeps the ledger in a local database file.
type SQLite struct {
	db       *sql.DB
	timeout  time.Duration
	location *time.Location
	logger   *slog.Logger
}

type SQLiteConfig struct {
	DBPath   string
	Timeout  time.Duration
	Location *time.Location
	Logger   *slog.Logger
}

func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
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

	l := &SQLite{db: db, timeout: cfg.Timeout, location: cfg.Location, logger: cfg.Logger}
	if err := l.Setup(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLite) Name() string { return "sqlite" }

// Setup creates the orders table if absent.
func (l *SQLite) Setup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if _, err := l.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("ledger schema: %w", err)
	}
	return nil
}

func (l *SQLite) Append(ctx context.Context, order domain.OrderJudgment, msg domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	r := BuildRow(order, msg, l.location)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO orders (timestamp, customer_name, phone, products, quantities, total_amount,
		                     special_requests, urgency, original_message, message_id, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.CustomerName, r.Phone, r.Products, r.Quantities, r.TotalAmount,
		r.SpecialRequests, r.Urgency, r.OriginalMessage, r.MessageID, r.Status,
	)
	if err != nil {
		return fmt.Errorf("ledger insert %s: %w", msg.ID, err)
	}
	return nil
}

// Rows returns every recorded row in insertion order.
func (l *SQLite) Rows(ctx context.Context) ([]Row, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT timestamp, customer_name, phone, products, quantities, total_amount,
		        special_requests, urgency, original_message, message_id, status
		 FROM orders ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Timestamp, &r.CustomerName, &r.Phone, &r.Products, &r.Quantities,
			&r.TotalAmount, &r.SpecialRequests, &r.Urgency, &r.OriginalMessage, &r.MessageID, &r.Status); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *SQLite) Close() error {
	return l.db.Close()
}
