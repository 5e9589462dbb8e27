package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"orderdesk/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres records orders in a PostgreSQL table managed by golang-migrate.
type Postgres struct {
	db      *sql.DB
	dsn     string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	migrated bool
}

type PostgresConfig struct {
	// DSN must be a postgres:// or postgresql:// URL; the migrator does not
	// accept key=value strings.
	DSN     string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn: %w", domain.ErrNotConfigured)
	}
	if err := validateDSN(cfg.DSN); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Postgres{db: db, dsn: cfg.DSN, timeout: cfg.Timeout, logger: cfg.Logger}, nil
}

func validateDSN(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("postgres dsn: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("postgres dsn: scheme must be postgres:// or postgresql://, got %q", u.Scheme)
	}
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

// Setup applies pending migrations. ErrNoChange counts as success.
func (p *Postgres) Setup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.migrateLocked()
}

func (p *Postgres) migrateLocked() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, p.dsn)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	p.migrated = true
	p.logger.Info("ledger migrations applied")
	return nil
}

func (p *Postgres) ensureSchema() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.migrated {
		return nil
	}
	return p.migrateLocked()
}

func (p *Postgres) Append(ctx context.Context, order domain.OrderJudgment, msg domain.Message) error {
	if err := p.ensureSchema(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `INSERT INTO orders (message_time, customer_name, phone, products, quantities, total_amount,
	                              special_requests, urgency, original_message, message_id, status)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := p.db.ExecContext(ctx, query,
		msg.CreatedAt, order.CustomerName, order.CustomerPhone,
		pq.Array(nonNil(order.Products)), pq.Array(nonNil(order.Quantities)),
		order.TotalAmount, order.SpecialRequests, string(order.Urgency),
		msg.Body, msg.ID, StatusPending,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) {
			return fmt.Errorf("ledger insert %s: %s (%s)", msg.ID, pgErr.Message, pgErr.Code)
		}
		return fmt.Errorf("ledger insert %s: %w", msg.ID, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
