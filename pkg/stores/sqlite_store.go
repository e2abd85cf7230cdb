package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/registry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	reg    *registry.Registry
	logger zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// memoryPath selects a private in-memory database.
const memoryPath = ":memory:"

// NewSQLiteStore creates a new SQLite store instance. Rows of a key type
// are encoded with the bindings of its registry entry.
func NewSQLiteStore(cfg Config, reg *registry.Registry, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		reg:    reg,
		logger: logger.With().Str("component", "stores").Logger(),
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != memoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("Opened store")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version, 0 before the first migration.
func (s *SQLiteStore) MigrationVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return v, dirty, nil
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) rows() (*rowStore, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return &rowStore{q: s.db, reg: s.reg}, nil
}

// Begin implements datastore.Adapter. With an in-memory database the
// store has a single connection, so calls on the store itself block
// until the transaction finishes.
func (s *SQLiteStore) Begin(ctx context.Context) (datastore.Tx, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, rows: &rowStore{q: tx, reg: s.reg}}, nil
}

// CreateEpisode creates a new episode record
func (s *SQLiteStore) CreateEpisode(ctx context.Context, ep *Episode) error {
	query := `
		INSERT INTO commit_episodes (id, kind, key_type, mode, vtn, controller, status, row_count, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ep.ID,
		ep.Kind,
		ep.KeyType,
		ep.Mode,
		ep.VTN,
		ep.Controller,
		ep.Status,
		ep.Rows,
		ep.Error,
		ep.StartedAt,
		ep.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create episode: %w", err)
	}

	return nil
}

// CompleteEpisode stores the final status of an episode
func (s *SQLiteStore) CompleteEpisode(ctx context.Context, id string, status EpisodeStatus, rows int, errMsg *string) error {
	query := `
		UPDATE commit_episodes
		SET status = ?, row_count = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, rows, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update episode: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("episode not found: %s", id)
	}

	return nil
}

// GetEpisode retrieves an episode by ID
func (s *SQLiteStore) GetEpisode(ctx context.Context, id string) (*Episode, error) {
	query := `
		SELECT id, kind, key_type, mode, vtn, controller, status, row_count, error, started_at, completed_at
		FROM commit_episodes
		WHERE id = ?
	`

	ep, err := scanEpisode(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("episode not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}

	return ep, nil
}

// ListEpisodes lists episodes, newest first, with pagination
func (s *SQLiteStore) ListEpisodes(ctx context.Context, limit, offset int) ([]*Episode, error) {
	query := `
		SELECT id, kind, key_type, mode, vtn, controller, status, row_count, error, started_at, completed_at
		FROM commit_episodes
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()

	episodes := []*Episode{}
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		episodes = append(episodes, ep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating episodes: %w", err)
	}

	return episodes, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEpisode(sc scanner) (*Episode, error) {
	ep := &Episode{}
	err := sc.Scan(
		&ep.ID,
		&ep.Kind,
		&ep.KeyType,
		&ep.Mode,
		&ep.VTN,
		&ep.Controller,
		&ep.Status,
		&ep.Rows,
		&ep.Error,
		&ep.StartedAt,
		&ep.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return ep, nil
}
