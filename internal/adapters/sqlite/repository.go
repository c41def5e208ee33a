package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"ladderbot/internal/domain"
	"ladderbot/internal/ports"
)

// Repository implements ports.CycleRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/ladderbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cycle_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		avg_entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		rungs_filled INTEGER NOT NULL,
		pnl REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cycle_history_symbol_exit_time ON cycle_history (symbol, exit_time);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// CreateCycle saves a completed cycle record and returns its assigned ID.
func (r *Repository) CreateCycle(ctx context.Context, c *domain.Cycle) (int64, error) {
	const query = `
	INSERT INTO cycle_history (symbol, avg_entry_price, exit_price, quantity, rungs_filled,
	                           pnl, entry_time, exit_time, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		c.Symbol, c.AvgEntryPrice, c.ExitPrice, c.Quantity, c.RungsFilled,
		c.PNL, c.EntryTime, c.ExitTime, string(c.CloseReason))
	if err != nil {
		return 0, fmt.Errorf("failed to insert cycle for symbol %s: %w: %w", c.Symbol, ports.ErrQueryFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for cycle %s: %w", c.Symbol, err)
	}
	c.ID = id
	r.logger.Debug(ctx, "Cycle recorded", map[string]interface{}{"cycleID": id, "symbol": c.Symbol, "pnl": c.PNL})
	return id, nil
}

// FindRecentBySymbol retrieves the most recent cycles for a symbol, up to a limit.
func (r *Repository) FindRecentBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Cycle, error) {
	const query = `
	SELECT id, symbol, avg_entry_price, exit_price, quantity, rungs_filled,
	       pnl, entry_time, exit_time, close_reason
	FROM cycle_history
	WHERE symbol = ? ORDER BY exit_time DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	cycles := make([]*domain.Cycle, 0)
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle during FindRecentBySymbol: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle rows: %w", err)
	}
	return cycles, nil
}

// CountTodayBySymbol counts the cycles whose exit falls on the current UTC day.
func (r *Repository) CountTodayBySymbol(ctx context.Context, symbol string) (int, error) {
	const query = `
	SELECT COUNT(*) FROM cycle_history
	WHERE symbol = ? AND exit_time >= ?`

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var count int
	if err := r.db.QueryRowContext(ctx, query, symbol, dayStart).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count today's cycles for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	return count, nil
}

// TotalProfit calculates the sum of PNL across all recorded cycles.
func (r *Repository) TotalProfit(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM cycle_history`
	var total float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to calculate total profit: %w: %w", ports.ErrQueryFailed, err)
	}
	return total, nil
}

// scanner abstracts sql.Row and sql.Rows for the scan helper.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCycle(s scanner) (*domain.Cycle, error) {
	var c domain.Cycle
	var closeReason string
	err := s.Scan(
		&c.ID, &c.Symbol, &c.AvgEntryPrice, &c.ExitPrice, &c.Quantity, &c.RungsFilled,
		&c.PNL, &c.EntryTime, &c.ExitTime, &closeReason,
	)
	if err != nil {
		return nil, err
	}
	c.CloseReason = domain.CloseReason(closeReason)
	return &c, nil
}
