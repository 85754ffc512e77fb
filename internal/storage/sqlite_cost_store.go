package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/model"
)

// SQLiteCostStore implements CostStore using SQLite. Every write appends a
// row, so older versions stay available for as-of loads until pruned.
type SQLiteCostStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteCostStore opens (or creates) the cost database at dbPath
func NewSQLiteCostStore(logger *zap.Logger, dbPath string) (*SQLiteCostStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	store := &SQLiteCostStore{
		logger: logger.Named("sqlite-cost-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteCostStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS function_costs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			configuration TEXT NOT NULL,
			function_id TEXT NOT NULL,
			invocation_cost REAL NOT NULL,
			data_input_cost REAL NOT NULL,
			data_output_cost REAL NOT NULL,
			last_update INTEGER NOT NULL,
			version TEXT NOT NULL,
			stored_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_function_costs_key ON function_costs(configuration, function_id);
		CREATE INDEX IF NOT EXISTS idx_function_costs_last_update ON function_costs(last_update);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Load implements CostStore.Load
func (s *SQLiteCostStore) Load(ctx context.Context, configuration, functionID string, asOf *time.Time) (*model.FunctionCostDocument, error) {
	query := `
		SELECT configuration, function_id, invocation_cost, data_input_cost,
			data_output_cost, last_update, version
		FROM function_costs
		WHERE configuration = ? AND function_id = ?`
	args := []interface{}{configuration, functionID}

	if asOf != nil {
		query += " AND last_update <= ? ORDER BY last_update DESC, id DESC LIMIT 1"
		args = append(args, asOf.UnixNano())
	} else {
		query += " ORDER BY id DESC LIMIT 1"
	}

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load function cost: %w", err)
	}
	return doc, nil
}

// Store implements CostStore.Store
func (s *SQLiteCostStore) Store(ctx context.Context, doc *model.FunctionCostDocument) (*model.FunctionCostDocument, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	stored := *doc
	stored.Version = uuid.New().String()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO function_costs (
			configuration, function_id, invocation_cost, data_input_cost,
			data_output_cost, last_update, version
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stored.Configuration,
		stored.FunctionID,
		stored.InvocationCost,
		stored.DataInputCost,
		stored.DataOutputCost,
		stored.LastUpdate.UnixNano(),
		stored.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store function cost: %w", err)
	}
	return &stored, nil
}

// History returns up to limit stored versions of a key, newest first
func (s *SQLiteCostStore) History(ctx context.Context, configuration, functionID string, limit int) ([]*model.FunctionCostDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT configuration, function_id, invocation_cost, data_input_cost,
			data_output_cost, last_update, version
		FROM function_costs
		WHERE configuration = ? AND function_id = ?
		ORDER BY id DESC LIMIT ?`,
		configuration, functionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list function cost history: %w", err)
	}
	defer rows.Close()

	var docs []*model.FunctionCostDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan function cost: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return docs, nil
}

// Count returns the number of stored rows, all versions included
func (s *SQLiteCostStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM function_costs").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count function costs: %w", err)
	}
	return count, nil
}

// DeleteBefore prunes versions last updated before the given time. The
// latest version of every key is always kept.
func (s *SQLiteCostStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM function_costs
		WHERE last_update < ?
		AND id NOT IN (
			SELECT MAX(id) FROM function_costs GROUP BY configuration, function_id
		)`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete function cost history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old function cost versions",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteCostStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*model.FunctionCostDocument, error) {
	var doc model.FunctionCostDocument
	var lastUpdate int64

	err := row.Scan(
		&doc.Configuration,
		&doc.FunctionID,
		&doc.InvocationCost,
		&doc.DataInputCost,
		&doc.DataOutputCost,
		&lastUpdate,
		&doc.Version,
	)
	if err != nil {
		return nil, err
	}

	doc.LastUpdate = time.Unix(0, lastUpdate)
	return &doc, nil
}
