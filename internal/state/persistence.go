// Package state archives strategy instances, their order intents and
// faults so the engine can restore running strategies after a restart.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fault is a recorded Faulted, Drift or RiskBreach condition
type Fault struct {
	StrategyID string    `json:"strategy_id"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}

// Store persists the engine's durable state
type Store interface {
	SaveStrategy(ctx context.Context, inst *strategy.Instance) error
	LoadStrategy(ctx context.Context, id string) (*strategy.Instance, error)
	ListActive(ctx context.Context) ([]*strategy.Instance, error)
	ListStrategies(ctx context.Context) ([]*strategy.Instance, error)
	SaveIntent(ctx context.Context, intent exchange.OrderIntent) error
	IntentsFor(ctx context.Context, strategyID string) ([]exchange.OrderIntent, error)
	RecordFault(ctx context.Context, f Fault) error
	Faults(ctx context.Context, strategyID string) ([]Fault, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	symbol TEXT NOT NULL,
	account TEXT NOT NULL,
	venue TEXT NOT NULL,
	state TEXT NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS intents (
	key TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	status TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS faults (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_intents_strategy ON intents(strategy_id, step);
CREATE INDEX IF NOT EXISTS idx_strategies_archived ON strategies(archived);
`

// SQLiteStore is the Store backed by an embedded SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, engerrors.WrapError(err, engerrors.ErrorCategoryConfiguration, "state", "open")
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, engerrors.WrapError(err, engerrors.ErrorCategoryConfiguration, "state", "open")
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an open database and ensures the schema exists
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// archived instances are kept for reports but never restored. Faulted
// instances stay restorable so an operator can resume them.
func archived(s strategy.State) bool {
	return s == strategy.StateCompleted || s == strategy.StateCancelled
}

func (s *SQLiteStore) SaveStrategy(ctx context.Context, inst *strategy.Instance) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode strategy %s: %w", inst.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, kind, symbol, account, venue, state, archived, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			archived = excluded.archived,
			updated_at = excluded.updated_at,
			body = excluded.body`,
		inst.ID, string(inst.Kind), inst.Symbol, inst.Account, inst.Venue, string(inst.State),
		archived(inst.State), inst.CreatedAt, inst.UpdatedAt, string(body),
	)
	if err != nil {
		return fmt.Errorf("save strategy %s: %w", inst.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadStrategy(ctx context.Context, id string) (*strategy.Instance, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM strategies WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engerrors.ErrStrategyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load strategy %s: %w", id, err)
	}
	return decodeStrategy(body)
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]*strategy.Instance, error) {
	return s.listStrategies(ctx, `SELECT body FROM strategies WHERE archived = 0 ORDER BY created_at, id`)
}

func (s *SQLiteStore) ListStrategies(ctx context.Context) ([]*strategy.Instance, error) {
	return s.listStrategies(ctx, `SELECT body FROM strategies ORDER BY created_at, id`)
}

func (s *SQLiteStore) listStrategies(ctx context.Context, query string) ([]*strategy.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []*strategy.Instance
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		inst, err := decodeStrategy(body)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveIntent(ctx context.Context, in exchange.OrderIntent) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode intent %s: %w", in.Key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intents (key, strategy_id, step, symbol, status, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			body = excluded.body`,
		in.Key, in.StrategyID, in.Step, in.Symbol, string(in.Status), in.UpdatedAt, string(body),
	)
	if err != nil {
		return fmt.Errorf("save intent %s: %w", in.Key, err)
	}
	return nil
}

func (s *SQLiteStore) IntentsFor(ctx context.Context, strategyID string) ([]exchange.OrderIntent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM intents WHERE strategy_id = ? ORDER BY step`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list intents for %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []exchange.OrderIntent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var in exchange.OrderIntent
		if err := json.Unmarshal([]byte(body), &in); err != nil {
			return nil, fmt.Errorf("decode intent: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordFault(ctx context.Context, f Fault) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO faults (strategy_id, kind, message, time) VALUES (?, ?, ?, ?)`,
		f.StrategyID, f.Kind, f.Message, f.Time,
	)
	if err != nil {
		return fmt.Errorf("record fault for %s: %w", f.StrategyID, err)
	}
	return nil
}

func (s *SQLiteStore) Faults(ctx context.Context, strategyID string) ([]Fault, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT strategy_id, kind, message, time FROM faults WHERE strategy_id = ? ORDER BY id`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list faults for %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []Fault
	for rows.Next() {
		var f Fault
		if err := rows.Scan(&f.StrategyID, &f.Kind, &f.Message, &f.Time); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeStrategy(body string) (*strategy.Instance, error) {
	var inst strategy.Instance
	if err := json.Unmarshal([]byte(body), &inst); err != nil {
		return nil, fmt.Errorf("decode strategy: %w", err)
	}
	return &inst, nil
}
