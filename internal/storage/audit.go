// Package storage persists the strategy audit trail in SQLite. Every order
// event and lifecycle change lands here, so a crash or dispute can be
// reconstructed order by order.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// AuditLog is an append-only event journal.
type AuditLog struct {
	db *sql.DB
}

// Entry is one recorded audit row.
type Entry struct {
	Seq        int64           `json:"seq"`
	Ts         int64           `json:"ts"`
	StrategyID string          `json:"strategy_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
}

// NewAuditLog opens (or creates) the audit database with WAL mode enabled.
func NewAuditLog(dbPath string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			strategy_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_strategy ON audit(strategy_id, seq);`)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata table: %w", err)
	}

	return &AuditLog{db: db}, nil
}

// Record appends one event. It satisfies the engine's recorder contract and
// therefore swallows errors after logging them; the trading path never
// stops because the journal hiccuped.
func (a *AuditLog) Record(strategyID, eventType string, payload any) {
	if err := a.Append(context.Background(), strategyID, eventType, payload); err != nil {
		slog.Error("audit append failed", "strategy_id", strategyID, "event_type", eventType, "err", err)
	}
}

// Append appends one event, surfacing errors.
func (a *AuditLog) Append(ctx context.Context, strategyID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = a.db.ExecContext(ctx,
		"INSERT INTO audit (ts, strategy_id, event_type, payload) VALUES (?, ?, ?, ?)",
		time.Now().UnixMicro(), strategyID, eventType, body,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit row: %w", err)
	}
	return nil
}

// LoadByStrategy returns every entry for one strategy in append order.
func (a *AuditLog) LoadByStrategy(ctx context.Context, strategyID string) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT seq, ts, strategy_id, event_type, payload FROM audit WHERE strategy_id = ? ORDER BY seq ASC",
		strategyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// LoadAll returns every entry from fromSeq (inclusive) in append order.
func (a *AuditLog) LoadAll(ctx context.Context, fromSeq int64) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT seq, ts, strategy_id, event_type, payload FROM audit WHERE seq >= ? ORDER BY seq ASC",
		fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.Ts, &e.StrategyID, &e.EventType, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return entries, nil
}

// LastSeq returns the highest sequence stored, 0 when empty.
func (a *AuditLog) LastSeq(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	if err := a.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM audit").Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return last.Int64, nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (a *AuditLog) UpsertMetadata(ctx context.Context, key, value string) error {
	_, err := a.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, time.Now().UnixMicro(),
	)
	return err
}

// GetMetadata retrieves a value from the metadata table, "" when absent.
func (a *AuditLog) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := a.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Close closes the database connection.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
