package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/relay/pkg/models"
)

// PostgresStore keeps turn records in a single JSONB-backed table.
type PostgresStore struct {
	db *sql.DB
}

const turnsSchema = `
CREATE TABLE IF NOT EXISTS turns (
	turn_id    TEXT PRIMARY KEY,
	arrived_at TIMESTAMPTZ NOT NULL,
	outcome    TEXT NOT NULL,
	record     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS turns_arrived_at_idx ON turns (arrived_at);
`

// NewPostgresStore connects, verifies the connection, and ensures the
// schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, turnsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection (tests).
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Name identifies the store.
func (s *PostgresStore) Name() string {
	return "postgres"
}

// Save upserts the record; a duplicate turn id is a no-op.
func (s *PostgresStore) Save(ctx context.Context, record *models.TurnRecord) error {
	if record == nil || record.TurnID == "" {
		return fmt.Errorf("record needs a turn id")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode turn record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns (turn_id, arrived_at, outcome, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (turn_id) DO NOTHING`,
		record.TurnID, record.ArrivedAt, string(record.Outcome), payload,
	)
	if err != nil {
		return fmt.Errorf("save turn %s: %w", record.TurnID, err)
	}
	return nil
}

// Get loads a record by turn id.
func (s *PostgresStore) Get(ctx context.Context, turnID string) (*models.TurnRecord, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM turns WHERE turn_id = $1`, turnID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load turn %s: %w", turnID, err)
	}

	var record models.TurnRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode turn %s: %w", turnID, err)
	}
	return &record, nil
}

// Prune deletes records that arrived before the cutoff.
func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE arrived_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
