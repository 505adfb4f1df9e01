// ABOUTME: SQLite implementation of the discovery Store using modernc.org/sqlite
// ABOUTME: Keeps agent records and their capabilities across router restarts

package discovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the discovery database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "discovery-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("discovery store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS discovery_agents (
			agent_id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL DEFAULT '{}',
			registered_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS discovery_capabilities (
			agent_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			PRIMARY KEY (agent_id, capability),
			FOREIGN KEY (agent_id) REFERENCES discovery_agents(agent_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_discovery_capabilities_capability
			ON discovery_capabilities(capability);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Register upserts the record and replaces its capability set.
func (s *SQLiteStore) Register(ctx context.Context, rec *Record) error {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	registeredAt := now
	if !rec.RegisteredAt.IsZero() {
		registeredAt = rec.RegisteredAt.UTC().Format(time.RFC3339)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO discovery_agents (agent_id, metadata, registered_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, rec.AgentID, string(metaJSON), registeredAt, now)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM discovery_capabilities WHERE agent_id = ?`, rec.AgentID); err != nil {
		return fmt.Errorf("clearing capabilities: %w", err)
	}

	for _, c := range normalizeCapabilities(rec.Capabilities) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO discovery_capabilities (agent_id, capability) VALUES (?, ?)`,
			rec.AgentID, c,
		); err != nil {
			return fmt.Errorf("inserting capability %q: %w", c, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing registration: %w", err)
	}

	s.logger.Debug("registered agent", "agent_id", rec.AgentID)
	return nil
}

// Deregister deletes the record and, through the foreign key, its capabilities.
func (s *SQLiteStore) Deregister(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM discovery_agents WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return nil
}

// Get returns the record for agentID or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, agentID string) (*Record, error) {
	recs, err := s.query(ctx, `WHERE a.agent_id = ?`, agentID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// FindByCapability returns every record listing capability.
func (s *SQLiteStore) FindByCapability(ctx context.Context, capability string) ([]*Record, error) {
	return s.query(ctx,
		`WHERE a.agent_id IN (SELECT agent_id FROM discovery_capabilities WHERE capability = ?)`,
		capability,
	)
}

// List returns every record ordered by agent id.
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, "")
}

// query loads records joined with their capabilities. where filters the
// discovery_agents alias "a".
func (s *SQLiteStore) query(ctx context.Context, where string, args ...any) ([]*Record, error) {
	q := `
		SELECT a.agent_id, a.metadata, a.registered_at, a.updated_at, c.capability
		FROM discovery_agents a
		LEFT JOIN discovery_capabilities c ON c.agent_id = a.agent_id
		` + where + `
		ORDER BY a.agent_id, c.capability
	`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying discovery records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	var cur *Record
	for rows.Next() {
		var (
			agentID, metaJSON, registeredAt, updatedAt string
			capability                                 sql.NullString
		)
		if err := rows.Scan(&agentID, &metaJSON, &registeredAt, &updatedAt, &capability); err != nil {
			return nil, fmt.Errorf("scanning discovery record: %w", err)
		}

		if cur == nil || cur.AgentID != agentID {
			cur, err = newRecordFromRow(agentID, metaJSON, registeredAt, updatedAt)
			if err != nil {
				return nil, err
			}
			out = append(out, cur)
		}
		if capability.Valid {
			cur.Capabilities = append(cur.Capabilities, capability.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating discovery records: %w", err)
	}
	return out, nil
}

func newRecordFromRow(agentID, metaJSON, registeredAt, updatedAt string) (*Record, error) {
	rec := &Record{AgentID: agentID, Capabilities: []string{}}

	if strings.TrimSpace(metaJSON) != "" {
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", agentID, err)
		}
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = nil
	}

	var err error
	rec.RegisteredAt, err = time.Parse(time.RFC3339, registeredAt)
	if err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return rec, nil
}
