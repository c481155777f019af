// Package cache persists coverage traces keyed by input content so re-runs
// over a largely unchanged corpus skip re-executing the target.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
)

// Provider stores traces in a local libsql database. A missing or broken
// cache degrades to live tracing and is never fatal to a run.
type Provider struct {
	db    *sql.DB
	runID uuid.UUID
}

// NewProvider opens or initializes the trace cache database at the given path.
func NewProvider(path string) (*Provider, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create cache directory: %w", err)
	}

	slog.Info("Trace cache path:", "path", path)

	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace cache: %w", err)
	}

	provider := &Provider{db: db, runID: uuid.New()}
	if err := provider.init(); err != nil {
		db.Close()
		return nil, err
	}
	return provider, nil
}

// init sets up the cache tables.
func (p *Provider) init() error {
	_, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS traces (
		digest TEXT NOT NULL,
		mode TEXT NOT NULL,
		tuples TEXT NOT NULL,
		run_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (digest, mode)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create traces table: %w", err)
	}
	return nil
}

// Lookup returns the cached canonical tuple list for an input digest, if any.
func (p *Provider) Lookup(digest, mode string) ([]string, bool, error) {
	var joined string
	err := p.db.QueryRow(
		`SELECT tuples FROM traces WHERE digest = ? AND mode = ?`,
		digest, mode,
	).Scan(&joined)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query trace cache: %w", err)
	}
	if joined == "" {
		return nil, true, nil
	}
	return strings.Split(joined, "\n"), true, nil
}

// Store records the canonical tuple list for an input digest, replacing any
// previous entry for the same digest and mode.
func (p *Provider) Store(digest, mode string, tuples []string) error {
	_, err := p.db.Exec(
		`INSERT OR REPLACE INTO traces (digest, mode, tuples, run_id) VALUES (?, ?, ?, ?)`,
		digest, mode, strings.Join(tuples, "\n"), p.runID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to store trace: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (p *Provider) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Digest returns the cache key for an input's content.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
