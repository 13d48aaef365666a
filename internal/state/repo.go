package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Resinat/streamguard/internal/settings"
)

// AdLogEntry is one persisted ad detection.
type AdLogEntry struct {
	ID           int64     `json:"id"`
	Channel      string    `json:"channel"`
	Quality      string    `json:"quality,omitempty"`
	Streak       int       `json:"streak"`
	Outcome      string    `json:"outcome"`
	ProxyCountry string    `json:"proxy_country,omitempty"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Repo wraps the state database. All writes are serialized by an internal
// mutex.
type Repo struct {
	db *sql.DB
	mu sync.Mutex
}

func newRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// --- settings ---

// LoadSettings returns the stored snapshot, or settings.ErrNoSettings.
func (r *Repo) LoadSettings(ctx context.Context) (settings.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, "SELECT config_json, version, updated_at_ns FROM settings WHERE id = 1")
	var (
		configJSON  string
		version     int64
		updatedAtNs int64
	)
	if err := row.Scan(&configJSON, &version, &updatedAtNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settings.Snapshot{}, settings.ErrNoSettings
		}
		return settings.Snapshot{}, fmt.Errorf("scan settings: %w", err)
	}
	snap := settings.Snapshot{
		Version:   uint64(version),
		UpdatedAt: time.Unix(0, updatedAtNs).UTC(),
		Config:    settings.DefaultSessionConfig(),
	}
	if err := json.Unmarshal([]byte(configJSON), &snap.Config); err != nil {
		return settings.Snapshot{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return snap, nil
}

// SaveSettings upserts the single settings row.
func (r *Repo) SaveSettings(ctx context.Context, snap settings.Snapshot) error {
	data, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO settings (id, config_json, version, updated_at_ns)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json   = excluded.config_json,
			version       = excluded.version,
			updated_at_ns = excluded.updated_at_ns
	`, string(data), int64(snap.Version), snap.UpdatedAt.UnixNano())
	return err
}

// --- ad_log ---

// InsertAdLogBatch writes entries in one transaction and returns the number
// of rows written.
func (r *Repo) InsertAdLogBatch(ctx context.Context, entries []AdLogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ad_log tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ad_log (channel, quality, streak, outcome, proxy_country, detected_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare ad_log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Channel, e.Quality, e.Streak, e.Outcome, e.ProxyCountry, e.DetectedAt.UnixNano()); err != nil {
			return 0, fmt.Errorf("insert ad_log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ad_log tx: %w", err)
	}
	return len(entries), nil
}

// ListAdLog returns the newest entries first. channel filters when non-empty.
func (r *Repo) ListAdLog(ctx context.Context, channel string, limit int) ([]AdLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, channel, quality, streak, outcome, proxy_country, detected_at_ns FROM ad_log"
	args := []any{}
	if channel != "" {
		query += " WHERE channel = ?"
		args = append(args, channel)
	}
	query += " ORDER BY detected_at_ns DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ad_log: %w", err)
	}
	defer rows.Close()

	result := []AdLogEntry{}
	for rows.Next() {
		var (
			e          AdLogEntry
			detectedNs int64
		)
		if err := rows.Scan(&e.ID, &e.Channel, &e.Quality, &e.Streak, &e.Outcome, &e.ProxyCountry, &detectedNs); err != nil {
			return nil, fmt.Errorf("scan ad_log: %w", err)
		}
		e.DetectedAt = time.Unix(0, detectedNs).UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}

// GetAdLog returns one entry by id, or ErrNotFound.
func (r *Repo) GetAdLog(ctx context.Context, id int64) (AdLogEntry, error) {
	var (
		e          AdLogEntry
		detectedNs int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, channel, quality, streak, outcome, proxy_country, detected_at_ns FROM ad_log WHERE id = ?", id,
	).Scan(&e.ID, &e.Channel, &e.Quality, &e.Streak, &e.Outcome, &e.ProxyCountry, &detectedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return AdLogEntry{}, ErrNotFound
	}
	if err != nil {
		return AdLogEntry{}, fmt.Errorf("get ad_log %d: %w", id, err)
	}
	e.DetectedAt = time.Unix(0, detectedNs).UTC()
	return e, nil
}

// PurgeAdLogBefore deletes entries detected before cutoff.
func (r *Repo) PurgeAdLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, "DELETE FROM ad_log WHERE detected_at_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge ad_log: %w", err)
	}
	return res.RowsAffected()
}
