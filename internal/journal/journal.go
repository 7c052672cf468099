// Package journal records every verdict the companion showed, in PostgreSQL.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/protocol"
)

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS verdicts (
    id TEXT PRIMARY KEY,
    context_id INTEGER NOT NULL,
    url TEXT NOT NULL,
    identity TEXT NOT NULL,
    label TEXT NOT NULL,
    reason TEXT NOT NULL,
    final_url TEXT NOT NULL,
    redirect_suspicious BOOLEAN NOT NULL,
    redirect_reason TEXT NOT NULL,
    failed BOOLEAN NOT NULL,
    checked_at TIMESTAMPTZ NOT NULL
);`

const insertSQL = `
INSERT INTO verdicts (id, context_id, url, identity, label, reason, final_url, redirect_suspicious, redirect_reason, failed, checked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`

const recentSQL = `
SELECT id, context_id, url, identity, label, reason, final_url, redirect_suspicious, redirect_reason, failed, checked_at
FROM verdicts
ORDER BY checked_at DESC
LIMIT $1;`

// Entry is one shown verdict. Failed marks the error verdicts produced when
// the check itself did not complete.
type Entry struct {
	ID                 string
	ContextID          int
	URL                string
	Identity           string
	Label              protocol.Label
	Reason             string
	FinalURL           string
	RedirectSuspicious bool
	RedirectReason     string
	Failed             bool
	CheckedAt          time.Time
}

// NewEntry flattens a verdict into a journal row.
func NewEntry(contextID int, url, identity string, v protocol.Verdict, failed bool) Entry {
	return Entry{
		ID:                 uuid.NewString(),
		ContextID:          contextID,
		URL:                url,
		Identity:           identity,
		Label:              v.Classification.Label,
		Reason:             v.Classification.Reason,
		FinalURL:           v.Redirect.FinalURL,
		RedirectSuspicious: v.Redirect.IsSuspicious,
		RedirectReason:     v.Redirect.Reason,
		Failed:             failed,
		CheckedAt:          time.Now().UTC(),
	}
}

// Verdict rebuilds the verdict that was shown.
func (e Entry) Verdict() protocol.Verdict {
	return protocol.Verdict{
		Classification: protocol.ClassificationResult{Label: e.Label, Reason: e.Reason},
		Redirect: protocol.RedirectResult{
			FinalURL:     e.FinalURL,
			IsSuspicious: e.RedirectSuspicious,
			Reason:       e.RedirectReason,
		},
	}
}

// Journal is the PostgreSQL verdict journal.
type Journal struct {
	pool DBPool
	log  *zap.Logger
}

// New creates the journal and makes sure its table exists.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to ensure journal schema: %w", err)
	}
	return &Journal{pool: pool, log: logger.Named("journal")}, nil
}

// Open connects to databaseURL. The returned func closes the pool.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*Journal, func(), error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	j, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return j, pool.Close, nil
}

// Record inserts one entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CheckedAt.IsZero() {
		e.CheckedAt = time.Now()
	}
	_, err := j.pool.Exec(ctx, insertSQL,
		e.ID, e.ContextID, e.URL, e.Identity,
		string(e.Label), e.Reason,
		e.FinalURL, e.RedirectSuspicious, e.RedirectReason,
		e.Failed, e.CheckedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record verdict for %s: %w", e.URL, err)
	}
	j.log.Debug("Verdict recorded", zap.String("id", e.ID), zap.String("label", string(e.Label)))
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	rows, err := j.pool.Query(ctx, recentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdicts: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			label string
		)
		if err := rows.Scan(
			&e.ID, &e.ContextID, &e.URL, &e.Identity,
			&label, &e.Reason,
			&e.FinalURL, &e.RedirectSuspicious, &e.RedirectReason,
			&e.Failed, &e.CheckedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan verdict row: %w", err)
		}
		e.Label = protocol.Label(label)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}
