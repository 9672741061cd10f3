package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/metrics"
	"github.com/fyrsmithlabs/recalld/internal/patterns"
)

var (
	// ErrPersistence indicates a storage write failure. Callers route the
	// record to the recovery buffer when they see this.
	ErrPersistence = errors.New("ledger persistence failed")
)

// Ledger deduplicates and persists interactions, and maintains the
// pattern and behavior-trait aggregates, all in one SQLite database.
//
// Every accepted interaction commits as a single transaction covering the
// interaction row, pattern upserts, and trait appends, so a reader never
// observes one without the others.
type Ledger struct {
	db        *sql.DB
	extractor *patterns.Extractor
	logger    *zap.Logger
}

// OpenLedger opens (creating if needed) the ledger database.
func OpenLedger(path string, extractor *patterns.Extractor, logger *zap.Logger) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("ledger: extractor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	// Single writer avoids SQLITE_BUSY under concurrent submissions; the
	// serialized read-increment-write on pattern rows needs it anyway.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	l := &Ledger{db: db, extractor: extractor, logger: logger.Named("ledger")}
	if err := l.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS interactions (
            content_hash  TEXT PRIMARY KEY,
            session_id    TEXT NOT NULL,
            user_text     TEXT NOT NULL,
            response_text TEXT NOT NULL,
            tools_used    JSON,
            created_at    DATETIME NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);`,
		`CREATE TABLE IF NOT EXISTS pattern_aggregates (
            pattern_type  TEXT NOT NULL,
            pattern_value TEXT NOT NULL,
            frequency     INTEGER NOT NULL DEFAULT 1,
            confidence    REAL NOT NULL DEFAULT 0.5,
            last_seen     DATETIME NOT NULL,
            PRIMARY KEY (pattern_type, pattern_value)
        );`,
		`CREATE TABLE IF NOT EXISTS behavior_traits (
            id         INTEGER PRIMARY KEY AUTOINCREMENT,
            category   TEXT NOT NULL,
            trait      TEXT NOT NULL,
            value      TEXT NOT NULL,
            confidence REAL NOT NULL DEFAULT 0.5,
            created_at DATETIME NOT NULL
        );`,
	}

	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: ensure schema: %w", err)
		}
	}
	return nil
}

// Submit records an interaction.
//
// Re-submitting identical content is idempotent: the second call returns
// Duplicate without side effects. Interactions with no text in either field
// are skipped, reported as such, and never persisted. A storage error wraps
// ErrPersistence and leaves no partial state behind.
func (l *Ledger) Submit(ctx context.Context, in Interaction) (SubmitResult, error) {
	if in.Empty() {
		l.logger.Debug("skipping empty interaction", zap.String("session_id", in.SessionID))
		return SubmitResult{Skipped: true}, nil
	}

	hash := in.ContentHash()
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM interactions WHERE content_hash = ?`, hash).Scan(&exists)
	switch {
	case err == nil:
		return SubmitResult{Duplicate: true}, nil
	case errors.Is(err, sql.ErrNoRows):
		// New content, fall through.
	default:
		return SubmitResult{}, fmt.Errorf("%w: dedup check: %v", ErrPersistence, err)
	}

	tools, err := json.Marshal(in.ToolsUsed)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: encode tools: %v", ErrPersistence, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO interactions (content_hash, session_id, user_text, response_text, tools_used, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		hash, in.SessionID, in.UserText, in.ResponseText, string(tools), ts)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: insert interaction: %v", ErrPersistence, err)
	}

	found := l.extractor.Extract(in.UserText, in.ResponseText)
	for _, p := range found {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pattern_aggregates (pattern_type, pattern_value, frequency, confidence, last_seen)
             VALUES (?, ?, 1, 0.5, ?)
             ON CONFLICT(pattern_type, pattern_value)
             DO UPDATE SET frequency = frequency + 1, last_seen = excluded.last_seen`,
			string(p.Type), p.Value, ts)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("%w: upsert pattern %s/%s: %v", ErrPersistence, p.Type, p.Value, err)
		}
	}

	for _, tr := range l.extractor.Traits(in.UserText, in.ResponseText) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO behavior_traits (category, trait, value, confidence, created_at)
             VALUES (?, ?, ?, ?, ?)`,
			tr.Category, tr.Name, tr.Value, tr.Confidence, ts)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("%w: append trait %s/%s: %v", ErrPersistence, tr.Category, tr.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}

	for _, p := range found {
		metrics.PatternsExtracted.WithLabelValues(string(p.Type)).Inc()
	}

	l.logger.Debug("interaction accepted",
		zap.String("content_hash", hash),
		zap.String("session_id", in.SessionID),
		zap.Int("patterns_found", len(found)))

	return SubmitResult{Accepted: true, PatternsFound: len(found)}, nil
}

// Stats computes aggregate counters from persisted state.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{PatternsByType: make(map[string]int)}

	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT session_id) FROM interactions`).
		Scan(&stats.TotalInteractions, &stats.TotalSessions)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: interaction counts: %w", err)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT pattern_type, COUNT(*) FROM pattern_aggregates GROUP BY pattern_type`)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: pattern counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return Stats{}, fmt.Errorf("ledger: scan pattern count: %w", err)
		}
		stats.PatternsByType[typ] = count
		stats.TotalPatterns += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("ledger: pattern counts: %w", err)
	}

	return stats, nil
}

// PatternFrequency returns the stored frequency for one aggregate, zero if
// the pattern has never been seen.
func (l *Ledger) PatternFrequency(ctx context.Context, typ, value string) (int, error) {
	var freq int
	err := l.db.QueryRowContext(ctx,
		`SELECT frequency FROM pattern_aggregates WHERE pattern_type = ? AND pattern_value = ?`,
		typ, value).Scan(&freq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: pattern frequency: %w", err)
	}
	return freq, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
