// Package analytics persists append-only interview telemetry: intervention
// flags, quick actions, and score rows. Writes are best effort and never
// fail a turn; the engine logs and continues on sink errors.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vettaio/vetta/pkg/agents"
	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/scoring"
)

// Store writes telemetry rows over database/sql. Dialects: sqlite,
// postgres, mysql.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects and ensures the schema exists.
func Open(cfg config.AnalyticsConfig) (*Store, error) {
	switch cfg.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			_ = os.MkdirAll(dir, 0755)
		}
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s analytics database: %w", cfg.Driver, err)
	}

	s := &Store{db: db, dialect: cfg.Driver}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize analytics schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS interview_flags (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TIMESTAMP NOT NULL,
    interview_id VARCHAR(255) NOT NULL,
    candidate_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    stage VARCHAR(50) NOT NULL,
    question_id VARCHAR(255) NOT NULL,
    action VARCHAR(50) NOT NULL,
    severity VARCHAR(50) NOT NULL,
    reason_codes TEXT,
    raw_text TEXT,
    safe_reply TEXT,
    skip_streak INTEGER NOT NULL,
    metadata TEXT
);

CREATE TABLE IF NOT EXISTS quick_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TIMESTAMP NOT NULL,
    interview_id VARCHAR(255) NOT NULL,
    candidate_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    stage VARCHAR(50) NOT NULL,
    question_id VARCHAR(255) NOT NULL,
    action_id VARCHAR(50) NOT NULL,
    source VARCHAR(50) NOT NULL,
    latency_ms BIGINT,
    metadata TEXT
);

CREATE TABLE IF NOT EXISTS scores (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TIMESTAMP NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    competency_id VARCHAR(255) NOT NULL,
    item_id VARCHAR(255) NOT NULL,
    turn_index INTEGER NOT NULL,
    overall REAL NOT NULL,
    best_of REAL NOT NULL,
    band VARCHAR(20) NOT NULL,
    notes TEXT
);

CREATE TABLE IF NOT EXISTS scores_summary (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TIMESTAMP NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    competency_id VARCHAR(255) NOT NULL,
    attempted INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    avg REAL NOT NULL,
    median REAL NOT NULL,
    max REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS scores_overall (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TIMESTAMP NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    competencies INTEGER NOT NULL,
    avg REAL NOT NULL,
    median REAL NOT NULL,
    max REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flags_session ON interview_flags(session_id);
CREATE INDEX IF NOT EXISTS idx_quick_actions_session ON quick_actions(session_id);
CREATE INDEX IF NOT EXISTS idx_scores_session ON scores(session_id);
`

// Migrate creates the telemetry tables for the active dialect.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := createTablesSQL
	switch s.dialect {
	case "postgres":
		ddl = strings.ReplaceAll(ddl, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		ddl = strings.ReplaceAll(ddl, "REAL", "DOUBLE PRECISION")
	case "mysql":
		ddl = strings.ReplaceAll(ddl, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT PRIMARY KEY AUTO_INCREMENT")
		ddl = strings.ReplaceAll(ddl, "REAL", "DOUBLE")
	}

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create analytics tables: %w", err)
	}
	return nil
}

// QuickActionRecord is one logged quick action.
type QuickActionRecord struct {
	InterviewID string
	CandidateID string
	SessionID   string
	Stage       string
	QuestionID  string
	ActionID    string
	Source      string
	LatencyMS   int64
}

// Quick-action sources.
const (
	SourceClient  = "client"
	SourceIntent  = "intent"
	SourceMonitor = "monitor"
)

// InsertFlag records a non-ALLOW monitor outcome. Implements
// agents.FlagSink.
func (s *Store) InsertFlag(ctx context.Context, flag agents.FlagRecord) error {
	reasonCodes, _ := json.Marshal(flag.ReasonCodes)
	metadata, _ := json.Marshal(map[string]any{
		"cosine":      flag.Cosine,
		"token_count": flag.TokenCount,
		"safety_hits": flag.SafetyHits,
	})

	query := s.rebind(`
INSERT INTO interview_flags (created_at, interview_id, candidate_id, session_id, stage, question_id, action, severity, reason_codes, raw_text, safe_reply, skip_streak, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query,
		time.Now().UTC(), flag.InterviewID, flag.CandidateID, flag.SessionID,
		flag.Stage, flag.QuestionID, flag.Action, flag.Severity,
		string(reasonCodes), flag.RawText, flag.SafeReply, flag.SkipStreak, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert interview flag: %w", err)
	}
	return nil
}

// InsertQuickAction records one quick action invocation.
func (s *Store) InsertQuickAction(ctx context.Context, rec QuickActionRecord) error {
	query := s.rebind(`
INSERT INTO quick_actions (created_at, interview_id, candidate_id, session_id, stage, question_id, action_id, source, latency_ms, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query,
		time.Now().UTC(), rec.InterviewID, rec.CandidateID, rec.SessionID,
		rec.Stage, rec.QuestionID, rec.ActionID, rec.Source, rec.LatencyMS, "{}",
	)
	if err != nil {
		return fmt.Errorf("failed to insert quick action: %w", err)
	}
	return nil
}

// ScoreRecord is one per-item score row.
type ScoreRecord struct {
	SessionID    string
	CompetencyID string
	ItemID       string
	TurnIndex    int
	Overall      float64
	BestOf       float64
	Band         string
	Notes        string
}

// InsertScore records one evaluated turn with its running best-of.
func (s *Store) InsertScore(ctx context.Context, rec ScoreRecord) error {
	query := s.rebind(`
INSERT INTO scores (created_at, session_id, competency_id, item_id, turn_index, overall, best_of, band, notes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query,
		time.Now().UTC(), rec.SessionID, rec.CompetencyID, rec.ItemID,
		rec.TurnIndex, rec.Overall, rec.BestOf, rec.Band, rec.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert score: %w", err)
	}
	return nil
}

// InsertCompetencySummary writes the finalize row for one competency.
func (s *Store) InsertCompetencySummary(ctx context.Context, sessionID string, summary scoring.CompetencySummary) error {
	query := s.rebind(`
INSERT INTO scores_summary (created_at, session_id, competency_id, attempted, skipped, avg, median, max)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query,
		time.Now().UTC(), sessionID, summary.CompetencyID,
		summary.Attempted, summary.Skipped, summary.Avg, summary.Median, summary.Max,
	)
	if err != nil {
		return fmt.Errorf("failed to insert competency summary: %w", err)
	}
	return nil
}

// InsertOverallSummary writes the session finalize row.
func (s *Store) InsertOverallSummary(ctx context.Context, sessionID string, summary scoring.OverallSummary) error {
	query := s.rebind(`
INSERT INTO scores_overall (created_at, session_id, competencies, avg, median, max)
VALUES (?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query,
		time.Now().UTC(), sessionID, summary.Competencies,
		summary.Avg, summary.Median, summary.Max,
	)
	if err != nil {
		return fmt.Errorf("failed to insert overall summary: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $N for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var out strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&out, "$%d", n)
			continue
		}
		out.WriteByte(query[i])
	}
	return out.String()
}
