package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/offer-orchestrator/internal/model"
)

// SQLiteLog implements DecisionLog using modernc.org/sqlite. It is the
// default driver so the orchestrator runs with zero infrastructure.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteLog{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS decisions (
	id             TEXT PRIMARY KEY,
	request_id     TEXT NOT NULL,
	member_id      TEXT NOT NULL,
	status         TEXT NOT NULL,
	offer          TEXT,
	failed_service TEXT,
	status_code    INTEGER NOT NULL DEFAULT 0,
	history_len    INTEGER NOT NULL DEFAULT 0,
	latency_ms     INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_member_id ON decisions(member_id);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);
`

func (s *SQLiteLog) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

func (s *SQLiteLog) Record(ctx context.Context, d model.Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, request_id, member_id, status, offer, failed_service, status_code, history_len, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RequestID, d.MemberID, string(d.Status), d.Offer, d.FailedService,
		d.StatusCode, d.HistoryLen, d.LatencyMS, d.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert decision")
}

func (s *SQLiteLog) List(ctx context.Context, filter DecisionFilter) ([]model.Decision, error) {
	query := `SELECT id, request_id, member_id, status, offer, failed_service, status_code, history_len, latency_ms, created_at FROM decisions`
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.MemberID != "" {
		conds = append(conds, "member_id = ?")
		args = append(args, filter.MemberID)
	}
	if !filter.CreatedAfter.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, filter.CreatedAfter.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close() //nolint:errcheck

	var decisions []model.Decision
	for rows.Next() {
		var d model.Decision
		var status string
		var createdAt time.Time
		if err := rows.Scan(&d.ID, &d.RequestID, &d.MemberID, &status, &d.Offer,
			&d.FailedService, &d.StatusCode, &d.HistoryLen, &d.LatencyMS, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		d.Status = model.DecisionStatus(status)
		d.CreatedAt = createdAt.UTC()
		decisions = append(decisions, d)
	}
	return decisions, eris.Wrap(rows.Err(), "sqlite: iterate decisions")
}
