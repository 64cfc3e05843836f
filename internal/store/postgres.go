package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/offer-orchestrator/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock implements it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLog implements DecisionLog using pgxpool.
type PostgresLog struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresLog with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresLog, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresLog{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS decisions (
	id             TEXT PRIMARY KEY,
	request_id     TEXT NOT NULL,
	member_id      TEXT NOT NULL,
	status         TEXT NOT NULL,
	offer          TEXT,
	failed_service TEXT,
	status_code    INTEGER NOT NULL DEFAULT 0,
	history_len    INTEGER NOT NULL DEFAULT 0,
	latency_ms     BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_member_id ON decisions(member_id);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);
`

func (s *PostgresLog) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresLog) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresLog) Record(ctx context.Context, d model.Decision) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO decisions (id, request_id, member_id, status, offer, failed_service, status_code, history_len, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.RequestID, d.MemberID, string(d.Status), d.Offer, d.FailedService,
		d.StatusCode, d.HistoryLen, d.LatencyMS, d.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert decision")
}

func (s *PostgresLog) List(ctx context.Context, filter DecisionFilter) ([]model.Decision, error) {
	query := `SELECT id, request_id, member_id, status, offer, failed_service, status_code, history_len, latency_ms, created_at FROM decisions`
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(string(filter.Status)))
	}
	if filter.MemberID != "" {
		conds = append(conds, "member_id = "+arg(filter.MemberID))
	}
	if !filter.CreatedAfter.IsZero() {
		conds = append(conds, "created_at > "+arg(filter.CreatedAfter.UTC()))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var decisions []model.Decision
	for rows.Next() {
		var d model.Decision
		var status string
		var createdAt time.Time
		if err := rows.Scan(&d.ID, &d.RequestID, &d.MemberID, &status, &d.Offer,
			&d.FailedService, &d.StatusCode, &d.HistoryLen, &d.LatencyMS, &createdAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		d.Status = model.DecisionStatus(status)
		d.CreatedAt = createdAt.UTC()
		decisions = append(decisions, d)
	}
	return decisions, eris.Wrap(rows.Err(), "postgres: iterate decisions")
}
