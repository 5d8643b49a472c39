package registry

// This file contains the PostgreSQL backed store.

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/testbit/testbit/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS tests (
	id        BIGINT PRIMARY KEY,
	type      SMALLINT NOT NULL,
	status    SMALLINT NOT NULL,
	maintime  DOUBLE PRECISION NOT NULL,
	increment DOUBLE PRECISION NOT NULL,
	alpha     DOUBLE PRECISION NOT NULL,
	beta      DOUBLE PRECISION NOT NULL,
	elo0      DOUBLE PRECISION NOT NULL,
	elo1      DOUBLE PRECISION NOT NULL,
	eloe      DOUBLE PRECISION NOT NULL,
	games     BIGINT NOT NULL,
	branch    TEXT NOT NULL,
	revision  TEXT NOT NULL,
	t0        BIGINT NOT NULL DEFAULT 0,
	t1        BIGINT NOT NULL DEFAULT 0,
	t2        BIGINT NOT NULL DEFAULT 0,
	p0        BIGINT NOT NULL DEFAULT 0,
	p1        BIGINT NOT NULL DEFAULT 0,
	p2        BIGINT NOT NULL DEFAULT 0,
	p3        BIGINT NOT NULL DEFAULT 0,
	p4        BIGINT NOT NULL DEFAULT 0,
	llr       DOUBLE PRECISION NOT NULL DEFAULT 0,
	elo       DOUBLE PRECISION NOT NULL DEFAULT 0,
	pm        DOUBLE PRECISION NOT NULL DEFAULT 0,
	qtime     BIGINT NOT NULL DEFAULT 0,
	stime     BIGINT NOT NULL DEFAULT 0,
	dtime     BIGINT NOT NULL DEFAULT 0,
	patch     BYTEA NOT NULL
)`

const columns = `id, type, status, maintime, increment, alpha, beta, elo0, elo1, eloe,
	games, branch, revision, t0, t1, t2, p0, p1, p2, p3, p4, llr, elo, pm, qtime, stime, dtime`

// PostgresStore keeps tests in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and creates the table if it
// does not exist.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]model.Test, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM tests ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tests: %w", err)
	}
	defer rows.Close()

	var tests []model.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tests: %w", err)
	}
	return tests, nil
}

func (s *PostgresStore) Create(ctx context.Context, t model.Test, patch []byte) error {
	args := append(testArgs(t), patch)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tests (`+columns+`, patch)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to insert test: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, t model.Test) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tests SET
			type = $2, status = $3, maintime = $4, increment = $5, alpha = $6, beta = $7,
			elo0 = $8, elo1 = $9, eloe = $10, games = $11, branch = $12, revision = $13,
			t0 = $14, t1 = $15, t2 = $16, p0 = $17, p1 = $18, p2 = $19, p3 = $20, p4 = $21,
			llr = $22, elo = $23, pm = $24, qtime = $25, stime = $26, dtime = $27
		WHERE id = $1`,
		testArgs(t)...,
	)
	if err != nil {
		return fmt.Errorf("failed to update test: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("test %d: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Patch(ctx context.Context, id int64) ([]byte, error) {
	var patch []byte
	err := s.pool.QueryRow(ctx, `SELECT patch FROM tests WHERE id = $1`, id).Scan(&patch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("test %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query patch: %w", err)
	}
	return patch, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func testArgs(t model.Test) []any {
	return []any{
		t.ID, int16(t.Type), int16(t.Status),
		t.MainTime, t.Increment, t.Alpha, t.Beta, t.Elo0, t.Elo1, t.EloE,
		int64(t.Games), t.Branch, t.Commit,
		int64(t.T[0]), int64(t.T[1]), int64(t.T[2]),
		int64(t.P[0]), int64(t.P[1]), int64(t.P[2]), int64(t.P[3]), int64(t.P[4]),
		t.LLR, t.Elo, t.PM,
		t.QTime, t.STime, t.DTime,
	}
}

func scanTest(rows pgx.Rows) (model.Test, error) {
	var (
		t           model.Test
		typ, status int16
		games       int64
		tc          [3]int64
		pc          [5]int64
	)
	err := rows.Scan(
		&t.ID, &typ, &status,
		&t.MainTime, &t.Increment, &t.Alpha, &t.Beta, &t.Elo0, &t.Elo1, &t.EloE,
		&games, &t.Branch, &t.Commit,
		&tc[0], &tc[1], &tc[2],
		&pc[0], &pc[1], &pc[2], &pc[3], &pc[4],
		&t.LLR, &t.Elo, &t.PM,
		&t.QTime, &t.STime, &t.DTime,
	)
	if err != nil {
		return model.Test{}, fmt.Errorf("failed to scan test: %w", err)
	}

	t.Type = model.Type(typ)
	t.Status = model.Status(status)
	t.Games = uint64(games)
	for i, c := range tc {
		t.T[i] = uint64(c)
	}
	for i, c := range pc {
		t.P[i] = uint64(c)
	}
	return t, nil
}
