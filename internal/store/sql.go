package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elonfeng/flowtrends/pkg/source"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on SQLite or Postgres. The live snapshot of a
// source is every row tagged with it; replacement is one transaction.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time

	// SQLite allows one writer at a time; queue replaces here instead of
	// failing with SQLITE_BUSY. Readers never take it.
	writeMu sync.Mutex
}

type trendRow struct {
	ID          int64     `db:"id"`
	Source      string    `db:"source"`
	Label       string    `db:"label"`
	Platform    string    `db:"platform"`
	MetricsJSON string    `db:"metrics_json"`
	BatchID     string    `db:"batch_id"`
	CreatedAt   time.Time `db:"created_at"`
}

const selectRows = `SELECT id, source, label, platform, metrics_json, batch_id, created_at FROM workflow_trends`

// NewSQLite opens a SQLite database and runs migrations.
func NewSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return newSQLStore(db, sqliteSchema)
}

// NewPostgres connects to Postgres and runs migrations.
func NewPostgres(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(db, postgresSchema)
}

func newSQLStore(db *sqlx.DB, schema string) (*SQLStore, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ReplaceSource deletes every row of st and inserts bundles in order, all in
// one transaction. On any failure the transaction rolls back and readers
// keep seeing the previous snapshot.
func (s *SQLStore) ReplaceSource(ctx context.Context, st source.SourceType, bundles []source.Bundle) (Commit, error) {
	payloads, err := encodeBundles(st, bundles)
	if err != nil {
		return Commit{}, err
	}

	commit := Commit{
		Source:      st,
		BatchID:     uuid.NewString(),
		Count:       len(bundles),
		CommittedAt: s.now(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Commit{}, fmt.Errorf("replace %s: begin: %w: %w", st, ErrPersistence, err)
	}
	// No-op once committed.
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM workflow_trends WHERE source = ?"), st); err != nil {
		return Commit{}, fmt.Errorf("replace %s: delete: %w: %w", st, ErrPersistence, err)
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO workflow_trends (source, label, platform, metrics_json, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return Commit{}, fmt.Errorf("replace %s: prepare: %w: %w", st, ErrPersistence, err)
	}
	defer stmt.Close()

	for i, b := range bundles {
		if _, err := stmt.ExecContext(ctx, st, b.Label, b.Platform, payloads[i], commit.BatchID, commit.CommittedAt); err != nil {
			return Commit{}, fmt.Errorf("replace %s: insert record %d: %w: %w", st, i, ErrPersistence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Commit{}, fmt.Errorf("replace %s: commit: %w: %w", st, ErrPersistence, err)
	}
	return commit, nil
}

// ReadSource returns the committed snapshot of st in insertion order.
func (s *SQLStore) ReadSource(ctx context.Context, st source.SourceType) ([]source.Bundle, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %q", source.ErrInvalidSource, st)
	}

	var rows []trendRow
	query := s.db.Rebind(selectRows + " WHERE source = ? ORDER BY id")
	if err := s.db.SelectContext(ctx, &rows, query, st); err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", st, ErrPersistence, err)
	}

	bundles := make([]source.Bundle, 0, len(rows))
	for _, r := range rows {
		b, err := r.bundle()
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// ReadAll returns every source's snapshot from a single query, so the
// result never mixes states from before and after a concurrent commit.
func (s *SQLStore) ReadAll(ctx context.Context) (map[source.SourceType][]source.Bundle, error) {
	var rows []trendRow
	if err := s.db.SelectContext(ctx, &rows, selectRows+" ORDER BY id"); err != nil {
		return nil, fmt.Errorf("read all: %w: %w", ErrPersistence, err)
	}

	out := make(map[source.SourceType][]source.Bundle, len(source.AllSourceTypes()))
	for _, st := range source.AllSourceTypes() {
		out[st] = []source.Bundle{}
	}
	for _, r := range rows {
		b, err := r.bundle()
		if err != nil {
			return nil, err
		}
		if _, ok := out[b.Source]; !ok {
			continue
		}
		out[b.Source] = append(out[b.Source], b)
	}
	return out, nil
}

func (s *SQLStore) CountBySource(ctx context.Context) (map[source.SourceType]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT source, COUNT(*) AS cnt FROM workflow_trends GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("count by source: %w: %w", ErrPersistence, err)
	}
	defer rows.Close()

	counts := make(map[source.SourceType]int)
	for _, st := range source.AllSourceTypes() {
		counts[st] = 0
	}
	for rows.Next() {
		var src string
		var cnt int
		if err := rows.Scan(&src, &cnt); err != nil {
			return nil, fmt.Errorf("count by source: %w: %w", ErrPersistence, err)
		}
		counts[source.SourceType(src)] = cnt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by source: %w: %w", ErrPersistence, err)
	}
	return counts, nil
}

func (r trendRow) bundle() (source.Bundle, error) {
	m, err := decodeMetrics(r.ID, r.MetricsJSON)
	if err != nil {
		return source.Bundle{}, err
	}
	return source.Bundle{
		ID:        r.ID,
		Source:    source.SourceType(r.Source),
		Label:     r.Label,
		Platform:  r.Platform,
		Metrics:   m,
		BatchID:   r.BatchID,
		CreatedAt: r.CreatedAt,
	}, nil
}
