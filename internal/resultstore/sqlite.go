package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS results (
    job_id     INTEGER PRIMARY KEY,
    outcome    TEXT    NOT NULL,
    value      BLOB,
    error      TEXT    NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    checksum   INTEGER NOT NULL
);
`

// SQLiteStore keeps every record as a row in the results table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("resultstore: sqlite backend requires a path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("resultstore: open sqlite %s: %w", path, err)
	}
	// Workers write concurrently; a single connection serializes them
	// inside database/sql instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultstore: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec types.Record) error {
	rec, err := normalize(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results (job_id, outcome, value, error, created_at, checksum)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		int64(rec.JobID), string(rec.Outcome), []byte(rec.Value), rec.Error, rec.CreatedAt, int64(Checksum(rec)),
	)
	if err != nil {
		return fmt.Errorf("resultstore: insert record %d: %w", rec.JobID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resultstore: insert record %d: %w", rec.JobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %d", ErrAlreadyExists, rec.JobID)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id types.JobID) (types.Record, error) {
	var (
		rec      types.Record
		jobID    int64
		outcome  string
		value    []byte
		checksum int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, outcome, value, error, created_at, checksum FROM results WHERE job_id = ?`,
		int64(id),
	).Scan(&jobID, &outcome, &value, &rec.Error, &rec.CreatedAt, &checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Record{}, fmt.Errorf("%w: job %d", ErrNotFound, id)
		}
		return types.Record{}, fmt.Errorf("resultstore: load record %d: %w", id, err)
	}

	rec.JobID = types.JobID(jobID)
	rec.Outcome = types.Outcome(outcome)
	if len(value) > 0 {
		rec.Value = value
	}

	if err := verify(id, rec, uint32(checksum)); err != nil {
		return types.Record{}, err
	}
	return rec, nil
}

func (s *SQLiteStore) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results`)
	if err != nil {
		return 0, fmt.Errorf("resultstore: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resultstore: purge: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
