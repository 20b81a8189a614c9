// ============================================================================
// statsrunner Result Store
// ============================================================================
//
// Package: internal/resultstore
// File: store.go
// Purpose: Durable, job-id keyed storage of computed results.
//
// Guarantees:
//   - Save creates a record at most once per job id (ErrAlreadyExists after)
//   - Load distinguishes "not produced yet" (ErrNotFound) from "unreadable"
//     (ErrCorrupt, carried by *CorruptionError / *ChecksumError)
//   - Save is safe for concurrent callers writing different ids
//   - Purge removes every record; used by the shutdown sweep only
//
// Backends:
//   file   - one JSON envelope per job under a directory (default)
//   sqlite - a single `results` table (modernc.org/sqlite, no cgo)
//   redis  - one key per job, SETNX for at-most-once
//
// ============================================================================

package resultstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// Predefined errors
var (
	// ErrNotFound indicates no record exists for the job id (yet)
	ErrNotFound = errors.New("resultstore: record not found")

	// ErrAlreadyExists indicates a second Save for the same job id
	ErrAlreadyExists = errors.New("resultstore: record already exists")

	// ErrCorrupt indicates the persisted record cannot be trusted
	ErrCorrupt = errors.New("resultstore: record is corrupted")

	// ErrUnknownBackend indicates an unsupported Config.Kind
	ErrUnknownBackend = errors.New("resultstore: unknown backend")
)

// Store is the persistence contract used by workers and pollers.
type Store interface {
	// Save persists rec under rec.JobID.
	Save(ctx context.Context, rec types.Record) error

	// Load returns the record for id.
	Load(ctx context.Context, id types.JobID) (types.Record, error)

	// Purge deletes every record and returns how many were removed.
	Purge(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// Backend kinds accepted by Open.
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
	KindRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Kind        string
	Dir         string // file backend
	SQLitePath  string // sqlite backend
	RedisURL    string // redis backend
	RedisPrefix string // redis backend key prefix
}

// Open creates the backend described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case KindFile, "":
		return NewFileStore(cfg.Dir)
	case KindSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case KindRedis:
		return NewRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Kind)
	}
}

// CorruptionError represents an unreadable record
type CorruptionError struct {
	JobID types.JobID // Job whose record failed to decode
	Cause error       // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("resultstore: record %d is corrupted: %v", e.JobID, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrCorrupt) hold.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupt
}

// ChecksumError represents a checksum mismatch on load
type ChecksumError struct {
	JobID    types.JobID
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("resultstore: checksum mismatch for record %d (expected=0x%08x, got=0x%08x)",
		e.JobID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrCorrupt) hold.
func (e *ChecksumError) Is(target error) bool {
	return target == ErrCorrupt
}
