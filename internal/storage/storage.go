// Package storage defines the narrow persistence contract the admin
// surface's account/log/setting/signature tables would sit behind, with
// an in-memory implementation for tests and a modernc.org/sqlite-backed
// implementation as the reference durable store.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup by key finds nothing.
var ErrNotFound = errors.New("storage: not found")

// AccountRow is the persisted shape of one configured account, separate
// from pkg/redis.Account: this is the admin surface's durable record,
// not the live runtime state synced through Redis.
type AccountRow struct {
	Email        string
	Source       string
	Enabled      bool
	RefreshToken string
	APIKey       string
	ProjectID    string
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

// LogRow is one structured request-log entry.
type LogRow struct {
	ID          int64
	TimestampMs int64
	Account     string
	Model       string
	StatusCode  int
	DurationMs  int64
	Error       string
}

// SignatureRow is one cached thinking/tool signature entry, mirroring
// the shape internal/format's signature cache keeps in Redis, kept here
// so the durable store can seed or audit that cache.
type SignatureRow struct {
	Key         string
	Kind        string
	Value       string
	UpdatedAtMs int64
}

// Store is the persistence contract for accounts, request logs,
// key/value settings, and signature-cache rows. Every method takes a
// context so a sqlite-backed implementation can honor cancellation on a
// slow disk.
type Store interface {
	SaveAccount(ctx context.Context, row *AccountRow) error
	GetAccount(ctx context.Context, email string) (*AccountRow, error)
	ListAccounts(ctx context.Context) ([]*AccountRow, error)
	DeleteAccount(ctx context.Context, email string) error

	AppendLog(ctx context.Context, row *LogRow) error
	ListLogs(ctx context.Context, limit int) ([]*LogRow, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	SaveSignature(ctx context.Context, row *SignatureRow) error
	GetSignature(ctx context.Context, key string) (*SignatureRow, error)

	Close() error
}
