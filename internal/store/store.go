// Package store defines the persistence contract shared by the sqlite3 and
// postgres backends: Credential/CallRecord/ErrorEntry/ConfigEntry/AdminSession
// rows, and the operations the credential pool, scheduler, config registry
// and admin surface run against them.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/config"
	"github.com/rakunlabs/gemini-relay/internal/store/postgres"
	"github.com/rakunlabs/gemini-relay/internal/store/sqlite3"
)

// Credential mirrors the credentials table. Secret always holds plaintext;
// decryption (if the store was configured with an encryption key) happens
// inside the backend before a row is handed back here.
type Credential struct {
	ID           int64
	Secret       string
	Valid        bool
	FailureCount int
	LastUsed     *time.Time
}

// CallRecord mirrors one row of the call_records table.
type CallRecord struct {
	ID                 int64
	CredentialID       int64
	ModelName          *string
	IdentificationCode *int
	Timestamp          time.Time
}

// ErrorEntry mirrors one row of the error_entries table.
type ErrorEntry struct {
	ID                 int64
	CredentialID       int64
	ModelName          *string
	IdentificationCode *int
	Message            string
	Timestamp          time.Time
}

// AdminSession mirrors one row of the admin_sessions table.
type AdminSession struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// HashSecret computes the deterministic lookup key stored alongside the
// (possibly encrypted, therefore non-deterministic) secret column. AES-GCM
// uses a random nonce per call, so the ciphertext itself cannot serve as a
// unique/lookup key; every backend indexes on this hash instead and only
// decrypts the secret column when the plaintext value itself is needed.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Backend is implemented identically by the sqlite3 and postgres packages.
type Backend interface {
	RefillCredentials(ctx context.Context, limit int, now time.Time) ([]Credential, error)
	RecordSuccess(ctx context.Context, secret string, modelName *string, now time.Time) error
	RecordFailure(ctx context.Context, secret string, modelName *string, code *int, message *string, maxFailures int, now time.Time) error
	LogRequestFailure(ctx context.Context, secret string, modelName *string, code int, message string, now time.Time) error
	AddCredential(ctx context.Context, secret string, now time.Time) error
	Reactivate(ctx context.Context, secret string) error
	ListCredentials(ctx context.Context) ([]Credential, error)
	ListInvalidCredentials(ctx context.Context) ([]Credential, error)
	DeleteCredential(ctx context.Context, id int64) error
	CountCredentials(ctx context.Context) (int, error)

	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string) error

	CreateSession(ctx context.Context, token string, createdAt, expiresAt time.Time) error
	GetSession(ctx context.Context, token string) (*AdminSession, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	ListErrorEntries(ctx context.Context, limit, offset int) ([]ErrorEntry, error)
	ListCallRecords(ctx context.Context, limit, offset int) ([]CallRecord, error)
	PruneErrorEntries(ctx context.Context, olderThan time.Time) (int64, error)
	PruneCallRecords(ctx context.Context, olderThan time.Time) (int64, error)

	Close()
}

// New opens the configured backend. SQLite is the default; Postgres is used
// only when cfg.Postgres is set, matching the spec's "embedded by default,
// Postgres optional" framing.
func New(ctx context.Context, cfg config.Store, encKey []byte) (Backend, error) {
	switch {
	case cfg.Postgres != nil:
		b, err := postgres.New(ctx, cfg.Postgres, encKey)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return b, nil
	case cfg.SQLite != nil:
		b, err := sqlite3.New(ctx, cfg.SQLite, encKey)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return b, nil
	default:
		b, err := sqlite3.New(ctx, &config.StoreSQLite{Datasource: "data.db"}, encKey)
		if err != nil {
			return nil, fmt.Errorf("open default sqlite store: %w", err)
		}
		return b, nil
	}
}
