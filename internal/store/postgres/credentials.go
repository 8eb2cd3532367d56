package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/crypto"
	"github.com/rakunlabs/gemini-relay/internal/store"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/worldline-go/types"
)

type credentialRow struct {
	ID           int64
	Secret       string
	Valid        bool
	FailureCount int
	LastUsed     types.Null[types.Time]
}

func (p *Postgres) scanCredential(row credentialRow) (store.Credential, error) {
	secret, err := crypto.DecryptSecret(row.Secret, p.currentKey())
	if err != nil {
		return store.Credential{}, fmt.Errorf("decrypt credential secret: %w", err)
	}

	c := store.Credential{
		ID:           row.ID,
		Secret:       secret,
		Valid:        row.Valid,
		FailureCount: row.FailureCount,
	}
	if row.LastUsed.Valid {
		t := row.LastUsed.V.Time
		c.LastUsed = &t
	}

	return c, nil
}

// RefillCredentials returns up to limit valid credentials, least-recently-used
// first (NULL last_used sorts first, id breaks ties), for the rotation queue
// to draw from, and stamps their last_used to now in the same transaction so
// LRU ordering advances on dispatch.
func (p *Postgres) RefillCredentials(ctx context.Context, limit int, now time.Time) ([]store.Credential, error) {
	var result []store.Credential

	err := p.wg.Do(func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		query, _, err := p.goqu.From(p.tableCredentials).
			Select("id", "secret", "valid", "failure_count", "last_used").
			Where(goqu.I("valid").Eq(true)).
			Order(goqu.I("last_used").Asc().NullsFirst(), goqu.I("id").Asc()).
			Limit(uint(limit)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build refill query: %w", err)
		}

		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("refill credentials: %w", err)
		}

		var ids []any
		for rows.Next() {
			var row credentialRow
			if err := rows.Scan(&row.ID, &row.Secret, &row.Valid, &row.FailureCount, &row.LastUsed); err != nil {
				rows.Close()
				return fmt.Errorf("scan credential row: %w", err)
			}

			c, err := p.scanCredential(row)
			if err != nil {
				rows.Close()
				return err
			}
			result = append(result, c)
			ids = append(ids, row.ID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(ids) > 0 {
			updateQuery, _, err := p.goqu.Update(p.tableCredentials).
				Set(goqu.Record{"last_used": now.UTC()}).
				Where(goqu.I("id").In(ids...)).
				ToSQL()
			if err != nil {
				return fmt.Errorf("build refill last_used update: %w", err)
			}
			if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
				return fmt.Errorf("update refilled last_used: %w", err)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (p *Postgres) findCredentialID(ctx context.Context, tx *sql.Tx, secretHash string) (int64, error) {
	query, _, err := p.goqu.From(p.tableCredentials).
		Select("id").
		Where(goqu.I("secret_hash").Eq(secretHash)).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build find credential query: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx, query).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("credential not found")
	}
	if err != nil {
		return 0, fmt.Errorf("find credential: %w", err)
	}

	return id, nil
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RecordSuccess marks a credential as just used and logs a call record, all
// within a single write-guarded transaction.
func (p *Postgres) RecordSuccess(ctx context.Context, secret string, modelName *string, now time.Time) error {
	return p.wg.Do(func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		hash := store.HashSecret(secret)
		id, err := p.findCredentialID(ctx, tx, hash)
		if err != nil {
			return err
		}

		updateQuery, _, err := p.goqu.Update(p.tableCredentials).
			Set(goqu.Record{"last_used": now.UTC(), "failure_count": 0}).
			Where(goqu.I("id").Eq(id)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build update query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update credential last_used: %w", err)
		}

		var code *int
		if modelName != nil {
			c := 200
			code = &c
		}

		insertQuery, _, err := p.goqu.Insert(p.tableCallRecords).Rows(goqu.Record{
			"credential_id":       id,
			"model_name":          modelName,
			"identification_code": code,
			"timestamp":           now.UTC(),
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build call record insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
			return fmt.Errorf("insert call record: %w", err)
		}

		if err := p.bumpMonthlyCounter(ctx, tx, monthKey(now)); err != nil {
			return err
		}

		return tx.Commit()
	})
}

func (p *Postgres) bumpMonthlyCounter(ctx context.Context, tx *sql.Tx, key string) error {
	upsert, _, err := p.goqu.Insert(p.tableMonthly).
		Rows(goqu.Record{"year_month": key, "count": 1}).
		OnConflict(goqu.DoUpdate("year_month", goqu.Record{"count": goqu.L("count + 1")})).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build monthly counter upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, upsert); err != nil {
		return fmt.Errorf("bump monthly counter: %w", err)
	}

	return nil
}

// RecordFailure increments a credential's failure_count and invalidates it
// once maxFailures consecutive failures have accumulated, logging the error
// alongside.
func (p *Postgres) RecordFailure(ctx context.Context, secret string, modelName *string, code *int, message *string, maxFailures int, now time.Time) error {
	return p.wg.Do(func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		hash := store.HashSecret(secret)
		id, err := p.findCredentialID(ctx, tx, hash)
		if err != nil {
			return err
		}

		var failureCount int
		selectQuery, _, err := p.goqu.From(p.tableCredentials).
			Select("failure_count").
			Where(goqu.I("id").Eq(id)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build select failure_count: %w", err)
		}
		if err := tx.QueryRowContext(ctx, selectQuery).Scan(&failureCount); err != nil {
			return fmt.Errorf("select failure_count: %w", err)
		}

		failureCount++
		record := goqu.Record{"failure_count": failureCount}
		if failureCount >= maxFailures {
			record["valid"] = false
		}

		updateQuery, _, err := p.goqu.Update(p.tableCredentials).
			Set(record).
			Where(goqu.I("id").Eq(id)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build update query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update credential failure_count: %w", err)
		}

		callInsert, _, err := p.goqu.Insert(p.tableCallRecords).Rows(goqu.Record{
			"credential_id":       id,
			"model_name":          modelName,
			"identification_code": code,
			"timestamp":           now.UTC(),
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build call record insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, callInsert); err != nil {
			return fmt.Errorf("insert call record: %w", err)
		}

		if err := p.bumpMonthlyCounter(ctx, tx, monthKey(now)); err != nil {
			return err
		}

		if code != nil && message != nil {
			insertQuery, _, err := p.goqu.Insert(p.tableErrors).Rows(goqu.Record{
				"credential_id":       id,
				"model_name":          modelName,
				"identification_code": code,
				"message":             *message,
				"timestamp":           now.UTC(),
			}).ToSQL()
			if err != nil {
				return fmt.Errorf("build error entry insert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
				return fmt.Errorf("insert error entry: %w", err)
			}
		}

		return tx.Commit()
	})
}

// LogRequestFailure records an error entry without touching credential
// validity, used for failures not attributable to the credential itself
// (e.g. malformed upstream responses during a still-successful rotation).
func (p *Postgres) LogRequestFailure(ctx context.Context, secret string, modelName *string, code int, message string, now time.Time) error {
	return p.wg.Do(func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		hash := store.HashSecret(secret)
		id, err := p.findCredentialID(ctx, tx, hash)
		if err != nil {
			return err
		}

		insertQuery, _, err := p.goqu.Insert(p.tableErrors).Rows(goqu.Record{
			"credential_id":       id,
			"model_name":          modelName,
			"identification_code": code,
			"message":             message,
			"timestamp":           now.UTC(),
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build error entry insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
			return fmt.Errorf("insert error entry: %w", err)
		}

		return tx.Commit()
	})
}

// AddCredential inserts a new credential, ignoring the call if the secret is
// already present (idempotent seeding, matching bootstrap env-var import).
func (p *Postgres) AddCredential(ctx context.Context, secret string, now time.Time) error {
	return p.wg.Do(func() error {
		enc, err := crypto.EncryptSecret(secret, p.currentKey())
		if err != nil {
			return err
		}

		query, _, err := p.goqu.Insert(p.tableCredentials).
			Rows(goqu.Record{
				"secret_hash":   store.HashSecret(secret),
				"secret":        enc,
				"valid":         true,
				"failure_count": 0,
				"last_used":     nil,
			}).
			OnConflict(goqu.DoNothing()).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build insert query: %w", err)
		}

		_ = now

		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("add credential: %w", err)
		}

		return nil
	})
}

// Reactivate flips a credential back to valid and resets its failure count.
// Called only by the scheduler's revalidation job.
func (p *Postgres) Reactivate(ctx context.Context, secret string) error {
	return p.wg.Do(func() error {
		query, _, err := p.goqu.Update(p.tableCredentials).
			Set(goqu.Record{"valid": true, "failure_count": 0}).
			Where(goqu.I("secret_hash").Eq(store.HashSecret(secret))).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build reactivate query: %w", err)
		}

		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("reactivate credential: %w", err)
		}

		return nil
	})
}

func (p *Postgres) listCredentials(ctx context.Context, validOnly bool, onlyInvalid bool) ([]store.Credential, error) {
	q := p.goqu.From(p.tableCredentials).
		Select("id", "secret", "valid", "failure_count", "last_used").
		Order(goqu.I("id").Asc())

	if validOnly {
		q = q.Where(goqu.I("valid").Eq(true))
	}
	if onlyInvalid {
		q = q.Where(goqu.I("valid").Eq(false))
	}

	query, _, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var result []store.Credential
	for rows.Next() {
		var row credentialRow
		if err := rows.Scan(&row.ID, &row.Secret, &row.Valid, &row.FailureCount, &row.LastUsed); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}

		c, err := p.scanCredential(row)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}

	return result, rows.Err()
}

func (p *Postgres) ListCredentials(ctx context.Context) ([]store.Credential, error) {
	return p.listCredentials(ctx, false, false)
}

func (p *Postgres) ListInvalidCredentials(ctx context.Context) ([]store.Credential, error) {
	return p.listCredentials(ctx, false, true)
}

func (p *Postgres) DeleteCredential(ctx context.Context, id int64) error {
	return p.wg.Do(func() error {
		query, _, err := p.goqu.Delete(p.tableCredentials).
			Where(goqu.I("id").Eq(id)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build delete query: %w", err)
		}

		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("delete credential %d: %w", id, err)
		}

		return nil
	})
}

func (p *Postgres) CountCredentials(ctx context.Context) (int, error) {
	query, _, err := p.goqu.From(p.tableCredentials).
		Select(goqu.COUNT("id")).
		Where(goqu.I("valid").Eq(true)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}

	var count int
	if err := p.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}

	return count, nil
}
