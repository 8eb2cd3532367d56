package sqlite3

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/store"

	"github.com/doug-martin/goqu/v9"
)

func (s *SQLite) ListErrorEntries(ctx context.Context, limit, offset int) ([]store.ErrorEntry, error) {
	query, _, err := s.goqu.From(s.tableErrors).
		Select("id", "credential_id", "model_name", "identification_code", "message", "timestamp").
		Order(goqu.I("timestamp").Desc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list error entries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list error entries: %w", err)
	}
	defer rows.Close()

	var result []store.ErrorEntry
	for rows.Next() {
		var e store.ErrorEntry
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.ModelName, &e.IdentificationCode, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan error entry: %w", err)
		}
		result = append(result, e)
	}

	return result, rows.Err()
}

func (s *SQLite) ListCallRecords(ctx context.Context, limit, offset int) ([]store.CallRecord, error) {
	query, _, err := s.goqu.From(s.tableCallRecords).
		Select("id", "credential_id", "model_name", "identification_code", "timestamp").
		Order(goqu.I("timestamp").Desc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list call records query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var result []store.CallRecord
	for rows.Next() {
		var c store.CallRecord
		if err := rows.Scan(&c.ID, &c.CredentialID, &c.ModelName, &c.IdentificationCode, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		result = append(result, c)
	}

	return result, rows.Err()
}

func (s *SQLite) PruneErrorEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	var affected int64

	err := s.wg.Do(func() error {
		query, _, err := s.goqu.Delete(s.tableErrors).
			Where(goqu.I("timestamp").Lt(olderThan.UTC())).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build prune error entries query: %w", err)
		}

		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prune error entries: %w", err)
		}

		affected, err = res.RowsAffected()

		return err
	})

	return affected, err
}

func (s *SQLite) PruneCallRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	var affected int64

	err := s.wg.Do(func() error {
		query, _, err := s.goqu.Delete(s.tableCallRecords).
			Where(goqu.I("timestamp").Lt(olderThan.UTC())).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build prune call records query: %w", err)
		}

		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prune call records: %w", err)
		}

		affected, err = res.RowsAffected()

		return err
	})

	return affected, err
}
