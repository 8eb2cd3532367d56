package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
)

func (s *SQLite) GetConfig(ctx context.Context, key string) (string, bool, error) {
	query, _, err := s.goqu.From(s.tableConfig).
		Select("value").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("build get config query: %w", err)
	}

	var value string
	err = s.db.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %q: %w", key, err)
	}

	return value, true, nil
}

func (s *SQLite) SetConfig(ctx context.Context, key, value string) error {
	return s.wg.Do(func() error {
		query, _, err := s.goqu.Insert(s.tableConfig).
			Rows(goqu.Record{"key": key, "value": value}).
			OnConflict(goqu.DoUpdate("key", goqu.Record{"value": value})).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build set config query: %w", err)
		}

		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("set config %q: %w", key, err)
		}

		return nil
	})
}
