package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
)

func (p *Postgres) GetConfig(ctx context.Context, key string) (string, bool, error) {
	query, _, err := p.goqu.From(p.tableConfig).
		Select("value").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("build get config query: %w", err)
	}

	var value string
	err = p.db.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %q: %w", key, err)
	}

	return value, true, nil
}

func (p *Postgres) SetConfig(ctx context.Context, key, value string) error {
	return p.wg.Do(func() error {
		query, _, err := p.goqu.Insert(p.tableConfig).
			Rows(goqu.Record{"key": key, "value": value}).
			OnConflict(goqu.DoUpdate("key", goqu.Record{"value": value})).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build set config query: %w", err)
		}

		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("set config %q: %w", key, err)
		}

		return nil
	})
}
