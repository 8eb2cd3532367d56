package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/store"

	"github.com/doug-martin/goqu/v9"
)

func (s *SQLite) CreateSession(ctx context.Context, token string, createdAt, expiresAt time.Time) error {
	return s.wg.Do(func() error {
		query, _, err := s.goqu.Insert(s.tableSessions).Rows(goqu.Record{
			"token":      token,
			"created_at": createdAt.UTC(),
			"expires_at": expiresAt.UTC(),
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build create session query: %w", err)
		}

		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		return nil
	})
}

func (s *SQLite) GetSession(ctx context.Context, token string) (*store.AdminSession, error) {
	query, _, err := s.goqu.From(s.tableSessions).
		Select("token", "created_at", "expires_at").
		Where(goqu.I("token").Eq(token)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get session query: %w", err)
	}

	var sess store.AdminSession
	err = s.db.QueryRowContext(ctx, query).Scan(&sess.Token, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	return &sess, nil
}

func (s *SQLite) DeleteSession(ctx context.Context, token string) error {
	return s.wg.Do(func() error {
		query, _, err := s.goqu.Delete(s.tableSessions).
			Where(goqu.I("token").Eq(token)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build delete session query: %w", err)
		}

		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}

		return nil
	})
}

func (s *SQLite) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var affected int64

	err := s.wg.Do(func() error {
		query, _, err := s.goqu.Delete(s.tableSessions).
			Where(goqu.I("expires_at").Lt(now.UTC())).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build prune sessions query: %w", err)
		}

		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}

		affected, err = res.RowsAffected()

		return err
	})

	return affected, err
}
