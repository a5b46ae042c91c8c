package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
)

// IssueToken возвращает действующий токен заказа в области candidate.Scope или сохраняет candidate, если такого нет.
// Строка заказа блокируется на время проверки, поэтому параллельные вызовы не создают второй активный токен.
func (r *PostgresRepository) IssueToken(ctx context.Context, candidate model.FulfillmentToken, now time.Time) (*model.FulfillmentToken, error) {
	var res *model.FulfillmentToken

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM orders WHERE id = $1 FOR UPDATE`, candidate.OrderID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order for update: %w", err)
		}

		existing, err := selectActiveToken(ctx, tx, candidate.OrderID, candidate.Scope, now)
		if err != nil && !errors.Is(err, ErrTokenNotFound) {
			return err
		}
		if existing != nil {
			res = existing
			return tx.Commit(ctx)
		}

		if err := insertToken(ctx, tx, &candidate); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		res = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// CreateToken сохраняет новый токен без проверки существующих.
func (r *PostgresRepository) CreateToken(ctx context.Context, token *model.FulfillmentToken) error {
	return insertToken(ctx, r.pool, token)
}

// GetActiveToken возвращает самый долгоживущий действующий токен заказа в указанной области.
func (r *PostgresRepository) GetActiveToken(ctx context.Context, orderID string, scope model.TokenScope, now time.Time) (*model.FulfillmentToken, error) {
	return selectActiveToken(ctx, r.pool, orderID, scope, now)
}

// GetTokenByValue возвращает действующий токен по его значению.
func (r *PostgresRepository) GetTokenByValue(ctx context.Context, value string, now time.Time) (*model.FulfillmentToken, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT order_id, token, scope, expires_at, created_at
		 FROM fulfillment_tokens
		 WHERE token = $1 AND expires_at > $2`,
		value, now,
	)
	return scanToken(row)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func selectActiveToken(ctx context.Context, q querier, orderID string, scope model.TokenScope, now time.Time) (*model.FulfillmentToken, error) {
	row := q.QueryRow(ctx,
		`SELECT order_id, token, scope, expires_at, created_at
		 FROM fulfillment_tokens
		 WHERE order_id = $1 AND scope = $2 AND expires_at > $3
		 ORDER BY expires_at DESC
		 LIMIT 1`,
		orderID, string(scope), now,
	)
	return scanToken(row)
}

func insertToken(ctx context.Context, q querier, token *model.FulfillmentToken) error {
	err := q.QueryRow(ctx,
		`INSERT INTO fulfillment_tokens (token, order_id, scope, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		token.Token, token.OrderID, string(token.Scope), token.ExpiresAt,
	).Scan(&token.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func scanToken(row pgx.Row) (*model.FulfillmentToken, error) {
	var (
		t     model.FulfillmentToken
		scope string
	)

	if err := row.Scan(&t.OrderID, &t.Token, &scope, &t.ExpiresAt, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("scan token: %w", err)
	}

	t.Scope = model.TokenScope(scope)
	return &t, nil
}
