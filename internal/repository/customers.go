package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
)

// UpsertCustomer находит покупателя по нормализованному email или создаёт нового с id.
func (r *PostgresRepository) UpsertCustomer(ctx context.Context, id, email string) (*model.Customer, error) {
	var c model.Customer
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO customers (id, email) VALUES ($1, $2)
			 ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
			 RETURNING id, email, created_at`,
			id, email,
		).Scan(&c.ID, &c.Email, &c.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert customer: %w", err)
	}
	return &c, nil
}

// GetCustomer возвращает покупателя по идентификатору.
func (r *PostgresRepository) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	var c model.Customer
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, created_at FROM customers WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Email, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

// AttachCustomer привязывает заказ к покупателю, только если привязки ещё нет.
func (r *PostgresRepository) AttachCustomer(ctx context.Context, orderID, customerID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET customer_id = $2 WHERE id = $1 AND customer_id IS NULL`,
		orderID, customerID,
	)
	if err != nil {
		return false, fmt.Errorf("attach customer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// BackfillCustomer привязывает к покупателю все его заказы без привязки и возвращает их количество.
func (r *PostgresRepository) BackfillCustomer(ctx context.Context, email, customerID string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET customer_id = $2 WHERE lower(buyer_email) = $1 AND customer_id IS NULL`,
		email, customerID,
	)
	if err != nil {
		return 0, fmt.Errorf("backfill customer: %w", err)
	}
	return tag.RowsAffected(), nil
}
