package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
)

const orderColumns = `id, store_id, buyer_email, email_verified, customer_id, total_cents, currency,
	coupon_id, status, provider, provider_ref, email_sent, created_at, completed_at`

// CreatePendingOrder сохраняет заказ в статусе PENDING вместе с позициями в одной транзакции.
func (r *PostgresRepository) CreatePendingOrder(ctx context.Context, order *model.Order, items []model.OrderItem) error {
	order.Status = model.OrderStatusPending
	return r.insertOrder(ctx, order, items)
}

// CreateCompletedOrder сохраняет бесплатный заказ сразу в статусе COMPLETED.
func (r *PostgresRepository) CreateCompletedOrder(ctx context.Context, order *model.Order, items []model.OrderItem) error {
	order.Status = model.OrderStatusCompleted
	return r.insertOrder(ctx, order, items)
}

func (r *PostgresRepository) insertOrder(ctx context.Context, order *model.Order, items []model.OrderItem) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var providerRef *string
	if order.ProviderRef != "" {
		providerRef = &order.ProviderRef
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (id, store_id, buyer_email, total_cents, currency, coupon_id, status, provider, provider_ref, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CASE WHEN $7 = 'COMPLETED' THEN now() END)
		 RETURNING created_at, completed_at`,
		order.ID, order.StoreID, order.BuyerEmail, order.TotalCents, order.Currency, order.CouponID,
		string(order.Status), string(order.Provider), providerRef,
	).Scan(&order.CreatedAt, &order.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(
			`INSERT INTO order_items (order_id, product_id, price_cents_at_purchase) VALUES ($1, $2, $3)`,
			order.ID, it.ProductID, it.PriceCentsAtPurchase,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert order items: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// GetOrderByProviderRef возвращает заказ по идентификатору сессии платёжной системы.
func (r *PostgresRepository) GetOrderByProviderRef(ctx context.Context, provider model.Provider, ref string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE provider = $1 AND provider_ref = $2`,
		string(provider), ref,
	)
	return scanOrder(row)
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o           model.Order
		status      string
		provider    string
		providerRef *string
	)

	err := row.Scan(
		&o.ID, &o.StoreID, &o.BuyerEmail, &o.EmailVerified, &o.CustomerID, &o.TotalCents, &o.Currency,
		&o.CouponID, &status, &provider, &providerRef, &o.EmailSent, &o.CreatedAt, &o.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.Status = model.OrderStatus(status)
	o.Provider = model.Provider(provider)
	if providerRef != nil {
		o.ProviderRef = *providerRef
	}

	return &o, nil
}

// SetProviderRef сохраняет идентификатор сессии платёжной системы.
// Повторная запись того же значения допустима, запись другого значения отклоняется.
func (r *PostgresRepository) SetProviderRef(ctx context.Context, orderID, ref string) error {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders SET provider_ref = $2
			 WHERE id = $1 AND (provider_ref IS NULL OR provider_ref = $2)`,
			orderID, ref,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrProviderRefConflict, ref)
		}
		return fmt.Errorf("set provider ref: %w", err)
	}

	if affected == 0 {
		if _, err := r.GetOrder(ctx, orderID); err != nil {
			return err
		}
		return fmt.Errorf("%w: order %s", ErrProviderRefConflict, orderID)
	}

	return nil
}

// CompleteOrder переводит заказ из PENDING в COMPLETED.
// Возвращает true только тому вызывающему, кто фактически выполнил переход.
// Непустой confirmedEmail (подтверждённый платёжной системой) заменяет введённый email и помечает его подтверждённым,
// пустой оставляет сохранённое значение без изменений.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, orderID, confirmedEmail string) (bool, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $2,
			     buyer_email = CASE WHEN $3 <> '' THEN $3 ELSE buyer_email END,
			     email_verified = email_verified OR $3 <> '',
			     completed_at = now()
			 WHERE id = $1 AND status = $4`,
			orderID, string(model.OrderStatusCompleted), confirmedEmail, string(model.OrderStatusPending),
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("complete order: %w", err)
	}

	return affected == 1, nil
}

// FailOrder переводит заказ из PENDING в FAILED. Завершённые заказы не затрагиваются.
func (r *PostgresRepository) FailOrder(ctx context.Context, orderID string) (bool, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders SET status = $2 WHERE id = $1 AND status = $3`,
			orderID, string(model.OrderStatusFailed), string(model.OrderStatusPending),
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("fail order: %w", err)
	}

	return affected == 1, nil
}

// ConfirmBuyerEmail помечает email заказа подтверждённым. Заглушка заменяется на email,
// уже записанный email подтверждается только при совпадении. Другой email не перезаписывает сохранённый.
func (r *PostgresRepository) ConfirmBuyerEmail(ctx context.Context, orderID, email string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET buyer_email = $2, email_verified = TRUE
		 WHERE id = $1 AND email_verified = FALSE AND (buyer_email = $3 OR lower(buyer_email) = $2)`,
		orderID, email, model.UnresolvedEmail,
	)
	if err != nil {
		return fmt.Errorf("confirm buyer email: %w", err)
	}
	return nil
}

// ClaimCompletionEmail атомарно захватывает право отправить уведомления о заказе.
func (r *PostgresRepository) ClaimCompletionEmail(ctx context.Context, orderID string) (bool, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders SET email_sent = TRUE WHERE id = $1 AND email_sent = FALSE`,
			orderID,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("claim completion email: %w", err)
	}

	return affected == 1, nil
}

// ReleaseCompletionEmail снимает захват, чтобы следующая попытка могла отправить уведомления.
func (r *PostgresRepository) ReleaseCompletionEmail(ctx context.Context, orderID string) error {
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx, `UPDATE orders SET email_sent = FALSE WHERE id = $1`, orderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("release completion email: %w", err)
	}
	return nil
}

// GetOrderItems возвращает позиции заказа с названиями, переопределёнными в магазине.
func (r *PostgresRepository) GetOrderItems(ctx context.Context, orderID string) ([]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT oi.order_id, oi.product_id, oi.price_cents_at_purchase,
		        COALESCE(NULLIF(sp.custom_title, ''), p.title), p.file_count
		 FROM order_items oi
		 JOIN orders o ON o.id = oi.order_id
		 JOIN products p ON p.id = oi.product_id
		 LEFT JOIN store_products sp ON sp.store_id = o.store_id AND sp.product_id = oi.product_id
		 WHERE oi.order_id = $1
		 ORDER BY oi.id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.PriceCentsAtPurchase, &it.Title, &it.FileCount); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}
