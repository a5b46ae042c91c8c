package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
)

// GetStore возвращает данные магазина.
func (r *PostgresRepository) GetStore(ctx context.Context, storeID string) (*model.Store, error) {
	var s model.Store
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, owner_email FROM stores WHERE id = $1`,
		storeID,
	).Scan(&s.ID, &s.Name, &s.OwnerEmail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("get store: %w", err)
	}
	return &s, nil
}

// GetStoreProducts возвращает товары магазина с указанными идентификаторами.
// Отсутствующие идентификаторы пропускаются, полноту проверяет вызывающая сторона.
func (r *PostgresRepository) GetStoreProducts(ctx context.Context, storeID string, productIDs []string) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.store_id, COALESCE(NULLIF(sp.custom_title, ''), p.title), p.price_cents, p.file_count
		 FROM products p
		 LEFT JOIN store_products sp ON sp.store_id = $1 AND sp.product_id = p.id
		 WHERE p.id = ANY($2) AND (p.store_id = $1 OR sp.store_id IS NOT NULL)`,
		storeID, productIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.StoreID, &p.Title, &p.PriceCents, &p.FileCount); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetCouponByCode возвращает купон магазина по коду без учёта регистра.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, storeID, code string) (*model.Coupon, error) {
	var (
		c            model.Coupon
		discountType string
	)

	err := r.pool.QueryRow(ctx,
		`SELECT id, store_id, code, discount_type, discount_value, max_uses, current_uses
		 FROM coupons
		 WHERE store_id = $1 AND upper(code) = upper($2)`,
		storeID, code,
	).Scan(&c.ID, &c.StoreID, &c.Code, &discountType, &c.DiscountValue, &c.MaxUses, &c.CurrentUses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	c.DiscountType = model.DiscountType(discountType)
	return &c, nil
}

// IncrementCouponUsage увеличивает счётчик использований купона на единицу, не выходя за max_uses.
// Возвращает false, если лимит уже исчерпан.
func (r *PostgresRepository) IncrementCouponUsage(ctx context.Context, couponID int64) (bool, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE coupons SET current_uses = current_uses + 1
			 WHERE id = $1 AND (max_uses IS NULL OR current_uses < max_uses)`,
			couponID,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("increment coupon usage: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)`, couponID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check coupon: %w", err)
	}
	if !exists {
		return false, ErrCouponNotFound
	}
	return false, nil
}
