package catalog

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type PostgresCatalog struct {
	db *sqlx.DB
}

func NewPostgresCatalog(db *sqlx.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) GetItems(ctx context.Context, restaurantID string, ids []string) ([]Item, error) {
	const query = `
		SELECT id, restaurant_id, name, price, is_available
		FROM catalog_items
		WHERE restaurant_id = $1 AND id = ANY($2)
	`

	items := make([]Item, 0, len(ids))
	if err := c.db.SelectContext(ctx, &items, query, restaurantID, ids); err != nil {
		return nil, fmt.Errorf("catalog: failed to select items for restaurant %s: %w", restaurantID, err)
	}

	return items, nil
}
