package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyItems         = errors.New("at least one item is required")
	ErrInvalidQuantity    = errors.New("quantity must be at least 1")
	ErrItemNotFound       = errors.New("item not found")
	ErrItemUnavailable    = errors.New("item unavailable")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
)

// ItemError names the requested item that failed resolution.
type ItemError struct {
	ItemID string
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.ItemID)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

type Item struct {
	ID           string          `db:"id" yaml:"id"`
	RestaurantID string          `db:"restaurant_id" yaml:"restaurant_id"`
	Name         string          `db:"name" yaml:"name"`
	Price        decimal.Decimal `db:"price" yaml:"price"`
	IsAvailable  bool            `db:"is_available" yaml:"is_available"`
}

// Catalog is the authoritative source of items and prices.
type Catalog interface {
	GetItems(ctx context.Context, restaurantID string, ids []string) ([]Item, error)
}

type RequestedItem struct {
	ItemID   string
	Quantity int
}

// ResolvedLine carries the price snapshot taken at resolution time.
type ResolvedLine struct {
	ItemID    string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

type Resolver struct {
	catalog Catalog
	timeout time.Duration
}

func NewResolver(catalog Catalog, timeout time.Duration) *Resolver {
	return &Resolver{catalog: catalog, timeout: timeout}
}

// Resolve replaces whatever the client believed about prices with the
// catalog's current values. It never caches.
func (r *Resolver) Resolve(ctx context.Context, restaurantID string, requested []RequestedItem) ([]ResolvedLine, error) {
	if len(requested) == 0 {
		return nil, ErrEmptyItems
	}

	ids := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, req := range requested {
		if req.Quantity < 1 {
			return nil, &ItemError{ItemID: req.ItemID, Err: ErrInvalidQuantity}
		}
		if !seen[req.ItemID] {
			seen[req.ItemID] = true
			ids = append(ids, req.ItemID)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	items, err := r.catalog.GetItems(ctx, restaurantID, ids)
	if err != nil {
		log.Warn().Err(err).Str("restaurant_id", restaurantID).Msg("catalog: lookup failed")
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}

	byID := make(map[string]Item, len(items))
	for _, it := range items {
		if it.RestaurantID != restaurantID {
			continue
		}
		byID[it.ID] = it
	}

	lines := make([]ResolvedLine, 0, len(requested))
	for _, req := range requested {
		it, ok := byID[req.ItemID]
		if !ok {
			return nil, &ItemError{ItemID: req.ItemID, Err: ErrItemNotFound}
		}
		if !it.IsAvailable {
			return nil, &ItemError{ItemID: req.ItemID, Err: ErrItemUnavailable}
		}
		lines = append(lines, ResolvedLine{
			ItemID:    it.ID,
			Name:      it.Name,
			UnitPrice: it.Price,
			Quantity:  req.Quantity,
		})
	}

	return lines, nil
}
