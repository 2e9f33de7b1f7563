package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	pkeyConstraint        = "orders_pkey"
	displayCodeConstraint = "orders_active_display_code_idx"
)

type Repository interface {
	CodeChecker
	Insert(ctx context.Context, o *Order) (*StatusEvent, error)
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByIDs(ctx context.Context, ids []string) ([]Order, error)
	List(ctx context.Context, f Filter) ([]Order, error)
	Transition(ctx context.Context, req TransitionRequest) (*Order, *StatusEvent, error)
	History(ctx context.Context, orderID string) ([]StatusEvent, error)
	EventsSince(ctx context.Context, restaurantID string, afterSeq int64, limit int) ([]StatusEvent, error)
	Stats(ctx context.Context, restaurantID string, since *time.Time) (*Stats, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Error().Err(rbErr).Msg("repository: failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: failed to commit transaction: %w", err)
	}
	return nil
}

func (r *postgresRepository) Insert(ctx context.Context, o *Order) (*StatusEvent, error) {
	var event *StatusEvent

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		const insertOrder = `
			INSERT INTO orders (id, display_code, restaurant_id, customer_name, contact_handle, source, order_type,
				delivery_address, subtotal, tax_amount, service_charge, total, notes, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`
		_, err := tx.Exec(ctx, insertOrder,
			o.ID, o.DisplayCode, o.RestaurantID, o.CustomerName, o.ContactHandle, string(o.Source), string(o.OrderType),
			o.DeliveryAddress, o.Subtotal, o.TaxAmount, o.ServiceCharge, o.Total, o.Notes, string(o.Status),
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return mapInsertError(err)
		}

		const insertItem = `
			INSERT INTO order_items (order_id, position, catalog_item_id, name, unit_price, quantity, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		for i, item := range o.Items {
			_, err = tx.Exec(ctx, insertItem, o.ID, i, item.CatalogItemID, item.Name, item.UnitPrice, item.Quantity, item.LineTotal)
			if err != nil {
				return fmt.Errorf("repository: failed to insert order item for order %s: %w", o.ID, err)
			}
		}

		event, err = appendEvent(ctx, tx, StatusEvent{
			RestaurantID: o.RestaurantID,
			OrderID:      o.ID,
			ToStatus:     o.Status,
			Actor:        "system",
			Timestamp:    o.CreatedAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return event, nil
}

func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		switch pgErr.ConstraintName {
		case pkeyConstraint:
			return ErrDuplicateID
		case displayCodeConstraint:
			return ErrDisplayCodeConflict
		}
	}
	return fmt.Errorf("repository: failed to insert order: %w", err)
}

func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InvalidTextRepresentation
}

// appendEvent bumps the restaurant sequence and writes the event. Must run inside the
// transaction that mutates the order so that status and log never diverge.
func appendEvent(ctx context.Context, tx pgx.Tx, e StatusEvent) (*StatusEvent, error) {
	const nextSeq = `
		INSERT INTO restaurant_sequences (restaurant_id, last_seq) VALUES ($1, 1)
		ON CONFLICT (restaurant_id) DO UPDATE SET last_seq = restaurant_sequences.last_seq + 1
		RETURNING last_seq
	`
	if err := tx.QueryRow(ctx, nextSeq, e.RestaurantID).Scan(&e.Sequence); err != nil {
		return nil, fmt.Errorf("repository: failed to allocate sequence for restaurant %s: %w", e.RestaurantID, err)
	}

	const insertEvent = `
		INSERT INTO order_events (restaurant_id, seq, order_id, from_status, to_status, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.Exec(ctx, insertEvent, e.RestaurantID, e.Sequence, e.OrderID, string(e.FromStatus), string(e.ToStatus), e.Actor, e.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to append event for order %s: %w", e.OrderID, err)
	}

	return &e, nil
}

func (r *postgresRepository) ActiveCodeExists(ctx context.Context, restaurantID, code string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE restaurant_id = $1 AND display_code = $2 AND status NOT IN ('completed', 'cancelled')
		)
	`
	var exists bool
	if err := r.db.QueryRow(ctx, query, restaurantID, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("repository: failed to check display code %s: %w", code, err)
	}
	return exists, nil
}

const selectOrderColumns = `
	SELECT id, display_code, restaurant_id, customer_name, contact_handle, source, order_type, delivery_address,
		subtotal, tax_amount, service_charge, total, notes, status, created_at, updated_at
	FROM orders
`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.DisplayCode, &o.RestaurantID, &o.CustomerName, &o.ContactHandle, &o.Source, &o.OrderType,
		&o.DeliveryAddress, &o.Subtotal, &o.TaxAmount, &o.ServiceCharge, &o.Total, &o.Notes, &o.Status,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Items = make([]LineItem, 0)
	return &o, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	return getByID(ctx, r.db, id)
}

func getByID(ctx context.Context, q querier, id string) (*Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, selectOrderColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	orders := map[string]*Order{o.ID: o}
	if err := loadItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *postgresRepository) GetByIDs(ctx context.Context, ids []string) ([]Order, error) {
	if len(ids) == 0 {
		return []Order{}, nil
	}
	return r.queryOrders(ctx, selectOrderColumns+` WHERE id = ANY($1::uuid[]) ORDER BY created_at ASC, id ASC`, ids)
}

func (r *postgresRepository) List(ctx context.Context, f Filter) ([]Order, error) {
	var (
		conds = []string{"restaurant_id = $1"}
		args  = []any{f.RestaurantID}
	)

	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Source != "" {
		args = append(args, string(f.Source))
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	args = append(args, f.Limit)

	query := selectOrderColumns + " WHERE " + strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args))

	return r.queryOrders(ctx, query, args...)
}

func (r *postgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders: %w", err)
	}
	defer rows.Close()

	ordersMap := make(map[string]*Order)
	var orderIDs []string
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order: %w", err)
		}
		ordersMap[o.ID] = o
		orderIDs = append(orderIDs, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating orders: %w", err)
	}

	if len(orderIDs) == 0 {
		return []Order{}, nil
	}

	if err := loadItems(ctx, r.db, ordersMap); err != nil {
		return nil, err
	}

	result := make([]Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		result = append(result, *ordersMap[id])
	}
	return result, nil
}

func loadItems(ctx context.Context, q querier, orders map[string]*Order) error {
	ids := make([]string, 0, len(orders))
	for id := range orders {
		ids = append(ids, id)
	}

	const query = `
		SELECT order_id, catalog_item_id, name, unit_price, quantity, line_total
		FROM order_items
		WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, position
	`
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("repository: failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			item    LineItem
		)
		if err := rows.Scan(&orderID, &item.CatalogItemID, &item.Name, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return fmt.Errorf("repository: failed to scan order item: %w", err)
		}
		if o, ok := orders[orderID]; ok {
			o.Items = append(o.Items, item)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("repository: failed iterating order items: %w", err)
	}
	return nil
}

// Transition is a compare-and-set on the order row, locked for the duration of
// the transaction; the status change and its event commit together or not at all.
func (r *postgresRepository) Transition(ctx context.Context, req TransitionRequest) (*Order, *StatusEvent, error) {
	if !req.Target.Valid() {
		return nil, nil, ErrInvalidStatus
	}

	var (
		updated *Order
		event   *StatusEvent
	)

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var (
			current      Status
			restaurantID string
		)
		err := tx.QueryRow(ctx, `SELECT status, restaurant_id FROM orders WHERE id = $1 FOR UPDATE`, req.OrderID).
			Scan(&current, &restaurantID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("repository: failed to lock order %s: %w", req.OrderID, err)
		}

		if req.Expected != nil && *req.Expected != current {
			return ErrStaleTransition
		}
		if !CanTransition(current, req.Target) {
			return ErrIllegalTransition
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, req.OrderID, string(req.Target), now)
		if err != nil {
			return fmt.Errorf("repository: failed to update order status %s: %w", req.OrderID, err)
		}

		event, err = appendEvent(ctx, tx, StatusEvent{
			RestaurantID: restaurantID,
			OrderID:      req.OrderID,
			FromStatus:   current,
			ToStatus:     req.Target,
			Actor:        req.Actor,
			Timestamp:    now,
		})
		if err != nil {
			return err
		}

		updated, err = getByID(ctx, tx, req.OrderID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return updated, event, nil
}

const selectEventColumns = `
	SELECT restaurant_id, seq, order_id, from_status, to_status, actor, created_at
	FROM order_events
`

func (r *postgresRepository) History(ctx context.Context, orderID string) ([]StatusEvent, error) {
	if _, err := r.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return r.queryEvents(ctx, selectEventColumns+` WHERE order_id = $1 ORDER BY seq ASC`, orderID)
}

func (r *postgresRepository) EventsSince(ctx context.Context, restaurantID string, afterSeq int64, limit int) ([]StatusEvent, error) {
	return r.queryEvents(ctx, selectEventColumns+` WHERE restaurant_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		restaurantID, afterSeq, limit)
}

func (r *postgresRepository) queryEvents(ctx context.Context, query string, args ...any) ([]StatusEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order events: %w", err)
	}
	defer rows.Close()

	events := make([]StatusEvent, 0)
	for rows.Next() {
		var e StatusEvent
		if err := rows.Scan(&e.RestaurantID, &e.Sequence, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.Actor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("repository: failed to scan order event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating order events: %w", err)
	}
	return events, nil
}

func (r *postgresRepository) Stats(ctx context.Context, restaurantID string, since *time.Time) (*Stats, error) {
	query := `
		SELECT status, source, COUNT(*), COALESCE(SUM(total), 0)
		FROM orders
		WHERE restaurant_id = $1
	`
	args := []any{restaurantID}
	if since != nil {
		query += ` AND created_at >= $2`
		args = append(args, *since)
	}
	query += ` GROUP BY status, source`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order stats for restaurant %s: %w", restaurantID, err)
	}
	defer rows.Close()

	stats := newStats(restaurantID, since)
	for rows.Next() {
		var (
			status Status
			source Source
			count  int
			sum    decimal.Decimal
		)
		if err := rows.Scan(&status, &source, &count, &sum); err != nil {
			return nil, fmt.Errorf("repository: failed to scan order stats: %w", err)
		}
		stats.add(status, source, count, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating order stats: %w", err)
	}

	return stats, nil
}

func newStats(restaurantID string, since *time.Time) *Stats {
	return &Stats{
		RestaurantID:     restaurantID,
		Since:            since,
		ByStatus:         make(map[Status]int),
		BySource:         make(map[Source]int),
		CompletedRevenue: decimal.Zero,
	}
}

func (s *Stats) add(status Status, source Source, count int, sum decimal.Decimal) {
	s.Total += count
	s.ByStatus[status] += count
	s.BySource[source] += count
	if status == StatusCompleted {
		s.CompletedRevenue = s.CompletedRevenue.Add(sum)
	}
}
