// Package memory is an in-process order store with the same transactional
// semantics as the Postgres repository. State is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/kds-service/internal/clock"
	"github.com/vasiliy-maslov/kds-service/internal/order"
)

type Store struct {
	mu     sync.RWMutex
	clock  clock.Clock
	orders map[string]*order.Order
	// events holds the per-restaurant log; the sequence of events[r][i] is i+1.
	events map[string][]order.StatusEvent
}

var _ order.Repository = (*Store)(nil)

func NewStore(clk clock.Clock) *Store {
	return &Store{
		clock:  clk,
		orders: make(map[string]*order.Order),
		events: make(map[string][]order.StatusEvent),
	}
}

func (s *Store) Insert(ctx context.Context, o *order.Order) (*order.StatusEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return nil, order.ErrDuplicateID
	}
	if s.activeCodeExistsLocked(o.RestaurantID, o.DisplayCode) {
		return nil, order.ErrDisplayCodeConflict
	}

	s.orders[o.ID] = o.Clone()
	e := s.appendLocked(order.StatusEvent{
		RestaurantID: o.RestaurantID,
		OrderID:      o.ID,
		ToStatus:     o.Status,
		Actor:        "system",
		Timestamp:    o.CreatedAt,
	})
	return &e, nil
}

func (s *Store) appendLocked(e order.StatusEvent) order.StatusEvent {
	log := s.events[e.RestaurantID]
	e.Sequence = int64(len(log) + 1)
	s.events[e.RestaurantID] = append(log, e)
	return e
}

func (s *Store) ActiveCodeExists(ctx context.Context, restaurantID, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeCodeExistsLocked(restaurantID, code), nil
}

func (s *Store) activeCodeExistsLocked(restaurantID, code string) bool {
	for _, o := range s.orders {
		if o.RestaurantID == restaurantID && o.DisplayCode == code && !o.Status.Terminal() {
			return true
		}
	}
	return false
}

func (s *Store) GetByID(ctx context.Context, id string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]order.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.orders[id]; ok {
			result = append(result, *o.Clone())
		}
	}
	sortByCreation(result)
	return result, nil
}

func (s *Store) List(ctx context.Context, f order.Filter) ([]order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	statuses := make(map[order.Status]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses[st] = true
	}

	s.mu.RLock()
	result := make([]order.Order, 0)
	for _, o := range s.orders {
		if o.RestaurantID != f.RestaurantID {
			continue
		}
		if len(statuses) > 0 && !statuses[o.Status] {
			continue
		}
		if f.Source != "" && o.Source != f.Source {
			continue
		}
		if f.Since != nil && o.CreatedAt.Before(*f.Since) {
			continue
		}
		result = append(result, *o.Clone())
	}
	s.mu.RUnlock()

	sortByCreation(result)
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func sortByCreation(orders []order.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

func (s *Store) Transition(ctx context.Context, req order.TransitionRequest) (*order.Order, *order.StatusEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if !req.Target.Valid() {
		return nil, nil, order.ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[req.OrderID]
	if !ok {
		return nil, nil, order.ErrOrderNotFound
	}
	if req.Expected != nil && *req.Expected != o.Status {
		return nil, nil, order.ErrStaleTransition
	}
	if !order.CanTransition(o.Status, req.Target) {
		return nil, nil, order.ErrIllegalTransition
	}

	now := s.clock.Now()
	e := s.appendLocked(order.StatusEvent{
		RestaurantID: o.RestaurantID,
		OrderID:      o.ID,
		FromStatus:   o.Status,
		ToStatus:     req.Target,
		Actor:        req.Actor,
		Timestamp:    now,
	})
	o.Status = req.Target
	o.UpdatedAt = now

	return o.Clone(), &e, nil
}

func (s *Store) History(ctx context.Context, orderID string) ([]order.StatusEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}

	history := make([]order.StatusEvent, 0)
	for _, e := range s.events[o.RestaurantID] {
		if e.OrderID == orderID {
			history = append(history, e)
		}
	}
	return history, nil
}

func (s *Store) EventsSince(ctx context.Context, restaurantID string, afterSeq int64, limit int) ([]order.StatusEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[restaurantID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(log)) {
		return []order.StatusEvent{}, nil
	}

	tail := log[afterSeq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	return append([]order.StatusEvent(nil), tail...), nil
}

func (s *Store) Stats(ctx context.Context, restaurantID string, since *time.Time) (*order.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &order.Stats{
		RestaurantID:     restaurantID,
		Since:            since,
		ByStatus:         make(map[order.Status]int),
		BySource:         make(map[order.Source]int),
		CompletedRevenue: decimal.Zero,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.RestaurantID != restaurantID {
			continue
		}
		if since != nil && o.CreatedAt.Before(*since) {
			continue
		}
		stats.Total++
		stats.ByStatus[o.Status]++
		stats.BySource[o.Source]++
		if o.Status == order.StatusCompleted {
			stats.CompletedRevenue = stats.CompletedRevenue.Add(o.Total)
		}
	}
	return stats, nil
}
