package order

import (
	"context"
	"fmt"

	"github.com/vasiliy-maslov/kds-service/internal/broadcast"
)

// StatusChange is the payload of an order.status_changed event.
type StatusChange struct {
	OrderID     string `json:"order_id"`
	DisplayCode string `json:"display_code"`
	FromStatus  Status `json:"from_status"`
	ToStatus    Status `json:"to_status"`
	Actor       string `json:"actor"`
	Order       View   `json:"order"`
}

// NewBroadcastEvent wraps a logged event for the display channel. The order view
// is pinned to the status the event produced so replayed events stay faithful
// even when the order has moved on since.
func NewBroadcastEvent(o *Order, e StatusEvent) broadcast.Event {
	view := o.View()
	view.Status = e.ToStatus

	if e.IsCreation() {
		view.UpdatedAt = view.CreatedAt
		return broadcast.Event{
			Sequence:     e.Sequence,
			RestaurantID: e.RestaurantID,
			Type:         broadcast.EventOrderCreated,
			Payload:      view,
			Timestamp:    e.Timestamp,
		}
	}

	view.UpdatedAt = e.Timestamp
	return broadcast.Event{
		Sequence:     e.Sequence,
		RestaurantID: e.RestaurantID,
		Type:         broadcast.EventStatusChanged,
		Payload: StatusChange{
			OrderID:     o.ID,
			DisplayCode: o.DisplayCode,
			FromStatus:  e.FromStatus,
			ToStatus:    e.ToStatus,
			Actor:       e.Actor,
			Order:       view,
		},
		Timestamp: e.Timestamp,
	}
}

// EventLog rebuilds display events from the durable status log for sessions
// whose last sequence is older than the hub's ring.
type EventLog struct {
	repo Repository
}

func NewEventLog(repo Repository) *EventLog {
	return &EventLog{repo: repo}
}

func (l *EventLog) EventsSince(ctx context.Context, restaurantID string, afterSeq int64, limit int) ([]broadcast.Event, error) {
	events, err := l.repo.EventsSince(ctx, restaurantID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("event log: failed to read events: %w", err)
	}
	if len(events) == 0 {
		return []broadcast.Event{}, nil
	}

	seen := make(map[string]bool)
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if !seen[e.OrderID] {
			seen[e.OrderID] = true
			ids = append(ids, e.OrderID)
		}
	}

	orders, err := l.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("event log: failed to load orders: %w", err)
	}
	byID := make(map[string]*Order, len(orders))
	for i := range orders {
		byID[orders[i].ID] = &orders[i]
	}

	out := make([]broadcast.Event, 0, len(events))
	for _, e := range events {
		o, ok := byID[e.OrderID]
		if !ok {
			return nil, fmt.Errorf("event log: order %s of sequence %d is missing", e.OrderID, e.Sequence)
		}
		out = append(out, NewBroadcastEvent(o, e))
	}
	return out, nil
}
