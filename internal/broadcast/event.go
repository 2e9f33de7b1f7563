package broadcast

import (
	"context"
	"time"
)

type EventType string

const (
	EventOrderCreated  EventType = "order.created"
	EventStatusChanged EventType = "order.status_changed"
	// EventResync tells a display its replay was abandoned; it must reload
	// the order list and keep applying live events.
	EventResync EventType = "resync"
)

// Event is the envelope pushed to display sessions. Sequence is strictly
// increasing per restaurant and is assigned by the store, not by the hub.
type Event struct {
	Sequence     int64     `json:"sequence"`
	RestaurantID string    `json:"restaurant_id"`
	Type         EventType `json:"type"`
	Payload      any       `json:"payload"`
	Timestamp    time.Time `json:"timestamp"`
}

// Replayer serves events that are no longer in the in-memory ring.
type Replayer interface {
	EventsSince(ctx context.Context, restaurantID string, afterSeq int64, limit int) ([]Event, error)
}
