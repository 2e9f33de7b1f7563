package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/kds-service/internal/order"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	err      error
	block    bool
}

func (s *fakeSender) Send(ctx context.Context, contactHandle, message string) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, contactHandle+": "+message)
	return s.err
}

func (s *fakeSender) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

type fakeMirror struct {
	mu    sync.Mutex
	cards []Card
}

func (m *fakeMirror) Mirror(_ context.Context, card Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards = append(m.cards, card)
	return nil
}

func (m *fakeMirror) Cards() []Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Card(nil), m.cards...)
}

func sampleOrder() order.Order {
	return order.Order{
		ID:            "9d7f6a0e-1111-4c1e-9a57-3c2f1f1f0001",
		DisplayCode:   "WA-4821",
		RestaurantID:  "main",
		CustomerName:  "Ada",
		ContactHandle: "+15550100",
		Source:        order.SourceMessaging,
		OrderType:     order.TypeDelivery,
		Items: []order.LineItem{
			{CatalogItemID: "A", Name: "Falafel wrap", UnitPrice: decimal.RequireFromString("5.00"), Quantity: 2, LineTotal: decimal.RequireFromString("10.00")},
		},
		Subtotal:      decimal.RequireFromString("10.00"),
		TaxAmount:     decimal.Zero,
		ServiceCharge: decimal.RequireFromString("1.00"),
		Total:         decimal.RequireFromString("11.00"),
		Status:        order.StatusNew,
	}
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	t.Cleanup(func() {
		d.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func TestDispatcher_DeliversMessageAndCard(t *testing.T) {
	sender := &fakeSender{}
	mirror := &fakeMirror{}
	d := NewDispatcher(Config{Workers: 2, QueueSize: 8, Timeout: time.Second}, sender, mirror)
	runDispatcher(t, d)

	o := sampleOrder()
	require.NoError(t, d.Enqueue(o, order.StatusEvent{Sequence: 1, OrderID: o.ID, ToStatus: order.StatusNew}))

	require.Eventually(t, func() bool {
		return len(sender.Messages()) == 1 && len(mirror.Cards()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Contains(t, sender.Messages()[0], "+15550100: Order confirmed!")
	card := mirror.Cards()[0]
	assert.Equal(t, "Order #WA-4821 - Ada", card.Title)
	assert.Equal(t, order.StatusNew, card.Status)
	assert.Equal(t, int64(1), card.Sequence)
}

func TestDispatcher_FailuresAreIsolated(t *testing.T) {
	sender := &fakeSender{err: errors.New("provider down")}
	mirror := &fakeMirror{}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 8, Timeout: time.Second}, sender, mirror)
	runDispatcher(t, d)

	o := sampleOrder()
	require.NoError(t, d.Enqueue(o, order.StatusEvent{Sequence: 2, ToStatus: order.StatusConfirmed}))

	require.Eventually(t, func() bool { return len(mirror.Cards()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_SendTimeout(t *testing.T) {
	sender := &fakeSender{block: true}
	mirror := &fakeMirror{}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 8, Timeout: 20 * time.Millisecond}, sender, mirror)
	runDispatcher(t, d)

	require.NoError(t, d.Enqueue(sampleOrder(), order.StatusEvent{Sequence: 3, ToStatus: order.StatusReady}))

	require.Eventually(t, func() bool { return len(mirror.Cards()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1, Timeout: time.Second}, &fakeSender{}, &fakeMirror{})

	o := sampleOrder()
	require.NoError(t, d.Enqueue(o, order.StatusEvent{Sequence: 1, ToStatus: order.StatusNew}))
	assert.ErrorIs(t, d.Enqueue(o, order.StatusEvent{Sequence: 2, ToStatus: order.StatusConfirmed}), ErrQueueFull)
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	sender := &fakeSender{}
	mirror := &fakeMirror{}
	d := NewDispatcher(Config{Workers: 2, QueueSize: 8, Timeout: time.Second}, sender, mirror)

	o := sampleOrder()
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, d.Enqueue(o, order.StatusEvent{Sequence: seq, ToStatus: order.StatusPreparing}))
	}
	d.Stop()
	assert.ErrorIs(t, d.Enqueue(o, order.StatusEvent{Sequence: 4}), ErrStopped)

	require.NoError(t, d.Run(context.Background()))
	assert.Len(t, mirror.Cards(), 3)
	assert.Len(t, sender.Messages(), 3)
}

func TestMessage(t *testing.T) {
	o := sampleOrder()

	receipt := Message(o, order.StatusEvent{ToStatus: order.StatusNew})
	assert.Contains(t, receipt, "Order# WA-4821")
	assert.Contains(t, receipt, "Falafel wrap x2")
	assert.Contains(t, receipt, "Service charge: 1.00")
	assert.Contains(t, receipt, "Total: 11.00")
	assert.Contains(t, receipt, "Type: delivery")
	assert.NotContains(t, receipt, "Tax:")

	assert.Equal(t, "Order WA-4821 is ready and waiting for a courier.", Message(o, order.StatusEvent{ToStatus: order.StatusReady}))

	o.OrderType = order.TypePickup
	assert.Equal(t, "Order WA-4821 is ready for pickup.", Message(o, order.StatusEvent{ToStatus: order.StatusReady}))

	for _, s := range []order.Status{order.StatusConfirmed, order.StatusPreparing, order.StatusOutForDelivery, order.StatusCompleted, order.StatusCancelled} {
		assert.Contains(t, Message(o, order.StatusEvent{ToStatus: s}), "WA-4821", s)
	}
}
