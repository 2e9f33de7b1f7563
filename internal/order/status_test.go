package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusConfirmed, true},
		{StatusConfirmed, StatusPreparing, true},
		{StatusPreparing, StatusReady, true},
		{StatusReady, StatusCompleted, true},
		{StatusReady, StatusOutForDelivery, true},
		{StatusOutForDelivery, StatusCompleted, true},
		{StatusNew, StatusCancelled, true},
		{StatusOutForDelivery, StatusCancelled, true},

		{StatusNew, StatusCompleted, false},
		{StatusNew, StatusNew, false},
		{StatusCompleted, StatusPreparing, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusNew, false},
		{StatusPreparing, StatusConfirmed, false},
		{StatusNew, "unknown", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestActiveStatusesAreNotTerminal(t *testing.T) {
	for _, s := range ActiveStatuses() {
		assert.False(t, s.Terminal(), s)
		assert.True(t, CanTransition(s, StatusCancelled), s)
	}
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestNextStatus(t *testing.T) {
	next, ok := NextStatus(StatusReady, TypePickup)
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, next)

	next, ok = NextStatus(StatusReady, TypeDelivery)
	assert.True(t, ok)
	assert.Equal(t, StatusOutForDelivery, next)

	for _, s := range ActiveStatuses() {
		next, ok := NextStatus(s, TypeDelivery)
		assert.True(t, ok)
		assert.True(t, CanTransition(s, next), "%s -> %s", s, next)
	}

	_, ok = NextStatus(StatusCompleted, TypePickup)
	assert.False(t, ok)
	_, ok = NextStatus(StatusCancelled, TypeDelivery)
	assert.False(t, ok)
}
