package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrHubClosed = errors.New("broadcast hub closed")
	// ErrReplayTruncated means the client is too far behind to be caught up event by event.
	ErrReplayTruncated = errors.New("replay exceeds limit")
)

type Config struct {
	QueueSize      int
	ReplayBuffer   int
	ReplayLimit    int
	ReplayPageSize int
	ReorderWindow  time.Duration
}

// Session is one connected display. Events are delivered through a bounded
// queue; when the queue overflows the hub drops the session.
type Session struct {
	ID           string
	RestaurantID string

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	lastSeq   atomic.Int64
}

func (s *Session) Events() <-chan Event {
	return s.queue
}

// Done is closed once the session has been removed from the hub.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Ack records the highest sequence the client is known to have received.
func (s *Session) Ack(seq int64) {
	for {
		cur := s.lastSeq.Load()
		if seq <= cur || s.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *Session) LastSequence() int64 {
	return s.lastSeq.Load()
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

type group struct {
	sessions map[string]*Session
	recent   *ring
	// next is the sequence expected to be delivered next; zero until the first publish.
	next    int64
	pending map[int64]Event
	timer   *time.Timer
}

// Hub fans events out to display sessions grouped by restaurant.
type Hub struct {
	mu     sync.Mutex
	groups map[string]*group
	cfg    Config
	store  Replayer
	closed bool
}

func NewHub(cfg Config, store Replayer) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 1000
	}
	if cfg.ReplayPageSize <= 0 {
		cfg.ReplayPageSize = 256
	}
	return &Hub{
		groups: make(map[string]*group),
		cfg:    cfg,
		store:  store,
	}
}

func (h *Hub) groupLocked(restaurantID string) *group {
	g, ok := h.groups[restaurantID]
	if !ok {
		g = &group{
			sessions: make(map[string]*Session),
			recent:   newRing(h.cfg.ReplayBuffer),
			pending:  make(map[int64]Event),
		}
		h.groups[restaurantID] = g
	}
	return g
}

func (h *Hub) Subscribe(restaurantID string, lastSequence int64) (*Session, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("broadcast: failed to generate session id: %w", err)
	}

	s := &Session{
		ID:           id.String(),
		RestaurantID: restaurantID,
		queue:        make(chan Event, h.cfg.QueueSize),
		done:         make(chan struct{}),
	}
	s.lastSeq.Store(lastSequence)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	h.groupLocked(restaurantID).sessions[s.ID] = s

	log.Info().Str("session_id", s.ID).Str("restaurant_id", restaurantID).Int64("last_sequence", lastSequence).Msg("broadcast: display session subscribed")
	return s, nil
}

func (h *Hub) Unsubscribe(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	if g, ok := h.groups[s.RestaurantID]; ok {
		if _, ok := g.sessions[s.ID]; ok {
			delete(g.sessions, s.ID)
			log.Info().Str("session_id", s.ID).Str("restaurant_id", s.RestaurantID).Msg("broadcast: display session removed")
		}
	}
	s.close()
}

// Publish delivers e to every session of its restaurant. Events are released in
// sequence order; a gap is held for at most the reorder window, after which the
// buffered events go out anyway. Events older than the delivery cursor are
// delivered immediately since clients apply updates idempotently.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	g := h.groupLocked(e.RestaurantID)
	if g.next == 0 {
		g.next = e.Sequence
	}

	switch {
	case e.Sequence < g.next:
		h.deliverLocked(g, e)
	case e.Sequence == g.next:
		h.deliverLocked(g, e)
		g.next++
		h.drainLocked(g)
	default:
		g.pending[e.Sequence] = e
		if g.timer == nil {
			restaurantID := e.RestaurantID
			g.timer = time.AfterFunc(h.cfg.ReorderWindow, func() { h.flush(restaurantID) })
		}
	}
}

func (h *Hub) drainLocked(g *group) {
	for {
		e, ok := g.pending[g.next]
		if !ok {
			break
		}
		delete(g.pending, g.next)
		h.deliverLocked(g, e)
		g.next++
	}

	if len(g.pending) == 0 && g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// flush gives up waiting for a missing sequence and releases everything buffered.
func (h *Hub) flush(restaurantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[restaurantID]
	if !ok {
		return
	}
	g.timer = nil
	if h.closed || len(g.pending) == 0 {
		return
	}

	seqs := make([]int64, 0, len(g.pending))
	for seq := range g.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	log.Warn().Str("restaurant_id", restaurantID).Int64("missing_sequence", g.next).Int("buffered", len(seqs)).Msg("broadcast: reorder window expired")

	for _, seq := range seqs {
		h.deliverLocked(g, g.pending[seq])
		delete(g.pending, seq)
	}
	g.next = seqs[len(seqs)-1] + 1
}

func (h *Hub) deliverLocked(g *group, e Event) {
	g.recent.push(e)

	for _, s := range g.sessions {
		select {
		case s.queue <- e:
		default:
			log.Warn().Str("session_id", s.ID).Str("restaurant_id", s.RestaurantID).Int64("sequence", e.Sequence).Msg("broadcast: session queue overflow, dropping session")
			h.removeLocked(s)
		}
	}
}

// Replay returns the events of restaurantID with a sequence above lastSequence,
// from the ring when it covers the range and from the store otherwise. Callers
// subscribe first so nothing published meanwhile is lost; overlap with the live
// queue is possible. When more than ReplayLimit events are missing it returns
// ErrReplayTruncated and no events; the client has to resync from a snapshot.
func (h *Hub) Replay(ctx context.Context, restaurantID string, lastSequence int64) ([]Event, error) {
	h.mu.Lock()
	var (
		events  []Event
		covered bool
	)
	if g, ok := h.groups[restaurantID]; ok {
		events, covered = g.recent.since(lastSequence)
	}
	h.mu.Unlock()

	if !covered {
		if h.store == nil {
			return nil, fmt.Errorf("broadcast: no replay source for restaurant %s", restaurantID)
		}

		var ringStart int64
		for _, e := range events {
			if ringStart == 0 || e.Sequence < ringStart {
				ringStart = e.Sequence
			}
		}

		fromStore, err := h.replayFromStore(ctx, restaurantID, lastSequence, ringStart)
		if err != nil {
			return nil, err
		}
		events = append(fromStore, events...)
	}

	return dedupe(events), nil
}

// replayFromStore pages through the durable log from after up to ringStart, or
// to the end of the log when ringStart is zero.
func (h *Hub) replayFromStore(ctx context.Context, restaurantID string, after, ringStart int64) ([]Event, error) {
	pageSize := max(min(h.cfg.ReplayLimit, h.cfg.ReplayPageSize), 1)

	var out []Event
	for ringStart == 0 || after+1 < ringStart {
		page, err := h.store.EventsSince(ctx, restaurantID, after, pageSize)
		if err != nil {
			return nil, fmt.Errorf("broadcast: failed to replay from store: %w", err)
		}

		for _, e := range page {
			if ringStart == 0 || e.Sequence < ringStart {
				out = append(out, e)
			}
			after = max(after, e.Sequence)
		}
		if len(out) > h.cfg.ReplayLimit {
			log.Warn().Str("restaurant_id", restaurantID).Int("limit", h.cfg.ReplayLimit).Msg("broadcast: replay exceeds limit, client must resync")
			return nil, ErrReplayTruncated
		}
		if len(page) < pageSize {
			break
		}
	}
	return out, nil
}

func dedupe(events []Event) []Event {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	out := make([]Event, 0, len(events))
	for _, e := range events {
		if n := len(out); n > 0 && out[n-1].Sequence == e.Sequence {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Count returns the number of live sessions across all restaurants.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, g := range h.groups {
		n += len(g.sessions)
	}
	return n
}

func (h *Hub) CountFor(restaurantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if g, ok := h.groups[restaurantID]; ok {
		return len(g.sessions)
	}
	return 0
}

// Close drops every session and stops accepting new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, g := range h.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		for _, s := range g.sessions {
			h.removeLocked(s)
		}
	}
}
