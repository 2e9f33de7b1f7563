package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/kds-service/internal/broadcast"
)

const maxClientMessage = 4096

var errInvalidSequence = errors.New("last_sequence must be a non-negative integer")

// Hub is the part of the broadcaster the display endpoint needs.
type Hub interface {
	Subscribe(restaurantID string, lastSequence int64) (*broadcast.Session, error)
	Unsubscribe(s *broadcast.Session)
	Replay(ctx context.Context, restaurantID string, lastSequence int64) ([]broadcast.Event, error)
	Count() int
}

type DisplayOptions struct {
	DefaultRestaurant string
	WriteTimeout      time.Duration
	PingInterval      time.Duration
}

type DisplayHandler struct {
	hub      Hub
	opts     DisplayOptions
	upgrader websocket.Upgrader
}

type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// clientMessage is what displays send back; only acknowledgements are understood.
type clientMessage struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
}

func NewDisplayHandler(hub Hub, opts DisplayOptions) *DisplayHandler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &DisplayHandler{
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Displays are served from other origins on the kitchen network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *DisplayHandler) RegisterRoutes(router chi.Router) {
	router.Get("/ws", h.handleConnect)
	router.Get("/health", h.handleHealth)
}

func (h *DisplayHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, HealthResponse{Status: "ok", Connections: h.hub.Count()})
}

func lastSequenceParam(r *http.Request) (int64, bool, error) {
	q := r.URL.Query()
	raw := q.Get("last_sequence")
	if raw == "" {
		raw = q.Get("lastSequence")
	}
	if raw == "" {
		return 0, false, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, false, errInvalidSequence
	}
	return seq, true, nil
}

func (h *DisplayHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	restaurantID := r.URL.Query().Get("restaurant")
	if restaurantID == "" {
		restaurantID = h.opts.DefaultRestaurant
	}

	lastSeq, replay, err := lastSequenceParam(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeValidationFailed, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("restaurant_id", restaurantID).Msg("handler: websocket upgrade failed")
		return
	}
	defer conn.Close()

	session, err := h.hub.Subscribe(restaurantID, lastSeq)
	if err != nil {
		h.closeWith(conn, websocket.CloseTryAgainLater, "server shutting down")
		return
	}
	defer h.hub.Unsubscribe(session)

	// Subscribe before replaying: anything published meanwhile is already queued.
	var backlog []broadcast.Event
	if replay {
		backlog, err = h.hub.Replay(r.Context(), restaurantID, lastSeq)
		switch {
		case errors.Is(err, broadcast.ErrReplayTruncated):
			log.Warn().Str("session_id", session.ID).Int64("last_sequence", lastSeq).Msg("handler: display too far behind, requesting resync")
			backlog = []broadcast.Event{{
				RestaurantID: restaurantID,
				Type:         broadcast.EventResync,
				Timestamp:    time.Now().UTC(),
			}}
		case err != nil:
			log.Error().Err(err).Str("session_id", session.ID).Msg("handler: replay failed")
			h.closeWith(conn, websocket.CloseTryAgainLater, "replay unavailable")
			return
		}
	}

	go h.readLoop(conn, session)
	h.writeLoop(conn, session, backlog)

	requestLogger(r).Info().Str("session_id", session.ID).Str("restaurant_id", restaurantID).
		Int64("last_acked_sequence", session.LastSequence()).Msg("handler: display session ended")
}

// requestLogger returns the logger the router attached to the request, or the global one.
func requestLogger(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// readLoop consumes acknowledgements and pongs; it ends the session when the peer goes away.
func (h *DisplayHandler) readLoop(conn *websocket.Conn, session *broadcast.Session) {
	defer h.hub.Unsubscribe(session)

	pongWait := 2 * h.opts.PingInterval
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("session_id", session.ID).Msg("handler: display connection lost")
			}
			return
		}
		if msg.Type == "ack" {
			session.Ack(msg.Sequence)
		}
	}
}

func (h *DisplayHandler) writeLoop(conn *websocket.Conn, session *broadcast.Session, backlog []broadcast.Event) {
	sent := make(map[int64]bool, len(backlog))
	for _, e := range backlog {
		if err := h.write(conn, e); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("handler: failed to write replay")
			return
		}
		if e.Sequence > 0 {
			sent[e.Sequence] = true
		}
	}
	if len(backlog) > 0 {
		log.Info().Str("session_id", session.ID).Int("events", len(backlog)).Msg("handler: replayed missed events")
	}

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-session.Events():
			if sent[e.Sequence] {
				delete(sent, e.Sequence)
				continue
			}
			if err := h.write(conn, e); err != nil {
				log.Warn().Err(err).Str("session_id", session.ID).Msg("handler: failed to write event")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.Done():
			h.closeWith(conn, websocket.CloseGoingAway, "session closed")
			return
		}
	}
}

func (h *DisplayHandler) write(conn *websocket.Conn, e broadcast.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(e)
}

func (h *DisplayHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.opts.WriteTimeout))
}
