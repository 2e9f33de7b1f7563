package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogSender and LogMirror stand in when no broker is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, contactHandle, message string) error {
	log.Info().Str("contact_handle", contactHandle).Str("message", message).Msg("notify: customer message (no broker configured)")
	return nil
}

type LogMirror struct{}

func (LogMirror) Mirror(_ context.Context, card Card) error {
	log.Info().Str("order_id", card.OrderID).Str("title", card.Title).Str("status", card.Status.String()).Msg("notify: board card (no broker configured)")
	return nil
}
