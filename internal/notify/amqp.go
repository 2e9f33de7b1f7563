package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const dialAttempts = 5

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

// amqpConn adapts *amqp.Connection to amqpConnection.
type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (amqpChannel, error) {
	return c.Connection.Channel()
}

func dialAMQP(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// Broker owns the AMQP connection shared by the sender and the board mirror.
type Broker struct {
	url       string
	exchanges []string
	dialer    func(url string) (amqpConnection, error)

	mu      sync.Mutex
	conn    amqpConnection
	channel amqpChannel
}

// NewBroker dials url and declares a durable fanout exchange for each name.
func NewBroker(url string, exchanges ...string) (*Broker, error) {
	b := &Broker{url: url, exchanges: exchanges, dialer: dialAMQP}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect() error {
	var err error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		if err = b.dial(); err == nil {
			return nil
		}
		if attempt < dialAttempts {
			wait := time.Duration(attempt) * 2 * time.Second
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("notify: failed to connect to broker")
			time.Sleep(wait)
		}
	}
	return fmt.Errorf("notify: failed to connect to broker after %d attempts: %w", dialAttempts, err)
}

func (b *Broker) dial() error {
	conn, err := b.dialer(b.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	for _, name := range b.exchanges {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}

	b.conn = conn
	b.channel = ch
	log.Info().Strs("exchanges", b.exchanges).Msg("notify: connected to broker")
	return nil
}

// ensureChannelLocked redials a dropped connection and reopens a channel the
// server closed, for example after a failed publish.
func (b *Broker) ensureChannelLocked() error {
	if b.conn == nil || b.conn.IsClosed() {
		if err := b.dial(); err != nil {
			return fmt.Errorf("notify: failed to reconnect: %w", err)
		}
		return nil
	}
	if b.channel != nil && !b.channel.IsClosed() {
		return nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("notify: failed to reopen channel: %w", err)
	}
	b.channel = ch
	log.Warn().Msg("notify: broker channel reopened")
	return nil
}

func (b *Broker) publish(ctx context.Context, exchange string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: failed to marshal message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureChannelLocked(); err != nil {
		return err
	}

	err = b.channel.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: failed to publish to %s: %w", exchange, err)
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type textMessage struct {
	ContactHandle string    `json:"contact_handle"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// AMQPSender publishes customer messages for the messaging gateway to deliver.
type AMQPSender struct {
	broker   *Broker
	exchange string
}

func NewAMQPSender(broker *Broker, exchange string) *AMQPSender {
	return &AMQPSender{broker: broker, exchange: exchange}
}

func (s *AMQPSender) Send(ctx context.Context, contactHandle, message string) error {
	return s.broker.publish(ctx, s.exchange, textMessage{
		ContactHandle: contactHandle,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
	})
}

// AMQPMirror publishes board cards.
type AMQPMirror struct {
	broker   *Broker
	exchange string
}

func NewAMQPMirror(broker *Broker, exchange string) *AMQPMirror {
	return &AMQPMirror{broker: broker, exchange: exchange}
}

func (m *AMQPMirror) Mirror(ctx context.Context, card Card) error {
	return m.broker.publish(ctx, m.exchange, card)
}
