// Package bus is the durable queue between the downloads publisher and the
// download workers: one RabbitMQ queue carrying msgpack-encoded batches of
// lowercase package ids.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vmihailenco/msgpack/v5"
)

// Action is the handler's verdict on a delivery.
type Action int

const (
	// Ack removes the message from the queue.
	Ack Action = iota
	// NackRequeue returns the message to the queue for redelivery.
	NackRequeue
	// NackDrop discards the message (poison payloads).
	NackDrop
)

// Dialer abstracts amqp.Dial so tests can inject a fake broker.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// Connection is the slice of *amqp.Connection the bus uses.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel is the slice of *amqp.Channel the bus uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type realDialer struct{}

func (realDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return realConnection{conn}, nil
}

type realConnection struct{ conn *amqp.Connection }

func (c realConnection) Channel() (Channel, error) { return c.conn.Channel() }
func (c realConnection) Close() error              { return c.conn.Close() }

// Bus manages one durable queue. Safe for concurrent publishes.
type Bus struct {
	url        string
	queueName  string
	messageTTL time.Duration
	dialer     Dialer

	mu   sync.Mutex
	conn Connection
	ch   Channel
}

// New builds a bus against a live broker.
func New(url, queueName string, messageTTL time.Duration) *Bus {
	return NewWithDialer(url, queueName, messageTTL, realDialer{})
}

// NewWithDialer allows injecting a fake broker for tests.
func NewWithDialer(url, queueName string, messageTTL time.Duration, dialer Dialer) *Bus {
	return &Bus{
		url:        url,
		queueName:  queueName,
		messageTTL: messageTTL,
		dialer:     dialer,
	}
}

// EncodeBatch serializes a batch of package ids for the wire.
func EncodeBatch(ids []string) ([]byte, error) {
	return msgpack.Marshal(ids)
}

// DecodeBatch deserializes a wire payload back into package ids.
func DecodeBatch(data []byte) ([]string, error) {
	var ids []string
	if err := msgpack.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode batch payload: %w", err)
	}
	return ids, nil
}

// ensureChannel lazily (re)connects and declares the queue. Caller holds mu.
func (b *Bus) ensureChannel() (Channel, error) {
	if b.ch != nil {
		return b.ch, nil
	}

	conn, err := b.dialer.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Durable queue; the TTL rides on the queue so redeliveries inherit it.
	args := amqp.Table{}
	if b.messageTTL > 0 {
		args["x-message-ttl"] = b.messageTTL.Milliseconds()
	}
	if _, err := ch.QueueDeclare(b.queueName, true, false, false, false, args); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", b.queueName, err)
	}

	b.conn = conn
	b.ch = ch
	return ch, nil
}

func (b *Bus) dropChannel() {
	if b.ch != nil {
		b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// Publish sends one batch of package ids. No internal retry: a failed
// publish surfaces to the caller, which is the publisher job's contract.
func (b *Bus) Publish(ctx context.Context, ids []string) error {
	body, err := EncodeBatch(ids)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.ensureChannel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx,
		"",          // default exchange
		b.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/msgpack",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		// Drop the channel so the next publish reconnects cleanly.
		b.dropChannel()
		return fmt.Errorf("failed to publish batch: %w", err)
	}
	return nil
}

// Handler processes one decoded batch and returns the delivery verdict.
type Handler func(ctx context.Context, ids []string) Action

// Consume runs a consumer loop until ctx is canceled. prefetch bounds
// unacked deliveries per worker. Broker disconnects reconnect with bounded
// backoff; in-flight unacked messages redeliver.
func (b *Bus) Consume(ctx context.Context, prefetch int, handler Handler) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := b.consumeOnce(ctx, prefetch, handler)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		log.Printf("[bus] consumer disconnected: %v (reconnecting in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bus) consumeOnce(ctx context.Context, prefetch int, handler Handler) error {
	b.mu.Lock()
	ch, err := b.ensureChannel()
	b.mu.Unlock()
	if err != nil {
		return err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, b.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			// Leave the message unacked; the broker redelivers.
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				b.mu.Lock()
				b.dropChannel()
				b.mu.Unlock()
				return fmt.Errorf("delivery channel closed")
			}
			b.dispatch(ctx, d, handler)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	ids, err := DecodeBatch(d.Body)
	if err != nil {
		// Poison payload: requeueing would loop forever.
		log.Printf("[bus] dropping undecodable message: %v", err)
		d.Nack(false, false)
		return
	}

	switch handler(ctx, ids) {
	case Ack:
		if err := d.Ack(false); err != nil {
			log.Printf("[bus] ack failed: %v", err)
		}
	case NackRequeue:
		if err := d.Nack(false, true); err != nil {
			log.Printf("[bus] nack failed: %v", err)
		}
	case NackDrop:
		if err := d.Nack(false, false); err != nil {
			log.Printf("[bus] nack failed: %v", err)
		}
	}
}

// Close tears down the broker connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropChannel()
	return nil
}
