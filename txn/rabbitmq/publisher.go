package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	txn "github.com/veridianlabs/lib-txn/txn"
	"github.com/veridianlabs/lib-txn/txn/internal/nilcheck"
	"github.com/veridianlabs/lib-txn/txn/log"
)

// DefaultConfirmTimeout is the default wait for a broker confirmation.
const DefaultConfirmTimeout = 5 * time.Second

// confirmChannelBuffer must cover the maximum unconfirmed messages in
// flight; publishes are serialized per publisher, so one would do, but a
// margin absorbs stale entries after timeouts.
const confirmChannelBuffer = 64

var (
	// ErrConnectionRequired is returned when the publisher is built
	// without a connection.
	ErrConnectionRequired = errors.New("rabbitmq connection is required")
	// ErrConfirmModeUnavailable is returned when the channel rejects
	// confirm mode.
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	// ErrPublishNacked is returned when the broker refuses a message.
	ErrPublishNacked = errors.New("message was nacked by broker")
	// ErrConfirmTimeout is returned when a confirmation does not arrive in
	// time.
	ErrConfirmTimeout = errors.New("confirmation timed out")
	// ErrPublisherClosed is returned when publishing through a closed
	// publisher.
	ErrPublisherClosed = errors.New("publisher is closed")
)

// Publisher delivers messages to the connection's exchange with broker
// confirms enabled, so a nil return means the broker accepted the message.
// The outbox channel name becomes the AMQP routing key.
//
// Publish-and-confirm flows are serialized per publisher; shard across
// publisher instances for higher throughput.
type Publisher struct {
	exchange       string
	logger         log.Logger
	confirmTimeout time.Duration

	mu        sync.RWMutex
	publishMu sync.Mutex
	ch        *amqp.Channel
	confirms  chan amqp.Confirmation
	closed    bool
}

var _ txn.ChannelPublisher = (*Publisher)(nil)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(p *Publisher) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

// WithConfirmTimeout sets the broker confirmation wait.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// NewPublisher opens a dedicated confirm-mode channel on conn.
func NewPublisher(ctx context.Context, conn *Connection, opts ...PublisherOption) (*Publisher, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	channel, err := conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()

		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	channel.NotifyPublish(confirms)

	p := &Publisher{
		exchange:       conn.Exchange,
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		ch:             channel,
		confirms:       confirms,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Publish sends body to channel (the routing key) and waits for the broker
// confirmation.
func (p *Publisher) Publish(ctx context.Context, channel string, body []byte) error {
	if p == nil {
		return ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.RLock()

	if p.closed || p.ch == nil {
		p.mu.RUnlock()

		return ErrPublisherClosed
	}

	ch := p.ch
	confirms := p.confirms
	timeout := p.confirmTimeout
	p.mu.RUnlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, p.exchange, channel, false, false, msg); err != nil {
		return fmt.Errorf("publish to %q: %w", channel, err)
	}

	return p.waitForConfirm(ctx, confirms, timeout)
}

func (p *Publisher) waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-timer.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("wait for confirm: %w", ctx.Err())
	}
}

// Close releases the publisher channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	if p.ch == nil {
		return nil
	}

	err := p.ch.Close()
	p.ch = nil

	if err != nil {
		return fmt.Errorf("close publisher channel: %w", err)
	}

	return nil
}
