// Package rabbitmq provides the AMQP connection hub and a channel
// publisher with broker confirms, used to deliver outbox messages.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/veridianlabs/lib-txn/txn/log"
)

var (
	// ErrEmptyURI is returned when the AMQP URI is empty.
	ErrEmptyURI = errors.New("rabbitmq uri cannot be empty")
	// ErrNotConnected is returned when a channel is requested from a
	// closed connection.
	ErrNotConnected = errors.New("rabbitmq connection is not established")
)

// Connection is a hub over one AMQP connection.
type Connection struct {
	URI      string
	Exchange string
	Logger   log.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

func (c *Connection) initDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
}

// Connect dials the broker and opens the shared channel. The configured
// exchange is declared durable if one is set.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.initDefaults()

	if strings.TrimSpace(c.URI) == "" {
		return ErrEmptyURI
	}

	if c.conn != nil {
		if err := c.closeLocked(); err != nil {
			c.Logger.Log(ctx, log.LevelWarn, "failed to close previous rabbitmq connection before reconnect", log.Err(err))
		}
	}

	conn, err := amqp.Dial(c.URI)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("rabbitmq open channel: %w", err)
	}

	if c.Exchange != "" {
		err = channel.ExchangeDeclare(c.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
		if err != nil {
			_ = channel.Close()
			_ = conn.Close()

			return fmt.Errorf("rabbitmq declare exchange %q: %w", c.Exchange, err)
		}
	}

	c.conn = conn
	c.channel = channel
	c.connected = true

	c.Logger.Log(ctx, log.LevelInfo, "connected to rabbitmq",
		log.String("exchange", c.Exchange))

	return nil
}

// Channel returns a fresh dedicated channel for a publisher.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		c.mu.Lock()

		if c.conn == nil {
			if err := c.connectLocked(ctx); err != nil {
				c.mu.Unlock()

				return nil, err
			}
		}

		conn = c.conn
		c.mu.Unlock()
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq open channel: %w", err)
	}

	return channel, nil
}

// Close releases the channel and connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	var errs []error

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, err)
		}

		c.channel = nil
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}

		c.conn = nil
	}

	c.connected = false

	return errors.Join(errs...)
}

// IsConnected reports whether the connection is initialized.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// HealthCheck verifies the broker connection is still open.
func (c *Connection) HealthCheck(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil || c.conn.IsClosed() {
		return ErrNotConnected
	}

	return nil
}
