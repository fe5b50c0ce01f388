// Package mongo provides the MongoDB connection hub and the transaction
// source that enrolls a MongoDB database in a unit of work.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/veridianlabs/lib-txn/txn/log"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultMaxPoolSize            = 100
)

var (
	// ErrEmptyURI is returned when the Mongo URI is empty.
	ErrEmptyURI = errors.New("mongo uri cannot be empty")
	// ErrEmptyDatabaseName is returned when the database name is empty.
	ErrEmptyDatabaseName = errors.New("database name cannot be empty")
	// ErrNotConnected is returned when a handle is requested from a closed
	// connection.
	ErrNotConnected = errors.New("mongo connection is not established")
)

// Connection is a hub over one MongoDB client.
type Connection struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
	Logger                 log.Logger

	mu        sync.RWMutex
	client    *mongo.Client
	connected bool
}

func (c *Connection) validate() error {
	if strings.TrimSpace(c.URI) == "" {
		return ErrEmptyURI
	}

	if strings.TrimSpace(c.Database) == "" {
		return ErrEmptyDatabaseName
	}

	return nil
}

func (c *Connection) initDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}

	if c.ServerSelectionTimeout <= 0 {
		c.ServerSelectionTimeout = defaultServerSelectionTimeout
	}
}

// Connect establishes the client and verifies connectivity with a ping.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.validate(); err != nil {
		return err
	}

	c.initDefaults()

	if c.client != nil {
		if err := c.closeLocked(ctx); err != nil {
			c.Logger.Log(ctx, log.LevelWarn, "failed to close previous mongo client before reconnect", log.Err(err))
		}
	}

	opts := options.Client().
		ApplyURI(c.URI).
		SetMaxPoolSize(c.MaxPoolSize).
		SetServerSelectionTimeout(c.ServerSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("mongo connect: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)

		return fmt.Errorf("mongo ping: %w", err)
	}

	c.client = client
	c.connected = true

	c.Logger.Log(ctx, log.LevelInfo, "connected to mongodb",
		log.String("database", c.Database))

	return nil
}

// Client returns the mongo client, connecting lazily on first use.
func (c *Connection) Client(ctx context.Context) (*mongo.Client, error) {
	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.client, nil
}

// DB returns the configured database handle.
func (c *Connection) DB(ctx context.Context) (*mongo.Database, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return nil, err
	}

	return client.Database(c.Database), nil
}

// Close disconnects the client.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked(ctx)
}

func (c *Connection) closeLocked(ctx context.Context) error {
	if c.client == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	err := c.client.Disconnect(ctx)
	c.client = nil
	c.connected = false

	if err != nil {
		return fmt.Errorf("mongo disconnect: %w", err)
	}

	return nil
}

// IsConnected reports whether the client is initialized.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}
