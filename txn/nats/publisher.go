// Package nats provides a JetStream-backed channel publisher, used to
// deliver outbox messages over NATS instead of AMQP.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	txn "github.com/veridianlabs/lib-txn/txn"
	"github.com/veridianlabs/lib-txn/txn/internal/nilcheck"
	"github.com/veridianlabs/lib-txn/txn/log"
)

var (
	// ErrEmptyStreamName is returned when the stream name is empty.
	ErrEmptyStreamName = errors.New("nats stream name cannot be empty")
	// ErrEmptyChannel is returned when Publish is called without a channel.
	ErrEmptyChannel = errors.New("nats channel cannot be empty")
	// ErrPublisherClosed is returned when publishing through a closed
	// publisher.
	ErrPublisherClosed = errors.New("nats publisher is closed")
)

// Config defines the JetStream publisher's connection and stream behavior.
type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	Replicas        int
	DuplicateWindow time.Duration
}

// DefaultConfig returns the baseline publisher configuration.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "TXN_EVENTS",
		SubjectPrefix:   "txn.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// Publisher delivers messages to a JetStream stream. The outbox channel
// name becomes the subject suffix, and the envelope id becomes the
// JetStream message id, so broker-side deduplication absorbs the outbox's
// at-least-once redeliveries inside the duplicate window.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger log.Logger
}

var _ txn.ChannelPublisher = (*Publisher)(nil)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(logger log.Logger) PublisherOption {
	return func(p *Publisher) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

// NewPublisher connects to NATS and ensures the stream exists.
func NewPublisher(ctx context.Context, cfg Config, opts ...PublisherOption) (*Publisher, error) {
	if cfg.StreamName == "" {
		return nil, ErrEmptyStreamName
	}

	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	p := &Publisher{
		cfg:    cfg,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.SafeError(p.logger, context.Background(), "nats disconnected", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Log(context.Background(), log.LevelInfo, "nats reconnected",
				log.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p.nc = nc
	p.js = js

	if err := p.ensureStream(ctx); err != nil {
		nc.Close()

		return nil, err
	}

	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:       p.cfg.StreamName,
		Subjects:   []string{p.cfg.SubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     p.cfg.MaxAge,
		Storage:    jetstream.FileStorage,
		Replicas:   p.cfg.Replicas,
		Duplicates: p.cfg.DuplicateWindow,
	}

	if _, err := p.js.Stream(ctx, p.cfg.StreamName); err != nil {
		if _, err := p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream %q: %w", p.cfg.StreamName, err)
		}

		p.logger.Log(ctx, log.LevelInfo, "created jetstream stream",
			log.String("stream", p.cfg.StreamName))
	}

	return nil
}

// envelopeID extracts the envelope id from a serialized event, falling
// back to empty when the body is not a recognizable envelope.
func envelopeID(body []byte) string {
	var peek struct {
		ID string `json:"id"`
	}

	if err := json.Unmarshal(body, &peek); err != nil {
		return ""
	}

	return peek.ID
}

// Publish sends body to the subject derived from channel and waits for the
// stream acknowledgment.
func (p *Publisher) Publish(ctx context.Context, channel string, body []byte) error {
	if p == nil || p.js == nil {
		return ErrPublisherClosed
	}

	if channel == "" {
		return ErrEmptyChannel
	}

	subject := p.cfg.SubjectPrefix + "." + channel

	publishOpts := []jetstream.PublishOpt{
		jetstream.WithExpectStream(p.cfg.StreamName),
	}

	if id := envelopeID(body); id != "" {
		publishOpts = append(publishOpts, jetstream.WithMsgID(id))
	}

	ack, err := p.js.Publish(ctx, subject, body, publishOpts...)
	if err != nil {
		return fmt.Errorf("publish to %q: %w", subject, err)
	}

	p.logger.Log(ctx, log.LevelDebug, "published to jetstream",
		log.String("subject", subject),
		log.Int("sequence", int(ack.Sequence)),
	)

	return nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}

	p.nc.Close()
	p.nc = nil
	p.js = nil
}
