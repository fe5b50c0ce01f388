package txn

import "context"

// ChannelPublisher delivers a serialized event envelope to a named
// channel. Implementations wrap a concrete transport (rabbitmq, nats);
// broker-side durability and topic administration are out of scope here.
type ChannelPublisher interface {
	Publish(ctx context.Context, channel string, body []byte) error
}

// ChannelPublisherFunc adapts a function to the ChannelPublisher interface.
type ChannelPublisherFunc func(ctx context.Context, channel string, body []byte) error

// Publish implements ChannelPublisher.
func (f ChannelPublisherFunc) Publish(ctx context.Context, channel string, body []byte) error {
	return f(ctx, channel, body)
}
