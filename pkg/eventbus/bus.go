package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	TopicEvents  = "tether.events"
	TopicInbound = "tether.inbound"
)

// Settings selects the pub/sub backend. The zero value is an in-process
// gochannel bus.
type Settings struct {
	RedisEnabled bool   `mapstructure:"redis-enabled" yaml:"redis-enabled"`
	RedisAddr    string `mapstructure:"redis-addr" yaml:"redis-addr"`
	Group        string `mapstructure:"redis-group" yaml:"redis-group"`
	Consumer     string `mapstructure:"redis-consumer" yaml:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		RedisAddr: "localhost:6379",
		Group:     "tether",
		Consumer:  "tether-1",
	}
}

// Bus bundles a publisher and subscriber sharing one backend.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client *redis.Client
	shared bool
}

// New builds a Redis Streams bus when s.RedisEnabled and an in-memory
// gochannel bus otherwise. On the in-memory bus Publish returns once every
// subscriber acked the message, so subscribers must ack.
func New(s Settings, logger zerolog.Logger) (*Bus, error) {
	wlogger := NewWatermillLogger(logger.With().Str("component", "eventbus").Logger())

	if !s.RedisEnabled {
		// Blocking until the subscriber acks keeps messages in publish order.
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, wlogger)
		return &Bus{Publisher: ch, Subscriber: ch, shared: true}, nil
	}

	if s.RedisAddr == "" {
		return nil, errors.New("eventbus: redis enabled without an address")
	}
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlogger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "eventbus: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wlogger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "eventbus: redis subscriber")
	}
	return &Bus{Publisher: pub, Subscriber: sub, client: client}, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($)
// so a new consumer does not replay the stream's history. It is a no-op on
// the in-memory bus.
func (b *Bus) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	if b.client == nil {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "eventbus: create group %s on %s", group, stream)
	}
	return nil
}

func (b *Bus) Close() error {
	var first error
	if err := b.Publisher.Close(); err != nil {
		first = err
	}
	if !b.shared {
		if err := b.Subscriber.Close(); err != nil && first == nil {
			first = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
