// Package jetstream implements bus.Broker on NATS JetStream.
//
// The topic is a stream bound to "<prefix>.>". Messages are published to
// "<prefix>.<type header>" and each subscription is a durable pull consumer
// whose filter subject selects one message type.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-servicebus/bus"
)

const (
	metaBatched          = "bus_batched_operations"
	metaDeadLetterExpiry = "bus_dead_letter_on_expiration"
	metaMessageTTL       = "bus_message_ttl"
	metaFilterProperty   = "bus_filter_property"

	untypedToken = "untyped"
)

type Config struct {
	// URL is dialed when Conn is nil.
	URL string
	// Conn is used when set. The broker does not close it.
	Conn *nats.Conn

	// Stream is the stream backing the topic.
	Stream string
	// SubjectPrefix defaults to Stream.
	SubjectPrefix string
	// DeadLetterSubject enables a dead-letter stream bound to
	// "<DeadLetterSubject>.>". Dead-lettered messages are published to
	// "<DeadLetterSubject>.<subscription>".
	DeadLetterSubject string
	Storage           jetstream.StorageType
	Replicas          int
	Logger            *zap.Logger
}

type Broker struct {
	conn      *nats.Conn
	ownsConn  bool
	js        jetstream.JetStream
	cfg       Config
	logger    *zap.Logger
	dlqStream string
}

var _ bus.Broker = (*Broker)(nil)

func New(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.Stream == "" {
		return nil, errors.New("jetstream: stream required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = cfg.Stream
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	b := &Broker{cfg: cfg, logger: cfg.Logger.With(zap.String("driver", "jetstream"), zap.String("stream", cfg.Stream))}
	if cfg.Conn != nil {
		b.conn = cfg.Conn
	} else {
		if cfg.URL == "" {
			return nil, errors.New("jetstream: url required when conn is not provided")
		}
		nc, err := nats.Connect(cfg.URL, nats.Name("go-servicebus"))
		if err != nil {
			return nil, fmt.Errorf("jetstream: connect: %w", err)
		}
		b.conn = nc
		b.ownsConn = true
	}

	js, err := jetstream.New(b.conn)
	if err != nil {
		b.closeConn()
		return nil, fmt.Errorf("jetstream: create context: %w", err)
	}
	b.js = js

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: jetstream.InterestPolicy,
		Storage:   cfg.Storage,
		Replicas:  cfg.Replicas,
	}); err != nil {
		b.closeConn()
		return nil, fmt.Errorf("jetstream: ensure stream %q: %w", cfg.Stream, mapError(err))
	}
	if cfg.DeadLetterSubject != "" {
		b.dlqStream = cfg.Stream + "_DLQ"
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     b.dlqStream,
			Subjects: []string{cfg.DeadLetterSubject + ".>"},
			Storage:  cfg.Storage,
			Replicas: cfg.Replicas,
		}); err != nil {
			b.closeConn()
			return nil, fmt.Errorf("jetstream: ensure dead-letter stream: %w", mapError(err))
		}
	}
	return b, nil
}

// Subject returns the subject messages with the given type header are
// published to.
func (b *Broker) Subject(typeHeader string) string {
	if typeHeader == "" {
		typeHeader = untypedToken
	}
	return b.cfg.SubjectPrefix + "." + typeHeader
}

// DeadLetterSubject returns the subject dead-lettered messages of the
// subscription are published to, or "" when dead-lettering is disabled.
func (b *Broker) DeadLetterSubject(subscription string) string {
	if b.cfg.DeadLetterSubject == "" {
		return ""
	}
	return b.cfg.DeadLetterSubject + "." + subscription
}

func (b *Broker) GetSubscription(ctx context.Context, name string) (*bus.SubscriptionDescription, error) {
	cons, err := b.js.Consumer(ctx, b.cfg.Stream, name)
	if err != nil {
		return nil, mapError(err)
	}
	return b.describe(cons.CachedInfo().Config), nil
}

func (b *Broker) SubscriptionExists(ctx context.Context, name string) (bool, error) {
	_, err := b.js.Consumer(ctx, b.cfg.Stream, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, jetstream.ErrConsumerNotFound):
		return false, nil
	default:
		return false, mapError(err)
	}
}

// CreateSubscription creates a durable pull consumer. An existing consumer
// of the same name is reported as bus.ErrAlreadyExists even when its
// configuration matches.
func (b *Broker) CreateSubscription(ctx context.Context, desc bus.SubscriptionDescription) (*bus.SubscriptionDescription, error) {
	if desc.Name == "" {
		return nil, errors.New("jetstream: subscription name required")
	}
	cfg, err := b.consumerConfig(desc)
	if err != nil {
		return nil, err
	}
	exists, err := b.SubscriptionExists(ctx, desc.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, bus.ErrAlreadyExists.Wrap(fmt.Errorf("jetstream: consumer %q", desc.Name))
	}
	cons, err := b.js.CreateConsumer(ctx, b.cfg.Stream, cfg)
	if err != nil {
		return nil, mapError(err)
	}
	b.logger.Info("consumer created", zap.String("subscription", desc.Name), zap.String("filter_subject", cfg.FilterSubject))
	return b.describe(cons.CachedInfo().Config), nil
}

func (b *Broker) DeleteSubscription(ctx context.Context, name string) error {
	if err := b.js.DeleteConsumer(ctx, b.cfg.Stream, name); err != nil {
		return mapError(err)
	}
	return nil
}

func (b *Broker) NewReceiver(ctx context.Context, name string, opts bus.ReceiverOptions) (bus.ReceiverClient, error) {
	cons, err := b.js.Consumer(ctx, b.cfg.Stream, name)
	if err != nil {
		return nil, mapError(err)
	}
	desc := b.describe(cons.CachedInfo().Config)
	return &receiver{
		broker:   b,
		name:     name,
		consumer: cons,
		mode:     opts.Mode,
		batch:    max(opts.PrefetchCount, 1),
		ttl:      desc.DefaultMessageTTL,
		dlqOnTTL: desc.DeadLetterOnExpiration,
	}, nil
}

func (b *Broker) NewSender(context.Context) (bus.SenderClient, error) {
	return &sender{broker: b}, nil
}

// Close drains the connection when the broker dialed it.
func (b *Broker) Close(context.Context) error {
	if b.ownsConn {
		return b.conn.Drain()
	}
	return nil
}

func (b *Broker) closeConn() {
	if b.ownsConn {
		b.conn.Close()
	}
}

func (b *Broker) consumerConfig(desc bus.SubscriptionDescription) (jetstream.ConsumerConfig, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       desc.Name,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       desc.LockDuration,
		MaxDeliver:    -1,
		FilterSubject: b.cfg.SubjectPrefix + ".>",
		Replicas:      b.cfg.Replicas,
		Metadata: map[string]string{
			metaBatched:          strconv.FormatBool(desc.EnableBatchedOperations),
			metaDeadLetterExpiry: strconv.FormatBool(desc.DeadLetterOnExpiration),
		},
	}
	if desc.MaxDeliveryCount > 0 {
		cfg.MaxDeliver = desc.MaxDeliveryCount
	}
	if desc.DefaultMessageTTL > 0 {
		cfg.Metadata[metaMessageTTL] = desc.DefaultMessageTTL.String()
	}
	switch desc.Filter.Property {
	case "":
	case bus.TypeHeaderName:
		cfg.FilterSubject = b.Subject(desc.Filter.Value)
		cfg.Metadata[metaFilterProperty] = desc.Filter.Property
	default:
		return cfg, fmt.Errorf("jetstream: filter on %q cannot be expressed as a subject; only %s is supported",
			desc.Filter.Property, bus.TypeHeaderName)
	}
	return cfg, nil
}

func (b *Broker) describe(cfg jetstream.ConsumerConfig) *bus.SubscriptionDescription {
	desc := &bus.SubscriptionDescription{
		Topic:                   b.cfg.Stream,
		Name:                    cfg.Durable,
		LockDuration:            cfg.AckWait,
		EnableBatchedOperations: cfg.Metadata[metaBatched] == "true",
		DeadLetterOnExpiration:  cfg.Metadata[metaDeadLetterExpiry] == "true",
	}
	if cfg.MaxDeliver > 0 {
		desc.MaxDeliveryCount = cfg.MaxDeliver
	}
	if ttl, err := time.ParseDuration(cfg.Metadata[metaMessageTTL]); err == nil {
		desc.DefaultMessageTTL = ttl
	}
	if cfg.Metadata[metaFilterProperty] == bus.TypeHeaderName {
		desc.Filter = bus.Filter{
			Property: bus.TypeHeaderName,
			Value:    cfg.FilterSubject[len(b.cfg.SubjectPrefix)+1:],
		}
	}
	return desc
}

// mapError translates JetStream and connection errors into bus error kinds.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, jetstream.ErrConsumerNotFound), errors.Is(err, jetstream.ErrStreamNotFound):
		return bus.ErrNotFound.Wrap(err)
	case errors.Is(err, jetstream.ErrConsumerExists), errors.Is(err, jetstream.ErrStreamNameAlreadyInUse):
		return bus.ErrAlreadyExists.Wrap(err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, nats.ErrNoResponders), errors.Is(err, jetstream.ErrNoHeartbeat),
		errors.Is(err, nats.ErrConnectionReconnecting):
		return bus.Transient(err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, jetstream.ErrConsumerDeleted):
		return bus.ErrMessaging.Wrap(err)
	default:
		return err
	}
}
