// Package google implements bus.Broker on Google Cloud Pub/Sub.
//
// Subscriptions are managed through the pubsub client. Messages are pulled
// synchronously through the subscriber API so that each one can be
// acknowledged, released (ack deadline reset to zero) or dead-lettered on
// its own.
package google

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	vkit "cloud.google.com/go/pubsub/apiv1"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-servicebus/bus"
)

const (
	// MessageIDAttribute carries the sender-assigned message id. Pub/Sub
	// assigns its own ids on publish.
	MessageIDAttribute = "bus-message-id"

	labelBatched          = "bus_batched_operations"
	labelDeadLetterExpiry = "bus_dead_letter_on_expiration"

	minAckDeadline      = 10 * time.Second
	maxAckDeadline      = 600 * time.Second
	minRetention        = 10 * time.Minute
	maxRetention        = 7 * 24 * time.Hour
	minDeliveryAttempts = 5
	maxDeliveryAttempts = 100
	defaultMaxDelivery  = 10
	defaultPollInterval = 100 * time.Millisecond
	// defaultAttemptWindow bounds how long a local delivery count survives
	// without the message being seen again.
	defaultAttemptWindow = time.Hour
	maxTrackedAttempts   = 10000
)

type Config struct {
	ProjectID       string
	CredentialsJSON []byte
	Endpoint        string
	UserAgent       string
	// ClientOptions are appended to the options derived from the fields
	// above. They also configure the subscriber API client.
	ClientOptions []option.ClientOption
	// Client is used for subscription management and publishing when set.
	// The broker does not close it.
	Client *gcppubsub.Client

	// Topic is the topic id every subscription is attached to.
	Topic string
	// DeadLetterTopic is the topic id dead-lettered messages are published
	// to. When empty, dead-lettering acknowledges the message and logs a
	// warning so it is not redelivered.
	DeadLetterTopic string
	// PollInterval is the pause between empty pulls inside one receive window.
	PollInterval time.Duration
	// AttemptWindow is how long a locally counted delivery attempt is kept
	// for a peek-locked message that is not seen again. Pub/Sub reports
	// attempts itself only when the subscription has a dead-letter policy.
	AttemptWindow time.Duration
	Logger        *zap.Logger
}

type Broker struct {
	client     *gcppubsub.Client
	ownsClient bool
	subscriber *vkit.SubscriberClient
	cfg        Config
	logger     *zap.Logger
}

var _ bus.Broker = (*Broker)(nil)

func New(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.Topic == "" {
		return nil, errors.New("googlepubsub: topic required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = defaultAttemptWindow
	}

	opts := make([]option.ClientOption, 0, 3+len(cfg.ClientOptions))
	if len(cfg.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, option.WithUserAgent(cfg.UserAgent))
	}
	opts = append(opts, cfg.ClientOptions...)

	b := &Broker{cfg: cfg, logger: cfg.Logger.With(zap.String("driver", "googlepubsub"), zap.String("topic", cfg.Topic))}
	if cfg.Client != nil {
		b.client = cfg.Client
	} else {
		if cfg.ProjectID == "" {
			return nil, errors.New("googlepubsub: project id required when client is not provided")
		}
		client, err := gcppubsub.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("googlepubsub: create client: %w", err)
		}
		b.client = client
		b.ownsClient = true
	}

	subscriber, err := vkit.NewSubscriberClient(ctx, opts...)
	if err != nil {
		if b.ownsClient {
			_ = b.client.Close()
		}
		return nil, fmt.Errorf("googlepubsub: create subscriber client: %w", err)
	}
	b.subscriber = subscriber
	if cfg.DeadLetterTopic == "" {
		b.logger.Warn("no dead-letter topic configured, dead-lettered messages will be acknowledged and dropped")
	}
	return b, nil
}

// EnsureTopics creates the topic and the dead-letter topic when missing.
func (b *Broker) EnsureTopics(ctx context.Context) error {
	for _, id := range []string{b.cfg.Topic, b.cfg.DeadLetterTopic} {
		if id == "" {
			continue
		}
		ok, err := b.client.Topic(id).Exists(ctx)
		if err != nil {
			return mapError(err)
		}
		if ok {
			continue
		}
		if _, err := b.client.CreateTopic(ctx, id); err != nil && status.Code(err) != codes.AlreadyExists {
			return mapError(err)
		}
		b.logger.Info("topic created", zap.String("id", id))
	}
	return nil
}

func (b *Broker) GetSubscription(ctx context.Context, name string) (*bus.SubscriptionDescription, error) {
	cfg, err := b.client.Subscription(name).Config(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return describe(name, cfg), nil
}

func (b *Broker) SubscriptionExists(ctx context.Context, name string) (bool, error) {
	ok, err := b.client.Subscription(name).Exists(ctx)
	if err != nil {
		return false, mapError(err)
	}
	return ok, nil
}

func (b *Broker) CreateSubscription(ctx context.Context, desc bus.SubscriptionDescription) (*bus.SubscriptionDescription, error) {
	if desc.Name == "" {
		return nil, errors.New("googlepubsub: subscription name required")
	}
	cfg := b.subscriptionConfig(desc)
	sub, err := b.client.CreateSubscription(ctx, desc.Name, cfg)
	if err != nil {
		return nil, mapError(err)
	}
	b.logger.Info("subscription created", zap.String("subscription", desc.Name), zap.String("filter", cfg.Filter))
	created, err := sub.Config(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return describe(desc.Name, created), nil
}

func (b *Broker) DeleteSubscription(ctx context.Context, name string) error {
	if err := b.client.Subscription(name).Delete(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

func (b *Broker) NewReceiver(ctx context.Context, name string, opts bus.ReceiverOptions) (bus.ReceiverClient, error) {
	ok, err := b.SubscriptionExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bus.ErrNotFound.Wrap(fmt.Errorf("googlepubsub: subscription %q", name))
	}
	batch := int32(1)
	if opts.PrefetchCount > 0 {
		batch = int32(opts.PrefetchCount)
	}
	return &receiver{
		broker:   b,
		name:     name,
		path:     b.client.Subscription(name).String(),
		mode:     opts.Mode,
		batch:    batch,
		attempts: map[string]attempt{},
		now:      time.Now,
	}, nil
}

func (b *Broker) NewSender(context.Context) (bus.SenderClient, error) {
	return &sender{topic: b.client.Topic(b.cfg.Topic)}, nil
}

// Close releases the subscriber client, and the pubsub client when the
// broker created it.
func (b *Broker) Close(context.Context) error {
	err := b.subscriber.Close()
	if b.ownsClient {
		err = errors.Join(err, b.client.Close())
	}
	return err
}

func (b *Broker) subscriptionConfig(desc bus.SubscriptionDescription) gcppubsub.SubscriptionConfig {
	cfg := gcppubsub.SubscriptionConfig{
		Topic:  b.client.Topic(b.cfg.Topic),
		Filter: filterExpression(desc.Filter),
		Labels: map[string]string{
			labelBatched:          strconv.FormatBool(desc.EnableBatchedOperations),
			labelDeadLetterExpiry: strconv.FormatBool(desc.DeadLetterOnExpiration),
		},
	}
	if desc.LockDuration > 0 {
		cfg.AckDeadline = clamp(desc.LockDuration, minAckDeadline, maxAckDeadline)
	}
	if desc.DefaultMessageTTL > 0 {
		cfg.RetentionDuration = clamp(desc.DefaultMessageTTL, minRetention, maxRetention)
	}
	if b.cfg.DeadLetterTopic != "" {
		attempts := desc.MaxDeliveryCount
		if attempts <= 0 {
			attempts = defaultMaxDelivery
		}
		cfg.DeadLetterPolicy = &gcppubsub.DeadLetterPolicy{
			DeadLetterTopic:     b.client.Topic(b.cfg.DeadLetterTopic).String(),
			MaxDeliveryAttempts: clamp(attempts, minDeliveryAttempts, maxDeliveryAttempts),
		}
	}
	return cfg
}

func describe(name string, cfg gcppubsub.SubscriptionConfig) *bus.SubscriptionDescription {
	desc := &bus.SubscriptionDescription{
		Name:                    name,
		Filter:                  parseFilterExpression(cfg.Filter),
		LockDuration:            cfg.AckDeadline,
		DefaultMessageTTL:       cfg.RetentionDuration,
		EnableBatchedOperations: cfg.Labels[labelBatched] == "true",
		DeadLetterOnExpiration:  cfg.Labels[labelDeadLetterExpiry] == "true",
	}
	if cfg.Topic != nil {
		desc.Topic = cfg.Topic.ID()
	}
	if cfg.DeadLetterPolicy != nil {
		desc.MaxDeliveryCount = cfg.DeadLetterPolicy.MaxDeliveryAttempts
	}
	return desc
}

var filterPattern = regexp.MustCompile(`^attributes\.([A-Za-z_][A-Za-z0-9_]*) = ("(?:[^"\\]|\\.)*")$`)

func filterExpression(f bus.Filter) string {
	if f.Property == "" {
		return ""
	}
	return fmt.Sprintf("attributes.%s = %s", f.Property, strconv.Quote(f.Value))
}

func parseFilterExpression(expr string) bus.Filter {
	m := filterPattern.FindStringSubmatch(expr)
	if m == nil {
		return bus.Filter{}
	}
	v, err := strconv.Unquote(m[2])
	if err != nil {
		return bus.Filter{}
	}
	return bus.Filter{Property: m[1], Value: v}
}

func clamp[T int | time.Duration](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

// mapError translates gRPC status codes into bus error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return bus.ErrNotFound.Wrap(err)
	case codes.AlreadyExists:
		return bus.ErrAlreadyExists.Wrap(err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unknown:
		return bus.Transient(err)
	default:
		return err
	}
}
