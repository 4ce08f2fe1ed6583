// Command example runs a receiver and sender against the broker selected in
// the configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/infigaming-com/go-servicebus/bus"
	"github.com/infigaming-com/go-servicebus/bus/admin"
	"github.com/infigaming-com/go-servicebus/bus/driver/google"
	"github.com/infigaming-com/go-servicebus/bus/driver/inmem"
	busjs "github.com/infigaming-com/go-servicebus/bus/driver/jetstream"
	"github.com/infigaming-com/go-servicebus/bus/lock"
	"github.com/infigaming-com/go-servicebus/bus/metrics"
	"github.com/infigaming-com/go-servicebus/config"
	"github.com/infigaming-com/go-servicebus/logging"
)

type OrderPlaced struct {
	ID       string    `json:"id"`
	Amount   int64     `json:"amount"`
	PlacedAt time.Time `json:"placed_at"`
}

type RefundRequested struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fail to load config, error: %v", err)
	}

	lg, undo, err := logging.New(cfg.Logger)
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("example exited with error", zap.Error(err))
		undo()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	broker, err := openBroker(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer broker.Close(context.Background())

	opts, err := cfg.ReceiverOptions()
	if err != nil {
		return err
	}
	senderOpts, err := cfg.SenderOptions()
	if err != nil {
		return err
	}
	opts = append(opts, bus.WithLogger(lg))
	senderOpts = append(senderOpts, bus.WithSenderLogger(lg))

	if cfg.Metrics.Enabled {
		exporter, shutdown, err := metrics.NewExporter(ctx,
			metrics.WithServiceName(cfg.Service.Name),
			metrics.WithServiceNamespace(cfg.Service.Namespace),
			metrics.WithServiceVersion(cfg.Service.Version),
			metrics.WithEnvironment(cfg.Service.Environment),
			metrics.WithOTLPEndpoint(cfg.Metrics.OTLPEndpoint),
			metrics.WithOTLPGRPCEndpoint(cfg.Metrics.OTLPGRPC),
			metrics.WithInterval(cfg.Metrics.Interval),
		)
		if err != nil {
			return err
		}
		defer shutdown()
		hooks, err := metrics.Hooks(exporter.Meter())
		if err != nil {
			return err
		}
		opts = append(opts, bus.WithHooks(hooks))
		senderOpts = append(senderOpts, bus.WithSenderHooks(hooks))
	}

	if cfg.Lock.Enabled {
		locker, closeLock, err := lock.Dial(ctx, cfg.Lock.Config, lock.WithLogger(lg), lock.WithExpiry(cfg.Lock.Expiry))
		if err != nil {
			return err
		}
		defer closeLock()
		opts = append(opts, bus.WithLocker(locker))
	}

	handlers := bus.NewHandlerRegistry()
	if err := bus.RegisterInstance[OrderPlaced](handlers, "order-projection", bus.HandlerFunc[OrderPlaced](
		func(_ context.Context, msg *bus.ReceivedMessage[OrderPlaced]) error {
			lg.Info("order placed", zap.String("order_id", msg.Message.ID), zap.Int64("amount", msg.Message.Amount))
			return nil
		})); err != nil {
		return err
	}
	if err := bus.Register[RefundRequested](handlers, "refund-ledger", func() bus.Handler[RefundRequested] {
		return bus.HandlerFunc[RefundRequested](func(_ context.Context, msg *bus.ReceivedMessage[RefundRequested]) error {
			if msg.Message.Reason == "" {
				return errors.New("refund reason is required")
			}
			lg.Info("refund requested", zap.String("order_id", msg.Message.OrderID))
			return nil
		})
	}); err != nil {
		return err
	}

	receiver, err := bus.NewReceiver(ctx, broker, handlers, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := receiver.Close(closeCtx); err != nil {
			lg.Warn("receiver close failed", zap.Error(err))
		}
	}()

	endpoints := []bus.EndpointDescriptor{
		bus.NewEndpoint[OrderPlaced]("orders", "order-projection",
			bus.WithAttributes(cfg.Attributes("orders"))),
		bus.NewEndpoint[RefundRequested]("refunds", "refund-ledger",
			bus.WithAttributes(cfg.Attributes("refunds")), bus.WithReusableHandler(false)),
	}
	for _, ep := range endpoints {
		if _, err := receiver.CreateSubscription(ctx, ep); err != nil {
			return fmt.Errorf("create subscription %s: %w", ep.SubscriptionName, err)
		}
	}

	sender, err := bus.NewSender(ctx, broker, senderOpts...)
	if err != nil {
		return err
	}
	defer sender.Close(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Enabled {
		srv := admin.NewServer(receiver, admin.WithPort(cfg.Admin.Port), admin.WithLogger(lg))
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for n := 1; ; n++ {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			order := OrderPlaced{ID: fmt.Sprintf("o-%d", n), Amount: int64(n) * 100, PlacedAt: time.Now().UTC()}
			if _, err := sender.Send(gctx, order, map[string]string{"source": "example"}); err != nil {
				lg.Warn("send order failed", zap.Error(err))
			}
			if n%3 == 0 {
				refund := RefundRequested{OrderID: order.ID}
				if _, err := sender.Send(gctx, refund, nil); err != nil {
					lg.Warn("send refund failed", zap.Error(err))
				}
			}
		}
	})
	return g.Wait()
}

func openBroker(ctx context.Context, cfg *config.Config, lg *zap.Logger) (bus.Broker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerGoogle:
		gc := google.Config{
			ProjectID:       cfg.Broker.Google.ProjectID,
			Endpoint:        cfg.Broker.Google.Endpoint,
			Topic:           cfg.Broker.Topic,
			DeadLetterTopic: cfg.Broker.Google.DeadLetterTopic,
			PollInterval:    cfg.Broker.Google.PollInterval,
			AttemptWindow:   cfg.Broker.Google.AttemptWindow,
			Logger:          lg,
		}
		if path := cfg.Broker.Google.CredentialsFile; path != "" {
			creds, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read pubsub credentials: %w", err)
			}
			gc.CredentialsJSON = creds
		}
		b, err := google.New(ctx, gc)
		if err != nil {
			return nil, err
		}
		if err := b.EnsureTopics(ctx); err != nil {
			_ = b.Close(ctx)
			return nil, err
		}
		return b, nil
	case config.BrokerJetStream:
		storage := jetstream.FileStorage
		if cfg.Broker.JetStream.Storage == "memory" {
			storage = jetstream.MemoryStorage
		}
		return busjs.New(ctx, busjs.Config{
			URL:               cfg.Broker.JetStream.URL,
			Stream:            cfg.Broker.JetStream.Stream,
			SubjectPrefix:     cfg.Broker.JetStream.SubjectPrefix,
			DeadLetterSubject: cfg.Broker.JetStream.DeadLetterSubject,
			Storage:           storage,
			Replicas:          cfg.Broker.JetStream.Replicas,
			Logger:            lg,
		})
	default:
		return inmem.New(
			inmem.WithTopic(cfg.Broker.Topic),
			inmem.WithLockDuration(cfg.Broker.InMem.LockDuration),
			inmem.WithMaxDeliveryCount(cfg.Broker.InMem.MaxDeliveryCount),
		), nil
	}
}
