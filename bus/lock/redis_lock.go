// Package lock provides a Redis-backed bus.Locker that serializes
// subscription create and delete across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-servicebus/bus"
)

const keyPrefix = "lock:"

var (
	ErrInvalidLockKey  = errors.New("invalid lock key")
	ErrLockNotAcquired = errors.New("lock not acquired")
)

type Option func(*options)

type options struct {
	logger     *zap.Logger
	expiry     time.Duration
	retryDelay time.Duration
	retries    int
}

func defaultOptions() options {
	return options{
		logger:     zap.NewNop(),
		expiry:     60 * time.Second,
		retryDelay: 250 * time.Millisecond,
		retries:    40,
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.logger = lg
		}
	}
}

// WithExpiry bounds how long a crashed holder can block other processes.
func WithExpiry(expiry time.Duration) Option {
	return func(o *options) {
		if expiry > 0 {
			o.expiry = expiry
		}
	}
}

func WithRetryDelay(retryDelay time.Duration) Option {
	return func(o *options) {
		if retryDelay > 0 {
			o.retryDelay = retryDelay
		}
	}
}

func WithRetries(retries int) Option {
	return func(o *options) {
		if retries > 0 {
			o.retries = retries
		}
	}
}

type RedisLock struct {
	rs   *redsync.Redsync
	opts options
}

var _ bus.Locker = (*RedisLock)(nil)

func NewRedisLock(client goredislib.UniversalClient, opts ...Option) *RedisLock {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisLock{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: o,
	}
}

type Config struct {
	Addr           string        `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password       string        `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB             int           `yaml:"db" envconfig:"REDIS_DB"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"REDIS_CONNECT_TIMEOUT"`
}

// Dial connects to Redis, verifies the connection and returns a lock plus a
// closer for the client.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*RedisLock, func(), error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	client := goredislib.NewClient(&goredislib.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("lock: connect to redis %s: %w", cfg.Addr, err)
	}
	o.logger.Info("connected to redis for subscription lock", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))

	return NewRedisLock(client, opts...), func() {
		_ = client.Close()
		o.logger.Info("closed redis connection for subscription lock", zap.String("addr", cfg.Addr))
	}, nil
}

// Lock blocks, retrying up to the configured count, until key is acquired.
func (l *RedisLock) Lock(ctx context.Context, key string) (bus.Unlocker, error) {
	return l.acquire(ctx, key, l.opts.retries)
}

// TryLock makes a single acquisition attempt.
func (l *RedisLock) TryLock(ctx context.Context, key string) (bus.Unlocker, error) {
	return l.acquire(ctx, key, 1)
}

func (l *RedisLock) acquire(ctx context.Context, key string, tries int) (bus.Unlocker, error) {
	if key == "" {
		return nil, ErrInvalidLockKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mutex := l.rs.NewMutex(keyPrefix+key,
		redsync.WithExpiry(l.opts.expiry),
		redsync.WithRetryDelay(l.opts.retryDelay),
		redsync.WithTries(tries),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			l.opts.logger.Debug("failed to acquire lock", zap.String("key", key), zap.Error(err))
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		}
		l.opts.logger.Error("error acquiring lock", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	l.opts.logger.Debug("lock acquired", zap.String("key", key))
	return unlocker(mutex, l.opts.logger, key), nil
}

func unlocker(mutex *redsync.Mutex, lg *zap.Logger, key string) bus.Unlocker {
	return func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			lg.Error("failed to unlock", zap.String("key", key), zap.Error(err))
			return err
		}
		if !ok {
			lg.Debug("lock already released", zap.String("key", key))
			return nil
		}
		lg.Debug("lock released", zap.String("key", key))
		return nil
	}
}
