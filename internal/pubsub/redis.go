package pubsub

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport fans room events out across server instances using Redis
// PUBLISH/SUBSCRIBE.
type RedisTransport struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewRedisTransport(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{
			Addr: redisURL,
			DB:   0,
		}
	}
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 500 * time.Millisecond

	client := redis.NewClient(opts)

	t := &RedisTransport{
		client: client,
		logger: logger.Sugar(),
	}
	client.AddHook(&loggerHook{logger: t.logger})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	t.logger.Infow("redis connected", "addr", opts.Addr, "db", opts.DB)

	return t, nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Feed, error) {
	ps := t.client.Subscribe(ctx, topic)

	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	f := &redisFeed{
		ps:  ps,
		out: make(chan []byte),
	}
	go f.pump(ps.Channel())

	return f, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisFeed struct {
	ps  *redis.PubSub
	out chan []byte
}

func (f *redisFeed) pump(in <-chan *redis.Message) {
	defer close(f.out)
	for msg := range in {
		f.out <- []byte(msg.Payload)
	}
}

func (f *redisFeed) Messages() <-chan []byte {
	return f.out
}

func (f *redisFeed) Close() error {
	return f.ps.Close()
}

type loggerHook struct {
	logger *zap.SugaredLogger
}

func (h *loggerHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.logger.Errorw("redis dial failed", "network", network, "addr", addr, "error", err)
		} else {
			h.logger.Debugw("redis dialed", "network", network, "addr", addr)
		}
		return conn, err
	}
}

func (h *loggerHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)

		if cmd.Name() == "ping" && err == nil {
			return err
		}

		fields := []interface{}{
			"command", cmd.Name(),
			"duration", time.Since(start).String(),
		}
		if err != nil {
			fields = append(fields, "error", err)
			h.logger.Errorw("redis command failed", fields...)
		} else {
			h.logger.Debugw("redis command executed", fields...)
		}

		return err
	}
}

func (h *loggerHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil {
			h.logger.Errorw("redis pipeline failed", "commands", len(cmds), "error", err)
		}
		return err
	}
}
