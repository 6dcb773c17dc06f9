// Package publish pushes per-tick summaries to Redis streams for read-only
// dashboards.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "odyssey:ticks"

// Config selects the Redis server and stream.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream length approximately. Zero keeps everything.
	MaxLen int64
}

// RedisPublisher XADDs one entry per tick. It implements sim.Observer.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	log    *slog.Logger
}

// NewRedisPublisher connects a publisher to the configured server.
func NewRedisPublisher(cfg Config, log *slog.Logger) *RedisPublisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisPublisherWithClient(rdb, cfg.Stream, cfg.MaxLen, log)
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, stream string, maxLen int64, log *slog.Logger) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	if log == nil {
		log = slog.Default().With("component", "publish")
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen, log: log}
}

// Ping checks the server is reachable.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("publish: ping: %w", err)
	}
	return nil
}

// Stream returns the stream key entries are added to.
func (p *RedisPublisher) Stream() string { return p.stream }

// ObserveTick adds the tick summary to the stream.
func (p *RedisPublisher) ObserveTick(ctx context.Context, res *sim.TickResult) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: Fields(res),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("publish: xadd tick %d: %w", res.Tick, err)
	}
	p.log.Debug("tick published", "stream", p.stream, "id", id, "tick", res.Tick)
	return nil
}

// Close releases the client connection pool.
func (p *RedisPublisher) Close() error { return p.client.Close() }

// Fields flattens a tick summary to string stream fields.
func Fields(res *sim.TickResult) map[string]any {
	out := make(map[string]any)
	for k, v := range res.Summary() {
		switch x := v.(type) {
		case string:
			out[k] = x
		case int:
			out[k] = strconv.Itoa(x)
		case bool:
			out[k] = strconv.FormatBool(x)
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}

var _ sim.Observer = (*RedisPublisher)(nil)
