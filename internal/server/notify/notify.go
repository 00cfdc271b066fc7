// Package notify delivers job and hierarchy events to a per-owner room.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	CompressionProgress  = "compressionProgress"
	CompressionComplete  = "compressionComplete"
	CompressionError     = "compressionError"
	CompressionCancelled = "compressionCancelled"
	OperationCancelled   = "operationCancelled"
	MovingProgress       = "movingProgress"
	FileScanUpdate       = "fileScanUpdate"
	ExtractionConflict   = "extractionConflict"
)

// Event is a named message scoped to a room, normally the owner id.
type Event struct {
	Name       string    `json:"event"`
	Room       string    `json:"room"`
	JobID      string    `json:"jobId,omitempty"`
	ProgressID string    `json:"progressId,omitempty"`
	Data       any       `json:"data,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher pushes events to whatever transport delivers them to clients.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes JSON events on "<prefix>:<room>".
type RedisPublisher struct {
	client redisClient
	prefix string
}

func NewRedisPublisher(client redisClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Channel returns the pub/sub channel for a room.
func (p *RedisPublisher) Channel(room string) string {
	return p.prefix + ":" + room
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.Name, err)
	}
	if err := p.client.Publish(ctx, p.Channel(ev.Room), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.Name, err)
	}
	return nil
}

// LogPublisher writes events through slog. Used when Redis is not configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.InfoContext(ctx, "event",
		"name", ev.Name,
		"room", ev.Room,
		"job_id", ev.JobID,
		"progress_id", ev.ProgressID,
		"data", ev.Data,
	)
	return nil
}

// Send publishes ev and logs failures instead of returning them. Progress
// delivery is best effort and never fails the operation that emitted it.
func Send(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish event", "event", ev.Name, "room", ev.Room, "error", err)
	}
}
