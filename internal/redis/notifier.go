package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/habitrace/server/internal/config"
	"github.com/habitrace/server/internal/domain"
)

// Notifier provides Redis-based notification plumbing: the durable
// background task queue, per-user offline inboxes, pub/sub fan-out
// channels, and a live streak cache per race.
type Notifier struct {
	client   *redis.Client
	queueKey string
	logger   *slog.Logger
}

// NewNotifier creates a new Redis notifier service
func NewNotifier(cfg *config.RedisConfig, queueKey string, logger *slog.Logger) (*Notifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Notifier{
		client:   client,
		queueKey: queueKey,
		logger:   logger,
	}, nil
}

// Close closes the Redis connection
func (n *Notifier) Close() error {
	return n.client.Close()
}

// Client returns the underlying Redis client
func (n *Notifier) Client() *redis.Client {
	return n.client
}

// ChannelKey returns the pub/sub channel for a user's live notifications
func ChannelKey(username string) string {
	return fmt.Sprintf("notifications:%s", username)
}

// inboxKey returns the Redis key for a user's offline inbox list
func (n *Notifier) inboxKey(username string) string {
	return fmt.Sprintf("notifications:inbox:%s", username)
}

// streakKey returns the Redis key for a race's live streak sorted set
func (n *Notifier) streakKey(raceSlug string) string {
	return fmt.Sprintf("race:%s:streaks", raceSlug)
}

// EnqueueJob appends a job to the tail of the background task queue.
// Non-blocking; succeeds whenever the store is reachable.
func (n *Notifier) EnqueueJob(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if err := n.client.LPush(ctx, n.queueKey, data).Err(); err != nil {
		return fmt.Errorf("enqueuing job: %w", err)
	}
	return nil
}

// DequeueJob blocks until a job is available, then pops it from the
// head of the queue. FIFO, no acknowledgment: once popped, the job
// belongs to the caller and is lost if processing crashes.
func (n *Notifier) DequeueJob(ctx context.Context) (*domain.Job, error) {
	result, err := n.client.BRPop(ctx, 0, n.queueKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	// BRPOP returns [key, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected brpop reply length %d", len(result))
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return &job, nil
}

// PublishEvent publishes a notification event to a user's live channel
// and returns the number of subscribers that received it.
func (n *Notifier) PublishEvent(ctx context.Context, username string, event domain.NotificationEvent) (int64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshaling event: %w", err)
	}
	receivers, err := n.client.Publish(ctx, ChannelKey(username), data).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing event: %w", err)
	}
	return receivers, nil
}

// AppendInbox pushes a notification event to the tail of a user's
// offline inbox
func (n *Notifier) AppendInbox(ctx context.Context, username string, event domain.NotificationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := n.client.RPush(ctx, n.inboxKey(username), data).Err(); err != nil {
		return fmt.Errorf("appending to inbox: %w", err)
	}
	return nil
}

// DrainInbox destructively reads a user's pending notifications in
// append order. It pops exactly the count it first observed, so an
// event appended concurrently with the drain survives for the next one.
func (n *Notifier) DrainInbox(ctx context.Context, username string) ([]domain.NotificationEvent, error) {
	key := n.inboxKey(username)

	count, err := n.client.LLen(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading inbox length: %w", err)
	}
	if count == 0 {
		return []domain.NotificationEvent{}, nil
	}

	raw, err := n.client.LPopCount(ctx, key, int(count)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("draining inbox: %w", err)
	}

	events := make([]domain.NotificationEvent, 0, len(raw))
	for _, item := range raw {
		var event domain.NotificationEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			n.logger.Warn("skipping malformed inbox entry", "user", username, "error", err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Subscribe opens a pub/sub subscription. Channels can be added and
// removed on the returned PubSub as users come and go.
func (n *Notifier) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return n.client.Subscribe(ctx, channels...)
}

// IncrementStreak bumps a participant's live streak counter for a race
// and returns the new value
func (n *Notifier) IncrementStreak(ctx context.Context, raceSlug, username string) (int64, error) {
	newStreak, err := n.client.ZIncrBy(ctx, n.streakKey(raceSlug), 1, username).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing streak: %w", err)
	}
	return int64(newStreak), nil
}

// StreakSnapshot returns the top N live streaks for a race in
// descending order. Positions here are plain 1-indexed ranks; the
// authoritative dense ranking with tie-breaks comes from the store.
func (n *Notifier) StreakSnapshot(ctx context.Context, raceSlug string, limit int) ([]domain.LeaderboardEntry, error) {
	results, err := n.client.ZRevRangeWithScores(ctx, n.streakKey(raceSlug), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading streak snapshot: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		entries[i] = domain.LeaderboardEntry{
			Position: i + 1,
			Name:     result.Member.(string),
			Streak:   int(result.Score),
		}
	}
	return entries, nil
}

// RemoveStreak drops a participant from a race's live streak cache
func (n *Notifier) RemoveStreak(ctx context.Context, raceSlug, username string) error {
	if err := n.client.ZRem(ctx, n.streakKey(raceSlug), username).Err(); err != nil {
		return fmt.Errorf("removing streak: %w", err)
	}
	return nil
}
