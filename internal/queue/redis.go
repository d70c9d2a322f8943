// Package queue reads build requests from a Redis list and records deployment
// status under per-project keys.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status values written for a processed project.
const (
	StatusDeployed = "deployed"
	StatusFailed   = "failed"
)

// Options configures a Redis connection.
type Options struct {
	Addr         string
	Password     string
	DB           int
	QueueName    string
	StatusPrefix string
	StatusTTL    time.Duration
}

func (o Options) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
		// Context deadlines bound status writes and pings. BRPOP with timeout 0
		// already runs without a read deadline.
		ContextTimeoutEnabled: true,
	})
}

func (o Options) statusKey(id string) string {
	return o.StatusPrefix + id
}

func ping(ctx context.Context, client *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Consumer pops identifiers from the build queue over a dedicated connection.
type Consumer struct {
	client *redis.Client
	queue  string

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewConsumer connects to Redis and verifies the connection.
func NewConsumer(ctx context.Context, opts Options) (*Consumer, error) {
	if strings.TrimSpace(opts.QueueName) == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	client := opts.client()
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Consumer{client: client, queue: opts.QueueName}, nil
}

// Queue returns the list name the consumer reads.
func (c *Consumer) Queue() string {
	return c.queue
}

// Pop blocks until an identifier is available at the tail of the queue. It
// returns ErrClosed once Close has been called, including when Close
// interrupts a pending pop.
func (c *Consumer) Pop(ctx context.Context) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	res, err := c.client.BRPop(ctx, 0, c.queue).Result()
	if err != nil {
		if c.isClosed() || errors.Is(err, redis.ErrClosed) {
			return "", ErrClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("pop %s: %w", c.queue, err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("pop %s: unexpected reply length %d", c.queue, len(res))
	}
	return res[1], nil
}

// Close releases the connection. A blocked Pop returns ErrClosed.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.client.Close()
	})
	return err
}

func (c *Consumer) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// StatusStore writes and reads deployment status keys.
type StatusStore struct {
	client *redis.Client
	opts   Options
}

// NewStatusStore connects to Redis and verifies the connection.
func NewStatusStore(ctx context.Context, opts Options) (*StatusStore, error) {
	client := opts.client()
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &StatusStore{client: client, opts: opts}, nil
}

// SetStatus stores status for the project id.
func (s *StatusStore) SetStatus(ctx context.Context, id, status string) error {
	key := s.opts.statusKey(id)
	if err := s.client.Set(ctx, key, status, s.opts.StatusTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Status returns the stored status for id, or "" when none has been written.
func (s *StatusStore) Status(ctx context.Context, id string) (string, error) {
	key := s.opts.statusKey(id)
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Enqueue pushes ids onto the head of the build queue so the consumer sees
// them in order.
func (s *StatusStore) Enqueue(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if strings.TrimSpace(s.opts.QueueName) == "" {
		return errors.New("queue name cannot be empty")
	}
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	if err := s.client.LPush(ctx, s.opts.QueueName, values...).Err(); err != nil {
		return fmt.Errorf("push %s: %w", s.opts.QueueName, err)
	}
	return nil
}

// Close releases the connection.
func (s *StatusStore) Close() error {
	return s.client.Close()
}

// Ping checks the status connection.
func (s *StatusStore) Ping(ctx context.Context) error {
	return ping(ctx, s.client)
}
