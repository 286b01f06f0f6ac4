// Package cache mirrors live server status into Redis for out-of-process
// observers.
//
// Every snapshot is written to one hash field per server and published on
// a channel, so a dashboard can either poll the hash or subscribe.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/eventmon/pkg/types"
)

const (
	// StatusKey is the hash holding the latest snapshot per server id.
	StatusKey = "eventmon:status"
	// StatusChannel carries every snapshot as it is written.
	StatusChannel = "eventmon:status:events"
)

// Mirror writes status snapshots to Redis.
type Mirror struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(redisURL string, logger *slog.Logger) (*Mirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Mirror{
		client: client,
		logger: logger.With("component", "cache"),
	}, nil
}

// Close releases the Redis client.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// Ping checks the Redis connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// PutStatus stores st under its server id and publishes it.
func (m *Mirror) PutStatus(ctx context.Context, st types.ServerStatusInfo) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	field := st.ServerID.String()

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, StatusKey, field, data)
		pipe.Publish(ctx, StatusChannel, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing status of %s: %w", field, err)
	}
	return nil
}

// DeleteStatus removes a server's snapshot.
func (m *Mirror) DeleteStatus(ctx context.Context, id types.ServerID) error {
	if err := m.client.HDel(ctx, StatusKey, id.String()).Err(); err != nil {
		return fmt.Errorf("deleting status of %s: %w", id, err)
	}
	return nil
}

// GetStatus returns a server's snapshot. found is false when none is stored.
func (m *Mirror) GetStatus(ctx context.Context, id types.ServerID) (st types.ServerStatusInfo, found bool, err error) {
	data, err := m.client.HGet(ctx, StatusKey, id.String()).Bytes()
	if err == redis.Nil {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, false, fmt.Errorf("decoding status of %s: %w", id, err)
	}
	return st, true, nil
}

// Subscribe delivers published snapshots until ctx is done. Messages that
// do not decode are logged and skipped.
func (m *Mirror) Subscribe(ctx context.Context) <-chan types.ServerStatusInfo {
	sub := m.client.Subscribe(ctx, StatusChannel)
	out := make(chan types.ServerStatusInfo)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var st types.ServerStatusInfo
				if err := json.Unmarshal([]byte(msg.Payload), &st); err != nil {
					m.logger.Warn("skipping undecodable status message", "error", err)
					continue
				}
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
