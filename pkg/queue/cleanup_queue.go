// Package queue implements the fire-and-forget blob cleanup channel: asset
// deletion enqueues the blob locator and moves on, a background worker
// deletes the bytes with retries. Cleanup failures are logged, never
// surfaced to the user operation that triggered them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"drawgallery/internal/util"
)

// RemoveFunc deletes a blob by locator.
type RemoveFunc func(ctx context.Context, key string) error

// BlobCleanupQueue is a Redis-stream backed work queue of blob locators.
type BlobCleanupQueue struct {
	client      *redis.Client
	stream      string
	group       string
	consumer    string
	block       time.Duration
	maxAttempts int
	maxLen      int64
	readCount   int64
	workers     int
}

// Config tunes the cleanup queue. Zero values fall back to defaults.
type Config struct {
	Addr        string
	Password    string
	Stream      string
	Group       string
	Consumer    string
	Block       time.Duration
	MaxAttempts int
	MaxLen      int64
	ReadCount   int64
	Workers     int
}

// New connects the cleanup queue to Redis.
func New(cfg Config) (*BlobCleanupQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "gallery:blob-cleanup"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "cleanup"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &BlobCleanupQueue{
		client:      redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:      stream,
		group:       group,
		consumer:    consumer,
		block:       block,
		maxAttempts: maxAttempts,
		maxLen:      maxLen,
		readCount:   readCount,
		workers:     workers,
	}, nil
}

// Enqueue schedules a blob locator for deletion.
func (q *BlobCleanupQueue) Enqueue(ctx context.Context, key string) error {
	return q.enqueue(ctx, key, 0)
}

func (q *BlobCleanupQueue) enqueue(ctx context.Context, key string, attempt int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("blob key required")
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"key": key, "attempt": attempt},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue blob cleanup: %w", err)
	}
	return nil
}

// Run consumes the stream until ctx is cancelled, deleting blobs with
// bounded parallelism. A locator that keeps failing is dropped after the
// attempt cap with a log line; an out-of-band reconciler can sweep the
// bucket for leftovers.
func (q *BlobCleanupQueue) Run(ctx context.Context, remove RemoveFunc) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("blob cleanup read failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(q.workers)
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				msg := msg
				g.Go(func() error {
					q.process(gctx, remove, msg)
					return nil
				})
			}
		}
		_ = g.Wait()
	}
}

func (q *BlobCleanupQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *BlobCleanupQueue) process(ctx context.Context, remove RemoveFunc, msg redis.XMessage) {
	key, _ := msg.Values["key"].(string)
	attempt := 0
	if raw, ok := msg.Values["attempt"].(string); ok {
		attempt, _ = strconv.Atoi(raw)
	}
	if key == "" {
		q.ack(ctx, msg.ID)
		return
	}
	if err := remove(ctx, key); err != nil {
		if attempt+1 >= q.maxAttempts {
			slog.Warn("dropping blob cleanup after retries", "key", key, "attempts", attempt+1, "err", err)
		} else if enqErr := q.enqueue(ctx, key, attempt+1); enqErr != nil {
			slog.Warn("blob cleanup requeue failed", "key", key, "err", enqErr)
		}
		q.ack(ctx, msg.ID)
		return
	}
	q.ack(ctx, msg.ID)
}

func (q *BlobCleanupQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		slog.Warn("blob cleanup ack failed", "id", id, "err", err)
		return
	}
	_ = q.client.XDel(ctx, q.stream, id).Err()
}

// Close releases the Redis connection.
func (q *BlobCleanupQueue) Close() error {
	return q.client.Close()
}
