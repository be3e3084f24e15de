package eventhub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dsa110/contimg-ingestd/internal/corelog"
)

// redisMirror republishes events to a Redis pub/sub channel, the same
// pattern as the teacher's redisBus, narrowed to a write-only mirror since
// ingestd has exactly one authoritative process for this event stream.
type redisMirror struct {
	log     *corelog.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisMirror dials addr and verifies connectivity before returning, the
// same fail-fast contract as NewRedisBus.
func NewRedisMirror(log *corelog.Logger, addr, channel string) (Mirror, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis mirror: addr required")
	}
	if channel == "" {
		channel = "ingestd-events"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis mirror ping: %w", err)
	}
	if log == nil {
		log = corelog.NewNop()
	}
	return &redisMirror{log: log.With("component", "event_redis_mirror"), rdb: rdb, channel: channel}, nil
}

func (m *redisMirror) Publish(evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.rdb.Publish(ctx, m.channel, raw).Err()
}

func (m *redisMirror) Close() error {
	return m.rdb.Close()
}
