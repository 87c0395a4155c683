// Package mirror publishes the latest board snapshot to Redis for other
// processes to read. It keeps no history.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/market"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("mirror: not found")

const snapshotKey = "board:snapshot"

func recordKey(id string) string { return "board:record:" + id }

// Source is anything that publishes snapshots.
type Source interface {
	Snapshot() market.Snapshot
	Subscribe(handler func(market.Snapshot)) adapter.Token
}

// Mirror writes snapshots to Redis with a TTL so readers never see data
// older than the TTL after the server stops.
type Mirror struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func New(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Mirror {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{rdb: rdb, ttl: ttl, logger: logger.With("component", "mirror")}
}

// Connect creates a client for addr and pings it.
func Connect(ctx context.Context, addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("mirror: redis ping: %w", err)
	}
	return New(rdb, ttl, logger), nil
}

func (m *Mirror) Close() error { return m.rdb.Close() }

// Write stores snap and one key per record in a single pipeline.
// A loading snapshot is skipped so a restart never blanks the mirror.
func (m *Mirror) Write(ctx context.Context, snap market.Snapshot) error {
	if snap.Loading {
		return nil
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("mirror: encode snapshot: %w", err)
	}

	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, snapshotKey, body, m.ttl)
	for _, r := range snap.Records {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("mirror: encode %s: %w", r.Market, err)
		}
		pipe.Set(ctx, recordKey(r.Market), b, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror: write: %w", err)
	}
	return nil
}

// Snapshot reads the mirrored snapshot back.
func (m *Mirror) Snapshot(ctx context.Context) (market.Snapshot, error) {
	var snap market.Snapshot
	err := m.get(ctx, snapshotKey, &snap)
	return snap, err
}

// Record reads one mirrored record back.
func (m *Mirror) Record(ctx context.Context, id string) (market.UnifiedRecord, error) {
	var rec market.UnifiedRecord
	err := m.get(ctx, recordKey(id), &rec)
	return rec, err
}

func (m *Mirror) get(ctx context.Context, key string, v any) error {
	b, err := m.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mirror: read %s: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("mirror: decode %s: %w", key, err)
	}
	return nil
}

// Run mirrors every snapshot src publishes until ctx is done. Writes
// happen on this goroutine; snapshots published during a slow write
// collapse into the newest one. Write failures are logged and absorbed.
func (m *Mirror) Run(ctx context.Context, src Source) {
	box := market.NewMailbox()
	token := src.Subscribe(box.Put)
	defer token.Unsubscribe()
	box.Put(src.Snapshot())

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-box.C():
			if err := m.Write(ctx, snap); err != nil && ctx.Err() == nil {
				m.logger.Warn("mirror write failed", "err", err)
			}
		}
	}
}
