package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fanlink/pkg/errors"
	"fanlink/pkg/logger"
)

// redisBus implements Bus on Redis: pub/sub channels per topic+filter for
// the change feed and broadcast topics, and a hash+sorted-set pair per room
// for presence. go-redis reconnects dropped subscriptions internally, which
// gives the "resubscribe without replay" semantics for free.
type redisBus struct {
	rdb             *redis.Client
	presenceTimeout time.Duration
}

func NewRedisBus(rdb *redis.Client, presenceTimeout time.Duration) Bus {
	return &redisBus{
		rdb:             rdb,
		presenceTimeout: presenceTimeout,
	}
}

func channelName(topic Topic, filter string) string {
	return fmt.Sprintf("rt:%s:%s", topic, filter)
}

func presenceRecordsKey(roomID string) string {
	return "presence:records:" + roomID
}

func presenceBeatsKey(roomID string) string {
	return "presence:beats:" + roomID
}

func (b *redisBus) Publish(ctx context.Context, topic Topic, filter string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Protocol("Failed to encode event payload", err)
	}

	if err := b.rdb.Publish(ctx, channelName(topic, filter), data).Err(); err != nil {
		return errors.Transient("Failed to publish event", err)
	}
	return nil
}

func (b *redisBus) Subscribe(ctx context.Context, topic Topic, filter string) (EventSource, error) {
	pubsub := b.rdb.Subscribe(ctx, channelName(topic, filter))

	// Force the subscription onto the wire before returning, so callers
	// never miss events published right after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Transient("Failed to open subscription", err)
	}

	src := &redisEventSource{
		pubsub: pubsub,
		events: make(chan Event, 64),
	}

	go func() {
		defer close(src.events)
		for msg := range pubsub.Channel() {
			src.events <- Event{
				Topic:   topic,
				Filter:  filter,
				Payload: json.RawMessage(msg.Payload),
			}
		}
	}()

	return src, nil
}

type redisEventSource struct {
	pubsub *redis.PubSub
	events chan Event
}

func (s *redisEventSource) Events() <-chan Event {
	return s.events
}

func (s *redisEventSource) Close() error {
	return s.pubsub.Close()
}

func (b *redisBus) Track(ctx context.Context, roomID string, rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Protocol("Failed to encode session record", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, presenceRecordsKey(roomID), rec.SessionID, data)
	pipe.ZAdd(ctx, presenceBeatsKey(roomID), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: rec.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Transient("Failed to track presence", err)
	}

	return b.publishSnapshot(ctx, roomID)
}

func (b *redisBus) Heartbeat(ctx context.Context, roomID, sessionID string) error {
	err := b.rdb.ZAdd(ctx, presenceBeatsKey(roomID), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: sessionID,
	}).Err()
	if err != nil {
		return errors.Transient("Failed to heartbeat presence", err)
	}

	return b.publishSnapshot(ctx, roomID)
}

func (b *redisBus) Untrack(ctx context.Context, roomID, sessionID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.HDel(ctx, presenceRecordsKey(roomID), sessionID)
	pipe.ZRem(ctx, presenceBeatsKey(roomID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Transient("Failed to untrack presence", err)
	}

	return b.publishSnapshot(ctx, roomID)
}

// publishSnapshot recomputes the live session set for the room, prunes
// sessions whose heartbeat aged out, and broadcasts the result on the
// room's presence-sync channel.
func (b *redisBus) publishSnapshot(ctx context.Context, roomID string) error {
	cutoff := time.Now().Add(-b.presenceTimeout).UnixMilli()

	stale, err := b.rdb.ZRangeByScore(ctx, presenceBeatsKey(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff),
	}).Result()
	if err != nil {
		return errors.Transient("Failed to read presence beats", err)
	}
	if len(stale) > 0 {
		pipe := b.rdb.TxPipeline()
		pipe.HDel(ctx, presenceRecordsKey(roomID), stale...)
		pipe.ZRem(ctx, presenceBeatsKey(roomID), stale)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Warn("Failed to prune %d stale presence sessions in room %s: %v", len(stale), roomID, err)
		}
	}

	records, err := b.rdb.HGetAll(ctx, presenceRecordsKey(roomID)).Result()
	if err != nil {
		return errors.Transient("Failed to read presence records", err)
	}

	snapshot := PresenceSnapshot{RoomID: roomID, Sessions: make([]SessionRecord, 0, len(records))}
	for sessionID, raw := range records {
		var rec SessionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logger.Warn("Dropping malformed presence record %s in room %s: %v", sessionID, roomID, err)
			continue
		}
		snapshot.Sessions = append(snapshot.Sessions, rec)
	}

	return b.Publish(ctx, TopicPresenceSync, roomID, snapshot)
}
