package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/claimflow/model"
)

// RedisStore keeps each inbox in Redis. Per user it holds a sorted set of
// notification ids scored by creation time, a set of unread ids, and one
// string key per notification body.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func indexKey(userID string) string    { return "notif:idx:" + userID }
func unreadKey(userID string) string   { return "notif:unread:" + userID }
func itemKey(userID, id string) string { return "notif:item:" + userID + ":" + id }

// Save stores n in its recipient's inbox.
func (s *RedisStore) Save(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	created, err := s.client.SetNX(ctx, itemKey(n.UserID, n.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis set notification %q: %w", n.ID, err)
	}
	if !created {
		return model.NewConflictError(fmt.Sprintf("notification %q already exists", n.ID))
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, indexKey(n.UserID), redis.Z{Score: float64(n.CreatedAt.UnixNano()), Member: n.ID})
	if !n.Read {
		pipe.SAdd(ctx, unreadKey(n.UserID), n.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis index notification %q: %w", n.ID, err)
	}
	return nil
}

// List returns one page of the user's inbox, newest first.
func (s *RedisStore) List(ctx context.Context, userID string, page, limit int) (Inbox, error) {
	page, limit = normalizePage(page, limit)
	start := int64((page - 1) * limit)

	pipe := s.client.Pipeline()
	idsCmd := pipe.ZRevRange(ctx, indexKey(userID), start, start+int64(limit)-1)
	totalCmd := pipe.ZCard(ctx, indexKey(userID))
	unreadCmd := pipe.SCard(ctx, unreadKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return Inbox{}, fmt.Errorf("redis list notifications: %w", err)
	}

	inbox := Inbox{
		Notifications: []model.Notification{},
		Total:         int(totalCmd.Val()),
		UnreadCount:   int(unreadCmd.Val()),
	}
	ids := idsCmd.Val()
	if len(ids) == 0 {
		return inbox, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = itemKey(userID, id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Inbox{}, fmt.Errorf("redis get notifications: %w", err)
	}
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			// Index entry without a body; skip it.
			continue
		}
		var n model.Notification
		if err := json.Unmarshal([]byte(str), &n); err != nil {
			return Inbox{}, fmt.Errorf("unmarshal notification %q: %w", ids[i], err)
		}
		inbox.Notifications = append(inbox.Notifications, n)
	}
	return inbox, nil
}

// MarkRead marks one notification read.
func (s *RedisStore) MarkRead(ctx context.Context, userID, id string, at time.Time) error {
	n, err := s.get(ctx, userID, id)
	if err != nil {
		return err
	}
	if n.Read {
		return nil
	}
	return s.markRead(ctx, n, at)
}

// MarkAllRead marks every unread notification read.
func (s *RedisStore) MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, unreadKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis unread notifications: %w", err)
	}
	changed := 0
	for _, id := range ids {
		n, err := s.get(ctx, userID, id)
		if model.IsCode(err, model.ErrNotFound) {
			s.client.SRem(ctx, unreadKey(userID), id)
			continue
		}
		if err != nil {
			return changed, err
		}
		if err := s.markRead(ctx, n, at); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Delete removes one notification.
func (s *RedisStore) Delete(ctx context.Context, userID, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, itemKey(userID, id))
	pipe.ZRem(ctx, indexKey(userID), id)
	pipe.SRem(ctx, unreadKey(userID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete notification %q: %w", id, err)
	}
	if del.Val() == 0 {
		return notFound(id)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) get(ctx context.Context, userID, id string) (model.Notification, error) {
	raw, err := s.client.Get(ctx, itemKey(userID, id)).Bytes()
	if err == redis.Nil {
		return model.Notification{}, notFound(id)
	}
	if err != nil {
		return model.Notification{}, fmt.Errorf("redis get notification %q: %w", id, err)
	}
	var n model.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return model.Notification{}, fmt.Errorf("unmarshal notification %q: %w", id, err)
	}
	return n, nil
}

func (s *RedisStore) markRead(ctx context.Context, n model.Notification, at time.Time) error {
	n.Read = true
	n.ReadAt = &at
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, itemKey(n.UserID, n.ID), data, 0)
	pipe.SRem(ctx, unreadKey(n.UserID), n.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mark notification %q read: %w", n.ID, err)
	}
	return nil
}
