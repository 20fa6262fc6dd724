// Package outbox queues drawing commands for the editor in Redis lists.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"voicecanvas/api/internal/livedoc"
)

// RedisOutbox keeps one list per canvas; the editor drains it by polling.
type RedisOutbox struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisOutbox(client *redis.Client) *RedisOutbox {
	return &RedisOutbox{
		client: client,
		prefix: "commands:",
		ttl:    24 * time.Hour,
	}
}

func (o *RedisOutbox) key(documentID string) string {
	return o.prefix + documentID
}

// Publish appends cmd to its canvas list.
func (o *RedisOutbox) Publish(ctx context.Context, cmd livedoc.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	key := o.key(cmd.DocumentID)
	pipe := o.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, o.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push command: %w", err)
	}
	return nil
}

// Drain returns every pending command in publish order and empties the list.
func (o *RedisOutbox) Drain(ctx context.Context, documentID string) ([]livedoc.Command, error) {
	key := o.key(documentID)
	pipe := o.client.TxPipeline()
	items := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain commands: %w", err)
	}

	commands := make([]livedoc.Command, 0, len(items.Val()))
	for _, raw := range items.Val() {
		var cmd livedoc.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return nil, fmt.Errorf("unmarshal command: %w", err)
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

// Pending reports how many commands are waiting for a canvas.
func (o *RedisOutbox) Pending(ctx context.Context, documentID string) (int64, error) {
	n, err := o.client.LLen(ctx, o.key(documentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count commands: %w", err)
	}
	return n, nil
}
