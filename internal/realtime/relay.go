package realtime

import (
	"context"
	"encoding/json"

	"family-care-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisRelay 通过 Redis Pub/Sub 在多个实例之间转发广播。
// 每个实例有唯一的 origin，收到自己发出的广播时忽略。
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
}

// NewRedisRelay 创建一个新的 RedisRelay。
func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, origin: uuid.NewString()}
}

// Publish 发布一条广播。
func (r *RedisRelay) Publish(ctx context.Context, b Broadcast) error {
	b.Origin = r.origin
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Run 订阅频道并把其他实例的广播交给 deliver，ctx 取消时退出。
func (r *RedisRelay) Run(ctx context.Context, deliver func(Broadcast)) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		log.Errorf("订阅实时转发频道失败: %v", err)
		return
	}
	log.Infow("realtime relay subscribed", "channel", r.channel, "origin", r.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var b Broadcast
			if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
				log.Warnw("discarding malformed relay message", "error", err)
				continue
			}
			if b.Origin == r.origin {
				continue
			}
			deliver(b)
		}
	}
}
