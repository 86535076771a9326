package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher 抽象 Redis Publish，便于测试替换。
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink 把事件以 JSON 发布到 Redis Pub/Sub，频道为 prefix + 事件类型。
type RedisSink struct {
	rdb    Publisher
	prefix string
}

// NewRedisSink 创建 Redis 出口。
func NewRedisSink(rdb Publisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "execalpha:"
	}
	return &RedisSink{rdb: rdb, prefix: prefix}
}

// DialRedis 按地址创建客户端并 PING 校验。
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Channel 返回事件对应的频道名。
func (s *RedisSink) Channel(t Type) string {
	return s.prefix + string(t)
}

func (s *RedisSink) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", e.Type, err)
	}
	if err := s.rdb.Publish(ctx, s.Channel(e.Type), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", e.Type, err)
	}
	return nil
}

func (s *RedisSink) Name() string { return "redis" }
