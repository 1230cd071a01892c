package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"paas-control/internal/pkg/config"
)

var Client *redis.Client

// Init 初始化共享 KV 存储连接（Redis 兼容）
func Init(cfg *config.RedisConfig) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("连接 Redis 失败: %w", err)
	}

	Client = client
	return nil
}

// Close 关闭连接
func Close() error {
	if Client != nil {
		return Client.Close()
	}
	return nil
}
