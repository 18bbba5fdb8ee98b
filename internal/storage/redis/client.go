package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// GetTokenUser возвращает user_id по ключу auth_token:{token}. Пустая строка — кеш-промах.
func (c *Client) GetTokenUser(ctx context.Context, token string) (string, error) {
	val, err := c.cli.Get(ctx, "auth_token:"+token).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// SetTokenUser кеширует положительный вердикт авторизации с коротким TTL.
func (c *Client) SetTokenUser(ctx context.Context, token, userID string, ttl time.Duration) error {
	return c.cli.Set(ctx, "auth_token:"+token, userID, ttl).Err()
}

// DeleteToken инвалидирует кеш токена (logout, смена пароля).
func (c *Client) DeleteToken(ctx context.Context, token string) error {
	return c.cli.Del(ctx, "auth_token:"+token).Err()
}
