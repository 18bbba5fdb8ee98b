package storage

import (
	"context"
	"time"
)

// TokenStore — кеш вердиктов авторизации (token -> user_id).
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type TokenStore interface {
	GetTokenUser(ctx context.Context, token string) (string, error)
	SetTokenUser(ctx context.Context, token, userID string, ttl time.Duration) error
	DeleteToken(ctx context.Context, token string) error
	Close() error
}
