package memory

import (
	"context"
	"sync"
	"time"
)

type item struct {
	val string
	exp time.Time
}

// Client — in-memory кеш токенов для режима -dev (без Redis).
type Client struct {
	mu     sync.RWMutex
	tokens map[string]item
}

func New() *Client {
	return &Client{tokens: make(map[string]item)}
}

func (c *Client) Close() error { return nil }

func (c *Client) GetTokenUser(ctx context.Context, token string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tokens[token]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

func (c *Client) SetTokenUser(ctx context.Context, token, userID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Заодно выкидываем протухшие записи, чтобы карта не росла бесконечно.
	now := time.Now()
	for k, v := range c.tokens {
		if now.After(v.exp) {
			delete(c.tokens, k)
		}
	}
	c.tokens[token] = item{val: userID, exp: now.Add(ttl)}
	return nil
}

func (c *Client) DeleteToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, token)
	return nil
}
