package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// tokenCacheTTL — сколько держим положительный вердикт авторизации в кеше.
// Короткий TTL: отзыв токена станет видимым максимум через эту задержку.
const tokenCacheTTL = 30 * time.Second

// TokenCache кеширует результаты проверки токенов (Redis или in-memory в -dev).
type TokenCache interface {
	GetTokenUser(ctx context.Context, token string) (string, error)
	SetTokenUser(ctx context.Context, token, userID string, ttl time.Duration) error
}

// AuthServiceValidate вызывает микросервис авторизации для проверки Bearer-токена.
// Токен берётся из Authorization: Bearer или из query "token" (браузерный WebSocket
// не умеет ставить заголовки). Успешные вердикты кешируются на tokenCacheTTL.
func AuthServiceValidate(authServiceURL string, cache TokenCache, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || token == r.Header.Get("Authorization") {
				token = r.URL.Query().Get("token")
			}
			token = strings.TrimSpace(token)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			if cache != nil {
				if userID, err := cache.GetTokenUser(r.Context(), token); err == nil && userID != "" {
					ctx := context.WithValue(r.Context(), UserIDKey, userID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			reqBody, _ := json.Marshal(map[string]string{"token": token})
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, authServiceURL+"/internal/validate", bytes.NewReader(reqBody))
			if err != nil {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			var result struct {
				UserID string `json:"user_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			if cache != nil {
				_ = cache.SetTokenUser(r.Context(), token, result.UserID, tokenCacheTTL)
			}
			ctx := context.WithValue(r.Context(), UserIDKey, result.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
