package objstore

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmhub/internal/logger"
)

// Client вызывает микросервис файлов для удаления вложений. Если URL
// пустой — методы no-op (вложения остаются, их подберёт плановая чистка).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. baseURL пустой — удаление отключено.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Delete удаляет загруженный файл по его публичному URL. Best-effort:
// ошибки только логируются, вызывающая сторона на них не завязана.
func (c *Client) Delete(ctx context.Context, fileURL string) {
	if c.baseURL == "" || fileURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/files?url="+url.QueryEscape(fileURL), nil)
	if err != nil {
		logger.Errorf("objstore delete request: %v", err)
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Errorf("objstore delete %s: %v", fileURL, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		logger.Errorf("objstore delete %s: %d", fileURL, resp.StatusCode)
	}
}
