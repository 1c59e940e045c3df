package pesapal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// 令牌在过期前的此间隔内即视为过期，避免临界请求被网关拒绝
const tokenExpiryMargin = 30 * time.Second

// 网关未返回过期时间时的兜底有效期
const tokenFallbackTTL = 5 * time.Minute

type tokenCache struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
}

// getToken 返回缓存令牌，过期时刷新。锁覆盖整个刷新过程，
// 并发调用方等待同一次刷新结果而不是各自请求。
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.token.mu.Lock()
	defer c.token.mu.Unlock()

	now := time.Now()
	if c.token.value != "" && now.Before(c.token.expiresAt.Add(-tokenExpiryMargin)) {
		return c.token.value, nil
	}

	value, expiresAt, err := c.requestToken(ctx)
	if err != nil {
		return "", err
	}
	c.token.value = value
	c.token.expiresAt = expiresAt
	return value, nil
}

// invalidateToken 丢弃缓存令牌，下次调用强制刷新。
func (c *Client) invalidateToken() {
	c.token.mu.Lock()
	defer c.token.mu.Unlock()
	c.token.value = ""
	c.token.expiresAt = time.Time{}
}

func (c *Client) requestToken(ctx context.Context) (string, time.Time, error) {
	payload := map[string]string{
		"consumer_key":    c.cfg.ConsumerKey,
		"consumer_secret": c.cfg.ConsumerSecret,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: marshal token request failed", ErrAuthFailed)
	}

	respBody, statusCode, err := c.doJSONRequest(ctx, http.MethodPost, "/Auth/RequestToken", "", body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: request token failed", ErrAuthFailed)
	}
	if statusCode < 200 || statusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("%w: token status %d", ErrAuthFailed, statusCode)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decode token response failed", ErrAuthFailed)
	}
	if msg := responseErrorMessage(raw); msg != "" {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrAuthFailed, msg)
	}

	token := strings.TrimSpace(readString(raw, "token"))
	if token == "" {
		return "", time.Time{}, fmt.Errorf("%w: token is empty", ErrAuthFailed)
	}

	expiresAt := time.Now().Add(tokenFallbackTTL)
	if rawExpiry := strings.TrimSpace(readString(raw, "expiryDate")); rawExpiry != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, rawExpiry); err == nil {
			expiresAt = parsed
		}
	}
	return token, expiresAt, nil
}
