// Package auth holds credential caches shared by transport adapters.
// Currently this is DingTalk's OpenAPI access-token cache; other
// transports either use long-lived static tokens (Telegram, Discord) or
// manage their own auth internally (Feishu's larksuite SDK, QQ's botgo).
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	dingtalkTokenURL = "https://api.dingtalk.com/v1.0/oauth2/accessToken"
	// refreshMargin is how far ahead of expiry a cached token is treated
	// as stale, so a send never races an in-flight expiry.
	refreshMargin = 60 * time.Second
)

// DingTalkTokenCache fetches and caches DingTalk OpenAPI access tokens,
// refreshing proactively before the cached token would expire.
type DingTalkTokenCache struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu       sync.Mutex
	token    string
	expireAt time.Time
}

func NewDingTalkTokenCache(clientID, clientSecret string) *DingTalkTokenCache {
	return &DingTalkTokenCache{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns a valid access token, fetching a new one if the cached
// value is missing or within refreshMargin of expiring.
func (c *DingTalkTokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expireAt.Add(-refreshMargin)) {
		return c.token, nil
	}

	token, ttl, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expireAt = time.Now().Add(ttl)
	return c.token, nil
}

type dingtalkTokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int    `json:"expireIn"`
}

func (c *DingTalkTokenCache) fetch(ctx context.Context) (string, time.Duration, error) {
	return c.fetchFrom(ctx, dingtalkTokenURL)
}

func (c *DingTalkTokenCache) fetchFrom(ctx context.Context, url string) (string, time.Duration, error) {
	body, err := json.Marshal(map[string]string{
		"appKey":    c.clientID,
		"appSecret": c.clientSecret,
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("dingtalk token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("dingtalk token request failed: status %d", resp.StatusCode)
	}

	var parsed dingtalkTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", 0, fmt.Errorf("dingtalk token decode: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", 0, fmt.Errorf("dingtalk token response missing accessToken")
	}

	ttl := time.Duration(parsed.ExpireIn) * time.Second
	if ttl <= 0 {
		ttl = 7200 * time.Second
	}
	return parsed.AccessToken, ttl, nil
}
