package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
)

// WeChatChannel is an interface stub: the spec requires only contract
// compliance, not a working WeChat integration. It forwards outbound
// text to a small HTTP bridge process (BridgeURL) that handles the
// actual WeChat protocol, and never produces inbound traffic on its
// own — a bridge-side webhook would call HandleMessage directly once
// wired to a concrete bridge implementation.
type WeChatChannel struct {
	*BaseChannel
	config config.WeChatConfig
	client *http.Client
}

func NewWeChatChannel(cfg config.WeChatConfig, mb *bus.MessageBus) *WeChatChannel {
	return &WeChatChannel{
		BaseChannel: NewBaseChannel("wechat", cfg, mb, cfg.AllowFrom),
		config:      cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WeChatChannel) Start(ctx context.Context) error {
	c.setRunning(true)
	<-ctx.Done()
	c.setRunning(false)
	return nil
}

func (c *WeChatChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

func (c *WeChatChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if c.config.BridgeURL == "" {
		return fmt.Errorf("wechat bridge_url not configured")
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": msg.ChatID,
		"content": msg.Content,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BridgeURL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wechat bridge send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wechat bridge send failed: status %d", resp.StatusCode)
	}
	return nil
}
