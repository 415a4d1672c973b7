package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	dtclient "github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"

	"github.com/sipeed/picoclaw/pkg/auth"
	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// webhookEntry remembers a chatbot callback's sessionWebhook, which lets
// a reply skip the OpenAPI entirely while it is still valid.
type webhookEntry struct {
	url       string
	expiredAt int64 // unix millis
}

// DingTalkChannel runs the DingTalk "stream mode" WebSocket client.
// Outbound replies prefer the sender's sessionWebhook while it is still
// fresh and fall back to the OpenAPI robot-send endpoint once it has
// expired.
type DingTalkChannel struct {
	*BaseChannel

	config config.DingTalkConfig
	tokens *auth.DingTalkTokenCache

	streamClient *dtclient.StreamClient
	httpClient   *http.Client

	mu       sync.Mutex
	webhooks map[string]webhookEntry // chat id -> sessionWebhook
}

func NewDingTalkChannel(cfg config.DingTalkConfig, mb *bus.MessageBus) *DingTalkChannel {
	return &DingTalkChannel{
		BaseChannel: NewBaseChannel("dingtalk", cfg, mb, cfg.AllowFrom),
		config:      cfg,
		tokens:      auth.NewDingTalkTokenCache(cfg.ClientID, cfg.ClientSecret),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		webhooks:    make(map[string]webhookEntry),
	}
}

func (c *DingTalkChannel) Start(ctx context.Context) error {
	if c.config.ClientID == "" || c.config.ClientSecret == "" {
		return fmt.Errorf("dingtalk credentials not configured")
	}

	cli := dtclient.NewStreamClient(dtclient.WithAppCredential(dtclient.NewAppCredentialConfig(c.config.ClientID, c.config.ClientSecret)))
	cli.RegisterChatbotCallbackRouter(c.onChatBotMessageReceived)
	c.streamClient = cli

	c.setRunning(true)
	logger.InfoC("dingtalk", "DingTalk bot connecting (stream mode)...")
	err := cli.Start(ctx)
	c.setRunning(false)
	return err
}

func (c *DingTalkChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	if c.streamClient != nil {
		c.streamClient.Close()
	}
	return nil
}

// onChatBotMessageReceived is the stream SDK's per-message callback. It
// must never panic on a malformed or nil payload — a bad frame should
// be acked and dropped, not bring the adapter down.
func (c *DingTalkChannel) onChatBotMessageReceived(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	ack := []byte(`{"status":"OK"}`)
	if data == nil {
		return ack, nil
	}

	senderID := data.SenderStaffId
	if senderID == "" {
		senderID = data.SenderId
	}
	chatID := data.ConversationId
	if chatID == "" {
		chatID = senderID
	}

	content := extractDingTalkContent(data)
	if content == "" {
		return ack, nil
	}

	if data.SessionWebhook != "" {
		c.mu.Lock()
		c.webhooks[chatID] = webhookEntry{
			url:       data.SessionWebhook,
			expiredAt: data.SessionWebhookExpiredTime,
		}
		c.mu.Unlock()
	}

	metadata := map[string]string{
		"sender_nick": data.SenderNick,
		"is_group":    fmt.Sprintf("%t", data.ConversationType == "2"),
	}

	c.HandleMessage(senderID, chatID, content, nil, metadata)
	return ack, nil
}

// extractDingTalkContent pulls display text out of a chatbot callback,
// matching the original adapter's text/picture/audio/file handling.
func extractDingTalkContent(data *chatbot.BotCallbackDataModel) string {
	switch data.MsgType {
	case "text":
		if data.Text.Content != "" {
			return strings.TrimSpace(data.Text.Content)
		}
		return ""
	case "picture":
		return "[image]"
	case "audio":
		return "[voice]"
	case "file":
		return "[file]"
	default:
		return ""
	}
}

func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if c.sendViaWebhook(ctx, msg) {
		return nil
	}
	return c.sendViaOpenAPI(ctx, msg)
}

// sendViaWebhook posts a markdown reply to the chat's cached
// sessionWebhook if one is on file and not yet expired. Returns false
// when there is no usable webhook, signalling the caller to fall back.
func (c *DingTalkChannel) sendViaWebhook(ctx context.Context, msg bus.OutboundMessage) bool {
	c.mu.Lock()
	entry, ok := c.webhooks[msg.ChatID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if entry.expiredAt != 0 && time.Now().UnixMilli() > entry.expiredAt {
		return false
	}

	payload := map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": "message",
			"text":  msg.Content,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.WarnCF("dingtalk", "sessionWebhook send failed, falling back to OpenAPI", map[string]interface{}{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// sendViaOpenAPI sends through the robot-send OpenAPI using a cached,
// proactively refreshed access token. Used once a sessionWebhook has
// expired or was never seen for this chat.
func (c *DingTalkChannel) sendViaOpenAPI(ctx context.Context, msg bus.OutboundMessage) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("dingtalk access token: %w", err)
	}

	payload := map[string]interface{}{
		"robotCode": c.config.ClientID,
		"userIds":   []string{msg.ChatID},
		"msgKey":    "sampleText",
		"msgParam":  fmt.Sprintf(`{"content":%q}`, msg.Content),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.dingtalk.com/v1.0/robot/oToMessages/batchSend", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dingtalk send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dingtalk send failed: status %d", resp.StatusCode)
	}
	return nil
}
