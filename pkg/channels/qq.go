package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	botgoevent "github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"github.com/tencent-connect/botgo/websocket"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// passiveReplyWindow is how long a QQ message's msg_id/event_id remains
// usable to send a "passive" (free) reply before the adapter must fall
// back to an "active" message, which can hit the provider's rate caps.
const passiveReplyWindow = 5 * time.Minute

type passiveContext struct {
	msgID     string
	eventID   string
	expiresAt time.Time
}

// QQChannel runs a botgo WebSocket session against the QQ bot gateway.
type QQChannel struct {
	*BaseChannel
	config config.QQConfig
	api    openapi.OpenAPI

	mu      sync.Mutex
	passive map[string]passiveContext // chat id -> reply context
}

func NewQQChannel(cfg config.QQConfig, mb *bus.MessageBus) *QQChannel {
	credential := token.New(token.TypeBot)
	credential.AppID = cfg.AppID
	credential.AccessToken = cfg.Token

	api := botgo.NewOpenAPI(credential).WithTimeout(5 * time.Second)

	return &QQChannel{
		BaseChannel: NewBaseChannel("qq", cfg, mb, cfg.AllowFrom),
		config:      cfg,
		api:         api,
		passive:     make(map[string]passiveContext),
	}
}

func (c *QQChannel) Start(ctx context.Context) error {
	wsInfo, err := c.api.WS(ctx, nil, "")
	if err != nil {
		return fmt.Errorf("get qq websocket info: %w", err)
	}

	intent := websocket.RegisterHandlers(c.messageHandler())
	if err := botgo.NewSessionManager().Start(wsInfo, c.tokenSource(), &intent); err != nil {
		return fmt.Errorf("start qq session: %w", err)
	}

	c.setRunning(true)
	logger.InfoC("qq", "QQ bot connected")
	<-ctx.Done()
	c.setRunning(false)
	return nil
}

func (c *QQChannel) tokenSource() *token.Token {
	credential := token.New(token.TypeBot)
	credential.AppID = c.config.AppID
	credential.AccessToken = c.config.Token
	return credential
}

func (c *QQChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

// messageHandler adapts a botgo ATMessageEventHandler into the shared
// InboundMessage path, remembering the msg_id/event_id so a reply can
// use the passive-reply window.
func (c *QQChannel) messageHandler() botgoevent.ATMessageEventHandler {
	return func(event *dto.WSPayload, data *dto.WSATMessageData) error {
		if data == nil || data.Author == nil {
			return nil
		}

		senderID := data.Author.ID
		if !c.IsAllowed(senderID) {
			logger.DebugCF("qq", "message rejected by allowlist", map[string]interface{}{"user_id": senderID})
			return nil
		}

		chatID := data.ChannelID

		c.mu.Lock()
		c.passive[chatID] = passiveContext{
			msgID:     data.ID,
			eventID:   event.ID,
			expiresAt: time.Now().Add(passiveReplyWindow),
		}
		c.mu.Unlock()

		metadata := map[string]string{"guild_id": data.GuildID}
		c.HandleMessage(senderID, chatID, data.Content, nil, metadata)
		return nil
	}
}

func (c *QQChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("qq bot not running")
	}

	c.mu.Lock()
	passive, withinWindow := c.passive[msg.ChatID]
	if withinWindow && time.Now().After(passive.expiresAt) {
		withinWindow = false
	}
	c.mu.Unlock()

	m := &dto.MessageToCreate{Content: msg.Content}
	if withinWindow {
		m.MsgID = passive.msgID
	}

	_, err := c.api.PostMessage(ctx, msg.ChatID, m)
	if err != nil && isMarkdownUnsupported(err) {
		logger.WarnCF("qq", "markdown unsupported, retrying as plain text", map[string]interface{}{"error": err.Error()})
		_, err = c.api.PostMessage(ctx, msg.ChatID, &dto.MessageToCreate{Content: msg.Content, MsgID: m.MsgID})
	}
	return err
}

// isMarkdownUnsupported reports whether the gateway rejected the
// payload specifically for using markdown in a context that doesn't
// support it (group_markdown_enabled misconfigured, or a DM).
func isMarkdownUnsupported(err error) bool {
	return err != nil && strings.Contains(err.Error(), "markdown")
}
