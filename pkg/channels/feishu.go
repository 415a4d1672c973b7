package channels

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// feishuQueueCapacity bounds the channel used to hand events from the
// larksuite SDK's WebSocket client to HandleMessage; the SDK's own
// event loop is not reentrant with the host's, so the spec calls for a
// supervised child with a bounded queue in between. A single process
// with a buffered channel gives the same back-pressure contract without
// an actual subprocess boundary.
const feishuQueueCapacity = 1000

// FeishuChannel runs the larksuite WebSocket event client. Outbound
// messages are always interactive cards (there is no plain-text message
// type): simple pipe-tables found in the content are rendered as a card
// table element, everything else stays markdown.
type FeishuChannel struct {
	*BaseChannel
	config config.FeishuConfig
	client *larkws.Client
	events chan larkEvent
}

type larkEvent struct {
	senderID string
	chatID   string
	content  string
}

func NewFeishuChannel(cfg config.FeishuConfig, mb *bus.MessageBus) *FeishuChannel {
	c := &FeishuChannel{
		BaseChannel: NewBaseChannel("feishu", cfg, mb, cfg.AllowFrom),
		config:      cfg,
		events:      make(chan larkEvent, feishuQueueCapacity),
	}

	handler := larkim.NewP2MessageReceiveV1Handler(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
		c.onMessageReceive(event)
		return nil
	})
	dispatcher := larkim.NewDefaultEventDispatcher("", "").OnP2MessageReceiveV1(handler.Handle)

	c.client = larkws.NewClient(cfg.AppID, cfg.AppSecret,
		larkws.WithEventHandler(dispatcher),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)
	return c
}

func (c *FeishuChannel) Start(ctx context.Context) error {
	go c.drainEvents(ctx)

	c.setRunning(true)
	logger.InfoC("feishu", "Feishu bot connecting (WebSocket)...")
	err := c.client.Start(ctx)
	c.setRunning(false)
	return err
}

func (c *FeishuChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

// drainEvents is the consumer side of the bounded event queue between
// the larksuite SDK callback and HandleMessage.
func (c *FeishuChannel) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			if !c.IsAllowed(ev.senderID) {
				logger.DebugCF("feishu", "message rejected by allowlist", map[string]interface{}{"user_id": ev.senderID})
				continue
			}
			c.HandleMessage(ev.senderID, ev.chatID, ev.content, nil, nil)
		}
	}
}

func (c *FeishuChannel) onMessageReceive(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}

	msg := event.Event.Message
	chatID := strVal(msg.ChatId)

	senderID := ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderID = strVal(event.Event.Sender.SenderId.OpenId)
	}

	content := extractFeishuText(strVal(msg.Content))

	select {
	case c.events <- larkEvent{senderID: senderID, chatID: chatID, content: content}:
	default:
		logger.WarnC("feishu", "event queue full, dropping message")
	}
}

var feishuTextContent = regexp.MustCompile(`"text"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// extractFeishuText pulls the plain-text field out of a Feishu text
// message's JSON content body; rich post/card payloads are out of
// scope and pass through unparsed.
func extractFeishuText(raw string) string {
	m := feishuTextContent.FindStringSubmatch(raw)
	if len(m) < 2 {
		return raw
	}
	text := strings.ReplaceAll(m[1], `\"`, `"`)
	text = strings.ReplaceAll(text, `\n`, "\n")
	return text
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (c *FeishuChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("feishu bot not running")
	}

	content := feishuMarkdownContent(msg.Content)
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.ChatID).
			MsgType("interactive").
			Content(content).
			Build()).
		Build()

	client := larkim.NewService(larkcore.NewClient(c.config.AppID, c.config.AppSecret))
	resp, err := client.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu send: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("feishu send failed: %s", resp.Msg)
	}
	return nil
}

// feishuMarkdownContent renders a reply as an interactive card: any
// simple "| a | b |" pipe-table rows become a table element, the rest
// stays a markdown block.
func feishuMarkdownContent(text string) string {
	lines := strings.Split(text, "\n")
	var markdownLines, tableRows []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|") {
			tableRows = append(tableRows, trimmed)
		} else {
			markdownLines = append(markdownLines, line)
		}
	}

	elements := []string{fmt.Sprintf(`{"tag":"markdown","content":%s}`, jsonQuote(strings.Join(markdownLines, "\n")))}
	if table := feishuTableElement(tableRows); table != "" {
		elements = append(elements, table)
	}

	return fmt.Sprintf(`{"config":{"wide_screen_mode":true},"elements":[%s]}`, strings.Join(elements, ","))
}

func feishuTableElement(rows []string) string {
	if len(rows) < 2 {
		return ""
	}
	header := splitPipeRow(rows[0])
	var cells []string
	for _, row := range rows[2:] { // row[1] is the "---|---" separator
		var fields []string
		for i, val := range splitPipeRow(row) {
			name := "col" + strconv.Itoa(i)
			fields = append(fields, fmt.Sprintf(`"%s":%s`, name, jsonQuote(val)))
		}
		cells = append(cells, "{"+strings.Join(fields, ",")+"}")
	}
	var columns []string
	for i, name := range header {
		columns = append(columns, fmt.Sprintf(`{"name":"col%d","display_name":%s}`, i, jsonQuote(name)))
	}
	return fmt.Sprintf(`{"tag":"table","columns":[%s],"rows":[%s]}`, strings.Join(columns, ","), strings.Join(cells, ","))
}

func splitPipeRow(row string) []string {
	trimmed := strings.Trim(strings.TrimSpace(row), "|")
	parts := strings.Split(trimmed, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func jsonQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}
