package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/picoclaw/pkg/bus"
)

// SendMediaTool lets the agent push one or more media attachments (images,
// documents, voice notes) to the current chat, alongside or instead of a
// text reply. Delivery itself is left to the destination channel adapter;
// this tool only places an OutboundMessage on the bus.
type SendMediaTool struct {
	bus *bus.MessageBus
}

func NewSendMediaTool(msgBus *bus.MessageBus) *SendMediaTool {
	return &SendMediaTool{bus: msgBus}
}

func (t *SendMediaTool) Name() string { return "send_media" }
func (t *SendMediaTool) Description() string {
	return "Send one or more media attachments (by URL or local path) to the current chat, with an optional caption."
}
func (t *SendMediaTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"media": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "URLs or local file paths of the media to send",
			},
			"caption": map[string]interface{}{
				"type":        "string",
				"description": "Optional caption to send alongside the media",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Target channel (defaults to the current session)",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Target chat id (defaults to the current session)",
			},
		},
		"required": []string{"media"},
	}
}

func (t *SendMediaTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	media, err := stringSlice(args["media"])
	if err != nil {
		return "", err
	}
	if len(media) == 0 {
		return "", fmt.Errorf("media is required")
	}

	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)
	if channel == "" || chatID == "" {
		ctxChannel, ctxChatID := getExecutionContext(args)
		if channel == "" {
			channel = ctxChannel
		}
		if chatID == "" {
			chatID = ctxChatID
		}
	}
	if channel == "" || chatID == "" {
		return "Error: no session context available to send media", nil
	}

	if t.bus == nil {
		return "Error: no message bus configured", nil
	}

	caption, _ := args["caption"].(string)
	t.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: caption,
		Media:   media,
	})

	return fmt.Sprintf("Queued %d media item(s) for delivery", len(media)), nil
}

func stringSlice(v interface{}) ([]string, error) {
	raw, ok := v.([]interface{})
	if !ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return []string{s}, nil
		}
		return nil, fmt.Errorf("media must be an array of strings")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
