package channels

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sipeed/picoclaw/pkg/bus"
)

// Channel is the common adapter contract every transport (Telegram,
// Discord, QQ, WeChat, DingTalk, Feishu) satisfies so the Manager can
// start, stop, and dispatch outbound messages without knowing the
// concrete transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel holds the bookkeeping shared by every transport adapter:
// its name, an allow-list of sender IDs, a handle on the shared bus to
// publish inbound messages onto, and a running flag the Manager polls
// for status reporting. Concrete adapters embed *BaseChannel and add
// their own transport client plus wire-format handling.
type BaseChannel struct {
	name      string
	config    interface{}
	bus       *bus.MessageBus
	allowFrom map[string]bool

	running atomic.Bool
}

// NewBaseChannel builds a BaseChannel. cfg is stored opaquely (each
// adapter knows its own concrete config type) and allowFrom is the
// transport's configured sender allow-list; an empty or nil list
// permits every sender.
func NewBaseChannel(name string, cfg interface{}, mb *bus.MessageBus, allowFrom []string) *BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return &BaseChannel{
		name:      name,
		config:    cfg,
		bus:       mb,
		allowFrom: allowed,
	}
}

func (b *BaseChannel) Name() string {
	return b.name
}

// IsAllowed reports whether senderID may talk to this channel. An empty
// allow-list means everyone is permitted.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	return b.allowFrom[senderID]
}

func (b *BaseChannel) IsRunning() bool {
	return b.running.Load()
}

func (b *BaseChannel) setRunning(running bool) {
	b.running.Store(running)
}

// HandleMessage normalizes a wire-level event into a bus.InboundMessage
// and publishes it, unless senderID fails the allow-list check. The
// session key is "{channel}:{chatID}", matching the key the Handler
// later uses to resolve or create a session for this conversation.
func (b *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) {
	if !b.IsAllowed(senderID) {
		return
	}

	b.bus.PublishInbound(bus.InboundMessage{
		Channel:    b.name,
		SenderID:   senderID,
		ChatID:     chatID,
		SessionKey: fmt.Sprintf("%s:%s", b.name, chatID),
		Content:    content,
		Media:      media,
		Metadata:   metadata,
	})
}
