package channels

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// DiscordChannel runs a discordgo bot-gateway session and exchanges
// plain text messages.
type DiscordChannel struct {
	*BaseChannel
	config config.DiscordConfig
	client *discordgo.Session
}

func NewDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	c := &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", cfg, mb, cfg.AllowFrom),
		config:      cfg,
		client:      session,
	}
	session.AddHandler(c.onMessageCreate)
	return c, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	if err := c.client.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.setRunning(true)
	logger.InfoC("discord", "Discord bot connected")

	<-ctx.Done()
	c.setRunning(false)
	return c.client.Close()
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return c.client.Close()
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	_, err := c.client.ChannelMessageSend(msg.ChatID, msg.Content)
	return err
}

func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if !c.IsAllowed(senderID) {
		logger.DebugCF("discord", "message rejected by allowlist", map[string]interface{}{"user_id": senderID})
		return
	}

	metadata := map[string]string{
		"message_id": m.ID,
		"username":   m.Author.Username,
		"guild_id":   m.GuildID,
	}
	c.HandleMessage(senderID, m.ChannelID, m.Content, nil, metadata)
}
