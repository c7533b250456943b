// Package discord adapts Discord's gateway API to the channels.Channel
// contract (spec.md §6.1).
//
// Grounded on the teacher's internal/channels/discord/discord.go and
// factory.go, collapsed into one file and trimmed of the teacher's
// multi-tenant pairing flow and per-channel pending-history buffer: pairing
// is a DB-backed feature this spec never calls for (DM/group access here is
// allowlist-or-open only, matching channels.DMPolicy/GroupPolicy), and group
// catch-up context already lives in the persisted tape via
// conductor.sliceGroupCatchup (spec §4.3) — a second, channel-local history
// buffer would just be a redundant cache of the same information.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string
	requireMention bool
	placeholders   sync.Map // channel id -> sent placeholder message id
	typingCtrls    sync.Map // channel id -> *channels.TypingController
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		requireMention: cfg.RequireMention,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// StreamEnabled reports that Discord always wants incremental placeholder
// edits rather than a single terminal send.
func (c *Channel) StreamEnabled() bool { return true }

func (c *Channel) OnStreamStart(_ context.Context, chatID string) error {
	msg, err := c.session.ChannelMessageSend(chatID, "Thinking...")
	if err != nil {
		return err
	}
	c.placeholders.Store(chatID, msg.ID)
	return nil
}

func (c *Channel) OnChunkEvent(_ context.Context, chatID string, fullText string) error {
	id, ok := c.placeholders.Load(chatID)
	if !ok || fullText == "" {
		return nil
	}
	_, err := c.session.ChannelMessageEdit(chatID, id.(string), channels.Truncate(fullText, channels.MaxLenDiscord))
	return err
}

func (c *Channel) OnStreamEnd(_ context.Context, _ string, _ string) error {
	return nil
}

// Send delivers an outbound message to a Discord channel, editing any
// live placeholder with the first chunk and sending the remainder as
// follow-up messages.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("empty chat id for discord send")
	}

	if ctrl, ok := c.typingCtrls.LoadAndDelete(channelID); ok {
		ctrl.(*channels.TypingController).Stop()
	}

	content := msg.Content
	placeholderID, hasPlaceholder := c.placeholders.LoadAndDelete(channelID)

	if content == "" {
		if hasPlaceholder {
			_ = c.session.ChannelMessageDelete(channelID, placeholderID.(string))
		}
		return nil
	}

	chunks := channels.Chunk(content, channels.MaxLenDiscord)
	if len(chunks) == 0 {
		return nil
	}

	if hasPlaceholder {
		if _, err := c.session.ChannelMessageEdit(channelID, placeholderID.(string), chunks[0]); err != nil {
			slog.Warn("discord: placeholder edit failed, sending new message", "channel_id", channelID, "error", err)
			if _, sendErr := c.session.ChannelMessageSend(channelID, chunks[0]); sendErr != nil {
				return fmt.Errorf("send discord message: %w", sendErr)
			}
		}
		chunks = chunks[1:]
	}

	for _, chunk := range chunks {
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	channelID := m.ChannelID
	isDM := m.GuildID == ""

	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}
	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("discord message rejected by policy", "peer_kind", peerKind, "sender_id", senderID)
		return
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "sender_id", senderID)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	if peerKind == "group" && c.requireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	slog.Debug("discord message received", "sender_id", senderID, "channel_id", channelID, "is_dm", isDM,
		"preview", channels.Truncate(content, 50))

	typingCtrl := channels.NewTyping(channels.TypingOptions{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 9 * time.Second,
		StartFn:           func() error { return c.session.ChannelTyping(channelID) },
	})
	if prev, ok := c.typingCtrls.Load(channelID); ok {
		prev.(*channels.TypingController).Stop()
	}
	c.typingCtrls.Store(channelID, typingCtrl)
	typingCtrl.Start()

	finalContent := content
	if peerKind == "group" {
		finalContent = fmt.Sprintf("[From: %s]\n%s", senderName, content)
	}

	metadata := map[string]string{
		"message_id":   m.ID,
		"username":     m.Author.Username,
		"display_name": senderName,
		"guild_id":     m.GuildID,
	}

	c.HandleMessage(senderID, channelID, finalContent, nil, metadata, peerKind)
}

// resolveDisplayName returns the best available display name for a
// Discord message author: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
