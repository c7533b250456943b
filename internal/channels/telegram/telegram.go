// Package telegram adapts the Telegram Bot API (long polling) to the
// channels.Channel contract (spec.md §6.1).
//
// Grounded on the teacher's internal/channels/telegram/channel.go and
// handlers.go, collapsed into one file. Dropped relative to the teacher:
// pairing (DB-backed, not part of this spec's DM/group policy model),
// STT/media transcription and document extraction (channel adapters are
// scoped to the abstract contract plus text delivery — media handling is
// a tool-layer concern, not a channel concern, per spec §1/§6.1), forum
// topic routing, and the per-channel pending-history buffer (superseded
// by conductor.sliceGroupCatchup reading the persisted tape, spec §4.3).
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	requireMention bool
	placeholders   sync.Map // chat id string -> sent placeholder message id
	typingCtrls    sync.Map // chat id string -> *channels.TypingController
	pollCancel     context.CancelFunc
	pollDone       chan struct{}
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:            bot,
		config:         cfg,
		requireMention: cfg.RequireMention,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the Telegram bot by cancelling the long-polling context
// and waiting for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// StreamEnabled reports that Telegram always wants incremental placeholder
// edits.
func (c *Channel) StreamEnabled() bool { return true }

func (c *Channel) OnStreamStart(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), "Thinking..."))
	if err != nil {
		return err
	}
	c.placeholders.Store(chatID, msg.MessageID)
	return nil
}

func (c *Channel) OnChunkEvent(ctx context.Context, chatID string, fullText string) error {
	idVal, ok := c.placeholders.Load(chatID)
	if !ok || fullText == "" {
		return nil
	}
	chatIDNum, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatIDNum),
		MessageID: idVal.(int),
		Text:      channels.Truncate(fullText, channels.MaxLenTelegram),
	})
	return err
}

func (c *Channel) OnStreamEnd(_ context.Context, _ string, _ string) error {
	return nil
}

// Send delivers an outbound message to a Telegram chat, editing a live
// placeholder with the first chunk and sending the remainder as follow-up
// messages.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	chatIDNum, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	if ctrl, ok := c.typingCtrls.LoadAndDelete(msg.ChatID); ok {
		ctrl.(*channels.TypingController).Stop()
	}

	content := msg.Content
	placeholderID, hasPlaceholder := c.placeholders.LoadAndDelete(msg.ChatID)

	if content == "" {
		if hasPlaceholder {
			_ = c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(chatIDNum), MessageID: placeholderID.(int)})
		}
		return nil
	}

	chunks := channels.Chunk(content, channels.MaxLenTelegram)
	if len(chunks) == 0 {
		return nil
	}

	if hasPlaceholder {
		if _, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(chatIDNum),
			MessageID: placeholderID.(int),
			Text:      chunks[0],
		}); err != nil {
			slog.Warn("telegram: placeholder edit failed, sending new message", "chat_id", msg.ChatID, "error", err)
			if _, sendErr := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatIDNum), chunks[0])); sendErr != nil {
				return fmt.Errorf("send telegram message: %w", sendErr)
			}
		}
		chunks = chunks[1:]
	}

	for _, chunk := range chunks {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatIDNum), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// handleMessage processes an incoming Telegram update.
func (c *Channel) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || isServiceMessage(message) {
		return
	}
	user := message.From
	if user == nil {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy", "peer_kind", peerKind, "sender_id", senderID)
		return
	}

	chatID := message.Chat.ID
	chatIDStr := fmt.Sprintf("%d", chatID)

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}
	if content == "" {
		content = "[empty message]"
	}

	senderLabel := user.FirstName
	if user.Username != "" {
		senderLabel = "@" + user.Username
	}

	if isGroup && c.requireMention && !c.detectMention(message, c.bot.Username()) {
		slog.Debug("telegram group message skipped (no mention)", "chat_id", chatID, "sender", senderLabel)
		return
	}

	finalContent := content
	if isGroup {
		finalContent = fmt.Sprintf("[From: %s]\n%s", senderLabel, content)
	}

	typingCtrl := channels.NewTyping(channels.TypingOptions{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
		},
	})
	if prev, ok := c.typingCtrls.Load(chatIDStr); ok {
		prev.(*channels.TypingController).Stop()
	}
	c.typingCtrls.Store(chatIDStr, typingCtrl)
	typingCtrl.Start()

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", message.MessageID),
		"username":   user.Username,
		"first_name": user.FirstName,
	}

	c.HandleMessage(senderID, chatIDStr, finalContent, nil, metadata, peerKind)
}

// detectMention checks whether a Telegram message mentions the bot by
// username, or is a reply to one of the bot's own messages.
func (c *Channel) detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)
	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) {
		return true
	}
	if msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.Username == botUsername {
		return true
	}
	return false
}

// isServiceMessage reports whether a Telegram message is a service/system
// message (member added/removed, title changed, etc.) with no user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	return msg.Photo == nil && msg.Audio == nil && msg.Video == nil &&
		msg.Document == nil && msg.Voice == nil && msg.VideoNote == nil &&
		msg.Sticker == nil && msg.Animation == nil && msg.Contact == nil &&
		msg.Location == nil && msg.Venue == nil && msg.Poll == nil
}

// parseChatID converts a string chat id to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
