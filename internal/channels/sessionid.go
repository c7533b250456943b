package channels

import (
	"strconv"
	"strings"
)

// Session-ID encoding for the three reference channels (spec.md §6.1).
// Round-trip is a hard requirement (spec §8 testable property #7): decoding
// an encoded id must always recover the original platform identifier.

// EncodeTelegramSession encodes a Telegram chat id as a session id.
func EncodeTelegramSession(chatID int64) string {
	return "tg-" + strconv.FormatInt(chatID, 10)
}

// DecodeTelegramSession recovers the chat id from a "tg-<chat_id>" session id.
func DecodeTelegramSession(sessionID string) (int64, bool) {
	rest, ok := cutPrefix(sessionID, "tg-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// EncodeDiscordSession encodes a Discord channel id as a session id.
func EncodeDiscordSession(channelID uint64) string {
	return "dc-" + strconv.FormatUint(channelID, 10)
}

// DecodeDiscordSession recovers the channel id from a "dc-<channel_id>" session id.
func DecodeDiscordSession(sessionID string) (uint64, bool) {
	rest, ok := cutPrefix(sessionID, "dc-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// EncodeSlackSession encodes a Slack channel (optionally scoped to a
// thread) as a session id. threadTS contains a "." which is what
// disambiguates it from the channel id when decoding (spec §6.1).
func EncodeSlackSession(channelID, threadTS string) string {
	if threadTS == "" {
		return "slack-" + channelID
	}
	return "slack-" + channelID + "-" + threadTS
}

// DecodeSlackSession recovers the channel id and optional thread timestamp
// from a "slack-<channel_id>[-<thread_ts>]" session id. thread_ts is
// distinguished from a second channel-id segment by containing a ".".
func DecodeSlackSession(sessionID string) (channelID, threadTS string, ok bool) {
	rest, matched := cutPrefix(sessionID, "slack-")
	if !matched {
		return "", "", false
	}
	idx := strings.LastIndexByte(rest, '-')
	if idx < 0 {
		return rest, "", true
	}
	candidate := rest[idx+1:]
	if strings.Contains(candidate, ".") {
		return rest[:idx], candidate, true
	}
	return rest, "", true
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// ChannelForSessionID derives the owning channel name and native chat id
// for any session id produced by the encoders above. Used to route cron
// job deliveries (spec §4.5: "derive the adapter by prefix") without the
// scheduler needing to know the encoding rules itself.
func ChannelForSessionID(sessionID string) (channel, chatID string, ok bool) {
	if id, ok := DecodeTelegramSession(sessionID); ok {
		return "telegram", strconv.FormatInt(id, 10), true
	}
	if id, ok := DecodeDiscordSession(sessionID); ok {
		return "discord", strconv.FormatUint(id, 10), true
	}
	if cid, _, ok := DecodeSlackSession(sessionID); ok {
		return "slack", cid, true
	}
	return "", "", false
}
