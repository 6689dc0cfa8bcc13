package call

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// inboundChat is the union of the field spellings the server uses for chat
// history and live chat events.
type inboundChat struct {
	ID        json.RawMessage `json:"id"`
	UserID    json.RawMessage `json:"userId"`
	UserName  string          `json:"userName"`
	Content   *string         `json:"content"`
	Message   *string         `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
	CreatedAt json.RawMessage `json:"createdAt"`
}

// normalizeChat converts any inbound chat payload to a ChatMessage.
// content wins over message and timestamp wins over createdAt. Missing ids
// are generated and missing or unparseable times become now.
func normalizeChat(raw json.RawMessage, now time.Time) (ChatMessage, bool) {
	var in inboundChat
	if err := json.Unmarshal(raw, &in); err != nil {
		return ChatMessage{}, false
	}

	msg := ChatMessage{
		ID:       rawString(in.ID),
		UserID:   rawString(in.UserID),
		UserName: in.UserName,
	}
	switch {
	case in.Content != nil:
		msg.Content = *in.Content
	case in.Message != nil:
		msg.Content = *in.Message
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ts, ok := parseTimestamp(in.Timestamp)
	if !ok {
		ts, ok = parseTimestamp(in.CreatedAt)
	}
	if !ok {
		ts = now
	}
	msg.Timestamp = ts.UTC()
	return msg, true
}

// normalizeHistory drops entries that are not JSON objects.
func normalizeHistory(items []json.RawMessage, now time.Time) []ChatMessage {
	out := make([]ChatMessage, 0, len(items))
	for _, it := range items {
		if m, ok := normalizeChat(it, now); ok {
			out = append(out, m)
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts epoch milliseconds (number or numeric string) and
// the usual ISO-8601 forms.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
	} else {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return time.UnixMilli(int64(ms)), true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// rawString renders a JSON string or number as a plain string.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	return string(raw)
}

// logEvent appends to the diagnostic event log and mirrors it to the
// process log at the matching level.
func (m *Manager) logEvent(typ EventType, msg string) {
	m.events.Push(EventLogEntry{
		ID:        uuid.NewString(),
		Type:      typ,
		Message:   msg,
		Timestamp: m.now().UTC(),
	})

	switch typ {
	case EventError:
		m.log.Error().Str("event_type", string(typ)).Msg(msg)
	case EventWarning:
		m.log.Warn().Str("event_type", string(typ)).Msg(msg)
	default:
		m.log.Info().Str("event_type", string(typ)).Msg(msg)
	}
}

func (m *Manager) handleChatMessage(raw json.RawMessage) {
	if m.room == RoomIdle {
		return
	}
	msg, ok := normalizeChat(raw, m.now())
	if !ok {
		m.log.Warn().Msg("dropping malformed chat-message")
		return
	}
	m.chat = append(m.chat, msg)
}

// SendMessage emits a trimmed chat message. Nothing is sent when the
// channel is down or the content is blank.
func (m *Manager) SendMessage(content string) error {
	var err error
	doErr := m.do(func() {
		content = strings.TrimSpace(content)
		if !m.sig.Connected() {
			m.log.Warn().Msg("chat message not sent: signaling disconnected")
			err = ErrNotConnected
			return
		}
		if content == "" {
			m.log.Debug().Msg("chat message not sent: empty")
			err = ErrEmptyMessage
			return
		}
		m.sig.Emit("chat-message", map[string]string{"content": content})
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// ClearEventLog empties the diagnostic log. Chat history is untouched.
func (m *Manager) ClearEventLog() error {
	return m.do(func() { m.events.Reset() })
}

// ClearError dismisses the current user-visible error.
func (m *Manager) ClearError() error {
	return m.do(func() { m.err = "" })
}
