package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MessageKind tags every stream envelope with the operation it carries.
type MessageKind string

const (
	KindPulse     MessageKind = "pulse"
	KindAddBot    MessageKind = "add_bot"
	KindRemoveBot MessageKind = "remove_bot"
	KindSendMsg   MessageKind = "send_msg"
	KindDelMsg    MessageKind = "del_msg"
	KindEditMsg   MessageKind = "edit_msg"
)

// IsService reports whether the kind carries a ServicePayload.
func (k MessageKind) IsService() bool {
	return k == KindPulse || k == KindAddBot || k == KindRemoveBot
}

// IsTask reports whether the kind carries a TaskPayload.
func (k MessageKind) IsTask() bool {
	return k == KindSendMsg || k == KindDelMsg || k == KindEditMsg
}

// ChatID is a Telegram chat identifier. On the wire it arrives as either a JSON
// number or a string (channel usernames), so the textual form is preserved.
type ChatID string

func (c *ChatID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}

		*c = ChatID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}

	*c = ChatID(n.String())

	return nil
}

func (c ChatID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(c), 10, 64); err == nil {
		return []byte(c), nil
	}

	return json.Marshal(string(c))
}

func (c ChatID) String() string { return string(c) }

// IsGroup reports whether the chat is a group or channel chat.
// Telegram encodes those with a negative numeric id.
func (c ChatID) IsGroup() bool { return strings.HasPrefix(string(c), "-") }

// Int64 returns the numeric form of the chat id, if it has one.
func (c ChatID) Int64() (int64, bool) {
	id, err := strconv.ParseInt(string(c), 10, 64)
	return id, err == nil
}

// MsgID is a Telegram message identifier, number or string on the wire.
// The empty value means the field was absent.
type MsgID string

func (m *MsgID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}

		*m = MsgID(s)

		return nil
	}

	if string(b) == "null" {
		*m = ""
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}

	*m = MsgID(n.String())

	return nil
}

func (m MsgID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.Atoi(string(m)); err == nil {
		return []byte(m), nil
	}

	return json.Marshal(string(m))
}

// Int returns the numeric form of the message id, if it has one.
func (m MsgID) Int() (int, bool) {
	id, err := strconv.Atoi(string(m))
	return id, err == nil
}

// InlineButton is one button of an inline keyboard.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// ReplyMarkup is the inline keyboard attached to a message.
type ReplyMarkup struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// IsEmpty reports whether the markup carries no buttons. An outer shape with an
// empty inner list counts as empty and must be treated as "no markup".
func (m *ReplyMarkup) IsEmpty() bool {
	return m == nil || len(m.InlineKeyboard) == 0 || len(m.InlineKeyboard[0]) == 0
}

// ServicePayload is the data of pulse, add_bot and remove_bot envelopes.
type ServicePayload struct {
	BotID    int64  `json:"bot_id"`
	Token    string `json:"token"`
	WantLogs bool   `json:"want_logs,omitempty"`
}

// TaskPayload is the data of send_msg, del_msg and edit_msg envelopes.
type TaskPayload struct {
	ExternalID  int64        `json:"external_id,omitempty"`
	BotID       int64        `json:"bot_id"`
	ChatID      ChatID       `json:"chat_id"`
	Text        string       `json:"text,omitempty"`
	MessageID   MsgID        `json:"message_id,omitempty"`
	ReplyMarkup *ReplyMarkup `json:"reply_markup,omitempty"`
	ReplyTo     MsgID        `json:"reply_to_message_id,omitempty"`
}

// Envelope is one typed stream message. Exactly one of Service and Task is set,
// matching the kind.
type Envelope struct {
	Kind    MessageKind
	Service *ServicePayload
	Task    *TaskPayload
}

// NewServiceEnvelope builds a control-plane envelope.
func NewServiceEnvelope(kind MessageKind, p ServicePayload) *Envelope {
	return &Envelope{Kind: kind, Service: &p}
}

// NewTaskEnvelope builds a dispatch envelope.
func NewTaskEnvelope(kind MessageKind, p TaskPayload) *Envelope {
	return &Envelope{Kind: kind, Task: &p}
}

// ParseEnvelope decodes a raw stream record into an Envelope. The data field is a
// JSON string whose shape must match the kind: unknown fields are rejected, which
// is what catches a service payload smuggled under a task kind and vice versa.
func ParseEnvelope(fields map[string]string) (*Envelope, error) {
	kind := MessageKind(fields["type"])

	raw, ok := fields["data"]
	if !ok {
		return nil, fmt.Errorf("message of type %q has no data field", kind)
	}

	switch {
	case kind.IsService():
		var p ServicePayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}

		if p.BotID == 0 && kind != KindPulse {
			return nil, fmt.Errorf("%s payload has no bot_id", kind)
		}

		if kind == KindAddBot && p.Token == "" {
			return nil, fmt.Errorf("add_bot payload has no token")
		}

		return &Envelope{Kind: kind, Service: &p}, nil
	case kind.IsTask():
		var p TaskPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}

		if p.BotID == 0 || p.ChatID == "" {
			return nil, fmt.Errorf("%s payload has no bot_id or chat_id", kind)
		}

		return &Envelope{Kind: kind, Task: &p}, nil
	default:
		return nil, fmt.Errorf("unsupported message type %q", kind)
	}
}

// Fields returns the flat wire form of the envelope: the kind under "type" and the
// payload JSON-encoded under "data".
func (e *Envelope) Fields() (map[string]any, error) {
	var payload any

	switch {
	case e.Kind.IsService() && e.Service != nil:
		payload = e.Service
	case e.Kind.IsTask() && e.Task != nil:
		payload = e.Task
	default:
		return nil, fmt.Errorf("envelope of type %q has no matching payload", e.Kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Kind, err)
	}

	return map[string]any{
		"type": string(e.Kind),
		"data": string(data),
	}, nil
}

// LogEvent records the outcome of one executed task for the optional per-bot log stream.
type LogEvent struct {
	Kind        MessageKind
	Status      int
	BotID       int64
	ChatID      ChatID
	Text        string
	ReplyMarkup *ReplyMarkup
	ReplyTo     MsgID
	MessageID   MsgID
	SentMsgID   *int
	ExternalID  int64
	Details     string
}

// Fields returns the flat wire form of the event. Unset fields are omitted and the
// reply markup is JSON-encoded.
func (ev *LogEvent) Fields() (map[string]any, error) {
	fields := map[string]any{
		"type":    string(ev.Kind),
		"status":  strconv.Itoa(ev.Status),
		"bot_id":  strconv.FormatInt(ev.BotID, 10),
		"chat_id": ev.ChatID.String(),
	}

	if ev.Text != "" {
		fields["text"] = ev.Text
	}

	if !ev.ReplyMarkup.IsEmpty() {
		markup, err := json.Marshal(ev.ReplyMarkup)
		if err != nil {
			return nil, fmt.Errorf("failed to encode reply markup: %w", err)
		}

		fields["reply_markup"] = string(markup)
	}

	if ev.ReplyTo != "" {
		fields["reply_to_message_id"] = string(ev.ReplyTo)
	}

	if ev.MessageID != "" {
		fields["message_id"] = string(ev.MessageID)
	}

	if ev.SentMsgID != nil {
		fields["sent_msg_id"] = strconv.Itoa(*ev.SentMsgID)
	}

	if ev.ExternalID != 0 {
		fields["external_id"] = strconv.FormatInt(ev.ExternalID, 10)
	}

	if ev.Details != "" {
		fields["details"] = ev.Details
	}

	return fields, nil
}

func decodeStrict(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	return dec.Decode(v)
}
