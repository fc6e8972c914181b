// Package agui speaks the AG-UI agent-run protocol: it builds run requests
// from inbound events and decodes the streamed run events that come back.
package agui

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType identifies a decoded run event.
type EventType string

const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageChunk   EventType = "TEXT_MESSAGE_CHUNK"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventTextMessage        EventType = "TEXT_MESSAGE"
	EventMessagesSnapshot   EventType = "MESSAGES_SNAPSHOT"
)

const roleAssistant = "assistant"

// Known reports whether the decoder acts on this event type. Anything else
// is skipped so newer protocol additions do not break older relays.
func (t EventType) Known() bool {
	switch t {
	case EventRunStarted, EventRunFinished, EventRunError,
		EventTextMessageStart, EventTextMessageContent, EventTextMessageChunk, EventTextMessageEnd,
		EventTextMessage, EventMessagesSnapshot:
		return true
	default:
		return false
	}
}

// RunEvent is one decoded frame of the run stream. Which fields are set
// depends on Type.
type RunEvent struct {
	Type      EventType
	RunID     string
	ThreadID  string
	MessageID string
	Role      string
	Delta     string
	Content   string
	Message   string
	Code      string
	Messages  []SnapshotMessage
}

// SnapshotMessage is one entry of a MESSAGES_SNAPSHOT event.
type SnapshotMessage struct {
	ID      string
	Role    string
	Content string
}

type wireEvent struct {
	Type      string            `json:"type"`
	RunID     string            `json:"runId"`
	ThreadID  string            `json:"threadId"`
	MessageID string            `json:"messageId"`
	Role      string            `json:"role"`
	Delta     json.RawMessage   `json:"delta"`
	Content   json.RawMessage   `json:"content"`
	Message   json.RawMessage   `json:"message"`
	Code      json.RawMessage   `json:"code"`
	Messages  []wireSnapshotMsg `json:"messages"`
}

type wireSnapshotMsg struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseEvent decodes one JSON frame.
func ParseEvent(data []byte) (RunEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return RunEvent{}, err
	}
	if wire.Type == "" {
		return RunEvent{}, fmt.Errorf("event has no type")
	}

	event := RunEvent{
		Type:      EventType(wire.Type),
		RunID:     wire.RunID,
		ThreadID:  wire.ThreadID,
		MessageID: wire.MessageID,
		Role:      wire.Role,
		Delta:     stringify(wire.Delta),
		Content:   stringify(wire.Content),
		Message:   stringify(wire.Message),
		Code:      stringify(wire.Code),
	}
	for _, msg := range wire.Messages {
		event.Messages = append(event.Messages, SnapshotMessage{
			ID:      msg.ID,
			Role:    msg.Role,
			Content: stringify(msg.Content),
		})
	}

	return event, nil
}

// stringify returns JSON strings unquoted and any other value as compact JSON.
func stringify(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}
