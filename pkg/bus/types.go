package bus

import "encoding/json"

// EventKind classifies a normalized inbound event.
type EventKind string

const (
	KindMessage  EventKind = "message"
	KindPostback EventKind = "postback"
	KindUnknown  EventKind = "unknown"
)

// InboundEvent is one platform event after webhook normalization. It is not
// mutated once produced.
type InboundEvent struct {
	Kind        EventKind `json:"kind"`
	SenderID    string    `json:"sender_id,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
	// RawSenderID is the sender id as found in the raw platform payload, kept
	// for events whose normalized sender could not be resolved.
	RawSenderID string    `json:"raw_sender_id,omitempty"`
	Timestamp   int64     `json:"timestamp"`
	Message     *Message  `json:"message,omitempty"`
	Postback    *Postback `json:"postback,omitempty"`
}

type Message struct {
	MID         string       `json:"mid,omitempty"`
	Text        string       `json:"text,omitempty"`
	IsEcho      bool         `json:"is_echo,omitempty"`
	QuickReply  *QuickReply  `json:"quick_reply,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type QuickReply struct {
	Payload string `json:"payload"`
	Title   string `json:"title,omitempty"`
}

type Attachment struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Postback struct {
	MID     string `json:"mid,omitempty"`
	Title   string `json:"title,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// Text returns the message text of a message event, or "".
func (e InboundEvent) Text() string {
	if e.Kind != KindMessage || e.Message == nil {
		return ""
	}
	return e.Message.Text
}

// IsEcho reports whether the event is the page's own prior send reflected back.
func (e InboundEvent) IsEcho() bool {
	return e.Kind == KindMessage && e.Message != nil && e.Message.IsEcho
}

// MessageID returns the platform message id carried by the event, if any.
func (e InboundEvent) MessageID() string {
	switch {
	case e.Message != nil:
		return e.Message.MID
	case e.Postback != nil:
		return e.Postback.MID
	default:
		return ""
	}
}
