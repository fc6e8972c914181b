package messenger

import (
	"encoding/json"
	"fmt"
	"strings"

	"msgrelay/pkg/bus"
)

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string             `json:"id"`
	Time      int64              `json:"time"`
	Messaging []messagingPayload `json:"messaging"`
}

type participant struct {
	ID      string `json:"id"`
	UserRef string `json:"user_ref"`
}

type messagingPayload struct {
	Sender    participant      `json:"sender"`
	Recipient participant      `json:"recipient"`
	Timestamp int64            `json:"timestamp"`
	Message   *messagePayload  `json:"message"`
	Postback  *postbackPayload `json:"postback"`
}

type messagePayload struct {
	MID         string              `json:"mid"`
	Text        string              `json:"text"`
	IsEcho      bool                `json:"is_echo"`
	QuickReply  *quickReplyPayload  `json:"quick_reply"`
	Attachments []attachmentPayload `json:"attachments"`
}

type quickReplyPayload struct {
	Payload string `json:"payload"`
	Title   string `json:"title"`
}

type attachmentPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type postbackPayload struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Normalize turns a raw page webhook body into typed inbound events in
// delivery order. Messaging items that are neither messages nor postbacks
// (reads, deliveries, reactions) come back as KindUnknown.
func Normalize(body []byte) ([]bus.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if payload.Object != "" && payload.Object != "page" {
		return nil, fmt.Errorf("unsupported webhook object %q", payload.Object)
	}

	var events []bus.InboundEvent
	for _, entry := range payload.Entry {
		for _, item := range entry.Messaging {
			events = append(events, normalizeItem(entry, item))
		}
	}

	return events, nil
}

func normalizeItem(entry webhookEntry, item messagingPayload) bus.InboundEvent {
	event := bus.InboundEvent{
		Kind:        bus.KindUnknown,
		SenderID:    strings.TrimSpace(item.Sender.ID),
		RecipientID: strings.TrimSpace(item.Recipient.ID),
		RawSenderID: strings.TrimSpace(item.Sender.UserRef),
		Timestamp:   item.Timestamp,
	}
	if event.RecipientID == "" {
		event.RecipientID = strings.TrimSpace(entry.ID)
	}
	if event.Timestamp == 0 {
		event.Timestamp = entry.Time
	}

	switch {
	case item.Message != nil:
		event.Kind = bus.KindMessage
		msg := &bus.Message{
			MID:    item.Message.MID,
			Text:   item.Message.Text,
			IsEcho: item.Message.IsEcho,
		}
		if qr := item.Message.QuickReply; qr != nil {
			msg.QuickReply = &bus.QuickReply{Payload: qr.Payload, Title: qr.Title}
		}
		for _, att := range item.Message.Attachments {
			msg.Attachments = append(msg.Attachments, bus.Attachment{Type: att.Type, Payload: att.Payload})
		}
		event.Message = msg
	case item.Postback != nil:
		event.Kind = bus.KindPostback
		event.Postback = &bus.Postback{
			MID:     item.Postback.MID,
			Title:   item.Postback.Title,
			Payload: item.Postback.Payload,
		}
	}

	return event
}
