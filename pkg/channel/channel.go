package channel

import (
	"context"
	"fmt"
	"strings"

	"msgrelay/pkg/bus"
)

// SenderAction is a content-free presence indicator on the platform.
type SenderAction string

const (
	ActionMarkSeen  SenderAction = "mark_seen"
	ActionTypingOn  SenderAction = "typing_on"
	ActionTypingOff SenderAction = "typing_off"
)

// Payload is either a text message or a sender action, never both.
type Payload struct {
	Text   string
	Action SenderAction
}

// SendResult echoes what the platform accepted.
type SendResult struct {
	RecipientID string
	MessageID   string
}

// Sender delivers one request to a messaging platform without retrying.
type Sender interface {
	Name() string
	Send(ctx context.Context, recipientID string, payload Payload) (SendResult, error)
}

// Handler processes one batch of normalized inbound events.
type Handler func(context.Context, []bus.InboundEvent) error

// Adapter pulls inbound events from a platform that is not webhook driven.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// SendError is a non-2xx platform response with its structured error body.
type SendError struct {
	Platform   string
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string
	TraceID    string
}

func (e *SendError) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s send failed: status %d", e.Platform, e.StatusCode)
	if e.Code != 0 {
		fmt.Fprintf(&b, " code %d", e.Code)
		if e.Subcode != 0 {
			fmt.Fprintf(&b, "/%d", e.Subcode)
		}
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}
