package agui

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"msgrelay/pkg/bus"
)

const roleUser = "user"

// RunRequest is the body posted to the agent-run endpoint.
type RunRequest struct {
	ThreadID       string         `json:"threadId"`
	RunID          string         `json:"runId"`
	Messages       []UserMessage  `json:"messages"`
	Tools          []any          `json:"tools"`
	Context        []any          `json:"context"`
	ForwardedProps map[string]any `json:"forwardedProps"`
	State          RunState       `json:"state"`
}

// UserMessage is one user turn in a run request.
type UserMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunState carries platform context the agent may use.
type RunState struct {
	Messenger MessengerState `json:"messenger"`
}

// MessengerState identifies who the run is talking to.
type MessengerState struct {
	UserID             string `json:"userId,omitempty"`
	PageID             string `json:"pageId,omitempty"`
	LastEventTimestamp int64  `json:"lastEventTimestamp"`
}

// RequestOptions supplies the parts of a request not derived from events.
type RequestOptions struct {
	UserID         string
	PageID         string
	ForwardedProps map[string]any
	Now            func() time.Time
}

// BuildRunRequest converts a conversation's events into a run request. It
// returns false when no event yields a user message, in which case no run
// should be started.
func BuildRunRequest(threadID string, events []bus.InboundEvent, opts RequestOptions) (*RunRequest, bool) {
	var (
		messages []UserMessage
		latest   int64
	)

	for _, event := range events {
		latest = max(latest, event.Timestamp)

		msg, ok := userMessage(event)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}

	if len(messages) == 0 {
		return nil, false
	}

	if latest == 0 {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		latest = now().UnixMilli()
	}

	props := opts.ForwardedProps
	if props == nil {
		props = map[string]any{}
	}

	return &RunRequest{
		ThreadID:       threadID,
		RunID:          uuid.NewString(),
		Messages:       messages,
		Tools:          []any{},
		Context:        []any{},
		ForwardedProps: props,
		State: RunState{Messenger: MessengerState{
			UserID:             opts.UserID,
			PageID:             opts.PageID,
			LastEventTimestamp: latest,
		}},
	}, true
}

func userMessage(event bus.InboundEvent) (UserMessage, bool) {
	var id, content string

	switch event.Kind {
	case bus.KindMessage:
		if event.Message == nil || event.Message.IsEcho {
			return UserMessage{}, false
		}
		id = event.Message.MID
		content = messageContent(event.Message)
	case bus.KindPostback:
		if event.Postback == nil {
			return UserMessage{}, false
		}
		id = event.Postback.MID
		content = postbackContent(event.Postback)
	default:
		return UserMessage{}, false
	}

	if strings.TrimSpace(content) == "" {
		return UserMessage{}, false
	}
	if id == "" {
		id = uuid.NewString()
	}

	return UserMessage{ID: id, Role: roleUser, Content: content}, true
}

func messageContent(msg *bus.Message) string {
	var b strings.Builder
	b.WriteString(msg.Text)

	if qr := msg.QuickReply; qr != nil {
		b.WriteString("\nQuick reply payload: ")
		b.WriteString(qr.Payload)
		if qr.Title != "" {
			b.WriteString("\nQuick reply title: ")
			b.WriteString(qr.Title)
		}
	}

	if len(msg.Attachments) > 0 {
		b.WriteString("\nAttachments:")
		for _, att := range msg.Attachments {
			b.WriteString("\n")
			b.WriteString(att.Type)
			b.WriteString(": ")
			if len(att.Payload) > 0 {
				b.Write(att.Payload)
			} else {
				b.WriteString("{}")
			}
		}
	}

	return b.String()
}

func postbackContent(pb *bus.Postback) string {
	var lines []string
	if pb.Title != "" {
		lines = append(lines, "Postback title: "+pb.Title)
	}
	if pb.Payload != "" {
		lines = append(lines, "Postback payload: "+pb.Payload)
	}
	if len(lines) == 0 {
		return "Postback received"
	}
	return strings.Join(lines, "\n")
}
