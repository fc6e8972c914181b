package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"msgrelay/pkg/bus"
	"msgrelay/pkg/channel"
	"msgrelay/pkg/config"
	"msgrelay/pkg/logger"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"

// Channel pulls Telegram updates into the relay and sends replies back. One
// bot instance serves both directions.
type Channel struct {
	bot       *telego.Bot
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// New validates Telegram configuration and constructs the bot client.
func New(cfg config.TelegramConfig, log *slog.Logger) (*Channel, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Channel{
		bot:       bot,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in metrics and logs.
func (c *Channel) Name() string {
	return channelName
}

// Run starts long polling and hands each accepted message to handler as a
// single-event batch. Messages from one chat are handled in update order;
// different chats are handled concurrently.
func (c *Channel) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	c.log.Info("Telegram channel started")

	queues := newChatQueues(handler, c.log)
	defer queues.wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			message := update.Message
			if message == nil {
				continue
			}
			if message.From == nil {
				c.log.Debug("Ignoring message without sender")
				continue
			}

			senderID := strconv.FormatInt(message.From.ID, 10)
			if !c.senderAllowed(senderID) {
				c.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
				continue
			}

			event, ok := normalizeMessage(message)
			if !ok {
				continue
			}
			c.log.Info("Received message", "conversation", event.SenderID, "sender_id", senderID, "content", logger.Preview(event.Text()))

			queues.submit(ctx, event)
		}
	}
}

// Send delivers text or a typing action to a chat. Telegram has no seen
// receipt or explicit typing-off, so those actions succeed without a request.
func (c *Channel) Send(ctx context.Context, recipientID string, payload channel.Payload) (channel.SendResult, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("invalid telegram chat id %q: %w", recipientID, err)
	}
	result := channel.SendResult{RecipientID: recipientID}

	switch {
	case payload.Action == channel.ActionTypingOn:
		if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
			return channel.SendResult{}, wrapError(err)
		}
		return result, nil
	case payload.Action != "":
		return result, nil
	case payload.Text != "":
		sent, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), payload.Text))
		if err != nil {
			return channel.SendResult{}, wrapError(err)
		}
		if sent != nil {
			result.MessageID = strconv.Itoa(sent.MessageID)
		}
		return result, nil
	default:
		return channel.SendResult{}, errors.New("payload must carry text or a sender action")
	}
}

func wrapError(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		return &channel.SendError{
			Platform:   channelName,
			StatusCode: apiErr.ErrorCode,
			Code:       apiErr.ErrorCode,
			Message:    apiErr.Description,
		}
	}
	return fmt.Errorf("telegram send: %w", err)
}

// normalizeMessage maps one Telegram message onto the relay's event shape.
// The chat id is the sender so replies land in the same chat.
func normalizeMessage(message *telego.Message) (bus.InboundEvent, bool) {
	text := message.Text
	if text == "" {
		text = message.Caption
	}

	var attachments []bus.Attachment
	addAttachment := func(kind, fileID string) {
		payload, _ := json.Marshal(map[string]string{"file_id": fileID})
		attachments = append(attachments, bus.Attachment{Type: kind, Payload: payload})
	}
	if n := len(message.Photo); n > 0 {
		addAttachment("image", message.Photo[n-1].FileID)
	}
	if message.Document != nil {
		addAttachment("file", message.Document.FileID)
	}
	if message.Voice != nil {
		addAttachment("audio", message.Voice.FileID)
	}
	if message.Video != nil {
		addAttachment("video", message.Video.FileID)
	}

	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return bus.InboundEvent{}, false
	}

	event := bus.InboundEvent{
		Kind:      bus.KindMessage,
		SenderID:  strconv.FormatInt(message.Chat.ID, 10),
		Timestamp: message.Date * 1000,
		Message: &bus.Message{
			MID:         strconv.Itoa(message.MessageID),
			Text:        text,
			Attachments: attachments,
		},
	}
	if message.From != nil {
		event.RawSenderID = strconv.FormatInt(message.From.ID, 10)
	}

	return event, true
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (c *Channel) senderAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}

	_, ok := c.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}
