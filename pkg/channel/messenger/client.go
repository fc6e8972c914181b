package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"msgrelay/pkg/channel"
	"msgrelay/pkg/config"
)

const (
	channelName           = "messenger"
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 64 * 1024
)

// Client calls the Send API for one page. It never retries; retry policy
// belongs to the caller.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

type sendRequest struct {
	Recipient     recipient    `json:"recipient"`
	MessagingType string       `json:"messaging_type,omitempty"`
	Message       *sendMessage `json:"message,omitempty"`
	SenderAction  string       `json:"sender_action,omitempty"`
}

type recipient struct {
	ID string `json:"id"`
}

type sendMessage struct {
	Text string `json:"text"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type errorEnvelope struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// NewClient validates the page configuration and builds a Send API client.
func NewClient(cfg config.MessengerConfig, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	token := strings.TrimSpace(cfg.PageAccessToken)
	if token == "" {
		return nil, errors.New("messenger.page_access_token is required")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.GraphAPIURL), "/")
	if base == "" {
		return nil, errors.New("messenger.graph_api_url is required")
	}

	endpoint := base + "/me/messages"
	if version := strings.Trim(strings.TrimSpace(cfg.APIVersion), "/"); version != "" {
		endpoint = base + "/" + version + "/me/messages"
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		endpoint:   endpoint,
		token:      token,
		httpClient: httpClient,
		log:        log.With("component", "channel.messenger"),
	}, nil
}

// Name returns the platform identifier used in metrics and logs.
func (c *Client) Name() string {
	return channelName
}

// Send posts one text message or sender action to recipientID.
func (c *Client) Send(ctx context.Context, recipientID string, payload channel.Payload) (channel.SendResult, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return channel.SendResult{}, errors.New("recipient id is required")
	}

	req := sendRequest{Recipient: recipient{ID: recipientID}}
	switch {
	case payload.Action != "":
		req.SenderAction = string(payload.Action)
	case payload.Text != "":
		req.MessagingType = "RESPONSE"
		req.Message = &sendMessage{Text: payload.Text}
	default:
		return channel.SendResult{}, errors.New("payload must carry text or a sender action")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("encode send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?access_token="+url.QueryEscape(c.token), bytes.NewReader(body))
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	startedAt := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Debug("Send request failed", "recipient_id", recipientID, "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return channel.SendResult{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("read send response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sendErr := &channel.SendError{Platform: channelName, StatusCode: resp.StatusCode}
		var envelope errorEnvelope
		if err := json.Unmarshal(raw, &envelope); err == nil {
			sendErr.Code = envelope.Error.Code
			sendErr.Subcode = envelope.Error.ErrorSubcode
			sendErr.Type = envelope.Error.Type
			sendErr.Message = envelope.Error.Message
			sendErr.TraceID = envelope.Error.FBTraceID
		} else {
			sendErr.Message = strings.TrimSpace(string(raw))
		}
		c.log.Debug("Send request rejected", "recipient_id", recipientID, "status", resp.StatusCode, "error", sendErr)
		return channel.SendResult{}, sendErr
	}

	var decoded sendResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return channel.SendResult{}, fmt.Errorf("decode send response: %w", err)
		}
	}
	if decoded.RecipientID == "" {
		decoded.RecipientID = recipientID
	}
	c.log.Debug("Send request completed", "recipient_id", recipientID, "message_id", decoded.MessageID, "duration_ms", time.Since(startedAt).Milliseconds())

	return channel.SendResult{RecipientID: decoded.RecipientID, MessageID: decoded.MessageID}, nil
}
