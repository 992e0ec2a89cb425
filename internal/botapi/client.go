// Package botapi implements the chat-platform transport: a long-polling
// update client and the outbound send methods, over the platform's HTTP bot
// API. The rest of the service only sees the messaging.Source and
// messaging.Notifier contracts.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BTreeMap/FormFlow/internal/messaging"
	"github.com/BTreeMap/FormFlow/internal/models"
)

// Client configuration constants
const (
	// DefaultBaseURL is the platform API endpoint.
	DefaultBaseURL = "https://api.telegram.org"
	// DefaultPollTimeout is the long-poll window requested from the platform.
	DefaultPollTimeout = 30 * time.Second
)

// Opts holds configuration options for the bot API client.
type Opts struct {
	Token       string
	BaseURL     string
	PollTimeout time.Duration
	HTTPClient  *http.Client
}

// Option defines a configuration option for the bot API client.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithBaseURL overrides the platform API endpoint (tests, self-hosted API).
func WithBaseURL(base string) Option {
	return func(o *Opts) { o.BaseURL = base }
}

// WithPollTimeout sets the long-poll window.
func WithPollTimeout(d time.Duration) Option {
	return func(o *Opts) { o.PollTimeout = d }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is a long-polling bot API client.
type Client struct {
	token       string
	baseURL     string
	pollTimeout time.Duration
	http        *http.Client

	// offset is the next update ID to request. Only the poll loop touches it;
	// the source is a single logical consumer per connection.
	offset int64
}

// Compile-time checks for the messaging contracts.
var (
	_ messaging.Source   = (*Client)(nil)
	_ messaging.Notifier = (*Client)(nil)
)

// NewClient creates a bot API client. The token falls back to the BOT_TOKEN
// environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		BaseURL:     DefaultBaseURL,
		PollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("BOT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("bot token must be provided")
	}
	if cfg.HTTPClient == nil {
		// The HTTP timeout must exceed the long-poll window.
		cfg.HTTPClient = &http.Client{Timeout: cfg.PollTimeout + 10*time.Second}
	}
	return &Client{
		token:       cfg.Token,
		baseURL:     cfg.BaseURL,
		pollTimeout: cfg.PollTimeout,
		http:        cfg.HTTPClient,
	}, nil
}

func (c *Client) Start(ctx context.Context) error { return nil }
func (c *Client) Stop() error                     { return nil }

// apiResponse is the platform's envelope for every method call.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// wireUpdate is one inbound update on the wire.
type wireUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
		Date int64  `json:"date"`
	} `json:"message"`
	CallbackQuery *struct {
		Data    string `json:"data"`
		Message *struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// Poll performs one getUpdates long poll. Confirming the previous batch via
// the offset is deferred to the next call, so a crash before processing
// redelivers the batch (at-least-once).
func (c *Client) Poll(ctx context.Context) ([]models.Update, error) {
	payload := map[string]any{
		"offset":          c.offset,
		"timeout":         int(c.pollTimeout.Seconds()),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var result []wireUpdate
	if err := c.call(ctx, "getUpdates", payload, &result); err != nil {
		return nil, err
	}

	now := time.Now()
	updates := make([]models.Update, 0, len(result))
	for _, wu := range result {
		if wu.UpdateID >= c.offset {
			c.offset = wu.UpdateID + 1
		}

		upd := models.Update{
			ID:         strconv.FormatInt(wu.UpdateID, 10),
			ReceivedAt: now,
		}
		switch {
		case wu.Message != nil:
			upd.ConversationID = strconv.FormatInt(wu.Message.Chat.ID, 10)
			upd.Kind = models.UpdateKindText
			upd.Payload = wu.Message.Text
			if wu.Message.Date > 0 {
				upd.ReceivedAt = time.Unix(wu.Message.Date, 0)
			}
		case wu.CallbackQuery != nil && wu.CallbackQuery.Message != nil:
			upd.ConversationID = strconv.FormatInt(wu.CallbackQuery.Message.Chat.ID, 10)
			upd.Kind = models.UpdateKindCallback
			upd.Payload = wu.CallbackQuery.Data
		default:
			slog.Debug("botapi.Poll: skipping unsupported update", "updateID", wu.UpdateID)
			continue
		}
		updates = append(updates, upd)
	}
	if len(updates) > 0 {
		slog.Debug("botapi.Poll: received updates", "count", len(updates), "nextOffset", c.offset)
	}
	return updates, nil
}

// SendMessage sends a text message to a chat.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}
	payload := map[string]any{
		"chat_id": chatID,
		"text":    body,
	}
	if err := c.call(ctx, "sendMessage", payload, nil); err != nil {
		return fmt.Errorf("send message to %s: %w", conversationID, err)
	}
	return nil
}

// SendDocument uploads the artifact to a chat as a document attachment.
func (c *Client) SendDocument(ctx context.Context, conversationID string, artifact models.DocumentArtifact, caption string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("build document upload: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return fmt.Errorf("build document upload: %w", err)
		}
	}
	part, err := mw.CreateFormFile("document", artifact.FileName)
	if err != nil {
		return fmt.Errorf("build document upload: %w", err)
	}
	if _, err := part.Write(artifact.Content); err != nil {
		return fmt.Errorf("build document upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build document upload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendDocument", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("send document request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send document to %s: %w", conversationID, err)
	}
	defer resp.Body.Close()

	if err := decodeAPIResponse(resp, nil); err != nil {
		return fmt.Errorf("send document to %s: %w", conversationID, err)
	}
	slog.Debug("botapi.SendDocument succeeded", "conversationID", conversationID, "fileName", artifact.FileName)
	return nil
}

// call performs one JSON API method call and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s call: %w", method, err)
	}
	defer resp.Body.Close()

	if err := decodeAPIResponse(resp, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// decodeAPIResponse validates the envelope and unmarshals the result.
func decodeAPIResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !env.OK {
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode, env.Description)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
