// Package messaging: Twilio-backed Notifier for deployments where the chat
// platform is bridged through SMS/WhatsApp. Twilio retries delivery on its
// side, matching the fire-and-forget notifier contract.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/FormFlow/internal/models"
)

// phonePattern matches E.164-style phone numbers used as conversation IDs in
// Twilio deployments.
var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)

// TwilioOpts holds configuration options for the Twilio notifier.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
	// ArtifactBaseURL is the public base URL under which generated documents
	// are served; Twilio fetches document media by URL.
	ArtifactBaseURL string
}

// TwilioOption defines a configuration option for the Twilio notifier.
type TwilioOption func(*TwilioOpts)

func WithTwilioAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

func WithTwilioAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

func WithTwilioFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

func WithTwilioArtifactBaseURL(base string) TwilioOption {
	return func(o *TwilioOpts) { o.ArtifactBaseURL = base }
}

// TwilioNotifier delivers messages through the Twilio REST API.
type TwilioNotifier struct {
	client          *twilio.RestClient
	from            string
	artifactBaseURL string
}

// Compile-time check that TwilioNotifier implements Notifier.
var _ Notifier = (*TwilioNotifier)(nil)

// NewTwilioNotifier creates a Twilio-backed notifier. Options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables.
func NewTwilioNotifier(opts ...TwilioOption) (*TwilioNotifier, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio notifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioNotifier{
		client:          client,
		from:            cfg.From,
		artifactBaseURL: strings.TrimRight(cfg.ArtifactBaseURL, "/"),
	}, nil
}

// canonicalizeRecipient validates a phone-number conversation ID.
func canonicalizeRecipient(conversationID string) (string, error) {
	v := strings.TrimSpace(conversationID)
	if !phonePattern.MatchString(v) {
		return "", fmt.Errorf("invalid recipient %q: not a phone number", conversationID)
	}
	if !strings.HasPrefix(v, "+") {
		v = "+" + v
	}
	return v, nil
}

// SendMessage sends a text message to the conversation's phone number.
func (t *TwilioNotifier) SendMessage(ctx context.Context, conversationID, body string) error {
	to, err := canonicalizeRecipient(conversationID)
	if err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(body)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioNotifier.SendMessage failed", "error", err, "to", to)
		return fmt.Errorf("twilio send message to %s: %w", to, err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioNotifier.SendMessage succeeded", "to", to, "sid", sid)
	return nil
}

// SendDocument delivers the artifact as message media. Twilio pulls media by
// URL, so the artifact must be reachable under the configured base URL (the
// API serves it at /conversations/{id}/artifact).
func (t *TwilioNotifier) SendDocument(ctx context.Context, conversationID string, artifact models.DocumentArtifact, caption string) error {
	to, err := canonicalizeRecipient(conversationID)
	if err != nil {
		return err
	}
	if t.artifactBaseURL == "" {
		return fmt.Errorf("artifact base URL not configured; cannot deliver document to %s", to)
	}

	mediaURL := fmt.Sprintf("%s/conversations/%s/artifact", t.artifactBaseURL, artifact.ConversationID)
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(caption)
	params.SetMediaUrl([]string{mediaURL})

	if _, err := t.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioNotifier.SendDocument failed", "error", err, "to", to)
		return fmt.Errorf("twilio send document to %s: %w", to, err)
	}
	slog.Debug("TwilioNotifier.SendDocument succeeded", "to", to, "mediaURL", mediaURL)
	return nil
}
