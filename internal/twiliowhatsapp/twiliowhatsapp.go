// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery and webhook signatures.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/CourseBot/internal/util"
)

// Sender sends WhatsApp messages and returns the provider message sid.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
	SendTemplate(ctx context.Context, to string, contentSID string, vars map[string]string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account sid.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// Compile-time check that Client implements Sender.
var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client. Options fall back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:    client,
		fromWhats: WhatsAppAddress(cfg.FromWhats),
	}, nil
}

// From returns the sending address.
func (c *Client) From() string {
	return c.fromWhats
}

// SendMessage sends a free-form WhatsApp message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := messageSID(resp)
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// SendTemplate sends an approved content template. vars are the positional template
// variables, e.g. {"1": "Ana", "2": "Matemática I"}.
func (c *Client) SendTemplate(ctx context.Context, to string, contentSID string, vars map[string]string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetContentSid(contentSID)
	if len(vars) > 0 {
		encoded, err := json.Marshal(vars)
		if err != nil {
			return "", fmt.Errorf("failed to encode content variables: %w", err)
		}
		params.SetContentVariables(string(encoded))
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendTemplate failed", "to", to, "content_sid", contentSID, "error", err)
		return "", fmt.Errorf("failed to send template %s to %s: %w", contentSID, to, err)
	}
	sid := messageSID(resp)
	slog.Debug("Twilio template sent", "to", to, "content_sid", contentSID, "sid", sid)
	return sid, nil
}

func messageSID(resp *twilioApi.ApiV2010Message) string {
	if resp == nil || resp.Sid == nil {
		return ""
	}
	return *resp.Sid
}

// WhatsAppAddress adds the whatsapp: channel prefix when it is missing.
func WhatsAppAddress(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// SignatureValidator checks the X-Twilio-Signature header of webhook requests.
type SignatureValidator struct {
	validator twilioClient.RequestValidator
}

// NewSignatureValidator creates a validator for the account's auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: twilioClient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the public url and the posted form params.
func (v *SignatureValidator) Validate(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.validator.Validate(url, params, signature)
}

// MockClient records sends instead of calling Twilio.
type MockClient struct {
	mu            sync.Mutex
	SentMessages  []SentMessage
	SentTemplates []SentTemplate
	Err           error
}

// Compile-time check that MockClient implements Sender.
var _ Sender = (*MockClient)(nil)

type SentMessage struct {
	To   string
	Body string
}

type SentTemplate struct {
	To         string
	ContentSID string
	Vars       map[string]string
}

func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages:  []SentMessage{},
		SentTemplates: []SentTemplate{},
	}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return util.GenerateMessageSID(), nil
}

func (m *MockClient) SendTemplate(ctx context.Context, to string, contentSID string, vars map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentTemplates = append(m.SentTemplates, SentTemplate{To: to, ContentSID: contentSID, Vars: vars})
	return util.GenerateMessageSID(), nil
}

// Sent returns a copy of the recorded free-form messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}

// Templates returns a copy of the recorded template sends.
func (m *MockClient) Templates() []SentTemplate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentTemplate, len(m.SentTemplates))
	copy(out, m.SentTemplates)
	return out
}
