package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/BTreeMap/CourseBot/internal/metrics"
	"github.com/BTreeMap/CourseBot/internal/twiliowhatsapp"
)

// MinPhoneDigits is the shortest number accepted as a recipient.
const MinPhoneDigits = 6

// nationalNumberDigits is the longest number treated as lacking its country code.
const nationalNumberDigits = 10

var phoneNumberRegex = regexp.MustCompile(`\D`)

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client      twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	countryCode string
	metrics     *metrics.Metrics
	mu          sync.RWMutex
	stopped     bool
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// ServiceOption configures a TwilioService.
type ServiceOption func(*TwilioService)

// WithDefaultCountryCode prepends code to national numbers that lack a country code.
func WithDefaultCountryCode(code string) ServiceOption {
	return func(s *TwilioService) {
		s.countryCode = phoneNumberRegex.ReplaceAllString(code, "")
	}
}

// WithMetrics records delivery metrics.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *TwilioService) {
		s.metrics = m
	}
}

// NewTwilioService creates a new TwilioService around a Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...ServiceOption) *TwilioService {
	s := &TwilioService{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient strips everything but digits, adds the default country
// code to national numbers and returns "whatsapp:+<digits>".
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalAddress(recipient, s.countryCode)
}

// CanonicalAddress returns the "whatsapp:+<digits>" form of a phone number or channel address.
// countryCode, when set, is prepended to numbers of at most ten digits.
func CanonicalAddress(recipient, countryCode string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	raw := recipient
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		raw = raw[i+1:]
	}
	digits := phoneNumberRegex.ReplaceAllString(raw, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, MinPhoneDigits)
	}
	hasPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")
	if countryCode != "" && !hasPlus && len(digits) <= nationalNumberDigits {
		digits = countryCode + digits
	}
	canonical := "whatsapp:+" + digits
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Stop rejects further sends.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// SendMessage sends a text via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: validation error", "error", err, "to", to)
		return "", err
	}
	sid, err := s.client.SendMessage(ctx, canonicalTo, body)
	s.metrics.Delivery("text", err)
	if err != nil {
		return "", err
	}
	return sid, nil
}

// SendTemplate sends a content template via Twilio.
func (s *TwilioService) SendTemplate(ctx context.Context, to string, contentSID string, vars map[string]string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendTemplate: validation error", "error", err, "to", to)
		return "", err
	}
	sid, err := s.client.SendTemplate(ctx, canonicalTo, contentSID, vars)
	s.metrics.Delivery("template", err)
	if err != nil {
		return "", err
	}
	return sid, nil
}
