// Package messaging delivers outgoing WhatsApp messages and canonicalizes recipient addresses.
package messaging

import (
	"context"
	"errors"
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines the message delivery abstraction used by the conversation engine and the
// grade campaign.
type Service interface {
	// ValidateAndCanonicalizeRecipient turns a phone number or channel address into the
	// canonical "whatsapp:+<digits>" form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a free-form text and returns the provider message id.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// SendTemplate sends an approved content template with positional variables.
	SendTemplate(ctx context.Context, to string, contentSID string, vars map[string]string) (string, error)

	// Stop rejects further sends.
	Stop() error
}
