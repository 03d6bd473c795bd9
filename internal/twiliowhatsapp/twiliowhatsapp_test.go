package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/CourseBot/internal/testutil"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendMessage(ctx, "whatsapp:+12345", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected a message sid")
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", mock.SentMessages[0].Body)
	}
}

func TestMockClient_SendTemplate(t *testing.T) {
	mock := NewMockClient()
	vars := map[string]string{"1": "Ana", "2": "Matemática I"}
	if _, err := mock.SendTemplate(context.Background(), "whatsapp:+12345", "HXabc", vars); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tpl := mock.Templates()
	if len(tpl) != 1 || tpl[0].ContentSID != "HXabc" || tpl[0].Vars["2"] != "Matemática I" {
		t.Errorf("unexpected template sends: %+v", tpl)
	}
}

func TestMockClient_Error(t *testing.T) {
	mock := NewMockClient()
	mock.Err = errors.New("twilio down")
	if _, err := mock.SendMessage(context.Background(), "x", "y"); err == nil {
		t.Error("expected configured error")
	}
	if len(mock.Sent()) != 0 {
		t.Error("failed sends must not be recorded")
	}
}

func TestWhatsAppAddress(t *testing.T) {
	tests := map[string]string{
		"+5491112345678":          "whatsapp:+5491112345678",
		"whatsapp:+5491112345678": "whatsapp:+5491112345678",
		" +14155238886 ":          "whatsapp:+14155238886",
		"":                        "",
	}
	for in, want := range tests {
		if got := WhatsAppAddress(in); got != want {
			t.Errorf("WhatsAppAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without sending number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.From() != "whatsapp:+14155238886" {
		t.Errorf("unexpected from %q", c.From())
	}
}

func TestSignatureValidator(t *testing.T) {
	const token = "12345"
	const url = "https://bot.example.com/api/whatsapp/webhook"
	params := map[string]string{"From": "whatsapp:+5491112345678", "Body": "si", "MessageSid": "SM1"}
	v := NewSignatureValidator(token)

	if !v.Validate(url, params, testutil.TwilioSignature(token, url, params)) {
		t.Error("expected valid signature")
	}
	if v.Validate(url, params, testutil.TwilioSignature("other", url, params)) {
		t.Error("signature with wrong token must fail")
	}
	tampered := map[string]string{"From": "whatsapp:+5491112345678", "Body": "no", "MessageSid": "SM1"}
	if v.Validate(url, tampered, testutil.TwilioSignature(token, url, params)) {
		t.Error("signature over different params must fail")
	}
	if v.Validate(url, params, "") {
		t.Error("missing signature must fail")
	}
}
