package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/CourseBot/internal/twiliowhatsapp"
)

func TestCanonicalAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		cc      string
		want    string
		wantErr bool
	}{
		{"channel address", "whatsapp:+5491112345678", "", "whatsapp:+5491112345678", false},
		{"separators", "+54 9 11 1234-5678", "", "whatsapp:+5491112345678", false},
		{"national number gets country code", "1112345678", "54", "whatsapp:+541112345678", false},
		{"plus number keeps its code", "+1112345678", "54", "whatsapp:+1112345678", false},
		{"long number untouched", "5491112345678", "54", "whatsapp:+5491112345678", false},
		{"empty", "  ", "", "", true},
		{"no digits", "whatsapp:abc", "", "", true},
		{"too short", "+123", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalAddress(tt.in, tt.cc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CanonicalAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("CanonicalAddress(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock, WithDefaultCountryCode("+54"))

	sid, err := svc.SendMessage(context.Background(), "1112345678", "Hola")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected provider sid")
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "whatsapp:+541112345678" {
		t.Errorf("unexpected sends: %+v", sent)
	}
}

func TestTwilioService_SendTemplate(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	vars := map[string]string{"1": "Ana", "2": "Matemática I"}
	if _, err := svc.SendTemplate(context.Background(), "whatsapp:+5491112345678", "HX1", vars); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl := mock.Templates(); len(tpl) != 1 || tpl[0].Vars["1"] != "Ana" {
		t.Errorf("unexpected template sends: %+v", tpl)
	}
}

func TestTwilioService_Errors(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if _, err := svc.SendMessage(context.Background(), "12", "x"); err == nil {
		t.Error("expected validation error")
	}

	mock.Err = errors.New("twilio 500")
	if _, err := svc.SendMessage(context.Background(), "whatsapp:+5491112345678", "x"); err == nil {
		t.Error("expected provider error")
	}

	mock.Err = nil
	svc.Stop()
	if _, err := svc.SendTemplate(context.Background(), "whatsapp:+5491112345678", "HX1", nil); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
