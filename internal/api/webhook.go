package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CourseBot/internal/models"
)

// Webhook results recorded in metrics.
const (
	webhookRejected  = "rejected"
	webhookInvalid   = "invalid"
	webhookDuplicate = "duplicate"
	webhookHandled   = "handled"
	webhookFailed    = "failed"
)

// webhookHandler receives an inbound WhatsApp message. Once the signature is accepted the
// provider always gets 200, whatever the turn outcome, so it does not retry.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.webhookHandler: failed to parse form", "error", err)
		s.metrics.Webhook(webhookInvalid)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	if !s.opts.SkipSignature {
		url := s.publicURL(r)
		if !s.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.webhookHandler: invalid signature", "url", url)
			s.metrics.Webhook(webhookRejected)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
	}

	in := models.InboundMessage{
		From:       strings.TrimSpace(params["From"]),
		Body:       params["Body"],
		MessageSID: params["MessageSid"],
		ReceivedAt: time.Now().UTC(),
	}
	if in.From == "" {
		slog.Warn("Server.webhookHandler: missing sender", "message_sid", in.MessageSID)
		s.metrics.Webhook(webhookInvalid)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: From"))
		return
	}

	// The turn must outlive a provider that hangs up early.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.TurnTimeout)
	defer cancel()

	if in.MessageSID != "" {
		fresh, err := s.st.RecordInbound(ctx, in.MessageSID, in.From)
		if err != nil {
			slog.Error("Server.webhookHandler: dedup check failed, processing anyway", "message_sid", in.MessageSID, "error", err)
		} else if !fresh {
			slog.Info("Server.webhookHandler: duplicate delivery ignored", "message_sid", in.MessageSID, "from", in.From)
			s.metrics.Webhook(webhookDuplicate)
			writeTwiML(w, http.StatusOK)
			return
		}
	}

	res, err := s.turns.HandleTurn(ctx, in)
	result := webhookHandled
	if err != nil {
		result = webhookFailed
		attrs := []any{"from", in.From, "message_sid", in.MessageSID, "error", err}
		if res != nil {
			attrs = append(attrs, "outcome", res.Outcome)
		}
		if errors.Is(err, models.ErrDelivery) {
			slog.Error("Server.webhookHandler: reply not delivered", attrs...)
		} else {
			slog.Error("Server.webhookHandler: turn failed", attrs...)
		}
	}
	s.metrics.Webhook(result)

	if in.MessageSID != "" {
		if err := s.st.MarkProcessed(ctx, in.MessageSID); err != nil {
			slog.Warn("Server.webhookHandler: failed to mark message processed", "message_sid", in.MessageSID, "error", err)
		}
	}
	writeTwiML(w, http.StatusOK)
}

// verifyHandler answers the subscription handshake by echoing hub.challenge.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")
	if mode != "subscribe" || s.opts.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.VerifyToken)) != 1 {
		slog.Warn("Server.verifyHandler: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.verifyHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(challenge)); err != nil {
		slog.Error("Server.verifyHandler: failed to write challenge", "error", err)
	}
}

// publicURL is the URL the provider signed: the configured public base plus the request URI,
// or the request's own scheme and host when no base is set.
func (s *Server) publicURL(r *http.Request) string {
	if s.opts.PublicBaseURL != "" {
		return s.opts.PublicBaseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
