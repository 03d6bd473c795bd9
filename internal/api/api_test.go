package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BTreeMap/CourseBot/internal/flow"
	"github.com/BTreeMap/CourseBot/internal/flowstore"
	"github.com/BTreeMap/CourseBot/internal/messaging"
	"github.com/BTreeMap/CourseBot/internal/metrics"
	"github.com/BTreeMap/CourseBot/internal/models"
	"github.com/BTreeMap/CourseBot/internal/records"
	"github.com/BTreeMap/CourseBot/internal/store"
	"github.com/BTreeMap/CourseBot/internal/testutil"
	"github.com/BTreeMap/CourseBot/internal/twiliowhatsapp"
)

const (
	testAuthToken   = "test-auth-token"
	testVerifyToken = "verify-me"
	testBaseURL     = "https://bot.example.com"
	testBotAddress  = "whatsapp:+14155238886"
	studentAddress  = "whatsapp:+5491112345678"
)

const testFlowsJSON = `[
  {
    "id": 1, "name": "Triage", "is_active": true, "entry_node_id": "A1",
    "nodes": [
      {"id": "A1", "data": {"label": "Hola {student_name}, ¿rendiste el examen? (si/no)"}},
      {"id": "A2", "data": {"label": "Genial, {student_name}."}},
      {"id": "A3", "data": {"label": "Un tutor te va a contactar."}}
    ],
    "edges": [
      {"source": "A1", "target": "A2", "labelText": "si"},
      {"source": "A1", "target": "A3", "labelText": "no"}
    ]
  },
  {
    "id": 2, "name": "Encuesta", "is_active": false, "entry_node_id": "B1",
    "nodes": [{"id": "B1", "data": {"label": "¿Nos ayudás con una encuesta?"}}],
    "edges": []
  }
]`

var errTwilioDown = errors.New("twilio down")

type testEnv struct {
	server   *Server
	handler  http.Handler
	store    *store.InMemoryStore
	flows    *flowstore.Store
	mock     *twiliowhatsapp.MockClient
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flows.json")
	if err := os.WriteFile(path, []byte(testFlowsJSON), 0o644); err != nil {
		t.Fatalf("failed to write flows: %v", err)
	}
	fs, err := flowstore.Open(path)
	if err != nil {
		t.Fatalf("failed to open flows: %v", err)
	}

	resolver := records.NewMemoryResolver(2)
	resolver.AddStudent(records.Student{AcademicID: 10, Phone: "91112345678", FullName: "Ana María Pérez"})

	st := store.NewInMemoryStore()
	mock := twiliowhatsapp.NewMockClient()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	engine := flow.NewEngine(fs, st, resolver, messaging.NewTwilioService(mock),
		flow.WithAlertDetector(flow.NewAlertDetector("A3")),
		flow.WithBotAddress(testBotAddress),
		flow.WithMetrics(m))

	base := []Option{
		WithAuthToken(testAuthToken),
		WithPublicBaseURL(testBaseURL + "/"),
		WithVerifyToken(testVerifyToken),
		WithGatherer(reg),
	}
	srv := NewServer(engine, fs, st, m, append(base, opts...)...)
	return &testEnv{server: srv, handler: srv.Router(), store: st, flows: fs, mock: mock, registry: reg}
}

func sign(token, url string, form url.Values) string {
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return testutil.TwilioSignature(token, url, params)
}

func inbound(from, body, sid string) url.Values {
	return url.Values{"From": {from}, "Body": {body}, "MessageSid": {sid}, "To": {testBotAddress}}
}

func (e *testEnv) postWebhook(t *testing.T, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) postSigned(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return e.postWebhook(t, form, sign(testAuthToken, testBaseURL+webhookPath, form))
}

func (e *testEnv) get(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestWebhook_SignedTurn(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postSigned(t, inbound(studentAddress, "hola", "SM1"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "signed webhook")
	if !strings.Contains(rr.Body.String(), "<Response>") {
		t.Errorf("expected TwiML acknowledgement, got %q", rr.Body.String())
	}

	sent := env.mock.Sent()
	if len(sent) != 1 || sent[0].Body != "Hola Ana, ¿rendiste el examen? (si/no)" {
		t.Fatalf("unexpected sends: %+v", sent)
	}
	msgs := env.store.Messages()
	if len(msgs) != 2 || msgs[0].Direction != models.DirectionIncoming || msgs[1].TemplateID != "A1" {
		t.Errorf("unexpected persisted messages: %+v", msgs)
	}

	rr = env.postSigned(t, inbound(studentAddress, "  NO ", "SM2"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "second turn")
	alerts, _ := env.store.Alerts(t.Context(), true)
	if len(alerts) != 1 || alerts[0].StudentPhone != studentAddress {
		t.Errorf("expected one alert for the intervention node, got %+v", alerts)
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	form := inbound(studentAddress, "hola", "SM1")

	cases := map[string]string{
		"missing":     "",
		"wrong token": sign("other-token", testBaseURL+webhookPath, form),
		"wrong url":   sign(testAuthToken, "https://evil.example.com"+webhookPath, form),
	}
	for name, sig := range cases {
		rr := env.postWebhook(t, form, sig)
		testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, name)
	}
	if msgs := env.store.Messages(); len(msgs) != 0 {
		t.Errorf("rejected webhooks must persist nothing, got %+v", msgs)
	}
	if sent := env.mock.Sent(); len(sent) != 0 {
		t.Errorf("rejected webhooks must send nothing, got %+v", sent)
	}
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	form := inbound(studentAddress, "hola", "SM42")

	for i := 0; i < 3; i++ {
		rr := env.postSigned(t, form)
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "retried delivery")
	}
	if sent := env.mock.Sent(); len(sent) != 1 {
		t.Errorf("expected a single turn for a retried message, got %d sends", len(sent))
	}
	inserted, err := env.store.RecordInbound(t.Context(), "SM42", studentAddress)
	if err != nil || inserted {
		t.Errorf("expected SM42 to be recorded already, got %v, %v", inserted, err)
	}
}

func TestWebhook_UnknownUserStillOK(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postSigned(t, inbound("whatsapp:+15550001111", "hola", "SM7"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "unknown user")
	sent := env.mock.Sent()
	if len(sent) != 1 || sent[0].Body != flow.ReplyUnknownUser {
		t.Errorf("expected the unknown-user reply, got %+v", sent)
	}
}

func TestWebhook_DeliveryFailureStillOK(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Err = errTwilioDown

	rr := env.postSigned(t, inbound(studentAddress, "hola", "SM8"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delivery failure")
	msgs := env.store.Messages()
	if len(msgs) != 1 || msgs[0].Direction != models.DirectionIncoming {
		t.Errorf("only the inbound message should be persisted, got %+v", msgs)
	}
}

func TestWebhook_MissingSender(t *testing.T) {
	env := newTestEnv(t, WithSkipSignatureValidation(true))

	rr := env.postWebhook(t, url.Values{"Body": {"hola"}}, "")
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing From")
	testutil.DecodeAPIResponse(t, rr, "error", nil)
}

func TestWebhook_SkipSignature(t *testing.T) {
	env := newTestEnv(t, WithSkipSignatureValidation(true))

	rr := env.postWebhook(t, inbound(studentAddress, "hola", "SM9"), "")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "unsigned webhook in development mode")
	if len(env.mock.Sent()) != 1 {
		t.Error("expected the turn to run")
	}
}

func TestVerifyHandler(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, http.MethodGet, webhookPath+"?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=12345")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid handshake")
	if rr.Body.String() != "12345" {
		t.Errorf("expected challenge echo, got %q", rr.Body.String())
	}

	for _, q := range []string{
		"?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1",
		"?hub.mode=unsubscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=1",
		"",
	} {
		rr := env.get(t, http.MethodGet, webhookPath+q)
		testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "rejected handshake "+q)
	}
}

func TestFlowHandlers(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, http.MethodGet, "/api/flows")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list flows")
	var flows []models.Flow
	testutil.DecodeAPIResponse(t, rr, "ok", &flows)
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}

	rr = env.get(t, http.MethodGet, "/api/flows/2")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get flow")
	var f models.Flow
	testutil.DecodeAPIResponse(t, rr, "ok", &f)
	if f.Name != "Encuesta" || f.EntryNodeID != "B1" {
		t.Errorf("unexpected flow: %+v", f)
	}

	testutil.AssertHTTPStatus(t, http.StatusNotFound, env.get(t, http.MethodGet, "/api/flows/99").Code, "unknown flow")
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, env.get(t, http.MethodGet, "/api/flows/abc").Code, "bad id")

	rr = env.get(t, http.MethodPut, "/api/flows/2/active")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "activate flow")
	active, ok := env.flows.ActiveFlow()
	if !ok || active.ID != 2 {
		t.Errorf("expected flow 2 active, got %+v", active)
	}
	testutil.AssertHTTPStatus(t, http.StatusNotFound, env.get(t, http.MethodPut, "/api/flows/99/active").Code, "activate unknown flow")
}

func TestReloadFlowsHandler(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, http.MethodPost, "/api/flows/reload")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reload")
	var body map[string]int
	testutil.DecodeAPIResponse(t, rr, "ok", &body)
	if body["count"] != 2 {
		t.Errorf("expected count 2, got %v", body)
	}

	broken := `[{"id": 1, "name": "A", "nodes": [{"id": "X", "data": {"label": "x"}}], "edges": [{"source": "X", "target": "Y", "labelText": "y"}]}]`
	if err := os.WriteFile(env.flows.Path(), []byte(broken), 0o644); err != nil {
		t.Fatalf("failed to overwrite flows: %v", err)
	}
	rr = env.get(t, http.MethodPost, "/api/flows/reload")
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "reload invalid definitions")
	if n := len(env.flows.ListFlows()); n != 2 {
		t.Errorf("previous flows must stay in service, got %d", n)
	}
}

func TestConversationAndAlertHandlers(t *testing.T) {
	env := newTestEnv(t)
	env.postSigned(t, inbound(studentAddress, "hola", "SM1"))
	env.postSigned(t, inbound(studentAddress, "no", "SM2"))

	rr := env.get(t, http.MethodGet, "/api/conversations/"+studentAddress)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "conversation")
	var msgs []models.Message
	testutil.DecodeAPIResponse(t, rr, "ok", &msgs)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Errorf("conversation not in ascending order at %d", i)
		}
	}

	rr = env.get(t, http.MethodGet, "/api/conversations/+5491112345678")
	var bare []models.Message
	testutil.DecodeAPIResponse(t, rr, "ok", &bare)
	if len(bare) != 4 {
		t.Errorf("address without channel prefix should match, got %d messages", len(bare))
	}

	rr = env.get(t, http.MethodGet, "/api/alerts?unresolved=true")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "alerts")
	var alerts []models.DashboardAlert
	testutil.DecodeAPIResponse(t, rr, "ok", &alerts)
	if len(alerts) != 1 || alerts[0].AlertType != models.AlertTypeHumanIntervention {
		t.Errorf("unexpected alerts: %+v", alerts)
	}

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, env.get(t, http.MethodGet, "/api/alerts?unresolved=maybe").Code, "bad filter")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.postSigned(t, inbound(studentAddress, "hola", "SM1"))

	testutil.AssertHTTPStatus(t, http.StatusOK, env.get(t, http.MethodGet, "/health").Code, "health")

	rr := env.get(t, http.MethodGet, "/metrics")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "coursebot_") {
		t.Errorf("expected coursebot metrics in exposition, got %q", rr.Body.String())
	}
}
