// Package testutil provides helpers shared by CourseBot package tests.
package testutil

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"os"
	"sort"
	"testing"
)

// GetenvOrSkip returns the value of key, skipping the test when it is unset. Used to gate
// tests that need a live Postgres or Redis.
func GetenvOrSkip(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// TwilioSignature computes the X-Twilio-Signature for a form POST:
// base64(HMAC-SHA1(url followed by each key and value, keys sorted)).
func TwilioSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := url
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes the JSON envelope, checks its status field and unmarshals the
// result into out when out is non-nil.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string, out interface{}) {
	t.Helper()
	var resp struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if resp.Status != expectedStatus {
		t.Errorf("expected status %q, got %q (message %q)", expectedStatus, resp.Status, resp.Message)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
}
