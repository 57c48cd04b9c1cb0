package router

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/assistline/smsgate/internal/carrier"
	"github.com/assistline/smsgate/internal/onboarding"
)

const testAuthToken = "auth-token"

func newHTTPFixture(t *testing.T) (*routerFixture, *HTTPHandler, *onboarding.TokenIssuer) {
	t.Helper()
	f := newFixture()
	tokens := onboarding.NewTokenIssuer("signup-secret", "https://signup.example.com", time.Hour)
	h := NewHTTPHandler(f.router, carrier.NewValidator(testAuthToken, ""), tokens, nil, nil)
	return f, h, tokens
}

func signedForm(t *testing.T, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", carrier.NewValidator(testAuthToken, "").Sign(target, form))
	return req
}

func inboundForm(sid, from, body string) url.Values {
	return url.Values{
		"MessageSid": {sid},
		"AccountSid": {"AC1"},
		"From":       {from},
		"To":         {"+15550000001"},
		"Body":       {body},
	}
}

func TestWebhookInboundAccepted(t *testing.T) {
	f, h, _ := newHTTPFixture(t)

	req := signedForm(t, "http://gateway.example.com/sms/inbound", inboundForm("SM1", "+15551234567", "hi"))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
	if len(f.onboarding.advanced) != 1 {
		t.Fatal("expected inbound routed to onboarding")
	}
}

func TestWebhookInboundBadSignature(t *testing.T) {
	f, h, _ := newHTTPFixture(t)

	req := signedForm(t, "http://gateway.example.com/sms/inbound", inboundForm("SM1", "+15551234567", "hi"))
	req.Header.Set("X-Carrier-Signature", "bogus")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(f.onboarding.advanced) != 0 {
		t.Fatal("expected rejected inbound not routed")
	}
}

func TestWebhookInboundMissingFields(t *testing.T) {
	_, h, _ := newHTTPFixture(t)

	form := url.Values{"MessageSid": {"SM1"}}
	req := signedForm(t, "http://gateway.example.com/sms/inbound", form)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookStatusForwarded(t *testing.T) {
	f, h, _ := newHTTPFixture(t)

	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}
	req := signedForm(t, "http://gateway.example.com/sms/status", form)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(f.sender.callbacks) != 1 || f.sender.callbacks[0] != "SM1:delivered" {
		t.Fatalf("expected callback forwarded, got %v", f.sender.callbacks)
	}
}

func TestWebhookAccountLinked(t *testing.T) {
	f, h, tokens := newHTTPFixture(t)

	token, err := tokens.Issue("+15551234567", "jo@example.com", "Jo")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	body := `{"token":"` + token + `","user_id":42}`
	req := httptest.NewRequest(http.MethodPost, "http://gateway.example.com/signup/linked", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(f.onboarding.linked) != 1 || f.onboarding.linked[0] != 42 {
		t.Fatalf("expected engine notified, got %v", f.onboarding.linked)
	}
}

func TestWebhookAccountLinkedBadToken(t *testing.T) {
	f, h, _ := newHTTPFixture(t)

	req := httptest.NewRequest(http.MethodPost, "http://gateway.example.com/signup/linked",
		strings.NewReader(`{"token":"garbage","user_id":42}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(f.onboarding.linked) != 0 {
		t.Fatal("expected no engine call with bad token")
	}
}

func TestWebhookAccountLinkedNoSession(t *testing.T) {
	f, h, tokens := newHTTPFixture(t)
	f.onboarding.linkedErr = onboarding.ErrNoSession

	token, _ := tokens.Issue("+15551234567", "jo@example.com", "Jo")
	req := httptest.NewRequest(http.MethodPost, "http://gateway.example.com/signup/linked",
		strings.NewReader(`{"token":"`+token+`","user_id":42}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestWebhookHealth(t *testing.T) {
	_, h, _ := newHTTPFixture(t)

	req := httptest.NewRequest(http.MethodGet, "http://gateway.example.com/healthz", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}
