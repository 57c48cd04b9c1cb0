package carrier

import (
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseInbound(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SMabc")
	form.Set("AccountSid", "AC123")
	form.Set("From", "+15551234567")
	form.Set("To", "+15550000000")
	form.Set("Body", "hello there")
	form.Set("NumMedia", "0")
	form.Set("FromCountry", "US")

	req := httptest.NewRequest("POST", "/sms/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	in, err := ParseInbound(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if in.MessageSID != "SMabc" || in.From != "+15551234567" || in.Body != "hello there" {
		t.Fatalf("unexpected payload %+v", in)
	}
	if in.NumMedia != 0 || in.FromCountry != "US" {
		t.Fatalf("unexpected payload %+v", in)
	}
}

func TestParseInboundMedia(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SMabc")
	form.Set("AccountSid", "AC123")
	form.Set("From", "+15551234567")
	form.Set("To", "+15550000000")
	form.Set("NumMedia", "2")

	req := httptest.NewRequest("POST", "/sms/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	in, err := ParseInbound(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if in.NumMedia != 2 {
		t.Fatalf("expected NumMedia=2, got %d", in.NumMedia)
	}
}

func TestParseInboundMissingFields(t *testing.T) {
	form := url.Values{}
	form.Set("Body", "hello")

	req := httptest.NewRequest("POST", "/sms/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := ParseInbound(req); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM1")
	form.Set("MessageStatus", "Delivered")
	form.Set("ErrorCode", "")

	req := httptest.NewRequest("POST", "/sms/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	st, err := ParseStatus(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st.MessageSID != "SM1" || st.MessageStatus != "delivered" {
		t.Fatalf("unexpected payload %+v", st)
	}
}

func TestParseStatusMissingFields(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM1")

	req := httptest.NewRequest("POST", "/sms/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := ParseStatus(req); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
}
