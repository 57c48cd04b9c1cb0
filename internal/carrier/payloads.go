package carrier

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Inbound is a typed inbound-SMS webhook payload. The webhook adapter
// parses the form exactly once; downstream code never sees raw maps.
type Inbound struct {
	MessageSID  string
	AccountSID  string
	From        string
	To          string
	Body        string
	NumMedia    int
	FromCountry string
}

// Status is a typed delivery-status webhook payload.
type Status struct {
	MessageSID    string
	MessageStatus string
	ErrorCode     string
}

// ErrMissingFields marks webhook payloads without the carrier-required fields.
var ErrMissingFields = errors.New("carrier: missing required webhook fields")

// ParseInbound reads an inbound webhook form into a typed payload.
func ParseInbound(r *http.Request) (*Inbound, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	in := &Inbound{
		MessageSID:  strings.TrimSpace(r.PostForm.Get("MessageSid")),
		AccountSID:  strings.TrimSpace(r.PostForm.Get("AccountSid")),
		From:        strings.TrimSpace(r.PostForm.Get("From")),
		To:          strings.TrimSpace(r.PostForm.Get("To")),
		Body:        r.PostForm.Get("Body"),
		FromCountry: strings.TrimSpace(r.PostForm.Get("FromCountry")),
	}
	if raw := strings.TrimSpace(r.PostForm.Get("NumMedia")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			in.NumMedia = n
		}
	}
	if in.MessageSID == "" || in.AccountSID == "" || in.From == "" || in.To == "" {
		return nil, ErrMissingFields
	}
	return in, nil
}

// ParseStatus reads a status webhook form into a typed payload.
func ParseStatus(r *http.Request) (*Status, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	st := &Status{
		MessageSID:    strings.TrimSpace(r.PostForm.Get("MessageSid")),
		MessageStatus: strings.ToLower(strings.TrimSpace(r.PostForm.Get("MessageStatus"))),
		ErrorCode:     strings.TrimSpace(r.PostForm.Get("ErrorCode")),
	}
	if st.MessageSID == "" || st.MessageStatus == "" {
		return nil, ErrMissingFields
	}
	return st, nil
}
