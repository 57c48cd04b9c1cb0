package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPRuntimeHandle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID int64  `json:"user_id"`
			Text   string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.UserID != 42 || body.Text != "hi" {
			t.Fatalf("unexpected request %+v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"reply": "hello there"})
	}))
	defer server.Close()

	rt := NewHTTPRuntime(server.URL, nil)
	reply, err := rt.Handle(context.Background(), 42, "hi")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestHTTPRuntimeErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	rt := NewHTTPRuntime(server.URL, nil)
	if _, err := rt.Handle(context.Background(), 42, "hi"); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestHTTPRuntimeUnconfigured(t *testing.T) {
	rt := NewHTTPRuntime("", nil)
	if _, err := rt.Handle(context.Background(), 42, "hi"); err == nil {
		t.Fatal("expected error without url")
	}
}
