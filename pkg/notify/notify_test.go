package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendDeliversPayload(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, nil, WithHeader("Authorization", "Bearer tok"))
	n.Send(context.Background(), Message{
		Severity: SeveritySuccess,
		Title:    "instance created",
		RunID:    "run-1",
		Region:   "eu-stockholm-1",
		Fields:   map[string]interface{}{"zone": "AD-2"},
	})

	if got.Severity != SeveritySuccess || got.Title != "instance created" {
		t.Fatalf("payload = %+v", got)
	}
	if got.RunID != "run-1" {
		t.Fatalf("RunID = %q", got.RunID)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
	if auth != "Bearer tok" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestSendSwallowsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Must not panic or block; the error is logged and dropped.
	n := New(srv.URL, nil)
	n.Send(context.Background(), Message{Severity: SeverityError, Title: "boom"})
}

func TestSendDisabledWithoutURL(t *testing.T) {
	n := New("", nil)
	if n.Enabled() {
		t.Fatal("notifier without URL reports enabled")
	}
	// No server anywhere; Send must be a no-op.
	n.Send(context.Background(), Message{Severity: SeverityInfo, Title: "quiet"})
}

func TestSendUnreachableEndpoint(t *testing.T) {
	n := New("http://127.0.0.1:1/webhook", nil)
	n.Send(context.Background(), Message{Severity: SeverityWarning, Title: "nobody home"})
}
