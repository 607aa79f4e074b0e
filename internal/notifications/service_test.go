package notifications

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"lectern/internal/config"
)

func TestNoopWhenUnconfigured(t *testing.T) {
	cfg := config.Default()
	svc := NewService(&cfg)
	if _, ok := svc.(noopService); !ok {
		t.Fatalf("service = %T, want noop", svc)
	}
	if err := svc.NotifyDocumentCompleted(context.Background(), "a.pdf", 3); err != nil {
		t.Fatalf("noop notify: %v", err)
	}
}

func TestNtfySendsHeaders(t *testing.T) {
	var gotTitle, gotTags, gotPriority, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotTags = r.Header.Get("Tags")
		gotPriority = r.Header.Get("Priority")
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := NewService(&cfg)

	if err := svc.NotifyDocumentFailed(context.Background(), "talk.mp4", "duration unavailable"); err != nil {
		t.Fatalf("NotifyDocumentFailed: %v", err)
	}
	if gotTitle != "Lectern - Processing Failed" {
		t.Errorf("title = %q", gotTitle)
	}
	if gotTags != "lectern,document,failed" {
		t.Errorf("tags = %q", gotTags)
	}
	if gotPriority != "high" {
		t.Errorf("priority = %q", gotPriority)
	}
	if gotBody == "" {
		t.Error("expected message body")
	}
}

func TestNtfyRespectsToggles(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Completed = false
	svc := NewService(&cfg)

	if err := svc.NotifyDocumentCompleted(context.Background(), "a.pdf", 1); err != nil {
		t.Fatalf("NotifyDocumentCompleted: %v", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 with completed notifications disabled", calls)
	}
}

func TestNtfySurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic not found", http.StatusNotFound)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := NewService(&cfg)

	if err := svc.TestNotification(context.Background()); err == nil {
		t.Fatal("expected error from 404 response")
	}
}
