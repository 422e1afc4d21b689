package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/satindergrewal/facecast/internal/events"
)

func healthStatus(h http.HandlerFunc) int {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/healthz", nil))
	return rec.Code
}

func TestHealthzWithoutEvents(t *testing.T) {
	if code := healthStatus(healthz(nil)); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
}

func TestHealthzFollowsEventBus(t *testing.T) {
	srv, err := events.StartEmbedded("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("StartEmbedded: %v", err)
	}
	bus, err := events.Connect(events.Options{Servers: []string{srv.ClientURL()}, Subject: "test.run"})
	if err != nil {
		srv.Shutdown()
		t.Fatalf("Connect: %v", err)
	}
	defer bus.Close()

	h := healthz(bus)
	if code := healthStatus(h); code != http.StatusOK {
		t.Fatalf("status = %d with the bus up, want 200", code)
	}

	srv.Shutdown()
	deadline := time.Now().Add(5 * time.Second)
	for healthStatus(h) == http.StatusOK && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if code := healthStatus(h); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d after the bus went away, want 503", code)
	}
}
