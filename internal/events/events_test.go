package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := StartEmbedded("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("StartEmbedded: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestPublisherNotify(t *testing.T) {
	srv := startServer(t)

	sub, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	if _, err := sub.ChanSubscribe("test.run.>", msgs); err != nil {
		t.Fatal(err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatal(err)
	}

	pub, err := Connect(Options{Servers: []string{srv.ClientURL()}, Subject: "test.run"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()
	if !pub.Healthy() {
		t.Fatal("publisher should be connected")
	}

	ev := RunEvent{RunID: "r1", Type: Completed, Mode: "online", Frames: 25}
	if err := pub.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "test.run.completed" {
			t.Errorf("subject = %q", msg.Subject)
		}
		var got RunEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatal(err)
		}
		if got.RunID != "r1" || got.Frames != 25 || got.Type != Completed {
			t.Errorf("unexpected event %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("timestamp should be filled in")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestConnectWithoutServers(t *testing.T) {
	if _, err := Connect(Options{}); err == nil {
		t.Error("expected error with no servers")
	}
}

func TestDiscard(t *testing.T) {
	var n Notifier = Discard{}
	if err := n.Notify(context.Background(), RunEvent{Type: Started}); err != nil {
		t.Fatal(err)
	}
}
