package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fruitsalade/dashboard/pkg/protocol"
)

func TestSSESubscribe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("unexpected Accept header %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: conversation_updated\ndata: {\"id\":\"c1\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"task_updated\",\"id\":\"t1\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewSSEClient(ts.URL, nil)
	events := c.Subscribe(ctx)

	want := []protocol.Event{
		{Type: protocol.EventConversationUpdated, ID: "c1"},
		{Type: protocol.EventTaskUpdated, ID: "t1"},
	}
	for i, w := range want {
		select {
		case got := <-events:
			if got.Type != w.Type || got.ID != w.ID {
				t.Errorf("event %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	cancel()
	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name, eventType, data string
		wantType              string
		ok                    bool
	}{
		{"named", "agent_updated", `{"id":"a"}`, "agent_updated", true},
		{"typed payload", "", `{"type":"file_changed","path":"src"}`, "file_changed", true},
		{"named non-json", "task_updated", `ping`, "task_updated", true},
		{"untyped", "", `{"id":"x"}`, "", false},
		{"garbage", "", `nope`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := parseEvent(tt.eventType, tt.data)
			if ok != tt.ok || ev.Type != tt.wantType {
				t.Errorf("parseEvent = (%+v, %v), want type %q ok %v", ev, ok, tt.wantType, tt.ok)
			}
		})
	}
}
