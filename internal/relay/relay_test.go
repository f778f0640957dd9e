package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func waitForClients(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d; want %d", b.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBrokerFanOutAndUnsubscribe(t *testing.T) {
	b := NewBroker()
	id1, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()

	b.PublishJSON(TypeExportProgress, map[string]int{"completed": 1})
	for _, ch := range []<-chan Event{ch1, ch2} {
		evt := <-ch
		if evt.Type != TypeExportProgress || evt.Payload != `{"completed":1}` {
			t.Fatalf("event = %+v", evt)
		}
	}

	b.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Fatal("unsubscribed channel still open")
	}
	if got := b.ClientCount(); got != 1 {
		t.Fatalf("ClientCount() = %d; want 1", got)
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	b.Subscribe()
	for i := 0; i < subscriberBufSize+5; i++ {
		b.Publish(Event{Type: TypeSession, Payload: "{}"})
	}
	if got := b.Dropped(); got != 5 {
		t.Fatalf("Dropped() = %d; want 5", got)
	}
}

func TestSSEHandlerFiltersTypes(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?types="+TypeExportDone, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	waitForClients(t, b, 1)

	b.PublishJSON(TypeExportProgress, map[string]int{"completed": 1})
	b.PublishJSON(TypeExportDone, map[string]string{"target": "/out"})

	r := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if lines[0] != "event: "+TypeExportDone || lines[1] != `data: {"target":"/out"}` {
		t.Fatalf("stream = %q", lines)
	}
}

func TestWSHandlerStreamsEvents(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(WSHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("ws.Dial() error = %v", err)
	}
	waitForClients(t, b, 1)

	b.PublishJSON(TypeExportProgress, map[string]int{"total": 3})
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("ReadServerText() error = %v", err)
	}
	var msg struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Type != TypeExportProgress || msg.Data["total"] != 3 {
		t.Fatalf("message = %+v", msg)
	}

	conn.Close()
	waitForClients(t, b, 0)
}
