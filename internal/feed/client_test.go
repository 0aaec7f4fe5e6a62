package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type call struct {
	table    string
	recordID string
}

type fakeInvalidator struct {
	calls chan call
}

func newFakeInvalidator() *fakeInvalidator {
	return &fakeInvalidator{calls: make(chan call, 16)}
}

func (f *fakeInvalidator) InvalidateRecord(_ context.Context, table, recordID string) error {
	f.calls <- call{table: table, recordID: recordID}
	return nil
}

func (f *fakeInvalidator) InvalidateTable(_ context.Context, table string) error {
	f.calls <- call{table: table}
	return nil
}

func (f *fakeInvalidator) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalidation")
		return call{}
	}
}

func (f *fakeInvalidator) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected invalidation %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

// feedServer accepts connections, records subscriptions and sends the
// scripted messages of each connection in turn
type feedServer struct {
	*httptest.Server

	mu      sync.Mutex
	subs    []subscribeMessage
	scripts [][]string
	conns   int
	subCh   chan subscribeMessage
}

func newFeedServer(t *testing.T, scripts ...[]string) *feedServer {
	t.Helper()
	fs := &feedServer{scripts: scripts, subCh: make(chan subscribeMessage, 8)}
	upgrader := websocket.Upgrader{}

	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}

		fs.mu.Lock()
		fs.subs = append(fs.subs, sub)
		n := fs.conns
		fs.conns++
		var script []string
		if n < len(fs.scripts) {
			script = fs.scripts[n]
		}
		last := n >= len(fs.scripts)-1
		fs.mu.Unlock()
		fs.subCh <- sub

		for _, msg := range script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		if !last {
			// drop the connection to force a reconnect
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func event(t *testing.T, e Event) string {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(data)
}

func newTestClient(t *testing.T, url string, inv Invalidator) *Client {
	t.Helper()
	c, err := NewClient(Config{
		WSURL:             url,
		Tables:            []string{"users", "posts"},
		ReconnectInterval: 10 * time.Millisecond,
		MessageTimeout:    time.Second,
		DedupSize:         100,
		Logger:            zerolog.Nop(),
	}, inv)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClient_SubscribeAndInvalidate(t *testing.T) {
	fs := newFeedServer(t, []string{
		event(t, Event{ID: "e1", Type: EventRecordUpdated, Table: "users", RecordID: "r1"}),
		event(t, Event{ID: "e1", Type: EventRecordUpdated, Table: "users", RecordID: "r1"}),
		`not json`,
		event(t, Event{ID: "e2", Type: "record.archived", Table: "users", RecordID: "r2"}),
		event(t, Event{ID: "e3", Type: EventTableReset, Table: "posts"}),
		event(t, Event{ID: "e4", Type: EventRecordDeleted, Table: "posts", RecordID: "p9"}),
	})
	inv := newFakeInvalidator()
	c := newTestClient(t, fs.wsURL(), inv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after Connect")
	}

	sub := <-fs.subCh
	if sub.Type != "subscribe" || strings.Join(sub.Tables, ",") != "users,posts" {
		t.Errorf("subscription = %+v", sub)
	}

	want := []call{
		{table: "users", recordID: "r1"},
		{table: "posts"},
		{table: "posts", recordID: "p9"},
	}
	for _, w := range want {
		if got := inv.next(t); got != w {
			t.Errorf("invalidation = %+v, want %+v", got, w)
		}
	}
	inv.none(t)
}

func TestClient_ReconnectResubscribes(t *testing.T) {
	fs := newFeedServer(t,
		[]string{event(t, Event{ID: "e1", Type: EventRecordCreated, Table: "users", RecordID: "r1"})},
		[]string{
			// redelivered after the reconnect
			event(t, Event{ID: "e1", Type: EventRecordCreated, Table: "users", RecordID: "r1"}),
			event(t, Event{ID: "e2", Type: EventRecordUpdated, Table: "users", RecordID: "r2"}),
		},
	)
	inv := newFakeInvalidator()
	c := newTestClient(t, fs.wsURL(), inv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if got := inv.next(t); got.recordID != "r1" {
		t.Errorf("first invalidation = %+v, want r1", got)
	}
	if got := inv.next(t); got.recordID != "r2" {
		t.Errorf("second invalidation = %+v, want r2", got)
	}
	inv.none(t)

	fs.mu.Lock()
	subs := len(fs.subs)
	fs.mu.Unlock()
	if subs != 2 {
		t.Errorf("subscriptions = %d, want 2", subs)
	}
}

func TestClient_ConnectError(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/feed", newFakeInvalidator())
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect to closed port succeeded")
	}
	if c.Connected() {
		t.Error("Connected() = true after failed Connect")
	}
}

func TestDeduplicator(t *testing.T) {
	d, err := NewDeduplicator(2)
	if err != nil {
		t.Fatalf("NewDeduplicator: %v", err)
	}

	if d.IsDuplicate(Event{ID: "a"}) {
		t.Error("first a reported duplicate")
	}
	if !d.IsDuplicate(Event{ID: "a"}) {
		t.Error("second a not reported duplicate")
	}
	if d.IsDuplicate(Event{}) || d.IsDuplicate(Event{}) {
		t.Error("event without id reported duplicate")
	}

	d.IsDuplicate(Event{ID: "b"})
	d.IsDuplicate(Event{ID: "c"})
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
	if d.IsDuplicate(Event{ID: "a"}) {
		t.Error("evicted a still reported duplicate")
	}
}
