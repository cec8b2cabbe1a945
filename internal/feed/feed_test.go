package feed

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"signbot/internal/model"
	"signbot/internal/storage"
	"signbot/internal/wikitext"
)

// mockTransport serves one body per request, then fails.
type mockTransport struct {
	mu        sync.Mutex
	bodies    []string
	status    int
	lastIDs   []string
	userAgent string
	failFirst int
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastIDs = append(m.lastIDs, req.Header.Get("Last-Event-ID"))
	m.userAgent = req.Header.Get("User-Agent")
	if m.failFirst > 0 {
		m.failFirst--
		return nil, errors.New("connection reset")
	}
	if len(m.bodies) == 0 {
		return nil, errors.New("connection refused")
	}
	body := m.bodies[0]
	m.bodies = m.bodies[1:]
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}, nil
}

func (m *mockTransport) requestIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lastIDs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, out <-chan model.ChangeEvent, n int) []model.ChangeEvent {
	t.Helper()
	var got []model.ChangeEvent
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev := <-out:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

const streamBody = `:ok

event: message
id: [{"topic":"eqiad.mediawiki.recentchange","offset":1}]
data: {"type":"edit","namespace":1,"title":"Talk:Foo","comment":"reply","timestamp":1714557600,"user":"Alice","bot":false,"server_name":"wiki.example.org","revision":{"old":123,"new":124}}

event: message
id: [{"topic":"eqiad.mediawiki.recentchange","offset":2}]
data: {"type":"edit","namespace":1,"title":"Talk:Other","timestamp":1714557601,"user":"Bob","server_name":"other.example.org","revision":{"old":5,"new":6}}

event: message
id: [{"topic":"eqiad.mediawiki.recentchange","offset":3}]
data: not json

event: message
id: [{"topic":"eqiad.mediawiki.recentchange","offset":4}]
data: {"type":"new","namespace":3,
data: "title":"User talk:Bob","timestamp":1714557700,"user":"203.0.113.9","server_name":"wiki.example.org","revision":{"new":200}}

`

func TestEventStream(t *testing.T) {
	tr := &mockTransport{bodies: []string{streamBody, streamBody}}
	s := NewEventStream("https://stream.example.org/v2/stream/recentchange", "wiki.example.org", "SignBot/1.0", tr, testLogger())
	s.SetBackoff(time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.ChangeEvent)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	got := collect(t, out, 4)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}

	want := []model.ChangeEvent{
		{
			Title: "Talk:Foo", Namespace: 1, RevOld: 123, RevNew: 124,
			Timestamp: time.Unix(1714557600, 0).UTC(), User: "Alice", Comment: "reply", Type: model.ChangeEdit,
		},
		{
			Title: "User talk:Bob", Namespace: 3, RevNew: 200,
			Timestamp: time.Unix(1714557700, 0).UTC(), User: "203.0.113.9", Type: model.ChangeNew,
		},
	}
	if diff := cmp.Diff(want, got[:2]); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	ids := tr.requestIDs()
	if diff := cmp.Diff("", ids[0]); diff != "" {
		t.Errorf("first request Last-Event-ID mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(`[{"topic":"eqiad.mediawiki.recentchange","offset":4}]`, ids[1]); diff != "" {
		t.Errorf("resume Last-Event-ID mismatch (-want +got):\n%s", diff)
	}
}

func TestEventStreamBadStatus(t *testing.T) {
	tr := &mockTransport{bodies: []string{"overloaded"}, status: http.StatusServiceUnavailable}
	s := NewEventStream("https://stream.example.org/v2/stream/recentchange", "wiki.example.org", "SignBot/1.0", tr, testLogger())

	_, err := s.stream(context.Background(), make(chan model.ChangeEvent))
	if err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestEventStreamRetriesFailedConnects(t *testing.T) {
	tr := &mockTransport{bodies: []string{streamBody}, failFirst: 3}
	s := NewEventStream("https://stream.example.org/v2/stream/recentchange", "wiki.example.org", "SignBot/1.0", tr, testLogger())
	s.SetBackoff(time.Millisecond, 2*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.ChangeEvent)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	got := collect(t, out, 2)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff("Talk:Foo", got[0].Title); diff != "" {
		t.Errorf("first event mismatch (-want +got):\n%s", diff)
	}
	if ids := tr.requestIDs(); len(ids) < 4 {
		t.Errorf("requests = %d, want at least 4", len(ids))
	}
}

func TestEventStreamSkipsOversizedEvent(t *testing.T) {
	body := "id: 1\ndata: {\"title\":\"" + strings.Repeat("x", 500) + "\"}\n\n" +
		"id: 2\ndata: {\"type\":\"edit\",\"namespace\":1,\"title\":\"Talk:Bar\",\"user\":\"Alice\",\"server_name\":\"wiki.example.org\",\"revision\":{\"old\":1,\"new\":2}}\n\n"
	tr := &mockTransport{bodies: []string{body}}
	s := NewEventStream("https://stream.example.org/v2/stream/recentchange", "wiki.example.org", "SignBot/1.0", tr, testLogger())
	s.maxLine = 200

	out := make(chan model.ChangeEvent, 4)
	n, err := s.stream(context.Background(), out)
	if err == nil || err.Error() != "stream ended" {
		t.Fatalf("stream err = %v, want stream ended", err)
	}
	if diff := cmp.Diff(1, n); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
	ev := <-out
	if diff := cmp.Diff("Talk:Bar", ev.Title); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("2", s.lastID); diff != "" {
		t.Errorf("last id mismatch (-want +got):\n%s", diff)
	}
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecentChangesPoll(t *testing.T) {
	xml := loadFixture(t, "../../testdata/recentchanges.xml")
	tr := &mockTransport{bodies: []string{xml, xml}}
	store := newTestStore(t)
	rc := NewRecentChanges("https://wiki.example.org/w/api.php", "SignBot/1.0", tr, wikitext.DefaultNamespaces(), store, testLogger())
	ctx := context.Background()

	out := make(chan model.ChangeEvent, 10)
	if err := rc.poll(ctx, out); err != nil {
		t.Fatalf("poll: %v", err)
	}
	close(out)
	var got []model.ChangeEvent
	for ev := range out {
		got = append(got, ev)
	}

	want := []model.ChangeEvent{
		{
			Title: "User talk:Bob", Namespace: 3, RevNew: 122,
			Timestamp: time.Date(2024, 5, 1, 10, 2, 0, 0, time.UTC),
			User:      "203.0.113.9", Comment: `Created page with "Hi"`, Type: model.ChangeNew,
		},
		{
			Title: "Talk:Foo", Namespace: 1, RevOld: 123, RevNew: 124,
			Timestamp: time.Date(2024, 5, 1, 10, 4, 0, 0, time.UTC),
			User:      "Alice", Comment: "reply to Bob & others", Type: model.ChangeEdit,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("SignBot/1.0", tr.userAgent); diff != "" {
		t.Errorf("user agent mismatch (-want +got):\n%s", diff)
	}

	// The same feed again yields nothing new.
	again := make(chan model.ChangeEvent, 10)
	if err := rc.poll(ctx, again); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if n := len(again); n != 0 {
		t.Errorf("expected no events on second poll, got %d", n)
	}
}

func TestRecentChangesFetchError(t *testing.T) {
	tr := &mockTransport{}
	rc := NewRecentChanges("https://wiki.example.org/w/api.php", "SignBot/1.0", tr, wikitext.DefaultNamespaces(), newTestStore(t), testLogger())
	if err := rc.poll(context.Background(), make(chan model.ChangeEvent)); err == nil {
		t.Fatal("expected error")
	}
}
