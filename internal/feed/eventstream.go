package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"signbot/internal/metrics"
	"signbot/internal/model"
)

// message is a recentchange event as published on EventStreams.
type message struct {
	Type       string `json:"type"`
	Namespace  int    `json:"namespace"`
	Title      string `json:"title"`
	Comment    string `json:"comment"`
	Timestamp  int64  `json:"timestamp"`
	User       string `json:"user"`
	Bot        bool   `json:"bot"`
	ServerName string `json:"server_name"`
	Revision   *struct {
		Old int64 `json:"old"`
		New int64 `json:"new"`
	} `json:"revision,omitempty"`
}

// EventStream reads recent changes from a server-sent events endpoint and
// reconnects with backoff, resuming from the last event id.
type EventStream struct {
	url        string
	serverName string
	userAgent  string
	client     HTTPClient
	log        *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	maxLine    int
	lastID     string
}

// maxEventLine bounds a single SSE line.
const maxEventLine = 1 << 20

// NewEventStream creates an EventStream keeping only changes to serverName.
// The client must not set an overall request timeout.
func NewEventStream(url, serverName, userAgent string, client HTTPClient, log *slog.Logger) *EventStream {
	return &EventStream{
		url:        url,
		serverName: serverName,
		userAgent:  userAgent,
		client:     client,
		log:        log,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		maxLine:    maxEventLine,
	}
}

// SetBackoff overrides the reconnect delays (useful for testing).
func (s *EventStream) SetBackoff(lo, hi time.Duration) {
	s.minBackoff, s.maxBackoff = lo, hi
}

// Run streams changes to out, reconnecting until ctx is done. The reconnect
// delay starts over once a connection has delivered events.
func (s *EventStream) Run(ctx context.Context, out chan<- model.ChangeEvent) error {
	var backoff retry.Backoff
	reset := func() {
		backoff = retry.WithCappedDuration(s.maxBackoff, retry.NewExponential(s.minBackoff))
	}
	reset()
	next := retry.BackoffFunc(func() (time.Duration, bool) { return backoff.Next() })

	return retry.Do(ctx, next, func(ctx context.Context) error {
		got, err := s.stream(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if got > 0 {
			reset()
		}
		s.log.Warn("event stream disconnected", "error", err, "events", got)
		metrics.FeedReconnects.Inc()
		return retry.RetryableError(err)
	})
}

// stream reads one connection until it fails and returns the number of
// events delivered.
func (s *EventStream) stream(ctx context.Context, out chan<- model.ChangeEvent) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", s.userAgent)
	if s.lastID != "" {
		req.Header.Set("Last-Event-ID", s.lastID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	s.log.Info("event stream connected", "url", s.url)

	r := bufio.NewReaderSize(resp.Body, 64*1024)

	delivered := 0
	var id string
	var data []string
	oversized := false
	for {
		line, tooLong, err := readLine(r, s.maxLine)
		if errors.Is(err, io.EOF) {
			return delivered, errors.New("stream ended")
		}
		if err != nil {
			return delivered, fmt.Errorf("read stream: %w", err)
		}
		if tooLong {
			oversized = true
			continue
		}
		if line != "" {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				id = value
			case "data":
				data = append(data, value)
			}
			continue
		}

		// A blank line ends the event.
		switch {
		case oversized:
			s.log.Warn("skip oversized event", "id", id, "limit", s.maxLine)
		case len(data) > 0:
			if ev, ok := s.decode(strings.Join(data, "\n")); ok {
				if err := send(ctx, out, ev); err != nil {
					return delivered, err
				}
				delivered++
			}
		}
		if id != "" {
			s.lastID = id
		}
		id, data, oversized = "", nil, false
	}
}

// readLine reads one line without its terminator. Lines longer than limit are
// consumed and reported as too long.
func readLine(r *bufio.Reader, limit int) (string, bool, error) {
	var buf []byte
	tooLong := false
	for {
		frag, more, err := r.ReadLine()
		if err != nil {
			return "", false, err
		}
		if !tooLong {
			if len(buf)+len(frag) > limit {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, frag...)
			}
		}
		if !more {
			return string(buf), tooLong, nil
		}
	}
}

func (s *EventStream) decode(data string) (model.ChangeEvent, bool) {
	var m message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		s.log.Debug("skip undecodable event", "error", err)
		return model.ChangeEvent{}, false
	}
	if m.ServerName != s.serverName {
		return model.ChangeEvent{}, false
	}
	ev := model.ChangeEvent{
		Title:     m.Title,
		Namespace: m.Namespace,
		Timestamp: time.Unix(m.Timestamp, 0).UTC(),
		User:      m.User,
		Bot:       m.Bot,
		Comment:   m.Comment,
		Type:      model.ChangeType(m.Type),
	}
	if m.Revision != nil {
		ev.RevOld, ev.RevNew = m.Revision.Old, m.Revision.New
	}
	return ev, true
}
