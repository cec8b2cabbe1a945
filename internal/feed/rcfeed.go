package feed

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"signbot/internal/model"
	"signbot/internal/wikitext"
)

const rssSource = "rss"

// seenRetention bounds how long handled revisions are remembered.
const seenRetention = 48 * time.Hour

// SeenStore remembers which revisions were already emitted.
type SeenStore interface {
	MarkSeen(ctx context.Context, source string, revID int64) error
	IsSeen(ctx context.Context, source string, revID int64) (bool, error)
	PruneSeen(ctx context.Context, before time.Time) (int64, error)
}

var (
	summaryPara = regexp.MustCompile(`(?is)<p>(.*?)</p>`)
	htmlTag     = regexp.MustCompile(`<[^>]+>`)
)

// RecentChanges polls the wiki's recent changes RSS feed.
type RecentChanges struct {
	client    HTTPClient
	feedURL   string
	userAgent string
	ns        wikitext.Namespaces
	seen      SeenStore
	log       *slog.Logger
	tick      time.Duration
}

// NewRecentChanges creates a poller for the api.php endpoint at apiURL.
func NewRecentChanges(apiURL, userAgent string, client HTTPClient, ns wikitext.Namespaces, seen SeenStore, log *slog.Logger) *RecentChanges {
	q := url.Values{
		"action":     {"feedrecentchanges"},
		"feedformat": {"rss"},
		"hidebots":   {"1"},
		"days":       {"1"},
		"limit":      {"100"},
	}
	return &RecentChanges{
		client:    client,
		feedURL:   apiURL + "?" + q.Encode(),
		userAgent: userAgent,
		ns:        ns,
		seen:      seen,
		log:       log,
		tick:      30 * time.Second,
	}
}

// SetTickInterval overrides the default 30-second poll interval.
func (r *RecentChanges) SetTickInterval(d time.Duration) {
	r.tick = d
}

// Run polls the feed until ctx is cancelled.
func (r *RecentChanges) Run(ctx context.Context, out chan<- model.ChangeEvent) error {
	if err := r.poll(ctx, out); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.poll(ctx, out); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (r *RecentChanges) poll(ctx context.Context, out chan<- model.ChangeEvent) error {
	feed, err := r.fetch(ctx)
	if err != nil {
		r.log.Error("fetch recent changes", "error", err)
		return err
	}

	// Feeds list the newest change first.
	items := slices.Clone(feed.Items)
	slices.Reverse(items)

	sent := 0
	for _, item := range items {
		ev, ok := r.toEvent(item)
		if !ok {
			continue
		}
		seen, err := r.seen.IsSeen(ctx, rssSource, ev.RevNew)
		if err != nil {
			r.log.Error("check seen", "rev", ev.RevNew, "error", err)
			continue
		}
		if seen {
			continue
		}
		if err := send(ctx, out, ev); err != nil {
			return err
		}
		sent++
		if err := r.seen.MarkSeen(ctx, rssSource, ev.RevNew); err != nil {
			r.log.Error("mark seen", "rev", ev.RevNew, "error", err)
		}
	}
	if sent > 0 {
		r.log.Debug("polled recent changes", "new", sent)
	}

	if n, err := r.seen.PruneSeen(ctx, time.Now().Add(-seenRetention)); err != nil {
		r.log.Error("prune seen revisions", "error", err)
	} else if n > 0 {
		r.log.Debug("pruned seen revisions", "count", n)
	}
	return nil
}

func (r *RecentChanges) fetch(ctx context.Context) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// toEvent converts a feed item. Items without revision ids, such as log
// entries, are skipped.
func (r *RecentChanges) toEvent(item *gofeed.Item) (model.ChangeEvent, bool) {
	link, err := url.Parse(item.Link)
	if err != nil {
		return model.ChangeEvent{}, false
	}
	q := link.Query()
	oldID, _ := strconv.ParseInt(q.Get("oldid"), 10, 64)
	diffID, _ := strconv.ParseInt(q.Get("diff"), 10, 64)

	ev := model.ChangeEvent{Title: item.Title, Type: model.ChangeEdit}
	switch {
	case diffID > 0:
		ev.RevOld, ev.RevNew = oldID, diffID
	case oldID > 0:
		ev.RevNew, ev.Type = oldID, model.ChangeNew
	default:
		return model.ChangeEvent{}, false
	}

	t, err := r.ns.ParseTitle(item.Title)
	if err != nil {
		return model.ChangeEvent{}, false
	}
	ev.Namespace = t.Namespace

	if len(item.Authors) > 0 {
		ev.User = item.Authors[0].Name
	}
	if item.PublishedParsed != nil {
		ev.Timestamp = item.PublishedParsed.UTC()
	}
	if m := summaryPara.FindStringSubmatch(item.Description); m != nil {
		ev.Comment = strings.TrimSpace(html.UnescapeString(htmlTag.ReplaceAllString(m[1], "")))
	}
	return ev, true
}
