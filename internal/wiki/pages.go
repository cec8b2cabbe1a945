package wiki

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"signbot/internal/model"
	"signbot/internal/wikitext"
)

type revisionSlot struct {
	Content     string `json:"content"`
	TextHidden  bool   `json:"texthidden"`
	TextMissing bool   `json:"textmissing"`
}

type revision struct {
	RevID     int64     `json:"revid"`
	Timestamp time.Time `json:"timestamp"`
	Slots     struct {
		Main revisionSlot `json:"main"`
	} `json:"slots"`
}

type page struct {
	Title     string            `json:"title"`
	NS        int               `json:"ns"`
	Missing   bool              `json:"missing"`
	Invalid   bool              `json:"invalid"`
	Redirect  bool              `json:"redirect"`
	PageProps map[string]string `json:"pageprops"`
	Revisions []revision        `json:"revisions"`
}

type pagesResponse struct {
	Query struct {
		Pages     []page `json:"pages"`
		BadRevIDs map[string]struct {
			RevID int64 `json:"revid"`
		} `json:"badrevids"`
		Redirects []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"redirects"`
	} `json:"query"`
}

// RevisionText returns the wikitext of a historical revision.
func (c *Client) RevisionText(ctx context.Context, revID int64) (string, error) {
	var res pagesResponse
	err := c.call(ctx, url.Values{
		"action":  {"query"},
		"prop":    {"revisions"},
		"revids":  {strconv.FormatInt(revID, 10)},
		"rvprop":  {"content"},
		"rvslots": {"main"},
	}, &res)
	if err != nil {
		return "", fmt.Errorf("fetch revision %d: %w", revID, err)
	}
	if len(res.Query.BadRevIDs) > 0 || len(res.Query.Pages) == 0 || len(res.Query.Pages[0].Revisions) == 0 {
		return "", fmt.Errorf("revision %d: %w", revID, ErrNotFound)
	}
	slot := res.Query.Pages[0].Revisions[0].Slots.Main
	if slot.TextHidden || slot.TextMissing {
		return "", fmt.Errorf("revision %d text hidden: %w", revID, ErrNotFound)
	}
	return slot.Content, nil
}

// CurrentText returns the latest text of a page. A missing page is reported
// through PageText.Missing rather than an error.
func (c *Client) CurrentText(ctx context.Context, title string) (model.PageText, error) {
	var res pagesResponse
	err := c.call(ctx, url.Values{
		"action":  {"query"},
		"prop":    {"revisions"},
		"titles":  {title},
		"rvprop":  {"content|timestamp"},
		"rvslots": {"main"},
	}, &res)
	if err != nil {
		return model.PageText{}, fmt.Errorf("fetch %q: %w", title, err)
	}
	if len(res.Query.Pages) == 0 || res.Query.Pages[0].Invalid {
		return model.PageText{}, fmt.Errorf("page %q: %w", title, ErrNotFound)
	}
	p := res.Query.Pages[0]
	if p.Missing || len(p.Revisions) == 0 {
		return model.PageText{Title: p.Title, Missing: true}, nil
	}
	return model.PageText{
		Title:     p.Title,
		Text:      p.Revisions[0].Slots.Main.Content,
		Timestamp: p.Revisions[0].Timestamp,
	}, nil
}

// PageInfo returns the namespace, redirect flag and page properties of a page.
func (c *Client) PageInfo(ctx context.Context, title string) (model.PageInfo, error) {
	var res pagesResponse
	err := c.call(ctx, url.Values{
		"action": {"query"},
		"prop":   {"info|pageprops"},
		"titles": {title},
	}, &res)
	if err != nil {
		return model.PageInfo{}, fmt.Errorf("fetch info %q: %w", title, err)
	}
	if len(res.Query.Pages) == 0 || res.Query.Pages[0].Invalid {
		return model.PageInfo{}, fmt.Errorf("page %q: %w", title, ErrNotFound)
	}
	p := res.Query.Pages[0]
	props := p.PageProps
	if props == nil {
		props = map[string]string{}
	}
	return model.PageInfo{
		Title:      p.Title,
		Namespace:  p.NS,
		Missing:    p.Missing,
		Redirect:   p.Redirect,
		Properties: props,
	}, nil
}

// RedirectTarget resolves a redirect page to its target title. A page that
// is not a redirect resolves to itself.
func (c *Client) RedirectTarget(ctx context.Context, title string) (string, error) {
	var res pagesResponse
	err := c.call(ctx, url.Values{
		"action":    {"query"},
		"titles":    {title},
		"redirects": {"1"},
	}, &res)
	if err != nil {
		return "", fmt.Errorf("resolve redirect %q: %w", title, err)
	}
	if len(res.Query.Redirects) == 0 {
		return title, nil
	}
	return res.Query.Redirects[len(res.Query.Redirects)-1].To, nil
}

// Transcluders lists the titles of pages in namespace ns that transclude the
// given template.
func (c *Client) Transcluders(ctx context.Context, template string, ns int) ([]string, error) {
	params := url.Values{
		"action":      {"query"},
		"list":        {"embeddedin"},
		"eititle":     {template},
		"einamespace": {strconv.Itoa(ns)},
		"eilimit":     {"max"},
	}

	var titles []string
	for {
		var res struct {
			Continue map[string]string `json:"continue"`
			Query    struct {
				EmbeddedIn []struct {
					Title string `json:"title"`
				} `json:"embeddedin"`
			} `json:"query"`
		}
		if err := c.call(ctx, params, &res); err != nil {
			return nil, fmt.Errorf("list transclusions of %q: %w", template, err)
		}
		for _, e := range res.Query.EmbeddedIn {
			titles = append(titles, e.Title)
		}
		if len(res.Continue) == 0 {
			return titles, nil
		}
		for k, v := range res.Continue {
			params.Set(k, v)
		}
	}
}

// EditCount returns the number of edits made by a registered user.
func (c *Client) EditCount(ctx context.Context, username string) (int, error) {
	var res struct {
		Query struct {
			Users []struct {
				Name      string `json:"name"`
				Missing   bool   `json:"missing"`
				Invalid   bool   `json:"invalid"`
				EditCount int    `json:"editcount"`
			} `json:"users"`
		} `json:"query"`
	}
	err := c.call(ctx, url.Values{
		"action":  {"query"},
		"list":    {"users"},
		"ususers": {username},
		"usprop":  {"editcount"},
	}, &res)
	if err != nil {
		return 0, fmt.Errorf("fetch edit count of %q: %w", username, err)
	}
	if len(res.Query.Users) == 0 || res.Query.Users[0].Missing || res.Query.Users[0].Invalid {
		return 0, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return res.Query.Users[0].EditCount, nil
}

// Namespaces returns the wiki's namespace names and aliases.
func (c *Client) Namespaces(ctx context.Context) (wikitext.Namespaces, error) {
	var res struct {
		Query struct {
			Namespaces map[string]struct {
				ID        int    `json:"id"`
				Name      string `json:"name"`
				Canonical string `json:"canonical"`
			} `json:"namespaces"`
			NamespaceAliases []struct {
				ID    int    `json:"id"`
				Alias string `json:"alias"`
			} `json:"namespacealiases"`
		} `json:"query"`
	}
	err := c.call(ctx, url.Values{
		"action": {"query"},
		"meta":   {"siteinfo"},
		"siprop": {"namespaces|namespacealiases"},
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("fetch namespaces: %w", err)
	}

	ns := wikitext.DefaultNamespaces()
	for _, n := range res.Query.Namespaces {
		if n.Name != "" {
			ns.Add(n.Name, n.ID)
		}
		if n.Canonical != "" {
			ns.Add(n.Canonical, n.ID)
		}
	}
	for _, a := range res.Query.NamespaceAliases {
		ns.Add(a.Alias, a.ID)
	}
	return ns, nil
}
