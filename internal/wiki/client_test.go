package wiki

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"signbot/internal/model"
)

// mockAPI answers API requests through a handler keyed on the form values.
type mockAPI struct {
	mu       sync.Mutex
	requests []url.Values
	handler  func(form url.Values) (int, string)
}

func (m *mockAPI) Do(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.requests = append(m.requests, form)
	m.mu.Unlock()

	status, resp := m.handler(form)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(resp)),
	}, nil
}

func (m *mockAPI) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.requests {
		a := r.Get("action")
		if r.Get("meta") != "" {
			a += ":" + r.Get("meta")
		}
		out = append(out, a)
	}
	return out
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		wantErr error
	}{
		{name: "success", result: `{"login":{"result":"Success","lgusername":"SignBot"}}`},
		{name: "wrong password", result: `{"login":{"result":"Failed","reason":"Incorrect password"}}`, wantErr: ErrAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockAPI{handler: func(form url.Values) (int, string) {
				if form.Get("action") == "query" {
					return 200, `{"query":{"tokens":{"logintoken":"abc+\\"}}}`
				}
				if form.Get("lgtoken") != `abc+\` || form.Get("lgname") != "SignBot@sign" {
					return 200, `{"error":{"code":"badtoken","info":"Invalid token"}}`
				}
				return 200, tt.result
			}}
			c := New("https://wiki.example.org/w/api.php", api)
			err := c.Login(context.Background(), "SignBot@sign", "pw")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRevisionText(t *testing.T) {
	api := &mockAPI{handler: func(form url.Values) (int, string) {
		switch form.Get("revids") {
		case "100":
			return 200, `{"query":{"pages":[{"pageid":1,"ns":1,"title":"Talk:Foo","revisions":[{"slots":{"main":{"contentmodel":"wikitext","content":"Hello\nWorld"}}}]}]}}`
		case "101":
			return 200, `{"query":{"pages":[{"pageid":1,"ns":1,"title":"Talk:Foo","revisions":[{"slots":{"main":{"texthidden":true}}}]}]}}`
		}
		return 200, `{"query":{"badrevids":{"999":{"revid":999,"missing":true}}}}`
	}}
	c := New("https://wiki.example.org/w/api.php", api)
	ctx := context.Background()

	got, err := c.RevisionText(ctx, 100)
	if err != nil {
		t.Fatalf("RevisionText: %v", err)
	}
	if diff := cmp.Diff("Hello\nWorld", got); diff != "" {
		t.Errorf("text mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.RevisionText(ctx, 101); !errors.Is(err, ErrNotFound) {
		t.Errorf("hidden revision: err = %v, want ErrNotFound", err)
	}
	if _, err := c.RevisionText(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("bad revid: err = %v, want ErrNotFound", err)
	}
}

func TestCurrentTextAndInfo(t *testing.T) {
	api := &mockAPI{handler: func(form url.Values) (int, string) {
		title := form.Get("titles")
		switch {
		case title == "User talk:Ghost":
			return 200, `{"query":{"pages":[{"ns":3,"title":"User talk:Ghost","missing":true}]}}`
		case form.Get("prop") == "revisions":
			return 200, `{"query":{"pages":[{"ns":4,"title":"Commons:Village pump","revisions":[{"timestamp":"2024-05-01T10:00:00Z","slots":{"main":{"content":"text"}}}]}]}}`
		case form.Get("prop") == "info|pageprops":
			return 200, `{"query":{"pages":[{"ns":4,"title":"Commons:Village pump","redirect":false,"pageprops":{"newsectionlink":""}}]}}`
		case form.Get("redirects") == "1":
			return 200, `{"query":{"redirects":[{"from":"User talk:Old","to":"User talk:New"}],"pages":[{"ns":3,"title":"User talk:New"}]}}`
		}
		return 500, ""
	}}
	c := New("https://wiki.example.org/w/api.php", api)
	ctx := context.Background()

	pt, err := c.CurrentText(ctx, "Commons:Village pump")
	if err != nil {
		t.Fatalf("CurrentText: %v", err)
	}
	want := model.PageText{
		Title:     "Commons:Village pump",
		Text:      "text",
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, pt); diff != "" {
		t.Errorf("CurrentText mismatch (-want +got):\n%s", diff)
	}

	missing, err := c.CurrentText(ctx, "User talk:Ghost")
	if err != nil {
		t.Fatalf("CurrentText missing: %v", err)
	}
	if !missing.Missing {
		t.Error("expected missing page")
	}

	info, err := c.PageInfo(ctx, "Commons:Village pump")
	if err != nil {
		t.Fatalf("PageInfo: %v", err)
	}
	if info.Namespace != 4 || info.Redirect || !info.HasProperty("newsectionlink") {
		t.Errorf("unexpected info: %+v", info)
	}

	target, err := c.RedirectTarget(ctx, "User talk:Old")
	if err != nil {
		t.Fatalf("RedirectTarget: %v", err)
	}
	if diff := cmp.Diff("User talk:New", target); diff != "" {
		t.Errorf("RedirectTarget mismatch (-want +got):\n%s", diff)
	}
}

func TestTranscluders(t *testing.T) {
	api := &mockAPI{handler: func(form url.Values) (int, string) {
		if form.Get("einamespace") != "2" {
			return 500, ""
		}
		if form.Get("eicontinue") == "" {
			return 200, `{"continue":{"eicontinue":"2|200","continue":"-||"},"query":{"embeddedin":[{"pageid":1,"ns":2,"title":"User:Alice"}]}}`
		}
		return 200, `{"query":{"embeddedin":[{"pageid":2,"ns":2,"title":"User:Bob"}]}}`
	}}
	c := New("https://wiki.example.org/w/api.php", api)

	got, err := c.Transcluders(context.Background(), "Template:NoAutosign", 2)
	if err != nil {
		t.Fatalf("Transcluders: %v", err)
	}
	if diff := cmp.Diff([]string{"User:Alice", "User:Bob"}, got); diff != "" {
		t.Errorf("Transcluders mismatch (-want +got):\n%s", diff)
	}
}

func TestEditCount(t *testing.T) {
	api := &mockAPI{handler: func(form url.Values) (int, string) {
		if form.Get("ususers") == "Alice" {
			return 200, `{"query":{"users":[{"userid":5,"name":"Alice","editcount":1234}]}}`
		}
		return 200, `{"query":{"users":[{"name":"Nobody","missing":true}]}}`
	}}
	c := New("https://wiki.example.org/w/api.php", api)
	ctx := context.Background()

	n, err := c.EditCount(ctx, "Alice")
	if err != nil {
		t.Fatalf("EditCount: %v", err)
	}
	if diff := cmp.Diff(1234, n); diff != "" {
		t.Errorf("EditCount mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.EditCount(ctx, "Nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user: err = %v, want ErrNotFound", err)
	}
}

func TestNamespaces(t *testing.T) {
	api := &mockAPI{handler: func(url.Values) (int, string) {
		return 200, `{"query":{"namespaces":{"0":{"id":0,"name":""},"4":{"id":4,"name":"Commons","canonical":"Project"},"3":{"id":3,"name":"User talk","canonical":"User talk"}},"namespacealiases":[{"id":4,"alias":"COM"}]}}`
	}}
	c := New("https://wiki.example.org/w/api.php", api)

	ns, err := c.Namespaces(context.Background())
	if err != nil {
		t.Fatalf("Namespaces: %v", err)
	}
	title, err := ns.ParseTitle("COM:Deletion requests/X")
	if err != nil {
		t.Fatalf("ParseTitle: %v", err)
	}
	if diff := cmp.Diff(4, title.Namespace); diff != "" {
		t.Errorf("alias namespace mismatch (-want +got):\n%s", diff)
	}
}

func TestEdit(t *testing.T) {
	var mu sync.Mutex
	editResult := `{"edit":{"result":"Success","newrevid":201}}`
	api := &mockAPI{handler: func(form url.Values) (int, string) {
		if form.Get("meta") == "tokens" {
			return 200, `{"query":{"tokens":{"csrftoken":"tok+\\"}}}`
		}
		mu.Lock()
		defer mu.Unlock()
		return 200, editResult
	}}
	c := New("https://wiki.example.org/w/api.php", api)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	err := c.Edit(ctx, model.EditRequest{Title: "Talk:Foo", Text: "new", Summary: "sum", Minor: true, BaseTimestamp: base})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	last := api.requests[len(api.requests)-1]
	wantForm := map[string]string{
		"title": "Talk:Foo", "text": "new", "summary": "sum", "minor": "1",
		"bot": "1", "token": `tok+\`, "basetimestamp": "2024-05-01T10:00:00Z",
	}
	for k, v := range wantForm {
		if diff := cmp.Diff(v, last.Get(k)); diff != "" {
			t.Errorf("form %s mismatch (-want +got):\n%s", k, diff)
		}
	}

	mu.Lock()
	editResult = `{"error":{"code":"editconflict","info":"Edit conflict."}}`
	mu.Unlock()
	err = c.Edit(ctx, model.EditRequest{Title: "Talk:Foo", Text: "x"})
	if !errors.Is(err, ErrEditConflict) {
		t.Errorf("err = %v, want ErrEditConflict", err)
	}

	mu.Lock()
	editResult = `{"error":{"code":"badtoken","info":"Invalid CSRF token."}}`
	mu.Unlock()
	err = c.Edit(ctx, model.EditRequest{Title: "Talk:Foo", Text: "x"})
	if !errors.Is(err, ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}

	mu.Lock()
	editResult = `{"error":{"code":"protectedpage","info":"This page has been protected."}}`
	mu.Unlock()
	err = c.Edit(ctx, model.EditRequest{Title: "Talk:Foo", Text: "x"})
	if !errors.Is(err, ErrPermission) {
		t.Errorf("err = %v, want ErrPermission", err)
	}

	// The token is fetched once, then again after badtoken cleared it.
	want := []string{"query:tokens", "edit", "edit", "edit", "query:tokens", "edit"}
	if diff := cmp.Diff(want, api.actions()); diff != "" {
		t.Errorf("request sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestCallHTTPError(t *testing.T) {
	api := &mockAPI{handler: func(url.Values) (int, string) { return 503, "unavailable" }}
	c := New("https://wiki.example.org/w/api.php", api)
	if _, err := c.RevisionText(context.Background(), 1); err == nil {
		t.Fatal("expected error for 503")
	}
}
