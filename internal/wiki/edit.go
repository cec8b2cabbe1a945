package wiki

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"signbot/internal/model"
)

// Edit saves the full text of a page as a bot edit. When BaseTimestamp is set
// the save fails with ErrEditConflict if the page changed after that revision.
func (c *Client) Edit(ctx context.Context, req model.EditRequest) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for edit slot: %w", err)
	}

	token, err := c.csrfToken(ctx)
	if err != nil {
		return err
	}

	params := url.Values{
		"action":  {"edit"},
		"title":   {req.Title},
		"text":    {req.Text},
		"summary": {req.Summary},
		"bot":     {"1"},
		"assert":  {"user"},
		"token":   {token},
	}
	if req.Minor {
		params.Set("minor", "1")
	} else {
		params.Set("notminor", "1")
	}
	if !req.BaseTimestamp.IsZero() {
		params.Set("basetimestamp", req.BaseTimestamp.UTC().Format(time.RFC3339))
	}

	var res struct {
		Edit struct {
			Result   string `json:"result"`
			NoChange bool   `json:"nochange"`
			NewRevID int64  `json:"newrevid"`
		} `json:"edit"`
	}
	if err := c.call(ctx, params, &res); err != nil {
		if errors.Is(err, ErrAuth) {
			c.mu.Lock()
			c.csrf = ""
			c.mu.Unlock()
		}
		return fmt.Errorf("edit %q: %w", req.Title, err)
	}
	if res.Edit.Result != "Success" {
		return fmt.Errorf("edit %q: unexpected result %q", req.Title, res.Edit.Result)
	}
	return nil
}

func (c *Client) csrfToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.csrf
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}

	var res struct {
		Query struct {
			Tokens struct {
				CSRFToken string `json:"csrftoken"`
			} `json:"tokens"`
		} `json:"query"`
	}
	if err := c.call(ctx, url.Values{"action": {"query"}, "meta": {"tokens"}}, &res); err != nil {
		return "", fmt.Errorf("fetch csrf token: %w", err)
	}
	tok = res.Query.Tokens.CSRFToken
	if tok == "" || tok == "+\\" {
		return "", fmt.Errorf("%w: anonymous csrf token", ErrAuth)
	}

	c.mu.Lock()
	c.csrf = tok
	c.mu.Unlock()
	return tok, nil
}
