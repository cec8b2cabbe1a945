// Package feed turns a wiki's recent changes into a stream of ChangeEvents,
// either from an EventStreams endpoint or by polling the recent changes RSS
// feed.
package feed

import (
	"context"
	"net/http"

	"signbot/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Source emits recent changes on out until ctx is done.
type Source interface {
	Run(ctx context.Context, out chan<- model.ChangeEvent) error
}

func send(ctx context.Context, out chan<- model.ChangeEvent, ev model.ChangeEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- ev:
		return nil
	}
}
