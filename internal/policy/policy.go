// Package policy keeps the on-wiki policy inputs of the bot: exclusion rules,
// opt-in and opt-out lists, and editor edit counts.
//
// Each cache holds an immutable snapshot behind an atomic pointer. Any caller
// may rebuild a snapshot and publish it; readers see either the old or the new
// snapshot in full. Refreshes happen on use with a fixed probability, so there
// is no background refresher.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"signbot/internal/filter"
	"signbot/internal/metrics"
	"signbot/internal/model"
)

// Refresh probabilities per use.
const (
	RuleRefreshChance  = 0.05
	ListRefreshChance  = 0.25
	CountRefreshChance = 0.25

	// EditCountThreshold is the edit count above which an editor is assumed to
	// sign their own comments.
	EditCountThreshold = 800
)

// Source reads policy inputs from the wiki.
type Source interface {
	CurrentText(ctx context.Context, title string) (model.PageText, error)
	Transcluders(ctx context.Context, template string, ns int) ([]string, error)
	EditCount(ctx context.Context, username string) (int, error)
}

// Options names the on-wiki policy pages.
type Options struct {
	ExcludeRegexPage string
	OptInTemplate    string
	OptOutTemplate   string
}

// Lists is a snapshot of the opt-in and opt-out user sets.
type Lists struct {
	OptIn  map[string]struct{}
	OptOut map[string]struct{}
}

// Policy serves rule and list snapshots.
type Policy struct {
	src    Source
	opts   Options
	log    *slog.Logger
	chance func(p float64) bool

	rules  atomic.Pointer[filter.RuleSet]
	lists  atomic.Pointer[Lists]
	counts *ristretto.Cache[string, int]
}

// New creates a Policy reading from src.
func New(src Source, opts Options, log *slog.Logger) (*Policy, error) {
	counts, err := ristretto.NewCache(&ristretto.Config[string, int]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create edit count cache: %w", err)
	}
	return &Policy{
		src:    src,
		opts:   opts,
		log:    log,
		chance: func(p float64) bool { return rand.Float64() < p },
		counts: counts,
	}, nil
}

// SetChance overrides the random source for refresh decisions (useful for testing).
func (p *Policy) SetChance(f func(p float64) bool) {
	p.chance = f
}

// Close releases the edit count cache.
func (p *Policy) Close() {
	p.counts.Close()
}

// Rules returns the current exclusion rules, refreshing them first when none
// are loaded or the refresh dice say so. A failed refresh keeps the previous
// snapshot.
func (p *Policy) Rules(ctx context.Context) (*filter.RuleSet, error) {
	cur := p.rules.Load()
	if cur != nil && !p.chance(RuleRefreshChance) {
		return cur, nil
	}
	next, err := p.RefreshRules(ctx)
	if err != nil {
		if cur != nil {
			p.log.Warn("refresh exclusion rules, keeping previous", "error", err)
			return cur, nil
		}
		return nil, err
	}
	return next, nil
}

// RefreshRules rebuilds the exclusion rule snapshot from the wiki.
func (p *Policy) RefreshRules(ctx context.Context) (*filter.RuleSet, error) {
	page, err := p.src.CurrentText(ctx, p.opts.ExcludeRegexPage)
	if err != nil {
		metrics.PolicyRefreshes.WithLabelValues("rules", "error").Inc()
		return nil, fmt.Errorf("fetch exclusion rules: %w", err)
	}
	rs, errs := filter.Parse(page.Text)
	for _, e := range errs {
		p.log.Warn("drop invalid exclusion rule", "page", p.opts.ExcludeRegexPage, "error", e)
	}
	p.rules.Store(rs)
	metrics.PolicyRefreshes.WithLabelValues("rules", "ok").Inc()
	p.log.Debug("exclusion rules refreshed", "rules", rs.Len(), "dropped", len(errs))
	return rs, nil
}

// CurrentRules returns the loaded rules without refreshing. It may be nil.
func (p *Policy) CurrentRules() *filter.RuleSet {
	return p.rules.Load()
}

// Lists returns the current opt-in and opt-out lists, refreshing under the
// same rules as Rules.
func (p *Policy) Lists(ctx context.Context) (*Lists, error) {
	cur := p.lists.Load()
	if cur != nil && !p.chance(ListRefreshChance) {
		return cur, nil
	}
	next, err := p.RefreshLists(ctx)
	if err != nil {
		if cur != nil {
			p.log.Warn("refresh opt lists, keeping previous", "error", err)
			return cur, nil
		}
		return nil, err
	}
	return next, nil
}

// RefreshLists rebuilds the opt-in and opt-out snapshot from the wiki.
func (p *Policy) RefreshLists(ctx context.Context) (*Lists, error) {
	in, err := p.userSet(ctx, p.opts.OptInTemplate)
	if err != nil {
		metrics.PolicyRefreshes.WithLabelValues("lists", "error").Inc()
		return nil, err
	}
	out, err := p.userSet(ctx, p.opts.OptOutTemplate)
	if err != nil {
		metrics.PolicyRefreshes.WithLabelValues("lists", "error").Inc()
		return nil, err
	}
	l := &Lists{OptIn: in, OptOut: out}
	p.lists.Store(l)
	metrics.PolicyRefreshes.WithLabelValues("lists", "ok").Inc()
	p.log.Debug("opt lists refreshed", "opt_in", len(in), "opt_out", len(out))
	return l, nil
}

// CurrentLists returns the loaded lists without refreshing. It may be nil.
func (p *Policy) CurrentLists() *Lists {
	return p.lists.Load()
}

func (p *Policy) userSet(ctx context.Context, template string) (map[string]struct{}, error) {
	titles, err := p.src.Transcluders(ctx, template, model.NamespaceUser)
	if err != nil {
		return nil, fmt.Errorf("fetch users of %s: %w", template, err)
	}
	set := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		_, name, ok := strings.Cut(t, ":")
		// Only the user page itself counts, not its subpages.
		if !ok || name == "" || strings.Contains(name, "/") {
			continue
		}
		set[name] = struct{}{}
	}
	return set, nil
}

// OptedOut reports whether the user should be left alone: explicitly opted
// out, or experienced enough to be trusted to sign. An explicit opt-in wins
// over both.
func (p *Policy) OptedOut(ctx context.Context, user model.User) (bool, error) {
	lists, err := p.Lists(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := lists.OptIn[user.Name]; ok {
		return false, nil
	}
	if _, ok := lists.OptOut[user.Name]; ok {
		return true, nil
	}
	if user.Anonymous {
		return false, nil
	}
	n, err := p.EditCount(ctx, user.Name)
	if err != nil {
		return false, err
	}
	return n > EditCountThreshold, nil
}

// EditCount returns the user's edit count, using a cached value unless the
// refresh dice say otherwise.
func (p *Policy) EditCount(ctx context.Context, name string) (int, error) {
	if n, ok := p.counts.Get(name); ok && !p.chance(CountRefreshChance) {
		return n, nil
	}
	n, err := p.src.EditCount(ctx, name)
	if err != nil {
		return 0, err
	}
	p.counts.SetWithTTL(name, n, 1, 24*time.Hour)
	return n, nil
}
