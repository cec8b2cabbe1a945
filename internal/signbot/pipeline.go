// Package signbot decides, per recent change, whether a freshly inserted
// discussion comment needs a signature and whether its author should get a
// reminder, and applies both.
package signbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"signbot/internal/differ"
	"signbot/internal/filter"
	"signbot/internal/metrics"
	"signbot/internal/model"
	"signbot/internal/wiki"
	"signbot/internal/wikitext"
)

// Reminder text and edit summaries.
const (
	ReminderText    = "{{subst:Please sign}} --~~~~"
	ReminderSummary = "Added {{subst:[[Template:Please sign|Please sign]]}} note."
	signSummary     = "Signing comment by %s - '%s'"
)

// State is a checkpoint of a pipeline run.
type State string

// Pipeline states.
const (
	StateFetched    State = "fetched"
	StateFiltered   State = "filtered"
	StateDiffed     State = "diffed"
	StateClassified State = "classified"
	StateDecided    State = "decided"
	StateSigned     State = "signed"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

// Skip reasons.
const (
	ReasonRedirect      = "redirect"
	ReasonNotDiscussion = "not a discussion"
	ReasonOptedOut      = "opted out"
	ReasonSpeedy        = "speedy deletion tag"
	ReasonNoInserts     = "no inserts"
	ReasonOwnTemplates  = "templates on own talk page"
	ReasonExcluded      = "excluded"
	ReasonSigned        = "signed"
	ReasonLineGone      = "line no longer found"
	ReasonPageGone      = "page no longer exists"
	ReasonConflict      = "edit conflict"
	ReasonUnchanged     = "no changes needed"
	ReasonSaveFailed    = "save failed"
)

// Wiki is the document store the pipeline reads and writes.
type Wiki interface {
	RevisionText(ctx context.Context, revID int64) (string, error)
	CurrentText(ctx context.Context, title string) (model.PageText, error)
	PageInfo(ctx context.Context, title string) (model.PageInfo, error)
	RedirectTarget(ctx context.Context, title string) (string, error)
	Edit(ctx context.Context, req model.EditRequest) error
}

// Policy serves exclusion rules and opt-out decisions.
type Policy interface {
	Rules(ctx context.Context) (*filter.RuleSet, error)
	OptedOut(ctx context.Context, user model.User) (bool, error)
}

// Throttle decides whether a user is due a reminder.
type Throttle interface {
	ShouldNotify(ctx context.Context, user model.User) (bool, error)
}

// Options tunes a Pipeline.
type Options struct {
	Namespaces       wikitext.Namespaces
	Location         *time.Location
	GracePeriod      time.Duration
	FrequentPages    []string
	DiscussionPrefix string
}

// Decision is the result of the read-only part of a run. ToSign is set when
// State is StateDecided.
type Decision struct {
	State  State
	Reason string
	User   model.User
	ToSign model.InsertedLine
}

// Outcome is the final result of a run.
type Outcome struct {
	State    State
	Reason   string
	Notified bool
	Err      error
}

// Pipeline runs the signing decision for one change at a time. It is safe for
// concurrent use.
type Pipeline struct {
	wiki     Wiki
	policy   Policy
	throttle Throttle
	opts     Options
	log      *slog.Logger
	frequent map[string]struct{}
	indexRe  *regexp.Regexp
}

// NewPipeline creates a Pipeline.
func NewPipeline(w Wiki, p Policy, t Throttle, opts Options, log *slog.Logger) *Pipeline {
	if opts.Namespaces == nil {
		opts.Namespaces = wikitext.DefaultNamespaces()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	frequent := make(map[string]struct{}, len(opts.FrequentPages))
	for _, title := range opts.FrequentPages {
		frequent[title] = struct{}{}
	}
	var indexRe *regexp.Regexp
	if opts.DiscussionPrefix != "" {
		indexRe = regexp.MustCompile("^" + regexp.QuoteMeta(opts.DiscussionPrefix) + `[0-9/]*$`)
	}
	return &Pipeline{
		wiki:     w,
		policy:   p,
		throttle: t,
		opts:     opts,
		log:      log,
		frequent: frequent,
		indexRe:  indexRe,
	}
}

// Run processes one change end to end.
func (p *Pipeline) Run(ctx context.Context, ev model.ChangeEvent) Outcome {
	start := time.Now()
	log := p.log.With("run_id", uuid.NewString(), "page", ev.Title, "user", ev.User, "rev", ev.RevNew)
	log.Info("handling")

	out := p.run(ctx, log, ev)
	if out.Err != nil {
		log.Error("run aborted", "error", out.Err)
	}
	metrics.Decisions.WithLabelValues(string(out.State), out.Reason).Inc()
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	return out
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, ev model.ChangeEvent) Outcome {
	d, err := p.decide(ctx, log, ev)
	if err != nil {
		return Outcome{State: StateFailed, Err: err}
	}
	if d.State != StateDecided {
		return Outcome{State: d.State, Reason: d.Reason}
	}

	if _, ok := p.frequent[ev.Title]; !ok && p.opts.GracePeriod > 0 {
		log.Info("waiting", "grace", p.opts.GracePeriod)
		if err := sleep(ctx, p.opts.GracePeriod); err != nil {
			return Outcome{State: StateFailed, Err: err}
		}
	}

	out, attempted := p.sign(ctx, log, ev, d)
	if !attempted {
		return out
	}

	notified, err := p.notify(ctx, log, d.User)
	if err != nil {
		log.Error("notify", "error", err)
	}
	out.Notified = notified
	return out
}

// Decide runs the read-only checks for a change and picks the line to sign.
func (p *Pipeline) Decide(ctx context.Context, ev model.ChangeEvent) (Decision, error) {
	return p.decide(ctx, p.log.With("page", ev.Title, "user", ev.User, "rev", ev.RevNew), ev)
}

func (p *Pipeline) decide(ctx context.Context, log *slog.Logger, ev model.ChangeEvent) (Decision, error) {
	user := model.NewUser(ev.User)
	skip := func(reason string) (Decision, error) {
		log.Info(reason)
		return Decision{State: StateSkipped, Reason: reason, User: user}, nil
	}

	info, err := p.wiki.PageInfo(ctx, ev.Title)
	if err != nil {
		return Decision{}, err
	}
	if info.Redirect {
		return skip(ReasonRedirect)
	}
	if info.Namespace == model.NamespaceProject {
		ok, err := p.isDiscussion(ctx, info)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return skip(ReasonNotDiscussion)
		}
	}
	optedOut, err := p.policy.OptedOut(ctx, user)
	if err != nil {
		return Decision{}, fmt.Errorf("check opt-out: %w", err)
	}
	if optedOut {
		return skip(ReasonOptedOut)
	}

	var oldText string
	if ev.Type != model.ChangeNew {
		if oldText, err = p.wiki.RevisionText(ctx, ev.RevOld); err != nil {
			return Decision{}, err
		}
	}
	newText, err := p.wiki.RevisionText(ctx, ev.RevNew)
	if err != nil {
		return Decision{}, err
	}
	log.Debug(string(StateFetched))
	if wikitext.HasSpeedyTag(newText) {
		return skip(ReasonSpeedy)
	}
	log.Debug(string(StateFiltered))

	inserted := differ.Inserted(differ.SplitLines(oldText), differ.SplitLines(newText))
	log.Debug(string(StateDiffed), "inserted", len(inserted))

	rules, err := p.policy.Rules(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load exclusion rules: %w", err)
	}
	res := p.scan(ev.Title, user, inserted, rules)
	if res.stop != "" {
		log.Info(res.stop, "match", res.match)
		return Decision{State: StateSkipped, Reason: res.stop, User: user}, nil
	}
	log.Debug(string(StateClassified))
	if res.toSign == nil {
		return skip(ReasonNoInserts)
	}

	log.Info(string(StateDecided), "line", res.toSign.Index)
	return Decision{State: StateDecided, User: user, ToSign: *res.toSign}, nil
}

// isDiscussion reports whether a project page takes comments: it has a new
// section link, or it is a single request under the discussion prefix rather
// than a date index or a page transcluding other requests.
func (p *Pipeline) isDiscussion(ctx context.Context, info model.PageInfo) (bool, error) {
	if info.HasProperty("newsectionlink") {
		return true, nil
	}
	if p.opts.DiscussionPrefix == "" || !strings.HasPrefix(info.Title, p.opts.DiscussionPrefix) {
		return false, nil
	}
	if p.indexRe.MatchString(info.Title) {
		return false, nil
	}
	page, err := p.wiki.CurrentText(ctx, info.Title)
	if err != nil {
		return false, err
	}
	return !strings.Contains(page.Text, "{{"+p.opts.DiscussionPrefix), nil
}

type scanResult struct {
	toSign *model.InsertedLine
	stop   string
	match  string
}

// scan walks the inserted lines in order. The first comment line becomes the
// candidate; the walk stops early on a template on the user's own talk page,
// an exclusion match, or a comment line that is already signed.
func (p *Pipeline) scan(title string, user model.User, lines []model.InsertedLine, rules *filter.RuleSet) scanResult {
	ownTalk := p.opts.Namespaces.IsUserTalkOf(title, user)

	var res scanResult
	for i := range lines {
		line := lines[i]
		if ownTalk && wikitext.HasTemplate(line.Text) {
			return scanResult{stop: ReasonOwnTemplates}
		}
		if m, ok := rules.Match(line.Text); ok {
			return scanResult{stop: ReasonExcluded, match: m}
		}
		if !wikitext.IsComment(line.Text) {
			continue
		}
		if p.opts.Namespaces.IsSigned(line.Text, user) {
			return scanResult{stop: ReasonSigned}
		}
		if res.toSign == nil {
			res.toSign = &line
		}
	}
	return res
}

// sign re-reads the live page, finds the candidate line again and appends the
// signature. attempted reports whether a save was tried.
func (p *Pipeline) sign(ctx context.Context, log *slog.Logger, ev model.ChangeEvent, d Decision) (out Outcome, attempted bool) {
	cur, err := p.wiki.CurrentText(ctx, ev.Title)
	if err != nil {
		return Outcome{State: StateFailed, Err: err}, false
	}
	if cur.Missing {
		log.Info(ReasonPageGone)
		return Outcome{State: StateSkipped, Reason: ReasonPageGone}, false
	}

	lines := strings.Split(cur.Text, "\n")
	idx := locate(lines, d.ToSign)
	if idx < 0 {
		log.Info(ReasonLineGone)
		return Outcome{State: StateSkipped, Reason: ReasonLineGone}, false
	}
	lines[idx] += wikitext.Signature(d.ToSign.Text, d.User, ev.Timestamp, p.opts.Location)

	req := model.EditRequest{
		Title:         ev.Title,
		Text:          strings.Join(lines, "\n"),
		Summary:       fmt.Sprintf(signSummary, wikitext.UserLink(d.User), ev.Comment),
		Minor:         true,
		BaseTimestamp: cur.Timestamp,
	}
	saved, err := p.save(ctx, log, "sign", cur.Text, req)
	switch {
	case errors.Is(err, wiki.ErrEditConflict):
		log.Info(ReasonConflict)
		return Outcome{State: StateSkipped, Reason: ReasonConflict}, true
	case err != nil:
		return Outcome{State: StateFailed, Reason: ReasonSaveFailed, Err: err}, true
	case !saved:
		return Outcome{State: StateSkipped, Reason: ReasonUnchanged}, true
	}
	log.Info(string(StateSigned), "line", idx)
	return Outcome{State: StateSigned}, true
}

// locate finds the candidate in the live lines: at its original index, else
// as the only exact occurrence. It returns -1 when neither holds.
func locate(lines []string, target model.InsertedLine) int {
	if target.Index < len(lines) && lines[target.Index] == target.Text {
		return target.Index
	}
	found := -1
	for i, l := range lines {
		if l != target.Text {
			continue
		}
		if found >= 0 {
			return -1
		}
		found = i
	}
	return found
}

// notify leaves a reminder on the user's talk page when the throttle says so.
func (p *Pipeline) notify(ctx context.Context, log *slog.Logger, user model.User) (bool, error) {
	ok, err := p.throttle.ShouldNotify(ctx, user)
	if err != nil || !ok {
		return false, err
	}
	log.Info("notifying")

	title, err := p.wiki.RedirectTarget(ctx, "User talk:"+user.Name)
	if err != nil {
		return false, err
	}
	talk, err := p.wiki.CurrentText(ctx, title)
	if err != nil {
		return false, err
	}
	text := ReminderText
	if !talk.Missing {
		text = talk.Text + "\n\n" + ReminderText
	}
	saved, err := p.save(ctx, log, "notify", talk.Text, model.EditRequest{
		Title:         title,
		Text:          text,
		Summary:       ReminderSummary,
		BaseTimestamp: talk.Timestamp,
	})
	if err != nil {
		return false, fmt.Errorf("save reminder: %w", err)
	}
	return saved, nil
}

// save submits req unless it would not change the page.
func (p *Pipeline) save(ctx context.Context, log *slog.Logger, kind, oldText string, req model.EditRequest) (bool, error) {
	if oldText == req.Text {
		log.Info(ReasonUnchanged, "target", req.Title)
		metrics.Mutations.WithLabelValues(kind, "unchanged").Inc()
		return false, nil
	}
	if err := p.wiki.Edit(ctx, req); err != nil {
		metrics.Mutations.WithLabelValues(kind, "error").Inc()
		return false, err
	}
	metrics.Mutations.WithLabelValues(kind, "ok").Inc()
	log.Info("saved", "target", req.Title, "summary", req.Summary)
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
