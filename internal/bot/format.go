package bot

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"signbot/internal/filter"
	"signbot/internal/policy"
	"signbot/internal/signbot"
)

const (
	statusActive = "active"
	statusPaused = "paused"

	maxListed = 30
)

// FormatStatus formats dispatcher counters for display.
func FormatStatus(s signbot.Stats, uptime time.Duration) string {
	status := statusActive
	if s.Paused {
		status = statusPaused
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SignBot [%s], up %s\n", status, uptime.Truncate(time.Second))
	if s.LastEvent.IsZero() {
		b.WriteString("Last change: none yet\n")
	} else {
		fmt.Fprintf(&b, "Last change: %s\n", s.LastEvent.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	fmt.Fprintf(&b, "\nChanges: %d handled, %d ignored, %d dropped\n", s.Accepted, s.Rejected, s.Dropped)
	fmt.Fprintf(&b, "Signed: %d\nNotified: %d\nSkipped: %d\nFailed: %d\nIn flight: %d",
		s.Signed, s.Notified, s.Skipped, s.Failed, s.InFlight)
	return b.String()
}

// FormatRules formats the exclusion rules for display.
func FormatRules(rs *filter.RuleSet) string {
	if rs == nil {
		return "Exclusion rules are not loaded yet."
	}
	if rs.Len() == 0 {
		return "No exclusion rules."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Exclusion rules (%d):\n", rs.Len())
	for i, r := range rs.Rules {
		if i == maxListed {
			fmt.Fprintf(&b, "... and %d more", rs.Len()-maxListed)
			break
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, r.Source)
	}
	return b.String()
}

// FormatLists formats the opt-in and opt-out lists for display.
func FormatLists(l *policy.Lists) string {
	if l == nil {
		return "Opt-in and opt-out lists are not loaded yet."
	}
	var b strings.Builder
	writeUserSet(&b, "Opted in", l.OptIn)
	b.WriteString("\n\n")
	writeUserSet(&b, "Opted out", l.OptOut)
	return b.String()
}

func writeUserSet(b *strings.Builder, label string, set map[string]struct{}) {
	fmt.Fprintf(b, "%s (%d):", label, len(set))
	if len(set) == 0 {
		b.WriteString(" none")
		return
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	slices.Sort(names)
	if len(names) > maxListed {
		fmt.Fprintf(b, " %s, ... and %d more", strings.Join(names[:maxListed], ", "), len(names)-maxListed)
		return
	}
	fmt.Fprintf(b, " %s", strings.Join(names, ", "))
}
