// Package filter implements the exclusion rule engine: patterns that, when they
// match an inserted line, stop the bot from touching the edit.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is a single compiled exclusion pattern.
type Rule struct {
	Pattern *regexp.Regexp
	Source  string
}

// RuleSet is an immutable list of exclusion rules.
type RuleSet struct {
	Rules []Rule
}

// ParseError describes a rule line that failed to compile.
type ParseError struct {
	Line   int
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %q: %v", e.Line, e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse reads one pattern per line from a rules page. Blank lines and lines
// starting with # are skipped. Patterns that do not compile are left out of
// the returned set and reported as ParseErrors.
func Parse(text string) (*RuleSet, []error) {
	rs := &RuleSet{}
	var errs []error
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := compile(line)
		if err != nil {
			errs = append(errs, &ParseError{Line: i + 1, Source: line, Err: err})
			continue
		}
		rs.Rules = append(rs.Rules, Rule{Pattern: re, Source: line})
	}
	return rs, errs
}

// Match returns the text matched by the first rule that matches the line.
// Underscores in the line are treated as spaces.
func (rs *RuleSet) Match(line string) (string, bool) {
	if rs == nil {
		return "", false
	}
	line = strings.ReplaceAll(line, "_", " ")
	for _, r := range rs.Rules {
		if loc := r.Pattern.FindStringIndex(line); loc != nil {
			return line[loc[0]:loc[1]], true
		}
	}
	return "", false
}

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rules)
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	if _, err := compile(pattern); err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
