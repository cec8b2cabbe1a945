package bot

import (
	"fmt"
	"strings"
)

// ParseRefreshArg parses the optional "refresh" argument of listing commands.
func ParseRefreshArg(args string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "":
		return false, nil
	case "refresh", "-r":
		return true, nil
	}
	return false, fmt.Errorf("unexpected argument %q", args)
}

// ParseCallbackData splits inline button data of the form "action:arg".
func ParseCallbackData(data string) (action, arg string, ok bool) {
	action, arg, ok = strings.Cut(data, ":")
	if !ok || action == "" {
		return "", "", false
	}
	return action, arg, true
}

// ParseTestRuleArgs splits /testrule arguments into a pattern and a sample
// line. A pattern containing spaces goes on its own first line.
func ParseTestRuleArgs(args string) (pattern, line string, err error) {
	args = strings.TrimSpace(args)
	if p, l, ok := strings.Cut(args, "\n"); ok {
		pattern, line = strings.TrimSpace(p), strings.TrimSpace(l)
	} else {
		pattern, line, _ = strings.Cut(args, " ")
		line = strings.TrimSpace(line)
	}
	if pattern == "" || line == "" {
		return "", "", fmt.Errorf("want a pattern and a line, got %q", args)
	}
	return pattern, line, nil
}
