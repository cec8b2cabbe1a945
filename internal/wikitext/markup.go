package wikitext

import (
	"regexp"
	"strings"
)

var (
	disabledParts = []*regexp.Regexp{
		regexp.MustCompile(`(?s)<!--.*?-->`),
		regexp.MustCompile(`(?is)<nowiki\s*/>`),
		regexp.MustCompile(`(?is)<nowiki(?:\s[^>]*)?>.*?</nowiki\s*>`),
		regexp.MustCompile(`(?is)<pre(?:\s[^>]*)?>.*?</pre\s*>`),
		regexp.MustCompile(`(?is)<includeonly(?:\s[^>]*)?>.*?</includeonly\s*>`),
		regexp.MustCompile(`(?is)<syntaxhighlight(?:\s[^>]*)?>.*?</syntaxhighlight\s*>`),
		regexp.MustCompile(`(?is)<source(?:\s[^>]*)?>.*?</source\s*>`),
	}
	categoryLink = regexp.MustCompile(`\[\[[Cc]ategory:[^\]]+\]\]`)
	magicWord    = regexp.MustCompile(`^__[A-Z]+__$`)
	wikiLink     = regexp.MustCompile(`\[\[([^\]|\[<>{}]*)(\|.*?)?\]\]`)
)

// RemoveDisabledParts strips markup that never renders: comments, nowiki,
// pre, includeonly and source blocks.
func RemoveDisabledParts(text string) string {
	for _, re := range disabledParts {
		text = re.ReplaceAllString(text, "")
	}
	return text
}

// IsComment reports whether a line of markup reads like a discussion comment
// rather than structure: headings, table rows, rules and magic words are not.
func IsComment(line string) bool {
	s := strings.TrimSpace(RemoveDisabledParts(line))
	s = strings.TrimSpace(categoryLink.ReplaceAllString(s, ""))

	switch {
	case s == "":
		return false
	case strings.HasPrefix(s, "=") && strings.HasSuffix(s, "="):
		return false
	case strings.HasPrefix(s, "|"), strings.HasPrefix(s, "{|"), strings.HasSuffix(s, "|"):
		return false
	case strings.HasPrefix(s, "----"):
		return false
	case magicWord.MatchString(s):
		return false
	}
	return true
}

// LinkTargets returns the target of every internal link in the line, ignoring
// links inside disabled parts. Empty targets are skipped.
func LinkTargets(line string) []string {
	var out []string
	for _, m := range wikiLink.FindAllStringSubmatch(RemoveDisabledParts(line), -1) {
		if strings.TrimSpace(m[1]) == "" {
			continue
		}
		out = append(out, m[1])
	}
	return out
}
