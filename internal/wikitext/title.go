// Package wikitext inspects wiki markup: comment classification, signature
// detection, title parsing and signature composition.
package wikitext

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"signbot/internal/model"
)

// ErrInvalidTitle is returned for link targets that cannot name a page.
var ErrInvalidTitle = errors.New("invalid title")

// Namespaces maps normalized namespace names and aliases to namespace ids.
type Namespaces map[string]int

// DefaultNamespaces returns the canonical English namespace names.
func DefaultNamespaces() Namespaces {
	return Namespaces{
		"media":          -2,
		"special":        model.NamespaceSpecial,
		"talk":           1,
		"user":           model.NamespaceUser,
		"user talk":      model.NamespaceUserTalk,
		"project":        model.NamespaceProject,
		"project talk":   5,
		"file":           6,
		"image":          6,
		"file talk":      7,
		"mediawiki":      8,
		"mediawiki talk": 9,
		"template":       10,
		"template talk":  11,
		"help":           12,
		"help talk":      13,
		"category":       14,
		"category talk":  15,
	}
}

// Add registers a namespace name or alias.
func (n Namespaces) Add(name string, id int) {
	n[normalizeKey(name)] = id
}

// Title is a parsed page title.
type Title struct {
	Namespace int
	Text      string
}

// ParseTitle resolves a link target or page title into a namespace and a
// normalized title text. Fragments are dropped and a leading colon is ignored.
func (n Namespaces) ParseTitle(raw string) (Title, error) {
	s := normalizeSpace(raw)
	s = strings.TrimPrefix(s, ":")
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" || strings.ContainsAny(s, "<>[]{}|") {
		return Title{}, ErrInvalidTitle
	}

	ns := model.NamespaceMain
	if i := strings.IndexByte(s, ':'); i > 0 {
		if id, ok := n[normalizeKey(s[:i])]; ok {
			ns = id
			s = strings.TrimSpace(s[i+1:])
		}
	}
	if s == "" {
		return Title{}, ErrInvalidTitle
	}
	return Title{Namespace: ns, Text: ucfirst(s)}, nil
}

// IsUserTalkOf reports whether title is the user's talk page or a subpage of it.
func (n Namespaces) IsUserTalkOf(title string, user model.User) bool {
	t, err := n.ParseTitle(title)
	if err != nil || t.Namespace != model.NamespaceUserTalk {
		return false
	}
	return t.Text == user.Name || strings.HasPrefix(t.Text, user.Name+"/")
}

func normalizeSpace(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), " ")
}

func normalizeKey(s string) string {
	return strings.ToLower(normalizeSpace(s))
}

func ucfirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
