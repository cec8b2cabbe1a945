package wikitext

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"signbot/internal/model"
)

// Signature templates.
const (
	TemplateUnsigned   = "unsigned2"
	TemplateUnsignedIP = "unsignedIP2"
)

const timestampLayout = "15:04, 2 January 2006"

// IsSigned reports whether the line links to the user's own page: User or
// User talk for registered users, Special:Contributions for anonymous ones.
// Links that do not parse are ignored.
func (n Namespaces) IsSigned(line string, user model.User) bool {
	for _, target := range LinkTargets(line) {
		t, err := n.ParseTitle(target)
		if err != nil {
			continue
		}
		if user.Anonymous {
			if t.Namespace == model.NamespaceSpecial && t.Text == "Contributions/"+user.Name {
				return true
			}
			continue
		}
		if (t.Namespace == model.NamespaceUser || t.Namespace == model.NamespaceUserTalk) && t.Text == user.Name {
			return true
		}
	}
	return false
}

// Signature returns the annotation appended to an unsigned line.
func Signature(line string, user model.User, at time.Time, loc *time.Location) string {
	prefix := ""
	if r, _ := utf8.DecodeLastRuneInString(line); !unicode.IsSpace(r) {
		prefix = " "
	}
	tmpl := TemplateUnsigned
	if user.Anonymous {
		tmpl = TemplateUnsignedIP
	}
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%s{{%s|%s|%s}}", prefix, tmpl, at.In(loc).Format(timestampLayout), user.Name)
}

// UserLink renders a link to the user for edit summaries.
func UserLink(user model.User) string {
	if user.Anonymous {
		return fmt.Sprintf("[[Special:Contributions/%s|%s]]", user.Name, user.Name)
	}
	return fmt.Sprintf("[[User:%s|%s]]", user.Name, user.Name)
}

// HasTemplate reports whether the line transcludes anything.
func HasTemplate(line string) bool {
	return strings.Contains(line, "{{")
}

// HasSpeedyTag reports whether the text carries a speedy deletion tag.
func HasSpeedyTag(text string) bool {
	return strings.Contains(strings.ToLower(text), "{{speedy")
}
