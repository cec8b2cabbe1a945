// Package model defines the domain types used across the application.
package model

import (
	"net/netip"
	"time"
)

// ChangeType is the kind of recent change reported by a feed.
type ChangeType string

// Change types the bot reacts to.
const (
	ChangeEdit ChangeType = "edit"
	ChangeNew  ChangeType = "new"
)

// Well-known namespace ids.
const (
	NamespaceSpecial  = -1
	NamespaceMain     = 0
	NamespaceUser     = 2
	NamespaceUserTalk = 3
	NamespaceProject  = 4
)

// ChangeEvent is a single recent change notification.
type ChangeEvent struct {
	Title     string
	Namespace int
	RevOld    int64
	RevNew    int64
	Timestamp time.Time
	User      string
	Bot       bool
	Comment   string
	Type      ChangeType
}

// User identifies the editor of a change.
type User struct {
	Name      string
	Anonymous bool
}

// NewUser builds a User, treating IP addresses as anonymous editors.
func NewUser(name string) User {
	_, err := netip.ParseAddr(name)
	return User{Name: name, Anonymous: err == nil}
}

// InsertedLine is a line attributed to an insertion in the new revision.
type InsertedLine struct {
	Index int
	Text  string
}

// PageInfo describes structural properties of a page.
type PageInfo struct {
	Title      string
	Namespace  int
	Missing    bool
	Redirect   bool
	Properties map[string]string
}

// HasProperty reports whether the page carries the given page property.
func (p PageInfo) HasProperty(name string) bool {
	_, ok := p.Properties[name]
	return ok
}

// PageText is the current text of a page as of retrieval.
type PageText struct {
	Title     string
	Text      string
	Timestamp time.Time
	Missing   bool
}

// EditRequest is a full-text mutation of a page.
type EditRequest struct {
	Title         string
	Text          string
	Summary       string
	Minor         bool
	BaseTimestamp time.Time
}
