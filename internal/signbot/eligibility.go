package signbot

import (
	"strings"

	"signbot/internal/model"
)

// NoSignMarker in an edit summary keeps the bot away from that edit.
const NoSignMarker = "!nosign!"

// Eligible reports whether a change is worth a pipeline run: a human edit or
// page creation on a discussion page (the project namespace or any talk
// namespace) without the no-sign marker in its summary.
func Eligible(ev model.ChangeEvent) bool {
	if ev.Bot {
		return false
	}
	if ev.Namespace != model.NamespaceProject && !isTalkNamespace(ev.Namespace) {
		return false
	}
	if ev.Type != model.ChangeEdit && ev.Type != model.ChangeNew {
		return false
	}
	return !strings.Contains(ev.Comment, NoSignMarker)
}

func isTalkNamespace(ns int) bool {
	return ns > 0 && ns%2 == 1
}
