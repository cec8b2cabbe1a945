package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signbot/internal/filter"
	"signbot/internal/wikitext"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `SignBot operator console.

The bot watches recent changes and signs unsigned discussion comments.

Use /status to see what it is doing and /help for all commands.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Status:
/status — counters and state
/pause — stop handling new changes
/resume — handle changes again

Policy:
/rules [refresh] — show exclusion rules
/optlists [refresh] — show opt-in and opt-out users
/check <line> — test a line against the rules
/testrule <pattern> <line> — try a new rule before adding it`)
}

func (b *Bot) handleStatus(chatID int64) {
	stats := b.ctl.Stats()
	msg := tgbotapi.NewMessage(chatID, FormatStatus(stats, time.Since(b.started)))
	msg.DisableWebPagePreview = true

	toggle := tgbotapi.NewInlineKeyboardButtonData("Pause", cbPause)
	if stats.Paused {
		toggle = tgbotapi.NewInlineKeyboardButtonData("Resume", cbResume)
	}
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			toggle,
			tgbotapi.NewInlineKeyboardButtonData("Refresh rules", cbRefreshRules),
			tgbotapi.NewInlineKeyboardButtonData("Refresh lists", cbRefreshLists),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send status", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handlePause(chatID int64) {
	if b.ctl.Stats().Paused {
		b.reply(chatID, "Already paused.")
		return
	}
	b.ctl.Pause()
	b.log.Info("paused from console", "chat_id", chatID)
	b.reply(chatID, "Paused. New changes are ignored until /resume.")
}

func (b *Bot) handleResume(chatID int64) {
	if !b.ctl.Stats().Paused {
		b.reply(chatID, "Not paused.")
		return
	}
	b.ctl.Resume()
	b.log.Info("resumed from console", "chat_id", chatID)
	b.reply(chatID, "Resumed.")
}

func (b *Bot) handleRules(ctx context.Context, chatID int64, args string) {
	refresh, err := ParseRefreshArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rules [refresh]")
		return
	}

	rules := b.pol.CurrentRules()
	if refresh {
		if rules, err = b.pol.RefreshRules(ctx); err != nil {
			b.reply(chatID, fmt.Sprintf("Refresh failed: %v", err))
			return
		}
	}
	b.reply(chatID, FormatRules(rules))
}

func (b *Bot) handleOptLists(ctx context.Context, chatID int64, args string) {
	refresh, err := ParseRefreshArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /optlists [refresh]")
		return
	}

	lists := b.pol.CurrentLists()
	if refresh {
		if lists, err = b.pol.RefreshLists(ctx); err != nil {
			b.reply(chatID, fmt.Sprintf("Refresh failed: %v", err))
			return
		}
	}
	b.reply(chatID, FormatLists(lists))
}

func (b *Bot) handleCheck(chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /check <line>")
		return
	}

	rules := b.pol.CurrentRules()
	if rules == nil {
		b.reply(chatID, "No rules loaded yet. Use /rules refresh.")
		return
	}
	if m, ok := rules.Match(args); ok {
		b.reply(chatID, fmt.Sprintf("Excluded: matches %q.", m))
		return
	}
	if !wikitext.IsComment(args) {
		b.reply(chatID, "Not excluded, but not a comment line either.")
		return
	}
	b.reply(chatID, "Not excluded. The line would be signed if unsigned.")
}

func (b *Bot) handleTestRule(chatID int64, args string) {
	pattern, line, err := ParseTestRuleArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /testrule <pattern> <line>\nPut the pattern on its own line if it contains spaces.")
		return
	}
	if err := filter.ValidateRegex(pattern); err != nil {
		b.reply(chatID, fmt.Sprintf("Rejected: %v", err))
		return
	}

	rules, _ := filter.Parse(pattern)
	if rules.Len() == 0 {
		b.reply(chatID, "Lines starting with # are comments on the rules page and would be ignored.")
		return
	}
	if m, ok := rules.Match(line); ok {
		b.reply(chatID, fmt.Sprintf("Matches %q. The line would be excluded.", m))
		return
	}
	b.reply(chatID, "No match.")
}
