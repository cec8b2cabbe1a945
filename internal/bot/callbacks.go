package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdStatus   = "status"
	cmdPause    = "pause"
	cmdResume   = "resume"
	cmdRules    = "rules"
	cmdOptLists = "optlists"

	cbPause        = "pause:"
	cbResume       = "resume:"
	cbRefreshRules = "refresh:rules"
	cbRefreshLists = "refresh:lists"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, arg, ok := ParseCallbackData(cb.Data)
	if !ok {
		return
	}

	b.log.Info("callback",
		"action", action,
		"arg", arg,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdPause:
		b.handlePause(chatID)
	case cmdResume:
		b.handleResume(chatID)
	case "refresh":
		switch arg {
		case cmdRules:
			b.handleRules(ctx, chatID, "refresh")
		case "lists":
			b.handleOptLists(ctx, chatID, "refresh")
		default:
			b.reply(chatID, fmt.Sprintf("Unknown refresh target %q.", arg))
		}
	}
}
