// Package bot is the operator console: a Telegram bot that reports the
// signing bot's state, pauses and resumes it, and relays alerts.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signbot/internal/config"
	"signbot/internal/filter"
	"signbot/internal/policy"
	"signbot/internal/signbot"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Controller is the part of the dispatcher the console drives.
type Controller interface {
	Pause()
	Resume()
	Stats() signbot.Stats
}

// PolicyView exposes the policy caches.
type PolicyView interface {
	RefreshRules(ctx context.Context) (*filter.RuleSet, error)
	RefreshLists(ctx context.Context) (*policy.Lists, error)
	CurrentRules() *filter.RuleSet
	CurrentLists() *policy.Lists
}

// Bot is the Telegram operator console.
type Bot struct {
	api     telegramAPI
	ctl     Controller
	pol     PolicyView
	cfg     *config.Config
	log     *slog.Logger
	started time.Time
}

// New creates a Bot with the given Telegram token.
func New(token string, ctl Controller, pol PolicyView, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:     api,
		ctl:     ctl,
		pol:     pol,
		cfg:     cfg,
		log:     log,
		started: time.Now(),
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

// Alert sends text to the configured alert chat, if any.
func (b *Bot) Alert(text string) {
	if b.cfg.AlertChatID == 0 {
		b.log.Debug("no alert chat configured", "alert", text)
		return
	}
	b.SendMessage(b.cfg.AlertChatID, "ALERT: "+text)
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdStatus:
		b.handleStatus(chatID)
	case cmdPause:
		b.handlePause(chatID)
	case cmdResume:
		b.handleResume(chatID)
	case cmdRules:
		b.handleRules(ctx, chatID, args)
	case cmdOptLists:
		b.handleOptLists(ctx, chatID, args)
	case "check":
		b.handleCheck(chatID, args)
	case "testrule":
		b.handleTestRule(chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
