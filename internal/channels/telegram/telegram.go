// Package telegram is the Telegram bot channel. It long-polls for updates,
// maps Telegram users onto gbot users and replies in Telegram HTML.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/omrylcn/gbot-sub000/internal/channels"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/markdown"
)

// ChannelID is the channel name used for sessions and links
const ChannelID = "telegram"

// messageLimit stays under Telegram's 4096 characters after HTML rendering
const messageLimit = 3500

const greeting = "Hi! I'm your assistant. Send me a message to get started."

// botAPI is the part of tgbotapi.BotAPI the channel uses
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot implements channels.Channel for Telegram
type Bot struct {
	token       string
	api         botAPI
	store       *db.Store
	chat        channels.Chatter
	defaultRole string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards api and cancel
}

// New creates a Telegram channel. New users are provisioned with
// defaultRole.
func New(token string, store *db.Store, chat channels.Chatter, defaultRole string) *Bot {
	return &Bot{token: token, store: store, chat: chat, defaultRole: defaultRole}
}

// ID returns the channel identifier
func (b *Bot) ID() string { return ChannelID }

// Start connects to the Bot API and starts long polling
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.api == nil {
		if b.token == "" {
			return errors.New("telegram bot token is required")
		}
		api, err := tgbotapi.NewBotAPI(b.token)
		if err != nil {
			return fmt.Errorf("telegram bot init: %w", err)
		}
		logging.Infof("[Telegram] authorized as @%s", api.Self.UserName)
		b.api = api
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.poll(ctx, b.api, updates)
	return nil
}

func (b *Bot) poll(ctx context.Context, api botAPI, updates tgbotapi.UpdatesChannel) {
	defer b.wg.Done()
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handle(ctx, update)
			}()
		case <-ctx.Done():
			api.StopReceivingUpdates()
			return
		}
	}
}

// Stop stops polling and waits for running handlers until ctx ends
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bot) handle(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	userID, err := b.resolveUser(ctx, msg.From)
	if err != nil {
		logging.Errorf("[Telegram] resolve user %d: %v", msg.From.ID, err)
		return
	}

	if text == "/start" {
		b.reply(ctx, chatID, greeting)
		return
	}

	reply, _, err := b.chat.Process(ctx, userID, ChannelID, text, "")
	if err != nil {
		logging.Errorf("[Telegram] turn for %s failed: %v", userID, err)
		reply = "Sorry, something went wrong handling that message."
	}
	b.reply(ctx, chatID, reply)
}

func (b *Bot) reply(ctx context.Context, chatID, text string) {
	if err := b.Send(ctx, chatID, text); err != nil {
		logging.Warnf("[Telegram] reply to %s: %v", chatID, err)
	}
}

// resolveUser maps a Telegram account to a gbot user, creating and
// linking one on first contact. Links are keyed by the Telegram user id,
// which is also the id of the user's private chat with the bot, so the
// same account resolves to one user in every chat and notifications go to
// the private chat.
func (b *Bot) resolveUser(ctx context.Context, from *tgbotapi.User) (string, error) {
	key := strconv.FormatInt(from.ID, 10)
	userID, err := b.store.ResolveChannelUser(ctx, ChannelID, key)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return "", err
	}

	userID = "tg_" + key
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name == "" {
		name = from.UserName
	}
	if _, err := b.store.EnsureUser(ctx, userID, name, b.defaultRole); err != nil {
		return "", err
	}
	meta := map[string]string{}
	if from.UserName != "" {
		meta["username"] = from.UserName
	}
	if _, err := b.store.LinkChannel(ctx, userID, ChannelID, key, meta); err != nil {
		if !errors.Is(err, db.ErrConflict) {
			return "", err
		}
		// linked to another chat id before; that link keeps receiving notifications
		logging.Warnf("[Telegram] %s already linked elsewhere: %v", userID, err)
		return userID, nil
	}
	logging.Infof("[Telegram] provisioned %s", userID)
	return userID, nil
}

// Send delivers text to a chat as Telegram HTML, split into messages that
// fit Telegram's limit. A chunk whose HTML is rejected is resent as plain text.
func (b *Bot) Send(_ context.Context, channelUserID, text string) error {
	chatID, err := strconv.ParseInt(channelUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", channelUserID, err)
	}
	b.mu.RLock()
	api := b.api
	b.mu.RUnlock()
	if api == nil {
		return errors.New("telegram bot not started")
	}

	for _, chunk := range channels.Split(text, messageLimit) {
		msg := tgbotapi.NewMessage(chatID, markdown.TelegramHTML(chunk))
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if _, err := api.Send(msg); err != nil {
			logging.Debugf("[Telegram] HTML rejected, sending plain: %v", err)
			if _, err := api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
				return err
			}
		}
	}
	return nil
}
