// Package channel bridges external chat surfaces to the interaction
// service. Telegram is the built-in demo surface.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fablecastco/fablecast/internal/chat"
	"github.com/fablecastco/fablecast/internal/config"
	"github.com/fablecastco/fablecast/internal/genclient"
)

// TelegramBot interface for mocking the telegram bot API.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking).
type BotFactory func(token string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel maps each telegram chat onto one persistent
// conversation with the configured default character.
type TelegramChannel struct {
	token            string
	defaultCharacter string
	allowFrom        []string
	svc              *chat.Service
	bot              TelegramBot
	botFactory       BotFactory
	cancel           context.CancelFunc

	mu            sync.Mutex
	conversations map[int64]string
}

func NewTelegramChannel(cfg config.TelegramConfig, svc *chat.Service) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, svc, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with a custom
// bot factory (for testing).
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, svc *chat.Service, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.DefaultCharacter == "" {
		return nil, fmt.Errorf("telegram default character is required")
	}
	return &TelegramChannel{
		token:            cfg.Token,
		defaultCharacter: cfg.DefaultCharacter,
		allowFrom:        cfg.AllowFrom,
		svc:              svc,
		botFactory:       factory,
		conversations:    make(map[int64]string),
	}, nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		bot, err := t.botFactory(t.token, http.DefaultClient)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		t.bot = bot
		log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil || update.Message.Text == "" {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing).
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) isAllowed(senderID string) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == senderID {
			return true
		}
	}
	return false
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.isAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	convID, greeting, err := t.conversation(msg.Chat.ID)
	if err != nil {
		log.Printf("[telegram] start conversation for chat %d: %v", msg.Chat.ID, err)
		return
	}
	if greeting != "" {
		if err := t.send(msg.Chat.ID, greeting); err != nil {
			log.Printf("[telegram] send greeting: %v", err)
		}
	}

	reply, err := t.svc.Interact(ctx, convID, msg.Text)
	if err != nil {
		log.Printf("[telegram] interact in chat %d: %v", msg.Chat.ID, err)
		if err := t.send(msg.Chat.ID, userFacingError(err)); err != nil {
			log.Printf("[telegram] send error notice: %v", err)
		}
		return
	}

	if err := t.send(msg.Chat.ID, reply.Text); err != nil {
		log.Printf("[telegram] send reply: %v", err)
	}
}

// conversation resolves the persistent conversation for a chat,
// starting one with the default character on first contact. The
// greeting is non-empty only on that first contact.
func (t *TelegramChannel) conversation(chatID int64) (string, string, error) {
	t.mu.Lock()
	if id, ok := t.conversations[chatID]; ok {
		t.mu.Unlock()
		return id, "", nil
	}
	t.mu.Unlock()

	id, greeting, err := t.svc.StartConversation(t.defaultCharacter)
	if err != nil {
		return "", "", err
	}

	t.mu.Lock()
	t.conversations[chatID] = id
	t.mu.Unlock()
	return id, greeting, nil
}

func (t *TelegramChannel) send(chatID int64, content string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	// Telegram has a 4096 char limit per message
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			// Try to split at last newline before maxLen
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func userFacingError(err error) string {
	switch {
	case errors.Is(err, genclient.ErrCircuitOpen), errors.Is(err, genclient.ErrUnavailable):
		return "The character is unreachable right now. Please try again in a moment."
	case errors.Is(err, genclient.ErrRateLimited):
		return "Too many messages at once. Give it a few seconds."
	case errors.Is(err, chat.ErrContextTooLarge):
		return "This conversation has grown too large to continue. Please start a new one."
	default:
		return "Something went wrong handling that message."
	}
}
