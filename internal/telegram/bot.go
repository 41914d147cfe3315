// Package telegram bridges a Telegram bot token to the agents assigned to
// its channel instance.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/channels"
	"github.com/codervisor/clawden/internal/config"
	"github.com/codervisor/clawden/internal/fleet"
	"github.com/codervisor/clawden/internal/proxy"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

// DefaultInstance is the channel instance used when none is configured.
const DefaultInstance = "telegram"

// Agents resolves an agent id to its record and adapter.
type Agents interface {
	Adapter(id string) (fleet.Agent, adapter.Adapter, error)
}

type inbound struct {
	chatID int64
	userID int64
	sender string
	text   string
}

type Bot struct {
	bot      *telego.Bot
	handler  *th.BotHandler
	channels *channels.Store
	agents   Agents
	cfg      config.TelegramConfig
	cancel   context.CancelFunc

	allowMu   sync.RWMutex
	allowFrom []int64

	// send delivers a reply; replaced in tests.
	send func(ctx context.Context, chatID int64, text string) error
}

func NewBot(cfg config.TelegramConfig, ch *channels.Store, agents Agents) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if cfg.Instance == "" {
		cfg.Instance = DefaultInstance
	}

	b := &Bot{
		bot:       bot,
		channels:  ch,
		agents:    agents,
		cfg:       cfg,
		allowFrom: cfg.AllowFrom,
	}
	b.send = b.SendMessage
	return b, nil
}

// Instance is the channel instance name this bot serves.
func (b *Bot) Instance() string {
	return b.cfg.Instance
}

// SetAllowFrom replaces the user allow-list.
func (b *Bot) SetAllowFrom(ids []int64) {
	b.allowMu.Lock()
	b.allowFrom = ids
	b.allowMu.Unlock()
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	slog.Info("telegram bridge started", "instance", b.cfg.Instance)
	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	sender := msg.From.Username
	if sender == "" {
		sender = strconv.FormatInt(msg.From.ID, 10)
	}

	_ = b.sendChatAction(ctx, msg.Chat.ID, "typing")
	b.route(ctx, inbound{
		chatID: msg.Chat.ID,
		userID: msg.From.ID,
		sender: sender,
		text:   text,
	})
}

func (b *Bot) allowed(userID int64) bool {
	b.allowMu.RLock()
	defer b.allowMu.RUnlock()
	return len(b.allowFrom) == 0 || slices.Contains(b.allowFrom, userID)
}

// route hands one inbound message to every agent assigned to the instance.
// Agents whose runtime speaks Telegram natively are skipped; the rest get it
// relayed through their adapter and the reply is sent back.
func (b *Bot) route(ctx context.Context, in inbound) {
	if !b.allowed(in.userID) {
		slog.Warn("unauthorized telegram user", "user_id", in.userID, "chat_id", in.chatID)
		return
	}

	instance := b.cfg.Instance
	ids := b.channels.AgentsFor(instance)
	if len(ids) == 0 {
		slog.Info("no agent assigned to channel", "instance", instance)
		_ = b.send(ctx, in.chatID, "No agent is assigned to this channel.")
		return
	}

	for _, id := range ids {
		rec, a, err := b.agents.Adapter(id)
		if err != nil {
			slog.Warn("assigned agent unavailable", "instance", instance, "agent", id, "error", err)
			continue
		}

		// Native runtimes report their own connection status over the bus.
		if !proxy.NeedsProxy(a.Metadata(), adapter.ChannelTelegram) {
			slog.Debug("runtime handles telegram natively", "agent", id, "instance", instance)
			continue
		}

		reply, err := proxy.Relay(ctx, a, rec.Handle, adapter.ChannelTelegram, in.sender, in.text)
		if err != nil {
			slog.Error("relay failed", "agent", id, "error", err)
			if errors.Is(err, adapter.ErrBackendUnreachable) {
				b.channels.SetStatus(id, instance, adapter.ConnectionDisconnected)
			}
			_ = b.send(ctx, in.chatID, "Sorry, the agent could not process your message.")
			continue
		}

		b.channels.SetStatus(id, instance, adapter.ConnectionProxied)
		if reply == "" {
			continue
		}
		if err := b.send(ctx, in.chatID, reply); err != nil {
			slog.Error("failed to send telegram message", "chat", in.chatID, "error", err)
		}
	}
}

// SendMessage sends text to chatID in chunks that fit Telegram's limit.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(chatID), chunk)
		if _, err := b.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (b *Bot) sendChatAction(ctx context.Context, chatID int64, action string) error {
	return b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action))
}
