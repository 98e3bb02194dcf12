package telegram

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"shopdesk/internal/auth"
	"shopdesk/internal/dispatch"
	"shopdesk/internal/message"
	"shopdesk/internal/rules"
	"shopdesk/internal/session"
	"shopdesk/internal/storage"
	"shopdesk/internal/transcript"
)

const channelName = "telegram"

// Dispatcher is the part of the rule engine the bot drives.
type Dispatcher interface {
	Process(ctx context.Context, msg *message.Classified) dispatch.Result
	SetStrategyEnabled(name string, on bool) error
	StrategyEnabled(name string) bool
	CleanupSessions(ctx context.Context, maxAge time.Duration) (int, error)
	Session(ctx context.Context, id string) (*session.Session, error)
}

type Classifier interface {
	Classify(clientID, customerName, channel, text string, ts time.Time) *message.Classified
}

// ReplyAdmin manages auto-reply rules and the reply mode.
type ReplyAdmin interface {
	SetMode(m rules.Mode)
	Mode() rules.Mode
	AddRule(ctx context.Context, intent, pattern, reply string) error
	Rules() []rules.RuleSet
}

type StatsSource interface {
	Snapshot() *storage.StatisticsSnapshot
	SessionStats(id string) (rules.SessionCounter, bool)
}

// Deps wires the bot to the rest of the service. Recorder is optional.
type Deps struct {
	Roster         *auth.Roster
	AdminUserID    int64
	Classifier     Classifier
	Dispatcher     Dispatcher
	Replies        ReplyAdmin
	Stats          StatsSource
	Recorder       transcript.Recorder
	SessionTimeout time.Duration
	Logger         *slog.Logger
}

type Bot struct {
	s   sender
	api *tgbotapi.BotAPI

	roster         *auth.Roster
	adminUserID    int64
	classifier     Classifier
	dispatcher     Dispatcher
	replies        ReplyAdmin
	stats          StatsSource
	recorder       transcript.Recorder
	sessionTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	inflight sync.WaitGroup

	qmu sync.Mutex
	// queues holds the pending customer messages of chats that have a worker running.
	queues map[int64][]*tgbotapi.Message

	mu          sync.Mutex
	suggestions map[string]suggestion
}

func New(botToken string, deps Deps) (*Bot, error) {
	if botToken == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}
	b := newBot(botAPISender{api: api}, deps)
	b.api = api
	b.logger.Info("🤖 telegram bot authorized", "username", api.Self.UserName)
	return b, nil
}

func newBot(s sender, deps Deps) *Bot {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := deps.SessionTimeout
	if timeout <= 0 {
		timeout = session.DefaultTimeout
	}
	return &Bot{
		s:              s,
		roster:         deps.Roster,
		adminUserID:    deps.AdminUserID,
		classifier:     deps.Classifier,
		dispatcher:     deps.Dispatcher,
		replies:        deps.Replies,
		stats:          deps.Stats,
		recorder:       deps.Recorder,
		sessionTimeout: timeout,
		logger:         logger.With("component", "telegram"),
		now:            func() time.Time { return time.Now().UTC() },
		suggestions:    make(map[string]suggestion),
		queues:         make(map[int64][]*tgbotapi.Message),
	}
}

// Start polls updates until ctx is cancelled, then waits for in-flight handlers.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("📡 polling updates")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.inflight.Wait()
			b.logger.Info("telegram bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				b.inflight.Wait()
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate routes one update. Customer messages go to their chat's queue so
// different chats are served concurrently while one chat is served in order.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil:
		msg := update.Message
		if b.isStaff(msg.From.ID) {
			b.handleStaffMessage(ctx, msg)
			return
		}
		b.enqueueCustomer(ctx, msg)
	}
}

// enqueueCustomer appends msg to its chat's queue and starts a worker when the
// chat has none. The worker exits once the queue is drained.
func (b *Bot) enqueueCustomer(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.From.ID
	if msg.Chat != nil {
		chatID = msg.Chat.ID
	}
	b.qmu.Lock()
	pending, busy := b.queues[chatID]
	b.queues[chatID] = append(pending, msg)
	b.qmu.Unlock()
	if busy {
		return
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		for {
			b.qmu.Lock()
			pending := b.queues[chatID]
			if len(pending) == 0 {
				delete(b.queues, chatID)
				b.qmu.Unlock()
				return
			}
			next := pending[0]
			b.queues[chatID] = pending[1:]
			b.qmu.Unlock()
			b.handleCustomerMessage(ctx, next)
		}
	}()
}

func (b *Bot) isStaff(userID int64) bool {
	if b.adminUserID != 0 && userID == b.adminUserID {
		return true
	}
	return b.roster != nil && b.roster.IsAgent(userID)
}

// agentChats lists every chat that receives suggestions, admin included.
func (b *Bot) agentChats() []int64 {
	var ids []int64
	if b.roster != nil {
		ids = b.roster.IDs()
	}
	if b.adminUserID != 0 {
		found := false
		for _, id := range ids {
			if id == b.adminUserID {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, b.adminUserID)
		}
	}
	return ids
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.s.Send(msg); err != nil {
		b.logger.Error("❌ failed to send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) record(ev transcript.Event) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.Append(ev); err != nil {
		b.logger.Warn("⚠️ transcript append failed", "client_id", ev.ClientID, "error", err)
	}
}
