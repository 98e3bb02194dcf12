package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"shopdesk/internal/dispatch"
	"shopdesk/internal/rules"
	"shopdesk/internal/transcript"
)

const (
	sendPrefix    = "send:"
	dismissPrefix = "dismiss:"
	suggestionTTL = 24 * time.Hour
)

// suggestion is a reply waiting for an agent's decision.
type suggestion struct {
	ClientID     string
	ChatID       int64
	CustomerName string
	Intent       string
	Options      []string
	CreatedAt    time.Time
}

func customerName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName + " " + u.LastName))
	if name == "" && u.UserName != "" {
		name = u.UserName
	}
	return name
}

func (b *Bot) handleCustomerMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}
	clientID := strconv.FormatInt(msg.Chat.ID, 10)
	name := customerName(msg.From)
	b.logger.Info("📩 customer message", "client_id", clientID, "username", msg.From.UserName)

	ts := b.now()
	if msg.Date != 0 {
		ts = msg.Time().UTC()
	}
	classified := b.classifier.Classify(clientID, name, channelName, text, ts)
	res := b.dispatcher.Process(ctx, classified)

	ev := transcript.Event{
		Timestamp:    ts,
		ClientID:     clientID,
		CustomerName: name,
		Message:      text,
		Intent:       classified.TopIntentName(),
	}
	if top, ok := classified.TopIntent(); ok {
		ev.Confidence = top.Confidence
	}
	if !res.Success {
		b.logger.Error("❌ dispatch failed", "client_id", clientID, "error", res.Error)
		b.record(ev)
		return
	}
	if len(res.FailedStrategies) > 0 {
		b.logger.Warn("⚠️ partial dispatch", "client_id", clientID, "failed", res.FailedStrategies)
	}

	reply := res.AutoReply
	if reply == nil {
		b.record(ev)
		return
	}
	ev.Reply = reply.Message
	ev.ReplySource = reply.Source
	if reply.ShouldAutoSend {
		b.sendMessage(msg.Chat.ID, reply.Message)
		ev.AutoSent = true
		b.logger.Info("✅ auto-reply sent", "client_id", clientID, "intent", reply.Intent, "confidence", reply.Confidence)
	} else {
		b.forwardSuggestion(msg.Chat.ID, clientID, name, text, res)
	}
	b.record(ev)
}

// forwardSuggestion shows the suggested replies to every agent with one button per option.
func (b *Bot) forwardSuggestion(chatID int64, clientID, name, text string, res dispatch.Result) {
	reply := res.AutoReply
	options := []string{reply.Message}
	for _, alt := range reply.Alternatives {
		options = append(options, alt.Message)
	}
	id := b.storeSuggestion(suggestion{
		ClientID:     clientID,
		ChatID:       chatID,
		CustomerName: name,
		Intent:       reply.Intent,
		Options:      options,
	})

	var sb strings.Builder
	who := clientID
	if name != "" {
		who = fmt.Sprintf("%s (%s)", name, clientID)
	}
	fmt.Fprintf(&sb, "💬 %s:\n%s\n\n", who, text)
	fmt.Fprintf(&sb, "Намерение: %s (%.2f), режим: %s\n", reply.Intent, reply.Confidence, reply.Mode)
	if bh := res.Behavior; bh != nil && bh.DominantTrait != "" {
		fmt.Fprintf(&sb, "Профиль: %s, акцент: %s\n", bh.DominantTrait, bh.Recommendation.Focus)
	}
	sb.WriteString("\nВарианты ответа:\n")
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, opt := range options {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, opt)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Отправить %d", i+1), fmt.Sprintf("%s%s:%d", sendPrefix, id, i)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Пропустить", dismissPrefix+id),
	))
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)

	for _, agentChat := range b.agentChats() {
		out := tgbotapi.NewMessage(agentChat, sb.String())
		out.ReplyMarkup = kb
		if _, err := b.s.Send(out); err != nil {
			b.logger.Error("❌ failed to forward suggestion", "agent", agentChat, "error", err)
		}
	}
}

func (b *Bot) storeSuggestion(s suggestion) string {
	s.CreatedAt = b.now()
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, old := range b.suggestions {
		if s.CreatedAt.Sub(old.CreatedAt) > suggestionTTL {
			delete(b.suggestions, k)
		}
	}
	b.suggestions[id] = s
	return id
}

func (b *Bot) takeSuggestion(id string) (suggestion, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.suggestions[id]
	if ok {
		delete(b.suggestions, id)
	}
	return s, ok
}

func (b *Bot) handleCallback(_ context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || !b.isStaff(cb.From.ID) {
		return
	}
	answer := "Готово"
	switch {
	case strings.HasPrefix(cb.Data, sendPrefix):
		answer = b.sendSuggestion(cb)
	case strings.HasPrefix(cb.Data, dismissPrefix):
		if _, ok := b.takeSuggestion(strings.TrimPrefix(cb.Data, dismissPrefix)); !ok {
			answer = "Подсказка уже обработана"
		} else {
			answer = "Пропущено"
		}
	}
	if _, err := b.s.Request(tgbotapi.NewCallback(cb.ID, answer)); err != nil {
		b.logger.Warn("⚠️ failed to answer callback", "error", err)
	}
}

func (b *Bot) sendSuggestion(cb *tgbotapi.CallbackQuery) string {
	rest := strings.TrimPrefix(cb.Data, sendPrefix)
	id, idxStr, ok := strings.Cut(rest, ":")
	if !ok {
		return "Некорректная кнопка"
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return "Некорректная кнопка"
	}
	s, ok := b.takeSuggestion(id)
	if !ok {
		return "Подсказка уже обработана"
	}
	if idx < 0 || idx >= len(s.Options) {
		return "Некорректная кнопка"
	}
	text := s.Options[idx]
	b.sendMessage(s.ChatID, text)

	agent := strconv.FormatInt(cb.From.ID, 10)
	if cb.From.UserName != "" {
		agent = "@" + cb.From.UserName
	}
	b.record(transcript.Event{
		Timestamp:    b.now(),
		ClientID:     s.ClientID,
		CustomerName: s.CustomerName,
		Intent:       s.Intent,
		Reply:        text,
		ReplySource:  rules.SourceRule,
		Agent:        agent,
	})
	b.logger.Info("✅ suggestion sent by agent", "client_id", s.ClientID, "agent", agent)
	return "Отправлено"
}
