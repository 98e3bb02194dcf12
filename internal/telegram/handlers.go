package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"shopdesk/internal/auth"
	"shopdesk/internal/rules"
	"shopdesk/internal/session"
)

const helpText = `Команды агента:
/autoreply on|off - включить или выключить автоответы
/mode auto|suggest|hybrid - режим автоответов
/rule intent | pattern | reply - добавить правило
/rules - список правил
/stats [client_id] - статистика
/cleanup [hours] - очистить старые сессии
Команды администратора:
/report - отчёт за сегодня
/grant user_id - добавить агента
/revoke user_id - удалить агента
/agents - список агентов`

func (b *Bot) handleStaffMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		b.sendMessage(msg.Chat.ID, "Ответы покупателям отправляются кнопками под подсказками. /help - список команд.")
		return
	}
	args := strings.TrimSpace(msg.CommandArguments())
	isAdmin := b.adminUserID != 0 && msg.From.ID == b.adminUserID
	b.logger.Info("⚙️ staff command", "user_id", msg.From.ID, "command", msg.Command())

	var reply string
	switch msg.Command() {
	case "start", "help":
		reply = helpText
	case "autoreply":
		reply = b.cmdAutoReply(args)
	case "mode":
		reply = b.cmdMode(args)
	case "rule":
		reply = b.cmdRule(ctx, args)
	case "rules":
		reply = b.cmdRules()
	case "stats":
		reply = b.cmdStats(ctx, args)
	case "cleanup":
		reply = b.cmdCleanup(ctx, args)
	case "report", "grant", "revoke", "agents":
		if !isAdmin {
			reply = "Команда доступна только администратору"
			break
		}
		reply = b.adminCommand(msg, args)
	default:
		reply = "Неизвестная команда. /help - список команд."
	}
	b.sendMessage(msg.Chat.ID, reply)
}

func (b *Bot) adminCommand(msg *tgbotapi.Message, args string) string {
	switch msg.Command() {
	case "report":
		r, err := b.BuildReport(b.now())
		if err != nil {
			b.logger.Error("❌ failed to build report", "error", err)
			return "Не удалось собрать отчёт: " + err.Error()
		}
		return r.GenerateReportSummary()
	case "grant":
		return b.cmdGrant(msg, args)
	case "revoke":
		return b.cmdRevoke(args)
	default:
		return b.cmdAgents()
	}
}

func (b *Bot) cmdAutoReply(args string) string {
	var on bool
	switch strings.ToLower(args) {
	case "on":
		on = true
	case "off":
	case "":
		state := "выключены"
		if b.dispatcher.StrategyEnabled(rules.NameAutoReply) {
			state = "включены"
		}
		return "Автоответы " + state
	default:
		return "Использование: /autoreply on|off"
	}
	if err := b.dispatcher.SetStrategyEnabled(rules.NameAutoReply, on); err != nil {
		return "Ошибка: " + err.Error()
	}
	if on {
		return "✅ Автоответы включены"
	}
	return "⏸ Автоответы выключены"
}

func (b *Bot) cmdMode(args string) string {
	if b.replies == nil {
		return "Автоответы не настроены"
	}
	if args == "" {
		return "Текущий режим: " + string(b.replies.Mode())
	}
	m, err := rules.ParseMode(args)
	if err != nil {
		return "Использование: /mode auto|suggest|hybrid"
	}
	b.replies.SetMode(m)
	return "Режим автоответов: " + string(m)
}

func (b *Bot) cmdRule(ctx context.Context, args string) string {
	if b.replies == nil {
		return "Автоответы не настроены"
	}
	parts := strings.SplitN(args, "|", 3)
	if len(parts) != 3 {
		return "Использование: /rule intent | pattern | reply"
	}
	intent := strings.TrimSpace(parts[0])
	pattern := strings.TrimSpace(parts[1])
	reply := strings.TrimSpace(parts[2])
	if intent == "" || pattern == "" || reply == "" {
		return "Использование: /rule intent | pattern | reply"
	}
	if err := b.replies.AddRule(ctx, intent, pattern, reply); err != nil {
		if errors.Is(err, rules.ErrInvalidPattern) {
			return "Некорректный шаблон: " + err.Error()
		}
		b.logger.Error("❌ failed to add rule", "intent", intent, "error", err)
		return "Не удалось сохранить правило: " + err.Error()
	}
	return fmt.Sprintf("✅ Правило для %q добавлено", intent)
}

func (b *Bot) cmdRules() string {
	if b.replies == nil {
		return "Автоответы не настроены"
	}
	sets := b.replies.Rules()
	if len(sets) == 0 {
		return "Правил пока нет"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Режим: %s\n", b.replies.Mode())
	for _, set := range sets {
		fmt.Fprintf(&sb, "\n%s", set.Intent)
		if set.DefaultReply != "" {
			fmt.Fprintf(&sb, " (по умолчанию: %s)", set.DefaultReply)
		}
		sb.WriteString("\n")
		for _, r := range set.Rules {
			fmt.Fprintf(&sb, "  /%s/ → %s\n", r.Pattern, r.Reply)
		}
	}
	return sb.String()
}

func (b *Bot) cmdStats(ctx context.Context, args string) string {
	if b.stats == nil {
		return "Статистика выключена"
	}
	if args != "" {
		return b.clientStats(ctx, args)
	}
	snap := b.stats.Snapshot()
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Сообщений: %d\nСессий: %d\nВ среднем на сессию: %.1f\n",
		snap.MessageCount, snap.SessionCount, snap.AvgMessagesPerSession)
	if len(snap.TopKeywords) > 0 {
		sb.WriteString("\nТоп ключевых слов:\n")
		for i, kw := range snap.TopKeywords {
			if i == 10 {
				break
			}
			fmt.Fprintf(&sb, "- %s (%d)\n", kw.Keyword, kw.Count)
		}
	}
	return sb.String()
}

func (b *Bot) clientStats(ctx context.Context, clientID string) string {
	sess, err := b.dispatcher.Session(ctx, clientID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return "Активной сессии для " + clientID + " нет"
		}
		return "Ошибка: " + err.Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "👤 %s", clientID)
	if name := sess.CustomerName(); name != "" {
		fmt.Fprintf(&sb, " (%s)", name)
	}
	fmt.Fprintf(&sb, "\nСообщений в сессии: %d\nПоследняя активность: %s\n",
		sess.MessageCount, sess.LastActivity.Format(time.RFC3339))
	if c, ok := b.stats.SessionStats(clientID); ok && len(c.Intents) > 0 {
		sb.WriteString("Намерения:\n")
		intents := make([]string, 0, len(c.Intents))
		for intent := range c.Intents {
			intents = append(intents, intent)
		}
		sort.Strings(intents)
		for _, intent := range intents {
			fmt.Fprintf(&sb, "- %s: %d\n", intent, c.Intents[intent])
		}
	}
	return sb.String()
}

func (b *Bot) cmdCleanup(ctx context.Context, args string) string {
	maxAge := b.sessionTimeout
	if args != "" {
		hours, err := strconv.Atoi(args)
		if err != nil || hours <= 0 {
			return "Использование: /cleanup [hours]"
		}
		maxAge = time.Duration(hours) * time.Hour
	}
	n, err := b.dispatcher.CleanupSessions(ctx, maxAge)
	if err != nil {
		return "Ошибка очистки: " + err.Error()
	}
	return fmt.Sprintf("🧹 Удалено сессий: %d", n)
}

func (b *Bot) cmdGrant(msg *tgbotapi.Message, args string) string {
	if b.roster == nil {
		return "Список агентов не настроен"
	}
	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return "Использование: /grant user_id"
	}
	a := auth.Agent{ID: id, AddedAt: b.now()}
	if fwd := msg.ForwardFrom; fwd != nil && fwd.ID == id {
		a.Username = fwd.UserName
		a.FirstName = fwd.FirstName
		a.LastName = fwd.LastName
	}
	if err := b.roster.Grant(a); err != nil {
		b.logger.Error("❌ failed to grant agent", "user_id", id, "error", err)
		return "Не удалось добавить агента: " + err.Error()
	}
	b.sendMessage(id, "Вам выдан доступ агента поддержки. /help - список команд.")
	return fmt.Sprintf("✅ Агент %d добавлен", id)
}

func (b *Bot) cmdRevoke(args string) string {
	if b.roster == nil {
		return "Список агентов не настроен"
	}
	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return "Использование: /revoke user_id"
	}
	if err := b.roster.Revoke(id); err != nil {
		return "Не удалось удалить агента: " + err.Error()
	}
	return fmt.Sprintf("Агент %d удалён", id)
}

func (b *Bot) cmdAgents() string {
	if b.roster == nil {
		return "Список агентов не настроен"
	}
	agents := b.roster.List()
	if len(agents) == 0 {
		return "Агентов нет"
	}
	var sb strings.Builder
	sb.WriteString("Агенты:\n")
	for _, a := range agents {
		fmt.Fprintf(&sb, "- %s (%d)\n", a.DisplayName(), a.ID)
	}
	return sb.String()
}
