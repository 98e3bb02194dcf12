package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"shopdesk/internal/storage"
	"shopdesk/internal/transcript"
)

const topKeywordsInReport = 10

// DailyStats содержит статистику обращений за день
type DailyStats struct {
	Date            string                   `json:"date"`
	TotalMessages   int                      `json:"total_messages"`
	UniqueCustomers int                      `json:"unique_customers"`
	AutoSent        int                      `json:"auto_sent"`
	Suggested       int                      `json:"suggested"`
	FallbackReplies int                      `json:"fallback_replies"`
	IntentCounts    map[string]int           `json:"intent_counts"`
	CustomerStats   map[string]CustomerStats `json:"customer_stats"`
}

// CustomerStats содержит статистику по покупателю
type CustomerStats struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`
	Messages int    `json:"messages"`
	AutoSent int    `json:"auto_sent"`
}

// Report объединяет дневную статистику и накопленные счётчики
type Report struct {
	Day    *DailyStats                 `json:"day"`
	Global *storage.StatisticsSnapshot `json:"global,omitempty"`
}

// AnalyzeDailyLogs анализирует транскрипт за указанную дату
func AnalyzeDailyLogs(events []transcript.Event, targetDate time.Time) *DailyStats {
	startOfDay := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, targetDate.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	stats := &DailyStats{
		Date:          startOfDay.Format("2006-01-02"),
		IntentCounts:  make(map[string]int),
		CustomerStats: make(map[string]CustomerStats),
	}

	for _, event := range events {
		if event.Timestamp.Before(startOfDay) || !event.Timestamp.Before(endOfDay) {
			continue
		}
		// записи без текста покупателя (ручные ответы агентов) не считаются
		if event.Message == "" {
			continue
		}
		stats.TotalMessages++
		if event.Intent != "" {
			stats.IntentCounts[event.Intent]++
		}
		switch {
		case event.AutoSent:
			stats.AutoSent++
		case event.Reply != "":
			stats.Suggested++
		}
		if event.ReplySource == "fallback" {
			stats.FallbackReplies++
		}

		cs, ok := stats.CustomerStats[event.ClientID]
		if !ok {
			cs = CustomerStats{ClientID: event.ClientID}
		}
		if event.CustomerName != "" {
			cs.Name = event.CustomerName
		}
		cs.Messages++
		if event.AutoSent {
			cs.AutoSent++
		}
		stats.CustomerStats[event.ClientID] = cs
	}

	stats.UniqueCustomers = len(stats.CustomerStats)
	return stats
}

// AutomationRate возвращает долю сообщений, на которые бот ответил сам
func (ds *DailyStats) AutomationRate() float64 {
	if ds.TotalMessages == 0 {
		return 0
	}
	return float64(ds.AutoSent) / float64(ds.TotalMessages)
}

// GenerateReportSummary создает текстовое резюме для отправки администратору
func (r *Report) GenerateReportSummary() string {
	var b strings.Builder
	ds := r.Day
	fmt.Fprintf(&b, "📊 Отчёт shopdesk за %s\n\n", ds.Date)
	b.WriteString("Обращения за день:\n")
	fmt.Fprintf(&b, "- Всего сообщений: %d\n", ds.TotalMessages)
	fmt.Fprintf(&b, "- Уникальных покупателей: %d\n", ds.UniqueCustomers)
	fmt.Fprintf(&b, "- Отвечено автоматически: %d (%.0f%%)\n", ds.AutoSent, ds.AutomationRate()*100)
	fmt.Fprintf(&b, "- Отправлено агентам как подсказка: %d\n", ds.Suggested)
	fmt.Fprintf(&b, "- Ответов по умолчанию: %d\n", ds.FallbackReplies)

	if len(ds.IntentCounts) > 0 {
		b.WriteString("\nНамерения:\n")
		for _, kv := range sortedCounts(ds.IntentCounts) {
			fmt.Fprintf(&b, "- %s: %d\n", kv.Keyword, kv.Count)
		}
	}

	if len(ds.CustomerStats) > 0 {
		fmt.Fprintf(&b, "\nАктивность покупателей (%d):\n", len(ds.CustomerStats))
		customers := make([]CustomerStats, 0, len(ds.CustomerStats))
		for _, cs := range ds.CustomerStats {
			customers = append(customers, cs)
		}
		sort.Slice(customers, func(i, j int) bool {
			if customers[i].Messages != customers[j].Messages {
				return customers[i].Messages > customers[j].Messages
			}
			return customers[i].ClientID < customers[j].ClientID
		})
		for _, cs := range customers {
			label := cs.ClientID
			if cs.Name != "" {
				label = fmt.Sprintf("%s (%s)", cs.Name, cs.ClientID)
			}
			fmt.Fprintf(&b, "- %s: %d сообщений", label, cs.Messages)
			if cs.AutoSent > 0 {
				fmt.Fprintf(&b, ", %d автоответов", cs.AutoSent)
			}
			b.WriteString("\n")
		}
	}

	if g := r.Global; g != nil {
		b.WriteString("\nЗа всё время:\n")
		fmt.Fprintf(&b, "- Сообщений: %d, сессий: %d\n", g.MessageCount, g.SessionCount)
		fmt.Fprintf(&b, "- В среднем сообщений на сессию: %.1f\n", g.AvgMessagesPerSession)
		if hour, ok := peakHour(g.HourlyDistribution); ok {
			fmt.Fprintf(&b, "- Пиковый час: %02d:00\n", hour)
		}
		if len(g.TopKeywords) > 0 {
			n := min(len(g.TopKeywords), topKeywordsInReport)
			words := make([]string, n)
			for i, kc := range g.TopKeywords[:n] {
				words[i] = fmt.Sprintf("%s (%d)", kc.Keyword, kc.Count)
			}
			fmt.Fprintf(&b, "- Частые слова: %s\n", strings.Join(words, ", "))
		}
	}
	return b.String()
}

// ToJSON сериализует отчёт в JSON для детального анализа
func (r *Report) ToJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func peakHour(hours []int) (int, bool) {
	best, bestCount := 0, 0
	for h, c := range hours {
		if c > bestCount {
			best, bestCount = h, c
		}
	}
	return best, bestCount > 0
}

func sortedCounts(m map[string]int) []storage.KeywordCount {
	out := make([]storage.KeywordCount, 0, len(m))
	for k, v := range m {
		out = append(out, storage.KeywordCount{Keyword: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Keyword < out[j].Keyword
	})
	return out
}
