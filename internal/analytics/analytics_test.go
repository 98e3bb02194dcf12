package analytics

import (
	"strings"
	"testing"
	"time"

	"shopdesk/internal/storage"
	"shopdesk/internal/transcript"
)

func TestAnalyzeDailyLogs(t *testing.T) {
	testDate := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	events := []transcript.Event{
		{Timestamp: testDate.Add(2 * time.Hour), ClientID: "123", CustomerName: "Анна", Message: "Привет", Intent: "greeting", Reply: "Здравствуйте!", AutoSent: true, ReplySource: "rule"},
		{Timestamp: testDate.Add(4 * time.Hour), ClientID: "123", Message: "Где заказ?", Intent: "order_status", Reply: "Проверяем", ReplySource: "rule"},
		{Timestamp: testDate.Add(6 * time.Hour), ClientID: "456", Message: "ммм", Intent: "default", Reply: "Спасибо за сообщение", ReplySource: "fallback"},
		// другой день
		{Timestamp: testDate.AddDate(0, 0, 1), ClientID: "789", Message: "Завтра", AutoSent: true},
		// ручной ответ агента без текста покупателя
		{Timestamp: testDate.Add(8 * time.Hour), ClientID: "123", Reply: "Ваш заказ у курьера", Agent: "@vera"},
	}

	stats := AnalyzeDailyLogs(events, testDate)

	if stats.Date != "2024-01-15" {
		t.Errorf("Expected date '2024-01-15', got '%s'", stats.Date)
	}
	if stats.TotalMessages != 3 {
		t.Errorf("Expected 3 total messages, got %d", stats.TotalMessages)
	}
	if stats.UniqueCustomers != 2 {
		t.Errorf("Expected 2 unique customers, got %d", stats.UniqueCustomers)
	}
	if stats.AutoSent != 1 || stats.Suggested != 2 || stats.FallbackReplies != 1 {
		t.Errorf("Unexpected reply split: auto=%d suggested=%d fallback=%d", stats.AutoSent, stats.Suggested, stats.FallbackReplies)
	}
	if stats.IntentCounts["greeting"] != 1 || stats.IntentCounts["order_status"] != 1 {
		t.Errorf("Unexpected intents: %v", stats.IntentCounts)
	}

	cs, ok := stats.CustomerStats["123"]
	if !ok {
		t.Fatal("Customer 123 stats not found")
	}
	if cs.Messages != 2 || cs.AutoSent != 1 || cs.Name != "Анна" {
		t.Errorf("Unexpected customer 123 stats: %+v", cs)
	}
}

func TestAnalyzeDailyLogsEmpty(t *testing.T) {
	stats := AnalyzeDailyLogs(nil, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	if stats.TotalMessages != 0 || stats.UniqueCustomers != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
	if stats.AutomationRate() != 0 {
		t.Errorf("Expected zero automation rate")
	}
}

func TestGenerateReportSummary(t *testing.T) {
	day := &DailyStats{
		Date:            "2024-01-15",
		TotalMessages:   4,
		UniqueCustomers: 2,
		AutoSent:        2,
		Suggested:       2,
		IntentCounts:    map[string]int{"greeting": 1, "order_status": 3},
		CustomerStats: map[string]CustomerStats{
			"1": {ClientID: "1", Name: "Анна", Messages: 3, AutoSent: 2},
			"2": {ClientID: "2", Messages: 1},
		},
	}
	hours := make([]int, 24)
	hours[14] = 9
	r := &Report{Day: day, Global: &storage.StatisticsSnapshot{
		MessageCount:          40,
		SessionCount:          8,
		AvgMessagesPerSession: 5,
		HourlyDistribution:    hours,
		TopKeywords:           []storage.KeywordCount{{Keyword: "заказ", Count: 12}},
	}}

	summary := r.GenerateReportSummary()
	expected := []string{
		"2024-01-15",
		"Всего сообщений: 4",
		"Уникальных покупателей: 2",
		"Отвечено автоматически: 2 (50%)",
		"- order_status: 3",
		"Анна (1): 3 сообщений, 2 автоответов",
		"Сообщений: 40, сессий: 8",
		"Пиковый час: 14:00",
		"заказ (12)",
	}
	for _, want := range expected {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary missing %q:\n%s", want, summary)
		}
	}
	if strings.Index(summary, "order_status") > strings.Index(summary, "greeting") {
		t.Errorf("Intents not ordered by count:\n%s", summary)
	}
}

func TestReportToJSON(t *testing.T) {
	r := &Report{Day: &DailyStats{Date: "2024-01-15", TotalMessages: 1}}
	out, err := r.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if !strings.Contains(out, `"total_messages": 1`) {
		t.Errorf("Unexpected JSON: %s", out)
	}
}
