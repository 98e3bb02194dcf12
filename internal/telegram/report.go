package telegram

import (
	"context"
	"fmt"
	"time"

	"shopdesk/internal/analytics"
)

// BuildReport collects the transcript of day and the running counters.
func (b *Bot) BuildReport(day time.Time) (*analytics.Report, error) {
	r := &analytics.Report{}
	if b.recorder != nil {
		events, err := b.recorder.Load()
		if err != nil {
			return nil, fmt.Errorf("load transcript: %w", err)
		}
		r.Day = analytics.AnalyzeDailyLogs(events, day)
	} else {
		r.Day = analytics.AnalyzeDailyLogs(nil, day)
	}
	if b.stats != nil {
		r.Global = b.stats.Snapshot()
	}
	return r, nil
}

// SendDailyReport отправляет отчёт за текущие сутки администратору
func (b *Bot) SendDailyReport(_ context.Context) error {
	if b.adminUserID == 0 {
		return nil
	}
	r, err := b.BuildReport(b.now())
	if err != nil {
		return err
	}
	b.logger.Info("📊 sending daily report", "date", r.Day.Date, "messages", r.Day.TotalMessages)
	b.sendMessage(b.adminUserID, r.GenerateReportSummary())
	return nil
}

// NotifyAdmin sends an operational notice to the admin, if one is configured.
func (b *Bot) NotifyAdmin(text string) {
	if b.adminUserID == 0 {
		return
	}
	b.sendMessage(b.adminUserID, text)
}
