package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shopdesk/internal/analytics"
	"shopdesk/internal/storage"
	"shopdesk/internal/transcript"
)

func newStatsCmd() *cobra.Command {
	var (
		date   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the daily report from the transcript and stored statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC()
			if date != "" {
				d, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				day = d
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			report := &analytics.Report{}

			rec, err := transcript.NewFileRecorder(cfg.TranscriptFilePath)
			if err != nil {
				return err
			}
			events, err := rec.Load()
			if err != nil {
				return fmt.Errorf("load transcript: %w", err)
			}
			report.Day = analytics.AnalyzeDailyLogs(events, day)

			factory, err := newFactory(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = factory.Destroy(context.Background()) }()
			ds, err := factory.DataService(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := ds.GetStatistics(cmd.Context())
			switch {
			case err == nil:
				report.Global = snap
			case errors.Is(err, storage.ErrNotFound):
			default:
				logger.Warn("stored statistics unavailable", "error", err)
			}

			if asJSON {
				out, err := report.ToJSON()
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}
			fmt.Print(report.GenerateReportSummary())
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Report day in YYYY-MM-DD (default: today, UTC)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}
