package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldsvc/schedule/scheduler"
	"github.com/fieldsvc/schedule/scheduler/config"
	"github.com/fieldsvc/schedule/scheduler/metrics"
	"github.com/fieldsvc/schedule/scheduler/mutation"
	"github.com/fieldsvc/schedule/scheduler/refresh"
	"github.com/fieldsvc/schedule/scheduler/series"
)

const calendarID = "crew-north"

func main() {
	configPath := flag.String("config", "scheduler.yaml", "path to the YAML configuration")
	watch := flag.Bool("watch", false, "keep running and refresh the window in the background")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	reg := prometheus.NewRegistry()

	sched, err := scheduler.Open(cfg,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics.New(reg)),
	)
	if err != nil {
		log.Fatalf("Failed to open scheduler: %v", err)
	}
	defer sched.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := seed(ctx, sched); err != nil {
		log.Fatalf("Failed to seed calendar: %v", err)
	}

	res, err := sched.Materialize(ctx, calendarID)
	if err != nil {
		log.Fatalf("Materialization failed: %v", err)
	}
	fmt.Printf("Window %s: %d occurrences\n", res.Window, len(res.Occurrences))
	for _, o := range res.Occurrences[:min(5, len(res.Occurrences))] {
		fmt.Printf("  %s  %-10s %s\n", o.Start.Time.Format("Mon 2006-01-02 15:04"), o.Status, o.Payload.Title)
	}

	// Reprice every visit from the third one on.
	if len(res.Occurrences) > 2 {
		third := res.Occurrences[2]
		price := map[string]any{"price": "45.00"}
		split, err := sched.Edit(ctx, calendarID, third.SeriesID, third.ID, mutation.ThisAndFollowing, mutation.Edit{
			Payload: &series.PayloadPatch{Attributes: price},
		})
		if err != nil {
			log.Fatalf("Edit failed: %v", err)
		}
		if split.Created != nil {
			fmt.Printf("Split %s at %s into %s\n", third.SeriesID, third.ID, split.Created.ID)
		}
	}

	if err := sched.Export(ctx, os.Stdout, calendarID); err != nil {
		log.Fatalf("Export failed: %v", err)
	}

	if !*watch {
		return
	}
	if err := sched.StartRefresh(ctx,
		refresh.WithSchedule(cfg.Refresh.Cron),
		refresh.WithOnChange(cfg.Refresh.OnChange),
	); err != nil {
		log.Fatalf("Failed to start refresh: %v", err)
	}
	logger.Info("watching for changes", "cron", cfg.Refresh.Cron)
	<-ctx.Done()
}

// seed creates a weekly lawn-care series unless the calendar already has one.
func seed(ctx context.Context, sched *scheduler.Scheduler) (*series.Series, error) {
	existing, err := sched.ListSeries(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	y, m, d := time.Now().Date()
	start := time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
	return sched.Create(ctx, &series.Series{
		CalendarID: calendarID,
		Payload: series.Payload{
			Title:      "Lawn care",
			Attributes: map[string]any{"client": "Martin", "price": "40.00"},
		},
		Start: series.At(start, "Europe/Paris"),
		End:   series.At(start.Add(90*time.Minute), "Europe/Paris"),
		Rule: &series.Rule{
			Freq:      series.Weekly,
			ByWeekday: []series.Weekday{series.WeekdayOf(start.Weekday())},
		},
	})
}
