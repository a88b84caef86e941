// Package main provides a one-shot CLI that harvests a date window and exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/timeline-harvester/internal/adapter"
	"github.com/timeline-harvester/internal/config"
	"github.com/timeline-harvester/internal/job"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/storage"
	"github.com/timeline-harvester/internal/types"
)

func main() {
	os.Exit(run())
}

// run harvests once and returns the process exit code
func run() int {
	var (
		minDate   = flag.String("min-date", "", "First day to harvest (YYYY-MM-DD, UTC). Defaults to yesterday.")
		maxDate   = flag.String("max-date", "", "Last day to harvest (YYYY-MM-DD, UTC). Defaults to min-date.")
		backend   = flag.String("warehouse", "", "Warehouse backend: clickhouse, duckdb (default from WAREHOUSE_BACKEND)")
		accounts  = flag.String("accounts", "", "Comma-separated handles overriding the configured accounts")
		pageLimit = flag.Int("page-limit", 0, "Posts per page request (default from HARVEST_PAGE_LIMIT)")
		maxPages  = flag.Int("max-pages", 0, "Page bound per account (default from HARVEST_MAX_PAGES)")
		useLedger = flag.Bool("ledger", true, "Record the run in the Postgres ledger")
		useLock   = flag.Bool("lock", true, "Hold the Redis run lock while harvesting")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("cmd", "harvest")
	defer logger.Sync()

	input, err := buildInput(*minDate, *maxDate, *accounts, *pageLimit, *maxPages)
	if err != nil {
		logger.WithError(err).Fatal("Invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	warehouse, err := storage.OpenWarehouse(ctx, cfg, strings.ToLower(*backend))
	if err != nil {
		logger.WithError(err).Fatal("Failed to open warehouse")
	}
	defer warehouse.Close()

	var ledger job.RunLedger
	if *useLedger {
		postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			logger.WithError(err).Warn("Run ledger unavailable, continuing without it")
		} else {
			defer postgres.Close()
			ledger = storage.NewRunRepository(postgres)
		}
	}

	var lock job.RunLocker
	if *useLock {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Run lock unavailable, continuing without it")
		} else {
			defer redis.Close()
			lock = storage.NewRunLock(redis, storage.DefaultRunLockKey, cfg.Harvest.LockTTL)
		}
	}

	fetcher := adapter.NewTimelineClient(adapter.TimelineClientConfig{
		BaseURL:           cfg.Twitter.BaseURL,
		BearerToken:       cfg.Twitter.BearerToken,
		PageLimit:         cfg.Harvest.PageLimit,
		RequestsPerSecond: cfg.Twitter.RequestsPerSecond,
		Timeout:           cfg.Harvest.FetchTimeout,
	})

	harvest := job.NewHarvestJob(fetcher, warehouse, ledger, lock, job.DefaultsFromConfig(&cfg.Harvest))

	report, err := harvest.Run(ctx, input)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		logger.WithError(err).Error("Harvest failed")
		return 1
	}
	return 0
}

// buildInput turns the flags into a run input; empty flags take the job defaults
func buildInput(minDate, maxDate, accounts string, pageLimit, maxPages int) (*job.RunInput, error) {
	input := &job.RunInput{
		PageLimit: pageLimit,
		MaxPages:  maxPages,
		Trigger:   models.TriggerCLI,
	}

	if minDate == "" && maxDate != "" {
		minDate = maxDate
	}
	if minDate != "" {
		if maxDate == "" {
			maxDate = minDate
		}
		lo, err := types.ParseDate(minDate)
		if err != nil {
			return nil, err
		}
		hi, err := types.ParseDate(maxDate)
		if err != nil {
			return nil, err
		}
		window, err := types.NewExtractionWindow(lo, hi)
		if err != nil {
			return nil, err
		}
		input.Window = window
	}

	if accounts != "" {
		for _, raw := range strings.Split(accounts, ",") {
			if a := types.NormalizeAccount(raw); a != "" {
				input.Accounts = append(input.Accounts, a)
			}
		}
	}

	return input, nil
}

func printReport(report *models.RunReport) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logging.WithError(err).Warn("Failed to print run report")
	}
}
