package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/LianQi-Kevin/xinfadi-harvest/config"
	"github.com/LianQi-Kevin/xinfadi-harvest/fetch"
	"github.com/LianQi-Kevin/xinfadi-harvest/harvest"
	"github.com/LianQi-Kevin/xinfadi-harvest/models"
	"github.com/LianQi-Kevin/xinfadi-harvest/pipeline"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	defaultCfg := config.DefaultConfig()
	pageSizeDefault := defaultCfg.PageSize
	if value, ok, err := config.EnvInt("HARVEST_PAGE_SIZE"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid HARVEST_PAGE_SIZE: %v\n", err)
		os.Exit(1)
	} else if ok {
		pageSizeDefault = value
	}
	concurrencyDefault := defaultCfg.MaxConcurrency
	if value, ok, err := config.EnvInt("HARVEST_CONCURRENCY"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid HARVEST_CONCURRENCY: %v\n", err)
		os.Exit(1)
	} else if ok {
		concurrencyDefault = value
	}
	outputDefault := defaultCfg.OutputFile
	if value, ok := config.EnvString("HARVEST_OUTPUT"); ok {
		outputDefault = value
	}
	postgresDefault := defaultCfg.PostgresURL
	if value, ok := config.EnvString("HARVEST_POSTGRES_URL"); ok {
		postgresDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("HARVEST_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	baseURL := flag.String("base-url", defaultCfg.BaseURL, "Price endpoint URL")
	pageSize := flag.Int("page-size", pageSizeDefault, "Records requested per page")
	concurrency := flag.Int("concurrency", concurrencyDefault, "Maximum concurrent page fetches")
	maxAttempts := flag.Int("max-attempts", defaultCfg.MaxAttempts, "Fetch attempts per page before giving up")
	cooldownMs := flag.Int("retry-cooldown", int(defaultCfg.RetryCooldown/time.Millisecond), "Cooldown between attempts (milliseconds)")
	timeoutSec := flag.Int("timeout", int(defaultCfg.Timeout/time.Second), "Per-request timeout (seconds)")
	staggerGroup := flag.Int("stagger-group", defaultCfg.StaggerGroupSize, "Pages per stagger group")
	staggerMs := flag.Int("stagger-interval", int(defaultCfg.StaggerInterval/time.Millisecond), "Stagger delay per group (milliseconds)")
	rateLimit := flag.Float64("rate", defaultCfg.RateLimit, "Request rate limit (requests per second)")
	flushEvery := flag.Int("flush-every", defaultCfg.FlushEvery, "Rows between durable flushes")
	outputFile := flag.String("output", outputDefault, "Output file path")
	outputFormat := flag.String("format", defaultCfg.OutputFormat, "Output format: csv, jsonl, dual, or postgres")
	postgresURL := flag.String("postgres-url", postgresDefault, "PostgreSQL connection string (format=postgres)")
	postgresTable := flag.String("postgres-table", defaultCfg.PostgresTable, "PostgreSQL table name (format=postgres)")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	dateStart := flag.String("date-start", "", "Filter: publication date lower bound (YYYY-MM-DD)")
	dateEnd := flag.String("date-end", "", "Filter: publication date upper bound (YYYY-MM-DD)")
	prodName := flag.String("prod-name", "", "Filter: product name")
	prodCatID := flag.String("prod-cat", "", "Filter: category id")
	prodPcatID := flag.String("prod-pcat", "", "Filter: parent category id")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaultCfg
	cfg.BaseURL = *baseURL
	cfg.PageSize = *pageSize
	cfg.MaxConcurrency = *concurrency
	cfg.MaxAttempts = *maxAttempts
	cfg.RetryCooldown = time.Duration(*cooldownMs) * time.Millisecond
	cfg.Timeout = time.Duration(*timeoutSec) * time.Second
	cfg.StaggerGroupSize = *staggerGroup
	cfg.StaggerInterval = time.Duration(*staggerMs) * time.Millisecond
	cfg.RateLimit = *rateLimit
	cfg.FlushEvery = *flushEvery
	cfg.OutputFile = *outputFile
	cfg.OutputFormat = strings.ToLower(*outputFormat)
	cfg.PostgresURL = *postgresURL
	cfg.PostgresTable = *postgresTable
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose
	cfg.PubDateStart = *dateStart
	cfg.PubDateEnd = *dateEnd
	cfg.ProdName = *prodName
	cfg.ProdCatID = *prodCatID
	cfg.ProdPcatID = *prodPcatID

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting harvest",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("page_size", cfg.PageSize),
		slog.Int("concurrency", cfg.MaxConcurrency),
		slog.String("format", cfg.OutputFormat),
	)

	metrics := fetch.NewMetrics()
	client, err := fetch.NewClient(cfg, metrics)
	if err != nil {
		slog.Error("initialising fetch client", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, letting in-flight pages finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	orchestrator := harvest.New(cfg, client, writerFactory(cfg))
	report, err := orchestrator.Run(ctx)
	if report == nil {
		slog.Error("harvest failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err != nil {
		slog.Error("sink failed mid-run, output holds the last durable flush", slog.Any("error", err))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(report, cfg.OutputFile, cfg.OutputFormat)
	if err != nil || len(report.ExhaustedPages) > 0 {
		os.Exit(1)
	}
}

func writerFactory(cfg *config.Config) harvest.WriterFactory {
	return func() (pipeline.RowWriter, error) {
		switch cfg.OutputFormat {
		case "csv":
			return pipeline.NewCSVWriter(cfg.OutputFile)
		case "jsonl":
			return pipeline.NewJSONLWriter(cfg.OutputFile)
		case "dual":
			jsonlFile := strings.TrimSuffix(cfg.OutputFile, ".csv") + ".jsonl"
			return pipeline.NewDualWriter(cfg.OutputFile, jsonlFile)
		case "postgres":
			return pipeline.NewPostgresWriter(cfg.PostgresURL, cfg.PostgresTable)
		default:
			return nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
		}
	}
}

func printSummary(report *models.HarvestReport, outputFile, format string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Harvest complete")
	fmt.Printf("  Total records:   %d\n", report.TotalCount)
	fmt.Printf("  Pages:           %d\n", report.PageCount)
	fmt.Printf("  Succeeded:       %d\n", report.PagesSucceeded)
	if len(report.ExhaustedPages) > 0 {
		fmt.Printf("  Exhausted pages: %v\n", report.ExhaustedPages)
	}
	if len(report.SkippedPages) > 0 {
		fmt.Printf("  Skipped pages:   %v\n", report.SkippedPages)
	}
	fmt.Printf("  Rows written:    %d\n", report.RecordsWritten)
	if report.RecordsDeduped > 0 {
		fmt.Printf("  Duplicates:      %d\n", report.RecordsDeduped)
	}
	duration := report.EndTime.Sub(report.StartTime)
	fmt.Printf("  Duration:        %v\n", duration)
	if duration.Seconds() > 0 {
		fmt.Printf("  Rows/sec:        %.2f\n", float64(report.RecordsWritten)/duration.Seconds())
	}
	if format != "postgres" {
		fmt.Printf("  Output file:     %s\n", outputFile)
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
