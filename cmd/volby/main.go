package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-elections/config"
	"github.com/aluiziolira/go-scrape-elections/models"
	"github.com/aluiziolira/go-scrape-elections/pipeline"
	"github.com/aluiziolira/go-scrape-elections/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, nil))
}

// run executes the command line and returns the exit code. A non-nil rt
// replaces the fetcher's HTTP transport.
func run(args []string, stdout, stderr io.Writer, rt http.RoundTripper) int {
	defaultCfg := config.DefaultConfig()
	indexDefault := defaultCfg.IndexURL
	if value, ok := config.EnvString("SCRAPER_INDEX_URL"); ok {
		indexDefault = value
	}
	parallelDefault := defaultCfg.Parallelism
	if value, ok, err := config.EnvInt("SCRAPER_PARALLEL"); err != nil {
		fmt.Fprintf(stderr, "invalid SCRAPER_PARALLEL: %v\n", err)
		return exitUsage
	} else if ok {
		parallelDefault = value
	}
	timeoutDefault := defaultCfg.Timeout
	if value, ok, err := config.EnvDuration("SCRAPER_TIMEOUT"); err != nil {
		fmt.Fprintf(stderr, "invalid SCRAPER_TIMEOUT: %v\n", err)
		return exitUsage
	} else if ok {
		timeoutDefault = value
	}
	formatDefault := defaultCfg.OutputFormat
	if value, ok := config.EnvString("SCRAPER_FORMAT"); ok {
		formatDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	fs := flag.NewFlagSet("volby", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: volby [flags] <district-url> <output-file>")
		fs.PrintDefaults()
	}

	indexURL := fs.String("index-url", indexDefault, "Top-level districts page")
	parallelism := fs.Int("parallel", parallelDefault, "Number of concurrent municipality fetches")
	delayMs := fs.Int("delay", 0, "Delay between requests (milliseconds)")
	randomDelayMs := fs.Int("random-delay", 0, "Random jitter added to delay (milliseconds)")
	timeout := fs.Duration("timeout", timeoutDefault, "Per-request timeout")
	maxRetries := fs.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per URL")
	retryBackoffMs := fs.Int("retry-backoff", 200, "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := fs.Int("retry-backoff-max", 2000, "Maximum retry backoff (milliseconds)")
	respectRobots := fs.Bool("respect-robots", false, "Respect robots.txt directives")
	outputFormat := fs.String("format", formatDefault, "Output format: csv, json, or dual")
	noData := fs.String("no-data", defaultCfg.NoDataMarker, "Value written for a party absent from a municipality")
	onError := fs.String("on-error", defaultCfg.FailurePolicy, "Municipality fetch failure policy: skip or abort")
	list := fs.Bool("list", false, "Print the available district URLs and exit")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	metricsAddr := fs.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return exitUsage
	}

	logger, level := newLogger(stdout, *verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := config.DefaultConfig()
	cfg.IndexURL = *indexURL
	cfg.Parallelism = *parallelism
	cfg.Delay = time.Duration(*delayMs) * time.Millisecond
	cfg.RandomDelay = time.Duration(*randomDelayMs) * time.Millisecond
	cfg.Timeout = *timeout
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.RespectRobotsTxt = *respectRobots
	cfg.OutputFormat = strings.ToLower(*outputFormat)
	cfg.NoDataMarker = *noData
	cfg.FailurePolicy = strings.ToLower(*onError)
	cfg.Verbose = *verbose
	cfg.MetricsAddr = *metricsAddr
	if fs.NArg() == 2 {
		cfg.OutputFile = fs.Arg(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return exitUsage
	}
	if !*list && fs.NArg() != 2 {
		fs.Usage()
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher, err := scraper.NewFetcher(cfg)
	if err != nil {
		slog.Error("initialising fetcher", slog.Any("error", err))
		return exitFailure
	}
	if rt != nil {
		fetcher.WithTransport(rt)
	}

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(fetcher.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	agg := pipeline.NewAggregator(fetcher, cfg, fetcher.Metrics)
	defer agg.Close()

	fmt.Fprintln(stdout, "Ziskavam seznam dostupnych odkazu...")
	index, err := agg.Districts(ctx)
	if err != nil {
		slog.Error("loading district index failed", slog.Any("error", err))
		return exitFailure
	}

	if *list {
		for _, district := range index {
			fmt.Fprintln(stdout, district)
		}
		return 0
	}

	district, outputFile := fs.Arg(0), fs.Arg(1)
	switch err := pipeline.CheckArguments(index, district, outputFile); {
	case errors.Is(err, pipeline.ErrArgumentOrder):
		fmt.Fprintln(stderr, "Prvni argument ma byt URL adresa - odkaz na okres s volebnimi daty, druhy argument ma byt jmeno vystupniho souboru.")
		fmt.Fprintln(stderr, "Vase argumenty jsou prehozene.")
		return exitUsage
	case errors.Is(err, pipeline.ErrInvalidDistrict):
		fmt.Fprintln(stderr, "Zadana URL adresa nebyla v seznamu dostupnych URL adres nalezena. Zadejte dostupnou adresu.")
		fmt.Fprintln(stderr, "Seznam adres vypise prepinac -list.")
		return exitUsage
	}

	fmt.Fprintln(stdout, "Zpracovavam data z Vasi URL adresy...")
	if cfg.Verbose {
		agg.StartMetricsReporting(10 * time.Second)
	}

	table, err := agg.Run(ctx, district)
	if err != nil {
		slog.Error("scraping failed", slog.Any("error", err))
		return exitFailure
	}

	fmt.Fprintf(stdout, "Zapisuji do souboru %s a ukladam...\n", cfg.OutputFile)
	if err := writeTable(cfg.OutputFormat, cfg.OutputFile, table); err != nil {
		slog.Error("writing output failed", slog.Any("error", err))
		return exitFailure
	}

	printSummary(stdout, agg.Summary(), fetcher.Stats(), cfg.OutputFile)
	return 0
}

func writeTable(format, filename string, table *models.ResultTable) error {
	writer, err := createWriter(format, filename)
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}
	if err := writer.Write(table); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	if err := writer.Validate(); err != nil {
		return fmt.Errorf("output validation failed: %w", err)
	}
	return nil
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".json"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(w io.Writer, summary models.RunSummary, stats scraper.FetchStats, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Scrape complete")
	fmt.Fprintf(w, "  District:       %s\n", summary.District)
	fmt.Fprintf(w, "  Municipalities: %d\n", summary.Municipalities)
	fmt.Fprintf(w, "  Failed:         %d\n", summary.Failed)
	fmt.Fprintf(w, "  Parties:        %d\n", summary.Parties)
	fmt.Fprintf(w, "  Requests:       %d\n", stats.Requests)
	fmt.Fprintf(w, "  Retries:        %d\n", stats.Retries)
	if len(stats.ErrorsByType) > 0 {
		fmt.Fprintf(w, "  Error types:    %v\n", stats.ErrorsByType)
	}
	fmt.Fprintf(w, "  Duration:       %v\n", summary.EndTime.Sub(summary.StartTime))
	fmt.Fprintf(w, "  Output file:    %s\n", outputFile)
	fmt.Fprintln(w, separator)
}

func newLogger(w io.Writer, verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(w) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), level
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
