// Market data fetcher CLI
// Downloads historical candles from the exchange, enriches each candle with the
// bid/ask split of its aggregated trades, and caches every page on disk so
// repeated runs cost no requests.
//
// Usage:
//
//	fetcher fetch --symbol BTCUSDT --interval 1m --start 2024-01-01 --end 2024-01-02
//	fetcher bulk --symbols BTCUSDT,ETHUSDT --interval 1h --days 30
//	fetcher bars --symbol BTCUSDT --start 2024-01-01 --end 2024-01-02 --json
//	fetcher check --symbol BTCUSDT
//	fetcher cache stats
//
// For detailed help on any command, use: fetcher <command> --help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/go-marketdata-fetcher/internal/alerts"
	"github.com/johnayoung/go-marketdata-fetcher/internal/cache"
	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
	"github.com/johnayoung/go-marketdata-fetcher/internal/exchange"
	"github.com/johnayoung/go-marketdata-fetcher/internal/fetcher"
	"github.com/johnayoung/go-marketdata-fetcher/internal/logger"
	"github.com/johnayoung/go-marketdata-fetcher/internal/metrics"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
	"github.com/johnayoung/go-marketdata-fetcher/internal/progress"
	"github.com/johnayoung/go-marketdata-fetcher/internal/ratelimit"
	"github.com/johnayoung/go-marketdata-fetcher/internal/retry"
	"github.com/johnayoung/go-marketdata-fetcher/internal/server"
	"github.com/johnayoung/go-marketdata-fetcher/internal/storage"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "fetcher"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

const dateLayout = "2006-01-02"

// CLI holds the components shared by every command.
type CLI struct {
	config     *config.AppConfig
	logs       *logger.LoggerManager
	logger     *slog.Logger
	metrics    *metrics.MetricsCollector
	classifier *apperrors.ErrorClassifier
	alerts     *alerts.Manager
	server     *server.Server
	exchange   *exchange.BinanceClient
	limiter    *ratelimit.Limiter
	cache      *cache.Store
	storage    storage.Store
}

func main() {
	configPath, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage()
		os.Exit(ExitUsageError)
	}
	if len(args) == 0 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := args[0]
	args = args[1:]

	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	case "fetch", "bulk", "bars", "check", "cache":
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if wantsHelp(args) {
		printCommandHelp(command)
		return
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	if err := cli.initialize(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}

	code := cli.run(ctx, command, args)
	cli.close()
	os.Exit(code)
}

func (cli *CLI) run(ctx context.Context, command string, args []string) int {
	ctx, _ = logger.NewSession(ctx)

	var err error
	switch command {
	case "fetch":
		err = cli.handleFetch(ctx, args)
	case "bulk":
		err = cli.handleBulk(ctx, args)
	case "bars":
		err = cli.handleBars(ctx, args)
	case "check":
		err = cli.handleCheck(ctx, args)
	case "cache":
		err = cli.handleCache(ctx, args)
	}
	return cli.exitCode(ctx, command, err)
}

func (cli *CLI) exitCode(ctx context.Context, command string, err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		cli.logger.Warn("interrupted", "command", command)
		return ExitInterrupt
	case errors.As(err, &usage):
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printCommandHelp(command)
		return ExitUsageError
	case apperrors.IsCacheWriteOnly(err):
		// the data was fetched and reported; only the cache is behind
		logger.LogError(ctx, cli.logger, err, "some batches could not be cached")
		return ExitSuccess
	}

	logger.LogError(ctx, cli.logger, err, command+" failed")
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeNetwork, apperrors.ErrorTypeTimeout, apperrors.ErrorTypeCircuitOpen:
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}

// initialize sets up the components shared by all commands
func (cli *CLI) initialize(ctx context.Context, configPath string) error {
	cfg, err := config.NewConfigManager(configPath, logger.Discard()).LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()
	slog.SetDefault(cli.logger)

	cli.metrics = metrics.NewMetricsCollector()
	cli.classifier = apperrors.NewErrorClassifier(logs.GetComponentLogger("errors").Logger)
	cli.metrics.TrackErrors(cli.classifier)

	opts := []exchange.Option{
		exchange.WithLogger(cli.logger),
		exchange.WithObserver(cli.metrics),
	}
	if cfg.CircuitBreaker.Enabled {
		opts = append(opts, exchange.WithCircuitBreaker(apperrors.NewCircuitBreaker("exchange", cfg.CircuitBreaker)))
	}
	cli.exchange, err = exchange.NewBinanceClient(cfg.API, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize exchange client: %w", err)
	}

	cli.limiter, err = ratelimit.New(cfg.RateLimit,
		ratelimit.WithLogger(cli.logger),
		ratelimit.WithGrantHook(cli.metrics.ObserveGrant))
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	cli.cache = cache.New(cfg.Cache,
		cache.WithLogger(logs.GetComponentLogger("cache").Logger),
		cache.WithRecorder(cli.metrics))

	cli.storage, err = storage.New(ctx, cfg.Storage, logs.GetComponentLogger("storage").Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if cfg.Alerts.Enabled {
		cli.alerts = alerts.NewManager(cfg.Alerts, cli.metrics.GetSnapshot,
			alerts.WithLogger(logs.GetComponentLogger("alerts").Logger))
		go cli.alerts.Run(ctx)
	}

	if cfg.Metrics.Enabled {
		srvCfg := server.Config{
			Addr:        cfg.Metrics.Addr,
			MetricsPath: cfg.Metrics.Path,
			Metrics:     cli.metrics,
			Ready:       cli.ready,
			Logger:      cli.logger,
		}
		if cli.alerts != nil {
			srvCfg.Alerts = cli.alerts
		}
		cli.server = server.New(srvCfg)
		if err := cli.server.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		cli.logger.Info("metrics server listening", "addr", cli.server.Addr())
	}
	return nil
}

func (cli *CLI) ready(ctx context.Context) error {
	if cli.storage == nil {
		return nil
	}
	return cli.storage.HealthCheck(ctx)
}

func (cli *CLI) close() {
	if cli.alerts != nil {
		// runs shorter than the evaluation interval still get checked once
		cli.alerts.Evaluate(context.Background())
	}
	if cli.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := cli.server.Shutdown(ctx); err != nil {
			cli.logger.Warn("metrics server shutdown failed", "error", err)
		}
		cancel()
	}
	if cli.storage != nil {
		if err := cli.storage.Close(); err != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
	}
	if cli.logs != nil {
		_ = cli.logs.Close()
	}
}

// newOrchestrator wires a fetcher reporting to sink. Sinks are single use, so
// every command builds its own.
func (cli *CLI) newOrchestrator(cfg *config.AppConfig, sink progress.Sink) (*fetcher.Orchestrator, error) {
	deps := fetcher.Dependencies{
		Exchange:   cli.exchange,
		Limiter:    cli.limiter,
		Cache:      cli.cache,
		Progress:   sink,
		Metrics:    cli.metrics,
		Classifier: cli.classifier,
		Logger:     cli.logger,
	}
	if cli.storage != nil {
		deps.Storage = cli.storage
	}
	return fetcher.New(cfg, deps)
}

func (cli *CLI) newProgress() progress.Sink {
	return progress.New(cli.config.Progress,
		progress.WithLogger(cli.logger),
		progress.WithMetrics(cli.metrics))
}

// handleFetch handles the 'fetch' command for one symbol
func (cli *CLI) handleFetch(ctx context.Context, args []string) error {
	flags, err := parseFetchFlags(args)
	if err != nil {
		return err
	}
	if flags.Symbol == "" {
		return usageErrorf("--symbol is required")
	}
	interval, r, err := flags.window(time.Now().UTC())
	if err != nil {
		return err
	}

	cfg := cli.runConfig(flags.rangeFlags)
	sink := cli.newProgress()
	defer closeProgress(cli.logger, sink)

	o, err := cli.newOrchestrator(cfg, sink)
	if err != nil {
		return err
	}

	cli.logger.InfoContext(ctx, "starting fetch",
		"symbol", flags.Symbol,
		"interval", interval,
		"start", r.Start.Format(time.RFC3339),
		"end", r.End.Format(time.RFC3339),
		"trades", cfg.Fetch.IncludeTrades)

	ds, err := o.FetchCompleteDataset(ctx, flags.Symbol, interval, r)
	if ds == nil {
		return err
	}

	if flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(ds); eerr != nil {
			return errors.Join(err, eerr)
		}
		return err
	}
	printDataset(ds)
	return err
}

// handleBulk handles the 'bulk' command for several symbols
func (cli *CLI) handleBulk(ctx context.Context, args []string) error {
	flags, err := parseBulkFlags(args)
	if err != nil {
		return err
	}
	if len(flags.Symbols) == 0 {
		return usageErrorf("--symbols is required")
	}
	interval, r, err := flags.window(time.Now().UTC())
	if err != nil {
		return err
	}

	cfg := cli.runConfig(flags.rangeFlags)
	if flags.Concurrency > 0 {
		cfg.Fetch.Concurrency = flags.Concurrency
	}
	sink := cli.newProgress()
	defer closeProgress(cli.logger, sink)

	o, err := cli.newOrchestrator(cfg, sink)
	if err != nil {
		return err
	}

	cli.logger.InfoContext(ctx, "starting bulk fetch",
		"symbols", flags.Symbols,
		"interval", interval,
		"concurrency", cfg.Fetch.Concurrency)

	results, err := o.Bulk(ctx, flags.Symbols, interval, r)

	fmt.Printf("\n%-12s %-8s %8s %10s  %s\n", "SYMBOL", "STATUS", "CANDLES", "TRADES", "DETAIL")
	for _, res := range results {
		status, detail := "ok", ""
		candles, trades := 0, 0
		if res.Dataset != nil {
			candles, trades = len(res.Dataset.Candles), res.Dataset.TradeCount
		}
		switch {
		case res.Uncached():
			status, detail = "uncached", res.Err.Error()
		case res.Err != nil:
			status, detail = "failed", res.Err.Error()
		}
		fmt.Printf("%-12s %-8s %8d %10d  %s\n", res.Symbol, status, candles, trades, detail)
	}
	return err
}

// handleBars handles the 'bars' command: one-minute bars resampled from trades
func (cli *CLI) handleBars(ctx context.Context, args []string) error {
	flags, err := parseFetchFlags(args)
	if err != nil {
		return err
	}
	if flags.Symbol == "" {
		return usageErrorf("--symbol is required")
	}
	if flags.NoTrades {
		return usageErrorf("--no-trades cannot be used with bars")
	}
	interval, r, err := flags.window(time.Now().UTC())
	if err != nil {
		return err
	}

	sink := cli.newProgress()
	defer closeProgress(cli.logger, sink)

	o, err := cli.newOrchestrator(cli.runConfig(flags.rangeFlags), sink)
	if err != nil {
		return err
	}

	bars, err := o.FetchMinuteBars(ctx, flags.Symbol, interval, r)
	if bars == nil && err != nil {
		return err
	}

	if flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(bars); eerr != nil {
			return errors.Join(err, eerr)
		}
		return err
	}
	fmt.Printf("\n%s 1m bars %s: %d\n", flags.Symbol, r, len(bars))
	fmt.Printf("%-20s %12s %12s %12s %12s %14s %14s %14s %7s\n",
		"TIME", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME", "BID", "ASK", "TRADES")
	for _, b := range bars {
		fmt.Printf("%-20s %12s %12s %12s %12s %14s %14s %14s %7d\n",
			b.OpenTime.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close,
			b.Volume, b.BidVolume, b.AskVolume, b.TradeCount)
	}
	return err
}

// handleCheck handles the 'check' command: exchange connectivity, clock offset
// and symbol status
func (cli *CLI) handleCheck(ctx context.Context, args []string) error {
	flags, err := parseCheckFlags(args)
	if err != nil {
		return err
	}

	status, err := cli.exchange.HealthCheck(ctx, flags.Symbol)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Printf("Exchange:     %s\n", cli.config.API.BaseURL)
	fmt.Printf("Latency:      %v\n", status.Latency.Round(time.Millisecond))
	fmt.Printf("Server time:  %s\n", status.ServerTime.Format(time.RFC3339))
	fmt.Printf("Clock offset: %v\n", status.ClockOffset.Round(time.Millisecond))
	if status.Symbol != "" {
		fmt.Printf("Symbol:       %s (%s/%s) status=%s tradable=%t\n",
			status.Symbol, status.BaseAsset, status.QuoteAsset, status.SymbolStatus, status.Tradable)
	}
	if off := status.ClockOffset; off > time.Duration(cli.config.API.RecvWindowMillis)*time.Millisecond || -off > time.Duration(cli.config.API.RecvWindowMillis)*time.Millisecond {
		fmt.Println("Warning: clock offset exceeds the receive window; signed requests will be rejected")
	}

	if attempts := cli.config.Retry.Attempts; attempts > 1 {
		delays := retry.FromConfig(cli.config.Retry).Delays(attempts - 1)
		parts := make([]string, len(delays))
		for i, d := range delays {
			parts[i] = d.String()
		}
		fmt.Printf("Retries:      %d attempts, waits %s (before jitter)\n", attempts, strings.Join(parts, ", "))
	}

	if cli.storage != nil {
		stats, err := cli.storage.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Storage:      %s, %d candles across %d symbols\n", cli.config.Storage.Type, stats.TotalCandles, stats.Symbols)
	}
	return nil
}

// handleCache handles the 'cache' command
func (cli *CLI) handleCache(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageErrorf("expected one of: stats, clear")
	}
	if args[0] == "clear" && len(args) > 1 {
		return cli.invalidateRange(ctx, args[1:])
	}
	if len(args) != 1 {
		return usageErrorf("unexpected arguments after %q", args[0])
	}

	switch args[0] {
	case "stats":
		stats, err := cli.cache.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("Cache directory: %s (version %s)\n", cli.config.Cache.Dir, cli.cache.Version())
		fmt.Printf("Entries on disk: %d\n", stats.DiskEntries)
		fmt.Printf("Size on disk:    %s\n", formatBytes(stats.DiskBytes))
		return nil
	case "clear":
		removed, err := cli.cache.Clear(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d cached entries from %s\n", removed, cli.config.Cache.Dir)
		return nil
	default:
		return usageErrorf("unknown cache action %q", args[0])
	}
}

// invalidateRange drops the candle entry of one fetched range and the trade
// entries of every candle in it, so the next fetch of that range goes to the
// exchange.
func (cli *CLI) invalidateRange(ctx context.Context, args []string) error {
	flags, err := parseFetchFlags(args)
	if err != nil {
		return err
	}
	if flags.Symbol == "" {
		return usageErrorf("--symbol is required to clear a range")
	}
	interval, r, err := flags.window(time.Now().UTC())
	if err != nil {
		return err
	}

	keys := []cache.Key{cache.CandleKey(flags.Symbol, interval, r)}
	for open := r.Start; open.Before(r.End); open = open.Add(interval.Duration()) {
		keys = append(keys, cache.TradeKey(flags.Symbol, interval, open))
	}
	for _, k := range keys {
		if err := cli.cache.Invalidate(ctx, k); err != nil {
			return err
		}
	}
	fmt.Printf("Invalidated %s %s %s (%d cache keys)\n", flags.Symbol, interval, r, len(keys))
	return nil
}

// runConfig returns a copy of the loaded configuration with per-run overrides.
func (cli *CLI) runConfig(flags rangeFlags) *config.AppConfig {
	cfg := *cli.config
	if flags.NoTrades {
		cfg.Fetch.IncludeTrades = false
	}
	if flags.Strict {
		cfg.Validation.StrictValidation = true
	}
	return &cfg
}

func closeProgress(log *slog.Logger, sink progress.Sink) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := progress.Close(ctx, sink); err != nil {
		log.Warn("failed to stop progress dashboard", "error", err)
	}
}

func printDataset(ds *models.Dataset) {
	fmt.Printf("\n%s %s %s\n", ds.Symbol, ds.Interval, ds.Range)
	fmt.Printf("Candles: %d (expected %d)\n", len(ds.Candles), ds.Interval.ExpectedCandles(ds.Range))
	fmt.Printf("Trades:  %d\n", ds.TradeCount)
	if len(ds.Candles) == 0 {
		return
	}

	first, last := ds.Candles[0], ds.Candles[len(ds.Candles)-1]
	fmt.Printf("First:   %s O=%s C=%s\n", first.OpenTime.Format(time.RFC3339), first.Open, first.Close)
	fmt.Printf("Last:    %s O=%s C=%s\n", last.OpenTime.Format(time.RFC3339), last.Open, last.Close)
	if ds.HasVolumes() {
		fmt.Printf("Volume split of last candle: bid=%s ask=%s\n", last.BidVolume, last.AskVolume)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Flag parsing

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// rangeFlags are shared by fetch and bulk
type rangeFlags struct {
	Interval string
	Start    string
	End      string
	Days     int
	NoTrades bool
	Strict   bool
}

// window resolves the interval and time range. --days counts back from now and
// wins over --start/--end.
func (f rangeFlags) window(now time.Time) (models.Interval, models.TimeRange, error) {
	interval, err := models.ParseInterval(f.Interval)
	if err != nil {
		return "", models.TimeRange{}, usageErrorf("%v", err)
	}

	var start, end time.Time
	if f.Days > 0 {
		end = now.Truncate(interval.Duration())
		start = end.AddDate(0, 0, -f.Days)
	} else {
		if f.Start == "" || f.End == "" {
			return "", models.TimeRange{}, usageErrorf("specify either --days or both --start and --end")
		}
		if start, err = parseTime(f.Start); err != nil {
			return "", models.TimeRange{}, usageErrorf("invalid --start: %v", err)
		}
		if end, err = parseTime(f.End); err != nil {
			return "", models.TimeRange{}, usageErrorf("invalid --end: %v", err)
		}
	}

	r, err := models.NewTimeRange(start, end)
	if err != nil {
		return "", models.TimeRange{}, usageErrorf("%v", err)
	}
	return interval, r, nil
}

// parseRangeFlag consumes args[i] (and its value) when it is a range flag.
func (f *rangeFlags) parseRangeFlag(args []string, i int) (int, bool, error) {
	value := func() (string, error) {
		if i+1 >= len(args) {
			return "", usageErrorf("%s requires a value", args[i])
		}
		return args[i+1], nil
	}

	switch args[i] {
	case "--interval", "-i":
		v, err := value()
		f.Interval = v
		return i + 1, true, err
	case "--start", "-s":
		v, err := value()
		f.Start = v
		return i + 1, true, err
	case "--end", "-e":
		v, err := value()
		f.End = v
		return i + 1, true, err
	case "--days", "-d":
		v, err := value()
		if err != nil {
			return i, true, err
		}
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return i, true, usageErrorf("invalid days value %q", v)
		}
		f.Days = days
		return i + 1, true, nil
	case "--no-trades":
		f.NoTrades = true
		return i, true, nil
	case "--strict":
		f.Strict = true
		return i, true, nil
	}
	return i, false, nil
}

// FetchFlags represents flags for the fetch command
type FetchFlags struct {
	rangeFlags
	Symbol string
	JSON   bool
}

func parseFetchFlags(args []string) (*FetchFlags, error) {
	flags := &FetchFlags{rangeFlags: rangeFlags{Interval: "1h"}}

	for i := 0; i < len(args); i++ {
		next, ok, err := flags.parseRangeFlag(args, i)
		if err != nil {
			return nil, err
		}
		if ok {
			i = next
			continue
		}
		switch args[i] {
		case "--symbol", "-p":
			if i+1 >= len(args) {
				return nil, usageErrorf("--symbol requires a value")
			}
			flags.Symbol = strings.ToUpper(args[i+1])
			i++
		case "--json":
			flags.JSON = true
		default:
			return nil, usageErrorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

// BulkFlags represents flags for the bulk command
type BulkFlags struct {
	rangeFlags
	Symbols     []string
	Concurrency int
}

func parseBulkFlags(args []string) (*BulkFlags, error) {
	flags := &BulkFlags{rangeFlags: rangeFlags{Interval: "1h"}}

	for i := 0; i < len(args); i++ {
		next, ok, err := flags.parseRangeFlag(args, i)
		if err != nil {
			return nil, err
		}
		if ok {
			i = next
			continue
		}
		switch args[i] {
		case "--symbols", "-p":
			if i+1 >= len(args) {
				return nil, usageErrorf("--symbols requires a value")
			}
			for _, s := range strings.Split(args[i+1], ",") {
				if s = strings.TrimSpace(s); s != "" {
					flags.Symbols = append(flags.Symbols, strings.ToUpper(s))
				}
			}
			i++
		case "--concurrency", "-c":
			if i+1 >= len(args) {
				return nil, usageErrorf("--concurrency requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return nil, usageErrorf("invalid concurrency value %q", args[i+1])
			}
			flags.Concurrency = n
			i++
		default:
			return nil, usageErrorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

// CheckFlags represents flags for the check command
type CheckFlags struct {
	Symbol string
}

func parseCheckFlags(args []string) (*CheckFlags, error) {
	flags := &CheckFlags{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbol", "-p":
			if i+1 >= len(args) {
				return nil, usageErrorf("--symbol requires a value")
			}
			flags.Symbol = strings.ToUpper(args[i+1])
			i++
		default:
			return nil, usageErrorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

// parseGlobalFlags strips --config from the front of args.
func parseGlobalFlags(args []string) (string, []string, error) {
	configPath := os.Getenv("FETCHER_CONFIG_PATH")
	for len(args) > 0 {
		switch {
		case args[0] == "--config" || args[0] == "-c":
			if len(args) < 2 {
				return "", nil, fmt.Errorf("--config requires a value")
			}
			configPath = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--config="):
			configPath = strings.TrimPrefix(args[0], "--config=")
			args = args[1:]
		default:
			return configPath, args, nil
		}
	}
	return configPath, args, nil
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// parseTime accepts a date or an RFC 3339 timestamp, both in UTC.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("use YYYY-MM-DD or RFC 3339: %w", err)
	}
	return t.UTC(), nil
}

// Help and usage functions

func printUsage() {
	fmt.Printf(`%s - market data fetcher v%s

USAGE:
    %s [--config <file>] <command> [options]

COMMANDS:
    fetch       Fetch candles (and trade volumes) for one symbol
    bulk        Fetch several symbols concurrently under one request budget
    bars        Resample one symbol's trades into 1-minute OHLC bars
    check       Check exchange connectivity, clock offset and a symbol's status
    cache       Show cache statistics or clear the cache

GLOBAL OPTIONS:
    --config, -c   Configuration file (.json, .yaml or .yml)
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # One day of BTCUSDT minute candles with bid/ask volumes
    %s fetch --symbol BTCUSDT --interval 1m --start 2024-01-01 --end 2024-01-02

    # The last 30 days of hourly candles for two symbols, candles only
    %s bulk --symbols BTCUSDT,ETHUSDT --interval 1h --days 30 --no-trades

    # Verify connectivity before a long run
    %s check --symbol BTCUSDT

CONFIGURATION:
    Defaults, then the config file, then environment variables (a .env file
    fills unset ones). Common variables: BINANCE_API_KEY, BINANCE_API_SECRET,
    FETCHER_CACHE_DIR, FETCHER_MAX_RPM, STORAGE_TYPE, DATABASE_URL, LOG_LEVEL.

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName)
}

const rangeHelp = `    --interval, -i <interval> Candle interval (default: 1h)
                              Supported: 1m, 3m, 5m, 15m, 30m, 1h, 2h, 4h, 6h, 8h, 12h, 1d, 3d, 1w
    --start, -s <time>        Range start (YYYY-MM-DD or RFC 3339, UTC, inclusive)
    --end, -e <time>          Range end (YYYY-MM-DD or RFC 3339, UTC, exclusive)
    --days, -d <days>         Fetch the last N days instead of --start/--end
    --no-trades               Skip trades; candles keep no bid/ask volumes
    --strict                  Fail on batches that do not pass validation
`

func printCommandHelp(command string) {
	switch command {
	case "fetch":
		fmt.Printf(`%s fetch - Fetch one symbol

USAGE:
    %s fetch --symbol <symbol> [options]

OPTIONS:
    --symbol, -p <symbol>     Exchange symbol (required), e.g. BTCUSDT
%s    --json                    Print the dataset as JSON instead of a summary
    --help, -h                Show this help message
`, AppName, AppName, rangeHelp)
	case "bulk":
		fmt.Printf(`%s bulk - Fetch several symbols

USAGE:
    %s bulk --symbols <list> [options]

OPTIONS:
    --symbols, -p <list>      Comma separated symbols (required)
    --concurrency, -c <n>     Symbols fetched in parallel (default from config)
%s    --help, -h                Show this help message
`, AppName, AppName, rangeHelp)
	case "bars":
		fmt.Printf(`%s bars - Resample trades into 1-minute bars

USAGE:
    %s bars --symbol <symbol> [options]

OPTIONS:
    --symbol, -p <symbol>     Exchange symbol (required), e.g. BTCUSDT
%s    --json                    Print the bars as JSON instead of a table
    --help, -h                Show this help message

The interval only sets the trade windows that are fetched and cached; bars are
always one minute wide.
`, AppName, AppName, rangeHelp)
	case "check":
		fmt.Printf(`%s check - Check the exchange

USAGE:
    %s check [--symbol <symbol>]

OPTIONS:
    --symbol, -p <symbol>     Also report whether the symbol is trading
    --help, -h                Show this help message
`, AppName, AppName)
	case "cache":
		fmt.Printf(`%s cache - Manage the local cache

USAGE:
    %s cache stats            Show entry count and size on disk
    %s cache clear            Remove every cached entry
    %s cache clear --symbol <symbol> [range options]
                              Drop the entries of one fetched range only
`, AppName, AppName, AppName, AppName)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
	}
}
