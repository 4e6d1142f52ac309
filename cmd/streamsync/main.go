package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/oauth2"

	"github.com/beekhof/streamplan-sync/internal/auth"
	"github.com/beekhof/streamplan-sync/internal/config"
	"github.com/beekhof/streamplan-sync/internal/feed"
	"github.com/beekhof/streamplan-sync/internal/lock"
	"github.com/beekhof/streamplan-sync/internal/logging"
	"github.com/beekhof/streamplan-sync/internal/metrics"
	"github.com/beekhof/streamplan-sync/internal/nextstream"
	"github.com/beekhof/streamplan-sync/internal/server"
	"github.com/beekhof/streamplan-sync/internal/sync"
	"github.com/beekhof/streamplan-sync/internal/twitch"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `Stream Schedule Sync

Reads the stream calendar (an iCalendar feed) and pushes the upcoming streams
to the Twitch schedule and to the "next stream" record shown on the website.

USAGE:
    %s [OPTIONS]

OPTIONS:
    -h, --help                    Show this help message and exit
    -v, --verbose                 Enable verbose output (show DEBUG logs)
    --log-format FORMAT           Log format: text (default) or json
    --config FILE                 Path to a YAML or JSON config file (optional)
    --env-file FILE               Path to a .env file (default: .env, ignored if missing)
    --ics-url URL                 Calendar feed URL (overrides ICS_URL)
    --channel NAME                Twitch channel login (overrides TWITCH_CHANNEL)
    --mode MODE                   periodic or manual (overrides SYNC_MODE)
    --manual                      Shorthand for --mode manual
    --policy POLICY               Schedule reconcile policy: replace (default) or diff
    --token-cache PATH            Where to cache the Twitch app token (overrides TOKEN_CACHE_PATH)
    --dry-run                     Plan schedule changes without writing anything
    --schedule SPEC               Run as a daemon, syncing on this cron schedule
                                  (for example "*/15 * * * *")
    --listen ADDR                 In daemon mode, serve /healthz, /report, /run and /metrics
    --skip-exit-code N            Exit code when the trigger gate skips the run (default 0)

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables
    3. The .env file
    4. Config file (--config)
    5. Defaults

ENVIRONMENT VARIABLES:
    ICS_URL                   Calendar feed URL (required)
    TWITCH_CLIENT_ID          Twitch application client id (required)
    TWITCH_CLIENT_SECRET      Twitch application secret (required unless TWITCH_ACCESS_TOKEN is set)
    TWITCH_ACCESS_TOKEN       Pre-issued user access token
    TWITCH_CHANNEL            Channel login whose schedule is managed (required)
    SCHEDULE_TIMEZONE         Timezone label sent with segments (default: Europe/Berlin)
    SYNC_MODE                 periodic or manual; otherwise derived from GITHUB_EVENT_NAME
    SUPABASE_URL              Supabase project URL (enables the next-stream record)
    SUPABASE_KEY              Supabase key (SUPABASE_PUBLISHABLE_KEY is also accepted)
    NEXT_STREAM_DSN           MySQL DSN, stores the next-stream record in SQL instead
    NEXT_STREAM_EMPTY_POLICY  keep (default) or clear the record when no stream is planned
    REDIS_ADDR                Redis address for the run lock (optional)
    PUSHGATEWAY_URL           Prometheus pushgateway for single-run metrics (optional)
    RECONCILE_POLICY          replace (default) or diff
    DRY_RUN                   true to plan without writing
    TRIGGER_MIN_AGE           Trigger window start, e.g. 30m (default: 30m)
    TRIGGER_MAX_AGE           Trigger window end, e.g. 65m (default: 65m)
    SYNC_SCHEDULE             Same as --schedule
    LISTEN_ADDR               Same as --listen
    RUN_TOKEN                 Bearer token required by POST /run in daemon mode

EXIT STATUS:
    0   every step succeeded (or the run was skipped, see --skip-exit-code)
    1   the run aborted: bad configuration, unreadable feed or lock failure
    2   the run finished but at least one downstream write failed

EXAMPLES:
    # Periodic run from CI
    %s

    # Sync now, regardless of the trigger window
    %s --manual

    # See what would change without touching Twitch
    %s --manual --dry-run -v

    # Run as a daemon every 15 minutes with a status server
    %s --schedule "*/15 * * * *" --listen :8080

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	helpFlag := flag.BoolP("help", "h", false, "Show help message")
	verbose := flag.BoolP("verbose", "v", false, "Enable verbose output (show DEBUG logs)")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	configFile := flag.String("config", "", "Path to a YAML or JSON config file")
	envFile := flag.String("env-file", ".env", "Path to a .env file")
	icsURL := flag.String("ics-url", "", "Calendar feed URL")
	channel := flag.String("channel", "", "Twitch channel login")
	mode := flag.String("mode", "", "Invocation mode: periodic or manual")
	manual := flag.Bool("manual", false, "Shorthand for --mode manual")
	policy := flag.String("policy", "", "Schedule reconcile policy: replace or diff")
	tokenCache := flag.String("token-cache", "", "Where to cache the Twitch app token")
	dryRun := flag.Bool("dry-run", false, "Plan schedule changes without writing")
	schedule := flag.String("schedule", "", "Cron schedule for daemon mode")
	listen := flag.String("listen", "", "Status server address in daemon mode")
	skipExitCode := flag.Int("skip-exit-code", 0, "Exit code when the trigger gate skips the run")
	flag.Usage = printHelp
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}

	logger := logging.New(logging.Options{Verbose: *verbose, Format: *logFormat})

	if *manual {
		*mode = string(config.ModeManual)
	}
	cfg, err := config.LoadConfig(*configFile, *envFile, config.Overrides{
		ICSURL:          *icsURL,
		Channel:         *channel,
		Mode:            *mode,
		ReconcilePolicy: *policy,
		TokenCachePath:  *tokenCache,
		Schedule:        *schedule,
		Listen:          *listen,
		DryRun:          *dryRun,
	})
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	syncer, cleanup, err := buildSyncer(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatalf("Failed to set up sync: %v", err)
	}

	code := sync.ExitClean
	if cfg.Server.Schedule == "" {
		code = runOnce(ctx, cfg, syncer, m, *skipExitCode, logger)
	} else if err := runDaemon(ctx, cfg, syncer, m, logger); err != nil {
		logger.WithError(err).Error("Daemon failed")
		code = sync.ExitFatal
	}

	cleanup()
	stop()
	os.Exit(code)
}

// buildSyncer wires the clients and stores named by cfg.
func buildSyncer(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *logrus.Logger) (*sync.Syncer, func(), error) {
	base := &http.Client{Timeout: cfg.HTTPTimeout}
	cleanup := func() {}

	var ts oauth2.TokenSource
	if cfg.Twitch.AccessToken != "" {
		ts = auth.NewStaticTokenSource(cfg.Twitch.AccessToken)
	} else {
		var store auth.TokenStore
		if cfg.Twitch.TokenCachePath != "" {
			store = auth.NewFileTokenStore(cfg.Twitch.TokenCachePath, cfg.Twitch.ClientID)
		}
		var err error
		ts, err = auth.NewAppTokenSource(context.WithValue(ctx, oauth2.HTTPClient, base), auth.AppCredentials{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			TokenURL:     cfg.Twitch.TokenURL,
		}, store)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to create token source: %w", err)
		}
	}
	helix := twitch.NewClient(cfg.Twitch.APIURL, cfg.Twitch.ClientID, auth.NewClient(ctx, ts, base), logger)

	reader := feed.NewReader(base, feed.Options{
		ExpandRecurrences: !cfg.SkipRecurrenceExpansion,
		Horizon:           cfg.RecurrenceHorizon,
	}, logger)

	store, err := nextstream.New(cfg.NextStream, base, logger)
	if err != nil {
		return nil, cleanup, err
	}
	if store == nil {
		logger.Info("No next-stream store configured, the next-stream record will not be updated")
	}

	opts := []sync.Option{sync.WithMetrics(m)}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup = func() { _ = rdb.Close() }
		opts = append(opts, sync.WithLocker(lock.NewRedisLocker(rdb, cfg.Redis.LockTTL)))
	}

	return sync.NewSyncer(cfg, reader, helix, store, logger, opts...), cleanup, nil
}

func runOnce(ctx context.Context, cfg config.Config, syncer *sync.Syncer, m *metrics.Metrics, skipExitCode int, logger *logrus.Logger) int {
	report := syncer.Run(ctx, cfg.Mode)
	for _, line := range report.Lines() {
		fmt.Println(line)
	}

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.Push(pushCtx, cfg.PushgatewayURL, "streamsync"); err != nil {
			logger.WithError(err).Warn("Failed to push metrics")
		}
	}

	return report.ExitCode(skipExitCode)
}

func runDaemon(ctx context.Context, cfg config.Config, syncer *sync.Syncer, m *metrics.Metrics, logger *logrus.Logger) error {
	srv := server.New(syncer, cfg.Server.RunToken, m.Registry, logger)

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
	))
	if _, err := c.AddFunc(cfg.Server.Schedule, func() {
		report := srv.RunAndRecord(ctx, config.ModePeriodic)
		for _, line := range report.Lines() {
			logger.WithField("run_id", report.RunID).Info(line)
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Server.Schedule, err)
	}
	c.Start()
	logger.WithField("schedule", cfg.Server.Schedule).Info("Daemon started")

	errCh := make(chan error, 1)
	if cfg.Server.Listen != "" {
		go func() { errCh <- srv.Listen(cfg.Server.Listen) }()
	}

	var err error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
	}

	<-c.Stop().Done()
	if cfg.Server.Listen != "" {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("Failed to stop status server")
		}
	}
	return err
}
