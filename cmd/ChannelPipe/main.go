package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/alert"
	"github.com/BTreeMap/ChannelPipe/internal/api"
	"github.com/BTreeMap/ChannelPipe/internal/backup"
	"github.com/BTreeMap/ChannelPipe/internal/classify"
	"github.com/BTreeMap/ChannelPipe/internal/config"
	"github.com/BTreeMap/ChannelPipe/internal/cursor"
	"github.com/BTreeMap/ChannelPipe/internal/fetch"
	"github.com/BTreeMap/ChannelPipe/internal/metrics"
	"github.com/BTreeMap/ChannelPipe/internal/models"
	"github.com/BTreeMap/ChannelPipe/internal/notify"
	"github.com/BTreeMap/ChannelPipe/internal/pipeline"
	"github.com/BTreeMap/ChannelPipe/internal/procguard"
	"github.com/BTreeMap/ChannelPipe/internal/recovery"
	"github.com/BTreeMap/ChannelPipe/internal/scheduler"
	"github.com/BTreeMap/ChannelPipe/internal/session"
	"github.com/BTreeMap/ChannelPipe/internal/telegram"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// maintenanceInterval spaces cursor store housekeeping runs
	maintenanceInterval = time.Hour
	// recoveryTimeout bounds startup recovery
	recoveryTimeout = time.Minute
	// shutdownTimeout bounds the whole graceful shutdown
	shutdownTimeout = 30 * time.Second
)

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	storeURL  *string
	apiAddr   *string
	qrOutput  *string
	login     *bool
	logFormat *string
}

func main() {
	// Bootstrap logger until LOG_LEVEL and LOG_FORMAT are known
	initializeLogger(os.Stdout, "info", "text")

	loadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)
	applyFlags(cfg, flags)
	logger := initializeLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if err := ensureDirectoriesExist(cfg); err != nil {
		logger.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Bootstrapping ChannelPipe", "channels", len(cfg.Channels), "interval", cfg.FetchInterval,
		"store", cursor.DetectDSNType(cfg.CursorStoreURL), "state_dir", cfg.StateDir)
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("ChannelPipe failed to start", "error", err)
		os.Exit(1)
	}
	if err := app.run(ctx); err != nil {
		logger.Error("ChannelPipe failed to run", "error", err)
		os.Exit(1)
	}
	logger.Info("ChannelPipe exited successfully")
}

// initializeLogger installs the default structured logger
func initializeLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadDotEnv loads a .env file when one is present
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg *config.Config) Flags {
	flags := Flags{
		stateDir:  fs.String("state-dir", cfg.StateDir, "state directory for ChannelPipe data (overrides $CHANNELPIPE_STATE_DIR)"),
		storeURL:  fs.String("store-url", cfg.CursorStoreURL, "cursor store URL: redis://, postgres://, sqlite path or memory (overrides $CURSOR_STORE_URL)"),
		apiAddr:   fs.String("api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)"),
		qrOutput:  fs.String("qr-output", cfg.QROutput, "path to write the login QR code (overrides $QR_OUTPUT)"),
		login:     fs.Bool("login", cfg.InteractiveLogin, "allow interactive QR login when the session needs renewal (overrides $INTERACTIVE_LOGIN)"),
		logFormat: fs.String("log-format", cfg.LogFormat, "log format: text or json (overrides $LOG_FORMAT)"),
	}
	// flag.CommandLine exits on error; test flag sets use ContinueOnError
	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"storeURL_set", *flags.storeURL != "",
		"apiAddr", *flags.apiAddr,
		"qrOutput", *flags.qrOutput,
		"login", *flags.login,
		"logFormat", *flags.logFormat)
	return flags
}

// applyFlags copies flag overrides onto cfg. A new state directory moves any
// paths that were still at their state directory defaults.
func applyFlags(cfg *config.Config, flags Flags) {
	if *flags.storeURL != cfg.CursorStoreURL {
		cfg.CursorStoreURL = *flags.storeURL
	}
	if *flags.stateDir != cfg.StateDir {
		cfg.ApplyStateDir(*flags.stateDir)
		slog.Debug("Updated paths based on state directory", "state_dir", cfg.StateDir)
	}
	cfg.APIAddr = *flags.apiAddr
	cfg.QROutput = *flags.qrOutput
	cfg.InteractiveLogin = *flags.login
	cfg.LogFormat = *flags.logFormat
}

// ensureDirectoriesExist creates the directories file-based state lives in
func ensureDirectoriesExist(cfg *config.Config) error {
	dirs := []string{cfg.StateDir, filepath.Dir(cfg.SessionPath), cfg.BackupDir}
	if cursor.DetectDSNType(cfg.CursorStoreURL) == cursor.BackendSQLite {
		dirs = append(dirs, filepath.Dir(cfg.CursorStoreURL))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// app holds the wired components of a running service.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *cursor.Store
	fallback   *backup.Reader
	guard      *session.Guard
	coord      *fetch.Coordinator
	queue      *pipeline.Queue
	dispatcher *alert.Dispatcher
	sched      *scheduler.Scheduler
	server     *api.Server
}

// newApp wires every component from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	// Alerts
	a.dispatcher = alert.NewDispatcher(logger)
	a.dispatcher.AddSink(alert.NewLogSink(logger), models.SeverityInfo)
	var teams *notify.Teams
	if cfg.TeamsWebhookURL != "" {
		t, err := notify.NewTeams(cfg.TeamsWebhookURL, nil, logger)
		if err != nil {
			return nil, err
		}
		teams = t
		a.dispatcher.AddSink(alert.NewTeamsSink(teams), models.SeverityWarning)
	}
	if cfg.SMSEnabled() {
		sms, err := alert.NewTwilioSMS(alert.TwilioOpts{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFrom,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.dispatcher.AddSink(alert.NewSMSSink(sms, cfg.AlertSMSTo), models.SeverityCritical)
	}

	// Cursor store
	var detector fetch.Detector = procguard.Noop{}
	var terminator cursor.Terminator = procguard.Noop{}
	if len(cfg.ProcessPatterns) > 0 {
		m := procguard.New(cfg.ProcessPatterns, procguard.WithLogger(logger))
		detector, terminator = m, m
	}
	kv, err := cursor.Open(ctx, cfg.CursorStoreURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store: %w", err)
	}
	a.store = cursor.NewStore(kv,
		cursor.WithDedupTTL(cfg.DedupTTL),
		cursor.WithLockTimeout(cursor.LockTimeout(cfg.FetchInterval)),
		cursor.WithTerminator(terminator),
		cursor.WithLogger(logger),
	)

	// Session
	var tgOpts []telegram.Option
	tgOpts = append(tgOpts, telegram.WithLogger(logger))
	if cfg.QROutput != "" {
		tgOpts = append(tgOpts, telegram.WithQRCodeOutput(cfg.QROutput))
	}
	provider, err := telegram.NewProvider(cfg.TelegramAPIID, cfg.TelegramAPIHash, cfg.SessionPath, tgOpts...)
	if err != nil {
		return nil, err
	}
	a.guard = session.NewGuard(provider, cfg.SessionPath,
		session.WithInteractiveRenewal(cfg.InteractiveLogin),
		session.WithLogger(logger),
	)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)
	metrics.WatchSession(reg, a.guard.State)

	// Classification pipeline
	backupWriter, err := backup.NewWriter(cfg.BackupDir, logger)
	if err != nil {
		return nil, err
	}
	classifyOpts := []classify.Option{classify.WithAPIKey(cfg.OpenAIKey), classify.WithLogger(logger)}
	if cfg.OpenAIModel != "" {
		classifyOpts = append(classifyOpts, classify.WithModel(cfg.OpenAIModel))
	}
	classifier := classify.New(cfg.Keywords, classifyOpts...)
	queueOpts := []pipeline.Option{
		pipeline.WithBackup(backupWriter),
		pipeline.WithObserver(collector),
		pipeline.WithLogger(logger),
	}
	if teams != nil {
		queueOpts = append(queueOpts, pipeline.WithNotifier(teams))
	}
	a.queue = pipeline.NewQueue(classifier, queueOpts...)

	// Fetch coordinator
	a.fallback = backup.NewReader(cfg.BackupDir, logger)
	a.coord = fetch.NewCoordinator(a.guard, a.store, a.queue, cfg.Channels,
		fetch.WithFetchInterval(cfg.FetchInterval),
		fetch.WithFetchLimit(cfg.FetchLimit),
		fetch.WithConcurrency(cfg.Concurrency),
		fetch.WithRetrieveRate(cfg.RetrieveRate),
		fetch.WithFailureThreshold(cfg.FailureThreshold),
		fetch.WithFallback(a.fallback),
		fetch.WithDetector(detector),
		fetch.WithAlerter(a.dispatcher),
		fetch.WithRecorder(collector),
		fetch.WithLogger(logger),
	)

	a.server = api.NewServer(a.guard, a.coord,
		api.WithAddr(cfg.APIAddr),
		api.WithMetricsHandler(metrics.Handler(reg)),
		api.WithStore(a.store),
		api.WithCursors(a.store),
		api.WithLogger(logger),
	)
	a.sched = scheduler.NewScheduler(logger)
	return a, nil
}

// run starts every component and blocks until ctx is done, then shuts down.
func (a *app) run(ctx context.Context) error {
	a.recoverState(ctx)

	// Workers outlive the signal so Stop can drain what is already queued
	a.queue.Start(context.WithoutCancel(ctx))

	cycleTimeout := a.store.LockTimeout()
	fetchCycle := func(ctx context.Context) error {
		_, err := a.coord.RunCycle(ctx)
		return err
	}
	if err := a.sched.Every("fetch", a.cfg.FetchInterval, cycleTimeout, fetchCycle); err != nil {
		return err
	}
	if err := a.sched.Every("store-maintenance", maintenanceInterval, time.Minute, a.store.Maintain); err != nil {
		return err
	}
	a.sched.RunNow("fetch", cycleTimeout, fetchCycle)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.ListenAndServe() }()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("api server: %w", err)
	}
	return errors.Join(runErr, a.shutdown())
}

// recoverState restores fetch state left by a previous process. Failures are
// logged; cycles still run and degrade on their own.
func (a *app) recoverState(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, recoveryTimeout)
	defer cancel()
	m := recovery.NewManager(&recovery.Registry{
		Store:    a.store,
		Fallback: a.fallback,
		Channels: a.cfg.Channels,
		Logger:   a.logger,
	})
	m.RegisterRecoverable(recovery.StaleLockRecovery{})
	m.RegisterRecoverable(recovery.CursorSeedRecovery{})
	if err := m.RecoverAll(ctx); err != nil {
		a.logger.Warn("Startup recovery incomplete", "error", err)
	}
}

// shutdown stops components in dependency order: producers before consumers.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	a.guard.Release(ctx)
	if err := a.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := a.dispatcher.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("alerts: %w", err))
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api server: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cursor store: %w", err))
	}
	return errors.Join(errs...)
}
