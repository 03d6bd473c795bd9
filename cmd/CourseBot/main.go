package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BTreeMap/CourseBot/internal/api"
	"github.com/BTreeMap/CourseBot/internal/flow"
	"github.com/BTreeMap/CourseBot/internal/flowstore"
	"github.com/BTreeMap/CourseBot/internal/lockfile"
	"github.com/BTreeMap/CourseBot/internal/messaging"
	"github.com/BTreeMap/CourseBot/internal/metrics"
	"github.com/BTreeMap/CourseBot/internal/notify"
	"github.com/BTreeMap/CourseBot/internal/records"
	"github.com/BTreeMap/CourseBot/internal/scheduler"
	"github.com/BTreeMap/CourseBot/internal/store"
	"github.com/BTreeMap/CourseBot/internal/twiliowhatsapp"
	"github.com/BTreeMap/CourseBot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CourseBot state data
	DefaultStateDir = "/var/lib/coursebot"
	// DefaultDBFileName is the default SQLite message log filename
	DefaultDBFileName = "coursebot.db"
	// DefaultFlowsFileName is the default flow definition filename
	DefaultFlowsFileName = "flows.json"
)

// Turn lock modes.
const (
	TurnLockNone  = "none"
	TurnLockLocal = "local"
	TurnLockRedis = "redis"
)

func main() {
	// Load .env before the logger so LOG_LEVEL can come from it
	envErr := godotenv.Load()
	initializeLogger(os.Getenv("LOG_LEVEL"))
	if envErr != nil {
		slog.Debug("failed to load .env file", "error", envErr)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CourseBot with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("CourseBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CourseBot exited successfully")
}

// Config holds environment configuration
type Config struct {
	APIAddr            string
	DBDSN              string
	StateDir           string
	RecordsDSN         string
	TargetCourseID     int64
	FlowsFile          string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	VerifyToken        string
	PublicBaseURL      string
	SkipSignature      bool
	InterventionNodes  []string
	TurnLock           string
	RedisURL           string
	RecoveryExam       string
	NotifySchedule     string
	NotifyLookback     time.Duration
	NotifyDelay        time.Duration
	NotifyRedirectTo   string
	PassThreshold      float64
	DefaultCountryCode string
}

// Flags holds command line flag values
type Flags struct {
	apiAddr        string
	stateDir       string
	dbDSN          string
	recordsDSN     string
	courseID       int64
	flowsFile      string
	turnLock       string
	redisURL       string
	notifySchedule string
	notifyOnce     bool
	config         Config
}

// initializeLogger sets up structured logging, debug level unless LOG_LEVEL says otherwise
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables
func loadEnvironmentConfig() Config {
	config := Config{
		APIAddr:            os.Getenv("API_ADDR"),
		DBDSN:              os.Getenv("COURSEBOT_DB_DSN"),
		StateDir:           os.Getenv("COURSEBOT_STATE_DIR"),
		RecordsDSN:         os.Getenv("RECORDS_DSN"),
		TargetCourseID:     util.ParseInt64Env("TARGET_COURSE_ID", 0),
		FlowsFile:          os.Getenv("FLOWS_FILE"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		VerifyToken:        os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		PublicBaseURL:      os.Getenv("PUBLIC_BASE_URL"),
		SkipSignature:      util.ParseBoolEnv("SKIP_SIGNATURE_VALIDATION", false),
		InterventionNodes:  util.SplitListEnv("INTERVENTION_NODES"),
		TurnLock:           strings.ToLower(os.Getenv("TURN_LOCK")),
		RedisURL:           os.Getenv("REDIS_URL"),
		RecoveryExam:       os.Getenv("RECOVERY_EXAM_NAME"),
		NotifySchedule:     os.Getenv("NOTIFY_SCHEDULE"),
		NotifyLookback:     util.ParseDurationEnv("NOTIFY_LOOKBACK", notify.DefaultLookback),
		NotifyDelay:        util.ParseDurationEnv("NOTIFY_DELAY", notify.DefaultDelay),
		NotifyRedirectTo:   os.Getenv("NOTIFY_REDIRECT_TO"),
		PassThreshold:      util.ParseFloatEnv("PASS_THRESHOLD", notify.DefaultPassThreshold),
		DefaultCountryCode: os.Getenv("DEFAULT_COUNTRY_CODE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COURSEBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	if config.DBDSN == "" {
		config.DBDSN = os.Getenv("DATABASE_URL")
		if config.DBDSN != "" {
			slog.Debug("Using DATABASE_URL as COURSEBOT_DB_DSN", "dsn_set", true)
		}
	}
	// If no database URL is provided, default to SQLite in the state directory
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}
	if config.FlowsFile == "" {
		config.FlowsFile = filepath.Join(config.StateDir, DefaultFlowsFileName)
	}
	if config.TurnLock == "" {
		config.TurnLock = TurnLockNone
	}

	slog.Debug("environment variables loaded",
		"API_ADDR", config.APIAddr,
		"COURSEBOT_DB_DSN_SET", config.DBDSN != "",
		"COURSEBOT_STATE_DIR", config.StateDir,
		"RECORDS_DSN_SET", config.RecordsDSN != "",
		"TARGET_COURSE_ID", config.TargetCourseID,
		"FLOWS_FILE", config.FlowsFile,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"SKIP_SIGNATURE_VALIDATION", config.SkipSignature,
		"INTERVENTION_NODES", config.InterventionNodes,
		"TURN_LOCK", config.TurnLock,
		"NOTIFY_SCHEDULE", config.NotifySchedule,
		"NOTIFY_REDIRECT_TO_SET", config.NotifyRedirectTo != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	flags := Flags{config: config}
	fs := flag.NewFlagSet("CourseBot", flag.ContinueOnError)
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for CourseBot data (overrides $COURSEBOT_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DBDSN, "message log DSN (overrides $COURSEBOT_DB_DSN or $DATABASE_URL)")
	fs.StringVar(&flags.recordsDSN, "records-dsn", config.RecordsDSN, "academic records DSN (overrides $RECORDS_DSN)")
	fs.Int64Var(&flags.courseID, "course-id", config.TargetCourseID, "target course id (overrides $TARGET_COURSE_ID)")
	fs.StringVar(&flags.flowsFile, "flows-file", config.FlowsFile, "flow definitions file, JSON or YAML (overrides $FLOWS_FILE)")
	fs.StringVar(&flags.turnLock, "turn-lock", config.TurnLock, "per-address turn serialization: none, local or redis (overrides $TURN_LOCK)")
	fs.StringVar(&flags.redisURL, "redis-url", config.RedisURL, "Redis URL for the redis turn lock (overrides $REDIS_URL)")
	fs.StringVar(&flags.notifySchedule, "notify-schedule", config.NotifySchedule, "cron schedule for the grade campaign (overrides $NOTIFY_SCHEDULE)")
	fs.BoolVar(&flags.notifyOnce, "notify-once", false, "run the grade campaign once and exit")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Move default file paths along with an overridden state directory
	if flags.stateDir != config.StateDir {
		if flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "new_state_dir", flags.stateDir)
		}
		if flags.flowsFile == filepath.Join(config.StateDir, DefaultFlowsFileName) {
			flags.flowsFile = filepath.Join(flags.stateDir, DefaultFlowsFileName)
		}
	}

	switch flags.turnLock {
	case TurnLockNone, TurnLockLocal, TurnLockRedis:
	default:
		return flags, fmt.Errorf("unknown turn lock mode %q", flags.turnLock)
	}
	if flags.turnLock == TurnLockRedis && flags.redisURL == "" {
		return flags, errors.New("turn lock mode redis requires a Redis URL")
	}

	slog.Debug("flags parsed",
		"apiAddr", flags.apiAddr,
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"recordsDSN_set", flags.recordsDSN != "",
		"courseID", flags.courseID,
		"flowsFile", flags.flowsFile,
		"turnLock", flags.turnLock,
		"notifySchedule", flags.notifySchedule,
		"notifyOnce", flags.notifyOnce)
	return flags, nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(flags.dbDSN) != "postgres" {
		stateDir := filepath.Dir(flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return fmt.Errorf("create state directory %s: %w", stateDir, err)
		}
	}
	return nil
}

// run wires every module and blocks until ctx is cancelled or the one-shot campaign ends.
func run(ctx context.Context, flags Flags) error {
	cfg := flags.config
	if flags.recordsDSN == "" {
		return errors.New("an academic records DSN is required ($RECORDS_DSN or -records-dsn)")
	}
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}
	if store.DetectDSNType(flags.dbDSN) != "postgres" {
		lock, err := lockfile.AcquireLock(filepath.Dir(flags.dbDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer st.Close()

	flows, err := flowstore.Open(flags.flowsFile)
	if err != nil {
		return fmt.Errorf("load flows: %w", err)
	}

	resolver, err := records.Open(flags.recordsDSN, flags.courseID)
	if err != nil {
		return fmt.Errorf("open academic records: %w", err)
	}
	defer resolver.Close()

	client, err := twiliowhatsapp.NewClient(buildTwilioOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("create Twilio client: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := messaging.NewTwilioService(client, buildMessagingOptions(cfg, m)...)
	defer svc.Stop()

	locker, closeLocker, err := buildLocker(ctx, flags)
	if err != nil {
		return err
	}
	defer closeLocker()

	engine := flow.NewEngine(flows, st, resolver, svc, buildEngineOptions(flags, client.From(), locker, m)...)
	notifier := notify.NewNotifier(resolver, flows, st, svc, buildNotifyOptions(flags, client.From(), locker, m)...)

	if flags.notifyOnce {
		report, err := notifier.Run(ctx)
		if err != nil {
			return fmt.Errorf("grade campaign: %w", err)
		}
		slog.Info("Grade campaign finished", "sent", report.Sent, "skipped", report.Skipped, "failed", report.Failed)
		return nil
	}

	if flags.notifySchedule != "" {
		sched := scheduler.NewScheduler(nil)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), notify.DefaultDelay*2)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				slog.Warn("Scheduler did not stop cleanly", "error", err)
			}
		}()
		if _, err := sched.AddJob("grade-campaign", flags.notifySchedule, func() {
			if _, err := notifier.Run(ctx); err != nil {
				slog.Error("Scheduled grade campaign failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}

	server := api.NewServer(engine, flows, st, m, buildAPIOptions(flags, reg)...)
	return server.Run(ctx)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.dbDSN != "" {
		if store.DetectDSNType(flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(cfg Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if cfg.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID))
	}
	if cfg.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken))
	}
	if cfg.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(cfg.TwilioFromNumber))
	}
	return opts
}

// buildMessagingOptions constructs delivery service options
func buildMessagingOptions(cfg Config, m *metrics.Metrics) []messaging.ServiceOption {
	opts := []messaging.ServiceOption{messaging.WithMetrics(m)}
	if cfg.DefaultCountryCode != "" {
		opts = append(opts, messaging.WithDefaultCountryCode(cfg.DefaultCountryCode))
	}
	return opts
}

// buildLocker creates the turn locker selected by -turn-lock.
func buildLocker(ctx context.Context, flags Flags) (flow.TurnLocker, func(), error) {
	switch flags.turnLock {
	case TurnLockLocal:
		slog.Debug("Using in-process turn locker")
		return flow.NewLocalLocker(), func() {}, nil
	case TurnLockRedis:
		l, err := flow.NewRedisLockerFromURL(ctx, flags.redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("create Redis turn locker: %w", err)
		}
		return l, func() {
			if err := l.Close(); err != nil {
				slog.Warn("Failed to close Redis turn locker", "error", err)
			}
		}, nil
	default:
		return flow.NopLocker{}, func() {}, nil
	}
}

// buildEngineOptions constructs conversation engine options
func buildEngineOptions(flags Flags, botAddress string, locker flow.TurnLocker, m *metrics.Metrics) []flow.Option {
	cfg := flags.config
	opts := []flow.Option{
		flow.WithBotAddress(botAddress),
		flow.WithCourse(flags.courseID),
		flow.WithLocker(locker),
		flow.WithMetrics(m),
		flow.WithAlertDetector(flow.NewAlertDetector(cfg.InterventionNodes...)),
	}
	if cfg.RecoveryExam != "" {
		opts = append(opts, flow.WithRecoveryExam(cfg.RecoveryExam))
	}
	return opts
}

// buildNotifyOptions constructs grade campaign options
func buildNotifyOptions(flags Flags, botAddress string, locker flow.TurnLocker, m *metrics.Metrics) []notify.Option {
	cfg := flags.config
	opts := []notify.Option{
		notify.WithBotAddress(botAddress),
		notify.WithLocker(locker),
		notify.WithMetrics(m),
		notify.WithPassThreshold(cfg.PassThreshold),
		notify.WithLookback(cfg.NotifyLookback),
		notify.WithDelay(cfg.NotifyDelay),
		notify.WithRecoveryExam(cfg.RecoveryExam),
	}
	if cfg.NotifyRedirectTo != "" {
		opts = append(opts, notify.WithRedirect(cfg.NotifyRedirectTo))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, gatherer prometheus.Gatherer) []api.Option {
	cfg := flags.config
	apiOpts := []api.Option{
		api.WithAuthToken(cfg.TwilioAuthToken),
		api.WithVerifyToken(cfg.VerifyToken),
		api.WithSkipSignatureValidation(cfg.SkipSignature),
		api.WithGatherer(gatherer),
	}
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	if cfg.PublicBaseURL != "" {
		apiOpts = append(apiOpts, api.WithPublicBaseURL(cfg.PublicBaseURL))
	}
	return apiOpts
}
