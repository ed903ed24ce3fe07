// Package config loads ChannelPipe settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/util"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultStateDir        = "/var/lib/channelpipe"
	DefaultDBFileName      = "cursor.db"
	DefaultSessionFileName = "telegram.session"
	DefaultBackupDirName   = "backups"
	DefaultAPIAddr         = ":8080"

	DefaultFetchInterval    = 240 * time.Second
	MinFetchInterval        = 60 * time.Second
	DefaultFetchLimit       = 20
	MaxFetchLimit           = 50
	DefaultConcurrency      = 2
	DefaultDedupTTL         = 24 * time.Hour
	DefaultFailureThreshold = 3
)

// Config holds every setting the service reads at startup.
type Config struct {
	TelegramAPIID   int
	TelegramAPIHash string
	TelegramPhone   string
	SessionPath     string
	Channels        []string

	FetchInterval    time.Duration
	FetchLimit       int
	Concurrency      int
	DedupTTL         time.Duration
	RetrieveRate     float64
	FailureThreshold int

	StateDir       string
	CursorStoreURL string
	BackupDir      string

	OpenAIKey   string
	OpenAIModel string
	Keywords    []string

	TeamsWebhookURL  string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	AlertSMSTo       []string

	APIAddr          string
	ProcessPatterns  []string
	InteractiveLogin bool
	QROutput         string

	LogLevel  string
	LogFormat string
}

// Load reads the environment, applies defaults and validates the result.
// Every missing or malformed variable is reported at once.
func Load() (*Config, error) {
	var missing []string
	var errs []error

	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		TelegramAPIHash:  required("TELEGRAM_API_HASH"),
		TelegramPhone:    os.Getenv("TELEGRAM_PHONE"),
		StateDir:         getEnvString("CHANNELPIPE_STATE_DIR", DefaultStateDir),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		Keywords:         util.ParseListEnv("SIGNIFICANT_KEYWORDS"),
		TeamsWebhookURL:  os.Getenv("TEAMS_WEBHOOK_URL"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		AlertSMSTo:       util.ParseListEnv("ALERT_SMS_TO"),
		APIAddr:          getEnvString("API_ADDR", DefaultAPIAddr),
		ProcessPatterns:  util.ParseListEnv("PROCESS_PATTERNS"),
		InteractiveLogin: util.ParseBoolEnv("INTERACTIVE_LOGIN", false),
		QROutput:         os.Getenv("QR_OUTPUT"),
		LogLevel:         getEnvString("LOG_LEVEL", "info"),
		LogFormat:        getEnvString("LOG_FORMAT", "text"),
	}

	if required("TELEGRAM_API_ID") != "" {
		id, err := util.ParseIntEnv("TELEGRAM_API_ID", 0)
		collect(err)
		cfg.TelegramAPIID = id
	}
	if required("TELEGRAM_CHANNELS") != "" {
		cfg.Channels = util.ParseListEnv("TELEGRAM_CHANNELS")
	}

	var err error
	cfg.FetchInterval, err = util.ParseSecondsEnv("FETCH_INTERVAL_SECONDS", DefaultFetchInterval)
	collect(err)
	cfg.FetchLimit, err = util.ParseIntEnv("PER_CHANNEL_FETCH_LIMIT", DefaultFetchLimit)
	collect(err)
	cfg.Concurrency, err = util.ParseIntEnv("CHANNEL_CONCURRENCY", DefaultConcurrency)
	collect(err)
	cfg.DedupTTL, err = util.ParseDurationEnv("DEDUP_TTL", DefaultDedupTTL)
	collect(err)
	cfg.RetrieveRate, err = util.ParseFloatEnv("RETRIEVE_RATE_PER_SECOND", 0)
	collect(err)
	cfg.FailureThreshold, err = util.ParseIntEnv("CHANNEL_FAILURE_THRESHOLD", DefaultFailureThreshold)
	collect(err)

	cfg.SessionPath = os.Getenv("TELEGRAM_SESSION_PATH")
	cfg.CursorStoreURL = os.Getenv("CURSOR_STORE_URL")
	cfg.BackupDir = os.Getenv("BACKUP_DIR")
	cfg.ApplyStateDir(cfg.StateDir)

	if len(missing) > 0 {
		errs = append([]error{fmt.Errorf("required environment variables are not set: %v", missing)}, errs...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyStateDir fills the paths that default to locations under dir. Paths
// that were set explicitly are left alone. Calling it again with a new
// directory moves the defaulted paths along.
func (c *Config) ApplyStateDir(dir string) {
	old := c.StateDir
	c.StateDir = dir
	relocate := func(cur *string, name string) {
		if *cur == "" || *cur == filepath.Join(old, name) {
			*cur = filepath.Join(dir, name)
		}
	}
	relocate(&c.SessionPath, DefaultSessionFileName)
	relocate(&c.CursorStoreURL, DefaultDBFileName)
	relocate(&c.BackupDir, DefaultBackupDirName)
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.TelegramAPIID <= 0 {
		errs = append(errs, fmt.Errorf("TELEGRAM_API_ID must be positive, got %d", c.TelegramAPIID))
	}
	if c.TelegramAPIHash == "" {
		errs = append(errs, errors.New("TELEGRAM_API_HASH is empty"))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHANNELS lists no channels"))
	}
	if c.FetchInterval < MinFetchInterval {
		errs = append(errs, fmt.Errorf("FETCH_INTERVAL_SECONDS must be at least %d, got %d",
			int(MinFetchInterval.Seconds()), int(c.FetchInterval.Seconds())))
	}
	if c.FetchLimit < 1 || c.FetchLimit > MaxFetchLimit {
		errs = append(errs, fmt.Errorf("PER_CHANNEL_FETCH_LIMIT must be between 1 and %d, got %d", MaxFetchLimit, c.FetchLimit))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("CHANNEL_CONCURRENCY must be at least 1, got %d", c.Concurrency))
	}
	if c.DedupTTL <= 2*c.FetchInterval {
		errs = append(errs, fmt.Errorf("DEDUP_TTL (%s) must exceed twice the fetch interval (%s)", c.DedupTTL, 2*c.FetchInterval))
	}
	if c.RetrieveRate < 0 {
		errs = append(errs, fmt.Errorf("RETRIEVE_RATE_PER_SECOND must not be negative, got %v", c.RetrieveRate))
	}
	if c.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("CHANNEL_FAILURE_THRESHOLD must be at least 1, got %d", c.FailureThreshold))
	}
	if c.SMSEnabled() || c.TwilioAccountSID != "" || c.TwilioAuthToken != "" || c.TwilioFrom != "" {
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFrom == "" || len(c.AlertSMSTo) == 0 {
			errs = append(errs, errors.New("SMS alerts need TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and ALERT_SMS_TO"))
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not recognized", c.LogLevel))
	}
	return errors.Join(errs...)
}

// SMSEnabled reports whether SMS alert recipients are configured.
func (c *Config) SMSEnabled() bool {
	return len(c.AlertSMSTo) > 0
}

func getEnvString(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}
