package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_API_ID", "12345")
	t.Setenv("TELEGRAM_API_HASH", "abcdef")
	t.Setenv("TELEGRAM_CHANNELS", "@news, -1001234")
	t.Setenv("CHANNELPIPE_STATE_DIR", "/tmp/cp-state")
	for _, key := range []string{
		"FETCH_INTERVAL_SECONDS", "PER_CHANNEL_FETCH_LIMIT", "CHANNEL_CONCURRENCY", "DEDUP_TTL",
		"RETRIEVE_RATE_PER_SECOND", "CHANNEL_FAILURE_THRESHOLD", "TELEGRAM_SESSION_PATH",
		"CURSOR_STORE_URL", "BACKUP_DIR", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN",
		"TWILIO_FROM_NUMBER", "ALERT_SMS_TO", "LOG_LEVEL", "LOG_FORMAT", "API_ADDR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TelegramAPIID != 12345 {
		t.Errorf("TelegramAPIID = %d", cfg.TelegramAPIID)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0] != "@news" || cfg.Channels[1] != "-1001234" {
		t.Errorf("Channels = %v", cfg.Channels)
	}
	if cfg.FetchInterval != DefaultFetchInterval {
		t.Errorf("FetchInterval = %v", cfg.FetchInterval)
	}
	if cfg.FetchLimit != DefaultFetchLimit || cfg.Concurrency != DefaultConcurrency {
		t.Errorf("FetchLimit/Concurrency = %d/%d", cfg.FetchLimit, cfg.Concurrency)
	}
	if cfg.DedupTTL != DefaultDedupTTL {
		t.Errorf("DedupTTL = %v", cfg.DedupTTL)
	}
	if cfg.SessionPath != filepath.Join("/tmp/cp-state", DefaultSessionFileName) {
		t.Errorf("SessionPath = %q", cfg.SessionPath)
	}
	if cfg.CursorStoreURL != filepath.Join("/tmp/cp-state", DefaultDBFileName) {
		t.Errorf("CursorStoreURL = %q", cfg.CursorStoreURL)
	}
	if cfg.BackupDir != filepath.Join("/tmp/cp-state", DefaultBackupDirName) {
		t.Errorf("BackupDir = %q", cfg.BackupDir)
	}
	if cfg.APIAddr != DefaultAPIAddr || cfg.LogFormat != "text" || cfg.LogLevel != "info" {
		t.Errorf("APIAddr/LogFormat/LogLevel = %q/%q/%q", cfg.APIAddr, cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TELEGRAM_API_ID", "")
	t.Setenv("TELEGRAM_CHANNELS", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, key := range []string{"TELEGRAM_API_ID", "TELEGRAM_CHANNELS"} {
		if !strings.Contains(msg, key) {
			t.Errorf("error %q does not mention %s", msg, key)
		}
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"malformed api id", "TELEGRAM_API_ID", "abc", "TELEGRAM_API_ID"},
		{"interval below minimum", "FETCH_INTERVAL_SECONDS", "30", "FETCH_INTERVAL_SECONDS"},
		{"limit above maximum", "PER_CHANNEL_FETCH_LIMIT", "51", "PER_CHANNEL_FETCH_LIMIT"},
		{"limit zero", "PER_CHANNEL_FETCH_LIMIT", "0", "PER_CHANNEL_FETCH_LIMIT"},
		{"zero concurrency", "CHANNEL_CONCURRENCY", "0", "CHANNEL_CONCURRENCY"},
		{"dedup ttl too short", "DEDUP_TTL", "8m", "DEDUP_TTL"},
		{"unknown log format", "LOG_FORMAT", "xml", "LOG_FORMAT"},
		{"partial twilio", "TWILIO_ACCOUNT_SID", "AC123", "TWILIO"},
		{"channels blank", "TELEGRAM_CHANNELS", " , ", "TELEGRAM_CHANNELS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FETCH_INTERVAL_SECONDS", "300")
	t.Setenv("PER_CHANNEL_FETCH_LIMIT", "50")
	t.Setenv("DEDUP_TTL", "48h")
	t.Setenv("CURSOR_STORE_URL", "redis://localhost:6379/0")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550000000")
	t.Setenv("ALERT_SMS_TO", "+15551111111,+15552222222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FetchInterval != 300*time.Second || cfg.FetchLimit != 50 || cfg.DedupTTL != 48*time.Hour {
		t.Errorf("unexpected values %+v", cfg)
	}
	if cfg.CursorStoreURL != "redis://localhost:6379/0" {
		t.Errorf("CursorStoreURL = %q", cfg.CursorStoreURL)
	}
	if !cfg.SMSEnabled() || len(cfg.AlertSMSTo) != 2 {
		t.Errorf("AlertSMSTo = %v", cfg.AlertSMSTo)
	}
}

func TestApplyStateDir(t *testing.T) {
	cfg := &Config{StateDir: "/a", CursorStoreURL: "memory"}
	cfg.ApplyStateDir("/a")
	cfg.BackupDir = "/custom/backups"

	cfg.ApplyStateDir("/b")
	if cfg.SessionPath != filepath.Join("/b", DefaultSessionFileName) {
		t.Errorf("SessionPath = %q", cfg.SessionPath)
	}
	if cfg.CursorStoreURL != "memory" {
		t.Errorf("explicit store URL changed to %q", cfg.CursorStoreURL)
	}
	if cfg.BackupDir != "/custom/backups" {
		t.Errorf("explicit backup dir changed to %q", cfg.BackupDir)
	}
}
