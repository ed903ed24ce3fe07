// Package models defines the core data structures for ChannelPipe.
//
// It includes the messages retrieved from monitored channels, per-channel cursors,
// classification verdicts, alert events and fetch cycle summaries shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Error variables for validation
var (
	ErrEmptyChannelID = errors.New("channel id cannot be empty")
	ErrInvalidMessage = errors.New("message id must be positive")
)

// RetrievedMessage is a single message pulled from a monitored channel.
// Timestamp is always UTC.
type RetrievedMessage struct {
	MessageID int64     `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	AuthorRef string    `json:"author_ref,omitempty"`
}

// IsEmpty reports whether the message carries no text after trimming.
func (m RetrievedMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == ""
}

// Validate checks the identifying fields of a message.
func (m RetrievedMessage) Validate() error {
	if m.ChannelID == "" {
		return ErrEmptyChannelID
	}
	if m.MessageID <= 0 {
		return ErrInvalidMessage
	}
	return nil
}

// ChannelCursor is the last processed message id for a channel.
// A nil LastMessageID means the position is unknown.
type ChannelCursor struct {
	ChannelID     string    `json:"channel_id"`
	LastMessageID *int64    `json:"last_message_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Verdict is the outcome of classifying a message.
type Verdict string

const (
	// VerdictSignificant marks a message that should be notified.
	VerdictSignificant Verdict = "significant"
	// VerdictTrivial marks a message that is only stored.
	VerdictTrivial Verdict = "trivial"
)

// Classification pairs a message with its verdict.
type Classification struct {
	Message RetrievedMessage `json:"message"`
	Verdict Verdict          `json:"verdict"`
	Reason  string           `json:"reason,omitempty"`
	Source  string           `json:"source"` // "keyword", "ai" or "fallback"
}

// Severity of an alert event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind identifies the condition an alert reports.
type AlertKind string

const (
	AlertConfigInvalid   AlertKind = "config_invalid"
	AlertReauthFailed    AlertKind = "reauth_failed"
	AlertRateLimited     AlertKind = "rate_limited"
	AlertChannelFailures AlertKind = "channel_failures"
	AlertStoreDegraded   AlertKind = "store_degraded"
	AlertSessionFailure  AlertKind = "session_failure"
)

// AlertEvent is a structured alert handed to the alerting sinks.
type AlertEvent struct {
	Severity Severity          `json:"severity"`
	Kind     AlertKind         `json:"kind"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	Time     time.Time         `json:"time"`
}

// CycleOutcome describes how a fetch cycle ended.
type CycleOutcome string

const (
	CycleCompleted       CycleOutcome = "completed"
	CycleSkippedLockHeld CycleOutcome = "skipped_lock_held"
	CycleAborted         CycleOutcome = "aborted"
)

// CycleSummary is the structured result of one fetch cycle.
type CycleSummary struct {
	CycleID                  string            `json:"cycle_id"`
	StartedAt                time.Time         `json:"started_at"`
	FinishedAt               time.Time         `json:"finished_at"`
	Outcome                  CycleOutcome      `json:"outcome"`
	Degraded                 bool              `json:"degraded"`
	ChannelsChecked          int               `json:"channels_checked"`
	MessagesEmitted          int               `json:"messages_emitted"`
	MessagesSkippedDuplicate int               `json:"messages_skipped_duplicate"`
	MessagesSkippedOld       int               `json:"messages_skipped_old"`
	MessagesSkippedEmpty     int               `json:"messages_skipped_empty"`
	// MessagesDropped counts malformed messages and failed hand-offs.
	MessagesDropped          int               `json:"messages_dropped"`
	ErrorsByChannel          map[string]string `json:"errors_by_channel,omitempty"`
	Error                    string            `json:"error,omitempty"`
}

// Duration returns the wall time the cycle took.
func (s *CycleSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
