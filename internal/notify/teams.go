// Package notify posts messages to a Microsoft Teams incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

// DefaultTimeout bounds one webhook call.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Teams sends text cards to an incoming webhook.
type Teams struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewTeams creates a Teams notifier. A nil client gets DefaultTimeout.
func NewTeams(webhookURL string, client *http.Client, logger *slog.Logger) (*Teams, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("teams webhook URL not set")
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Teams{webhookURL: webhookURL, client: client, logger: logger.With("component", "teams")}, nil
}

type teamsPayload struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// Post sends a titled message.
func (t *Teams) Post(ctx context.Context, title, text string) error {
	body, err := json.Marshal(teamsPayload{Title: title, Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode teams payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build teams request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("teams webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("teams webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	io.Copy(io.Discard, resp.Body)
	t.logger.Debug("Teams message posted", "title", title)
	return nil
}

// NotifySignificant posts a significant message.
func (t *Teams) NotifySignificant(ctx context.Context, c models.Classification) error {
	m := c.Message
	title := fmt.Sprintf("Significant message in %s", m.ChannelID)
	text := fmt.Sprintf("%s\n\n_message %d at %s (%s)_", m.Text, m.MessageID, m.Timestamp.UTC().Format(time.RFC3339), c.Source)
	return t.Post(ctx, title, text)
}
