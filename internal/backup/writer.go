// Package backup keeps append-only CSV records of every classified message and
// reads them back as the durable fallback for channel cursors.
package backup

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

// Header is the column layout of backup files. Readers locate columns by name.
var Header = []string{"recorded_at", "channel_id", "message_id", "timestamp", "author_ref", "verdict", "source", "reason", "text"}

// FilePattern matches backup files inside the backup directory.
const FilePattern = "messages_*.csv"

// Writer appends classifications to per-verdict, per-day CSV files.
type Writer struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
	mu     sync.Mutex
}

// NewWriter creates a Writer rooted at dir, creating the directory if needed.
func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("backup directory not set")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, now: time.Now, logger: logger}, nil
}

// FileName returns the backup file name for a verdict on a given day.
func FileName(verdict models.Verdict, day time.Time) string {
	return fmt.Sprintf("messages_%s_%s.csv", verdict, day.UTC().Format("2006-01-02"))
}

// Write appends one classification.
func (w *Writer) Write(c models.Classification) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	path := filepath.Join(w.dir, FileName(c.Verdict, now))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open backup file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat backup file %s: %w", path, err)
	}

	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(Header); err != nil {
			return fmt.Errorf("failed to write backup header: %w", err)
		}
	}
	m := c.Message
	record := []string{
		now.Format(time.RFC3339),
		m.ChannelID,
		strconv.FormatInt(m.MessageID, 10),
		m.Timestamp.UTC().Format(time.RFC3339),
		m.AuthorRef,
		string(c.Verdict),
		c.Source,
		c.Reason,
		m.Text,
	}
	if err := cw.Write(record); err != nil {
		return fmt.Errorf("failed to write backup record: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush backup record: %w", err)
	}

	w.logger.Debug("Backup record written", "file", filepath.Base(path), "channel", m.ChannelID, "message_id", m.MessageID)
	return nil
}
