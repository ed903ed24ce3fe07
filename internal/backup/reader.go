package backup

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Reader recovers the highest message id recorded for a channel from the
// backup files. It is read-only and tolerates missing or damaged files.
type Reader struct {
	dir    string
	logger *slog.Logger
}

// NewReader creates a Reader over dir.
func NewReader(dir string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{dir: dir, logger: logger}
}

// MaxMessageID returns the highest message id recorded for channelID.
// found is false when no record exists, including when the directory is missing.
func (r *Reader) MaxMessageID(channelID string) (id int64, found bool, err error) {
	if r.dir == "" {
		return 0, false, nil
	}
	files, err := filepath.Glob(filepath.Join(r.dir, FilePattern))
	if err != nil {
		return 0, false, fmt.Errorf("invalid backup pattern: %w", err)
	}

	for _, path := range files {
		fileMax, ok, ferr := scanFile(path, channelID)
		if ferr != nil {
			r.logger.Warn("Skipping unreadable backup file", "file", path, "error", ferr)
			continue
		}
		if ok && (!found || fileMax > id) {
			id, found = fileMax, true
		}
	}

	if found {
		r.logger.Debug("Recovered cursor from backups", "channel", channelID, "last_message_id", id, "files", len(files))
	}
	return id, found, nil
}

func scanFile(path, channelID string) (int64, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	chCol, idCol := -1, -1
	for i, name := range header {
		switch name {
		case "channel_id":
			chCol = i
		case "message_id":
			idCol = i
		}
	}
	if chCol < 0 || idCol < 0 {
		return 0, false, fmt.Errorf("missing channel_id or message_id column")
	}

	var max int64
	found := false
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return max, found, err
		}
		if len(rec) <= chCol || len(rec) <= idCol || rec[chCol] != channelID {
			continue
		}
		id, err := strconv.ParseInt(rec[idCol], 10, 64)
		if err != nil {
			continue
		}
		if !found || id > max {
			max, found = id, true
		}
	}
	return max, found, nil
}
