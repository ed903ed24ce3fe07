package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

func classification(ch string, id int64, v models.Verdict) models.Classification {
	return models.Classification{
		Message: models.RetrievedMessage{
			MessageID: id,
			ChannelID: ch,
			Text:      "text, with \"quotes\"\nand newline",
			Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Verdict: v,
		Source:  "keyword",
	}
}

func TestWriterCreatesDailyFilesWithHeader(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	w.now = func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }

	if err := w.Write(classification("chan_a", 10, models.VerdictSignificant)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write(classification("chan_a", 11, models.VerdictSignificant)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "messages_significant_2026-03-02.csv"))
	if err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	if n := strings.Count(string(data), "recorded_at,channel_id"); n != 1 {
		t.Errorf("expected header exactly once, found %d", n)
	}
}

func TestReaderRecoversMaxAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	day := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	for _, id := range []int64{5, 9, 7} {
		if err := w.Write(classification("chan_a", id, models.VerdictTrivial)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	w.now = func() time.Time { return day.Add(24 * time.Hour) }
	if err := w.Write(classification("chan_a", 12, models.VerdictSignificant)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write(classification("chan_b", 99, models.VerdictSignificant)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	r := NewReader(dir, nil)
	id, found, err := r.MaxMessageID("chan_a")
	if err != nil || !found || id != 12 {
		t.Errorf("expected 12 for chan_a, got %d found=%v err=%v", id, found, err)
	}
	id, found, err = r.MaxMessageID("chan_b")
	if err != nil || !found || id != 99 {
		t.Errorf("expected 99 for chan_b, got %d found=%v err=%v", id, found, err)
	}
	_, found, err = r.MaxMessageID("chan_c")
	if err != nil || found {
		t.Errorf("expected no record for chan_c, found=%v err=%v", found, err)
	}
}

func TestReaderMissingDirectory(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "missing"), nil)
	_, found, err := r.MaxMessageID("chan_a")
	if err != nil || found {
		t.Errorf("expected absent without error, found=%v err=%v", found, err)
	}
}

func TestReaderToleratesDamagedFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"messages_trivial_2026-01-01.csv":     "channel_id,message_id\nchan_a,40\nchan_a,not-a-number\nchan_a\n",
		"messages_trivial_2026-01-02.csv":     "no,useful,columns\n1,2,3\n",
		"messages_significant_2026-01-03.csv": "",
		"messages_significant_2026-01-04.csv": "message_id,text,channel_id\n41,\"hello\",chan_a\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
	}

	id, found, err := NewReader(dir, nil).MaxMessageID("chan_a")
	if err != nil || !found || id != 41 {
		t.Errorf("expected 41, got %d found=%v err=%v", id, found, err)
	}
}

func TestFileName(t *testing.T) {
	day := time.Date(2026, 10, 17, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	if got := FileName(models.VerdictTrivial, day); got != "messages_trivial_2026-10-18.csv" {
		t.Errorf("unexpected file name %q", got)
	}
}
