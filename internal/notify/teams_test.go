package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

func TestNotifySignificantPostsCard(t *testing.T) {
	var got teamsPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	teams, err := NewTeams(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewTeams failed: %v", err)
	}
	c := models.Classification{
		Message: models.RetrievedMessage{MessageID: 7, ChannelID: "news", Text: "Bridge closed", Timestamp: time.Now()},
		Verdict: models.VerdictSignificant,
		Source:  "keyword",
	}
	if err := teams.NotifySignificant(context.Background(), c); err != nil {
		t.Fatalf("NotifySignificant failed: %v", err)
	}
	if !strings.Contains(got.Title, "news") || !strings.Contains(got.Text, "Bridge closed") {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestPostReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid webhook", http.StatusBadRequest)
	}))
	defer srv.Close()

	teams, _ := NewTeams(srv.URL, nil, nil)
	err := teams.Post(context.Background(), "t", "x")
	if err == nil || !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "invalid webhook") {
		t.Errorf("expected 400 error with body, got %v", err)
	}
}

func TestNewTeamsRequiresURL(t *testing.T) {
	if _, err := NewTeams("", nil, nil); err == nil {
		t.Errorf("expected error without webhook URL")
	}
}
