package api

import (
	"context"
	"net/http"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/cursor"
	"github.com/BTreeMap/ChannelPipe/internal/models"
	"github.com/BTreeMap/ChannelPipe/internal/session"
)

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
	Uptime string `json:"uptime"`
}

type statusResponse struct {
	Session   session.State          `json:"session"`
	Channels  []string               `json:"channels"`
	Cursors   []models.ChannelCursor `json:"cursors,omitempty"`
	FetchLock *cursor.LockState      `json:"fetch_lock,omitempty"`
	LastCycle *models.CycleSummary   `json:"last_cycle"`
	Time      time.Time              `json:"time"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Uptime: s.opts.Now().Sub(s.started).Round(time.Second).String()}
	code := http.StatusOK
	if s.opts.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), DefaultPingTimeout)
		defer cancel()
		if err := s.opts.Store.Ping(ctx); err != nil {
			// The fetch path keeps running on the fallback reader, so this is degraded rather than down.
			s.logger.Warn("Server.healthHandler: cursor store ping failed", "error", err)
			resp.Status = "degraded"
			resp.Store = "unavailable"
		} else {
			resp.Store = "ok"
		}
	}
	writeJSONResponse(w, code, resp)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Time: s.opts.Now().UTC()}
	if s.session != nil {
		resp.Session = s.session.State()
	}
	if s.cycles != nil {
		resp.Channels = s.cycles.Channels()
		resp.LastCycle = s.cycles.LastSummary()
	}
	if s.opts.Cursors != nil {
		ctx, cancel := context.WithTimeout(r.Context(), DefaultPingTimeout)
		defer cancel()
		// Store read failures leave the fields out; the rest of the snapshot still helps.
		if cursors, err := s.opts.Cursors.Cursors(ctx, resp.Channels); err != nil {
			s.logger.Warn("Server.statusHandler: failed to read cursors", "error", err)
		} else {
			resp.Cursors = cursors
		}
		if lock, err := s.opts.Cursors.FetchLock(ctx); err != nil {
			s.logger.Warn("Server.statusHandler: failed to read fetch lock", "error", err)
		} else {
			resp.FetchLock = &lock
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
