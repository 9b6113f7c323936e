package api

import (
	"net/http"
	"time"

	"github.com/xtxerr/bandwatch/internal/alertstore"
)

// Updates decode the body over the stored row, so omitted fields keep
// their values.

// =============================================================================
// Alert configs
// =============================================================================

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.deps.Rules.ListConfigs(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, configs)
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := alertstore.AlertConfig{Enabled: true}
	if err := decodeJSON(r, &cfg); err != nil {
		respondError(w, err)
		return
	}
	cfg.Source = alertstore.SourceAPI
	if err := s.deps.Rules.CreateConfig(r.Context(), &cfg); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	cfg, err := s.deps.Rules.GetConfig(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	cfg, err := s.deps.Rules.GetConfig(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	source := cfg.Source
	if err := decodeJSON(r, cfg); err != nil {
		respondError(w, err)
		return
	}
	cfg.ID, cfg.Source = id, source
	if err := s.deps.Rules.UpdateConfig(r.Context(), cfg); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		if err := s.deps.Rules.SetEnabled(r.Context(), id, enabled); err != nil {
			respondError(w, err)
			return
		}
		cfg, err := s.deps.Rules.GetConfig(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, cfg)
	}
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Rules.DeleteConfig(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Maintenance windows
// =============================================================================

func (s *Server) handleListMaintenance(w http.ResponseWriter, r *http.Request) {
	windows, err := s.deps.Rules.ListMaintenance(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, windows)
}

func (s *Server) handleCreateMaintenance(w http.ResponseWriter, r *http.Request) {
	mw := alertstore.MaintenanceWindow{Enabled: true}
	if err := decodeJSON(r, &mw); err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Rules.CreateMaintenance(r.Context(), &mw); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, mw)
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	mw, err := s.deps.Rules.GetMaintenance(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mw)
}

func (s *Server) handleUpdateMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	mw, err := s.deps.Rules.GetMaintenance(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := decodeJSON(r, mw); err != nil {
		respondError(w, err)
		return
	}
	mw.ID = id
	if err := s.deps.Rules.UpdateMaintenance(r.Context(), mw); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mw)
}

func (s *Server) handleDeleteMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Rules.DeleteMaintenance(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Notification channels
// =============================================================================

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Rules.ListChannels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, channels)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	ch := alertstore.NotificationChannel{Enabled: true}
	if err := decodeJSON(r, &ch); err != nil {
		respondError(w, err)
		return
	}
	ch.Source = alertstore.SourceAPI
	if err := s.deps.Rules.CreateChannel(r.Context(), &ch); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	ch, err := s.deps.Rules.GetChannel(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	ch, err := s.deps.Rules.GetChannel(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	source := ch.Source
	if err := decodeJSON(r, ch); err != nil {
		respondError(w, err)
		return
	}
	ch.ID, ch.Source = id, source
	if err := s.deps.Rules.UpdateChannel(r.Context(), ch); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Rules.DeleteChannel(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// History
// =============================================================================

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	f := alertstore.HistoryFilter{
		DeviceID:      p.str("device"),
		AlertConfigID: p.id("config_id"),
		State:         alertstore.HistoryState(p.str("state")),
		Severity:      alertstore.Severity(p.str("severity")),
		From:          p.at("from", time.Time{}),
		To:            p.at("to", time.Time{}),
		Limit:         p.num("limit", 0),
		Desc:          p.flag("desc"),
	}
	if err := p.err(); err != nil {
		respondError(w, err)
		return
	}

	rows, err := s.deps.Rules.ListHistory(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	h, err := s.deps.Rules.GetHistory(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h)
}

// AckRequest is the body of an acknowledge call.
type AckRequest struct {
	By string `json:"by"`
}

// ResolveRequest is the body of a resolve call.
type ResolveRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req AckRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	h, err := s.deps.Alerts.Acknowledge(r.Context(), id, req.By)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req ResolveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}
	h, err := s.deps.Alerts.Resolve(r.Context(), id, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h)
}
