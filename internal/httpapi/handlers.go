package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"ignition-scanner/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.config.GetConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.ScannerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	updated, err := s.config.UpdateConfig(r.Context(), cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket fan-out not configured")
		return
	}
	s.hub.ServeWs(w, r, userIDFrom(r))
}

func (s *Server) handleListUniverse(w http.ResponseWriter, r *http.Request) {
	list, err := s.universe.ListUniverse(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUpsertSymbol(w http.ResponseWriter, r *http.Request) {
	var sym store.UniverseSymbol
	if err := json.NewDecoder(r.Body).Decode(&sym); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	sym.Symbol = strings.ToUpper(strings.TrimSpace(sym.Symbol))
	if sym.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if err := s.universe.UpsertSymbol(r.Context(), sym); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sym)
}

func (s *Server) handleDeleteSymbol(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if sym == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	if err := s.universe.DeleteSymbol(r.Context(), sym); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	prefs, err := s.preferences.GetSettings(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	symbol := r.URL.Query().Get("symbol")
	events, err := s.events.ListEventsForUser(r.Context(), prefs.ClearedUntil, symbol, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleClearTriggers(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	now := time.Now().UTC()
	if err := s.preferences.SetClearedUntil(r.Context(), userID, now); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared_until": now})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	settings, err := s.preferences.GetSettings(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	var settings store.UserScannerSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	settings.UserID = userID // owner-scoped: a caller can only ever mutate its own row
	updated, err := s.preferences.UpdateSettings(r.Context(), settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
