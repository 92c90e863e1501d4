package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"ignition-scanner/internal/scanner"
	"ignition-scanner/internal/store"
)

type healthResponse struct {
	Time             time.Time `json:"time"`
	ScannerEnabled   bool      `json:"scanner_enabled"`
	DurableReachable bool      `json:"durable_reachable"`
	CacheReachable   bool      `json:"cache_reachable"`
	WSReachable      bool      `json:"ws_reachable"`
	DurableDSN       string    `json:"durable_dsn"`
	CacheURL         string    `json:"cache_url"`
	Heartbeat        struct {
		Raw        string     `json:"raw"`
		ParsedAt   *time.Time `json:"parsed_at,omitempty"`
		AgeSeconds *float64   `json:"age_seconds,omitempty"`
	} `json:"ingestor_heartbeat"`
}

// handleHealth implements the public, unauthenticated health probe:
// durable/cache/websocket reachability plus ingestor heartbeat age, with
// every echoed connection string redacted.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := healthResponse{
		Time:       time.Now().UTC(),
		DurableDSN: redactDSN(s.dsn),
		CacheURL:   redactDSN(s.redisURL),
	}

	if cfg, err := s.config.GetConfig(ctx); err == nil {
		resp.ScannerEnabled = cfg.Enabled
	}

	if s.durable != nil {
		resp.DurableReachable = s.durable.Ping(ctx) == nil
	}
	if s.cache != nil {
		resp.CacheReachable = s.cache.Ping(ctx) == nil
	}
	if s.hub != nil {
		resp.WSReachable = s.hub.GroupAddDiscard("health-probe")
	}

	if s.heartbeat != nil {
		if at, ok, err := s.heartbeat.ReadHeartbeat(ctx); err == nil {
			if ok {
				resp.Heartbeat.Raw = at.UTC().Format(time.RFC3339)
				parsed := at.UTC()
				resp.Heartbeat.ParsedAt = &parsed
				age := time.Since(at).Seconds()
				resp.Heartbeat.AgeSeconds = &age
			} else {
				resp.Heartbeat.Raw = "never"
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// redactDSN masks userinfo in a connection string so it is safe to echo
// back over the wire. User and password are both replaced by "***"
// placeholders, which url.String percent-encodes, so the output differs in
// form from config.RedactedDSN's.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	u.User = url.UserPassword("***", "***")
	return u.String()
}

// handleAdminStatus is the same payload as the public health probe,
// reserved under /admin/ for operators who want it behind the admin
// gate rather than publicly reachable.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	s.handleHealth(w, r)
}

type emitTestEventRequest struct {
	Symbol string `json:"symbol"`
}

// handleEmitTestEvent injects a synthetic TriggerEvent and fans it out
// through the websocket hub and push queue exactly like a real ignition,
// for admin smoke-testing of C5/C6 without waiting on a live market move.
func (s *Server) handleEmitTestEvent(w http.ResponseWriter, r *http.Request) {
	var req emitTestEventRequest
	_ = decodeOptionalJSON(r, &req)
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		symbol = "TEST"
	}

	cfg, _ := s.config.GetConfig(r.Context())
	ev := store.TriggerEvent{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		TriggeredAt:    time.Now().UTC(),
		ReasonTags:     []string{"ADMIN_TEST"},
		Open:           10,
		High:           10.5,
		Low:            9.9,
		Close:          10.3,
		Volume:         100000,
		LastPrice:      10.3,
		Vol1m:          100000,
		RVOL1m:         5,
		PctChange1m:    3,
		HOD:            10.5,
		BrokeHOD:       true,
		Score:          99,
		ConfigSnapshot: cfg,
	}

	if err := s.events.CreateEvent(r.Context(), ev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.hub != nil {
		if err := s.hub.PublishTrigger(r.Context(), ev); err != nil {
			s.log.WithError(err).Warn("failed to fan out synthetic trigger event")
		}
	}
	writeJSON(w, http.StatusCreated, ev)
}

// handleEmitTestHot5 injects a synthetic HOT-5 snapshot delivered only
// to the requesting admin's own websocket group.
func (s *Server) handleEmitTestHot5(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	items := []scanner.HotlistItem{
		{Symbol: "TEST", Score: 99, LastPrice: 10.3, PctChange1m: 3, HOD: 10.5, BrokeHOD: true, ReasonTags: []string{"ADMIN_TEST"}},
	}
	if s.hub != nil {
		if err := s.hub.PublishHotlistTo(userID, items); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
