// Package api provides the REST API for the call log and calendar rules.
package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prismaqf/callblocker/internal/analytics"
	"github.com/prismaqf/callblocker/internal/config"
	"github.com/prismaqf/callblocker/internal/redact"
	"github.com/prismaqf/callblocker/internal/rules"
	"github.com/prismaqf/callblocker/internal/session"
	"github.com/prismaqf/callblocker/internal/store"
)

// Recorder is the part of the session the API drives.
type Recorder interface {
	Record(ctx context.Context, c session.Call) (session.LogInfo, error)
	Info() (session.LogInfo, bool)
}

// Server is the REST API server.
type Server struct {
	cfg          *config.Config
	store        store.Store
	session      Recorder
	analytics    *analytics.Engine
	exportMasker *redact.Masker
	limiter      *RateLimiter
	logger       *slog.Logger

	// rulesMu holds the name check and the write of a rule together so two
	// edits cannot both claim a free name.
	rulesMu sync.Mutex

	mux          *http.ServeMux
	startTime    time.Time
}

// NewServer creates a new API server. sess may be nil, in which case calls
// can be read but not recorded.
func NewServer(cfg *config.Config, dataStore store.Store, sess Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		store:        dataStore,
		session:      sess,
		exportMasker: redact.FromConfig(&cfg.Privacy, true),
		limiter:      NewRateLimiter(BudgetsFromConfig(cfg.RateLimit)),
		logger:       logger,
		mux:          http.NewServeMux(),
		startTime:    time.Now(),
	}

	// Analytics needs the raw connection
	if db, ok := dataStore.DB().(*sql.DB); ok {
		loc, err := cfg.Persistence.Location()
		if err != nil {
			loc = time.Local
		}
		s.analytics = analytics.NewEngine(db, loc)
	}

	s.mux.HandleFunc("GET /api/health", s.healthCheck)

	s.mux.HandleFunc("GET /api/runs", s.authMiddleware(s.listRuns))
	s.mux.HandleFunc("GET /api/runs/latest", s.authMiddleware(s.latestRun))
	s.mux.HandleFunc("GET /api/runs/{id}", s.authMiddleware(s.getRun))
	s.mux.HandleFunc("GET /api/runs/{id}/calls", s.authMiddleware(s.runCalls))

	s.mux.HandleFunc("GET /api/calls", s.authMiddleware(s.listCalls))
	s.mux.HandleFunc("POST /api/calls", s.authMiddleware(s.recordCall))
	s.mux.HandleFunc("GET /api/calls/export", s.authMiddleware(s.exportCalls))

	s.mux.HandleFunc("GET /api/rules", s.authMiddleware(s.listRules))
	s.mux.HandleFunc("POST /api/rules", s.authMiddleware(s.createRule))
	s.mux.HandleFunc("GET /api/rules/{id}", s.authMiddleware(s.getRule))
	s.mux.HandleFunc("PUT /api/rules/{id}", s.authMiddleware(s.updateRule))
	s.mux.HandleFunc("DELETE /api/rules/{id}", s.authMiddleware(s.deleteRule))

	s.mux.HandleFunc("GET /api/stats", s.authMiddleware(s.getStats))
	s.mux.HandleFunc("GET /api/analytics/daily", s.authMiddleware(s.getCallsByDay))
	s.mux.HandleFunc("GET /api/analytics/anomalies", s.authMiddleware(s.getAnomalies))
	s.mux.HandleFunc("POST /api/checkpoint", s.authMiddleware(s.checkpoint))

	return s
}

// Handle mounts an extra handler, such as the WebSocket endpoint, which does
// its own authentication.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.limiter.Middleware(s.corsMiddleware(s.mux)))
}

// Close releases background resources.
func (s *Server) Close() {
	s.limiter.Stop()
}

// requestIDMiddleware tags every request with an X-Request-ID, reusing the
// caller's one when present.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		s.logger.Debug("request", "id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware wraps a handler with bearer token authentication.
// Tokens in the URL are refused since they leak into logs and history.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "" {
			http.Error(w, "Token in URL is not allowed; use the Authorization header", http.StatusBadRequest)
			return
		}

		auth := r.Header.Get("Authorization")
		expected := "Bearer " + s.cfg.Auth.Token

		if s.cfg.Auth.Token == "" || subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			s.logger.Debug("auth failed", "provided_len", len(auth))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// corsMiddleware adds CORS headers for localhost origins only.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			if strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1") {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isLocalhost reports whether addr (host or host:port) is a loopback address.
func isLocalhost(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// --- Runs ---

// parseListParams reads limit (default 50, capped at 1000) and order
// (default desc) query params.
func parseListParams(r *http.Request) (limit int, descending bool) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return limit, r.URL.Query().Get("order") != "asc"
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	limit, desc := parseListParams(r)
	runs, err := s.store.LatestRuns(ctx, limit, desc)
	if err != nil {
		s.internalError(w, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []*store.ServiceRun{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	run, err := s.store.LatestRun(ctx)
	if err != nil {
		s.internalError(w, "failed to get latest run", err)
		return
	}
	if run.ID == 0 {
		http.Error(w, "No service runs recorded", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	run, err := s.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrRunNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to get run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) runCalls(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetRun(ctx, id); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		s.internalError(w, "failed to get run", err)
		return
	}

	calls, err := s.store.CallsByRun(ctx, id)
	if err != nil {
		s.internalError(w, "failed to list calls of run", err)
		return
	}
	if calls == nil {
		calls = []*store.LoggedCall{}
	}
	s.writeJSON(w, http.StatusOK, calls)
}

// --- Calls ---

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	limit, desc := parseListParams(r)
	calls, err := s.store.LatestCalls(ctx, limit, desc)
	if err != nil {
		s.internalError(w, "failed to list calls", err)
		return
	}
	if calls == nil {
		calls = []*store.LoggedCall{}
	}
	s.writeJSON(w, http.StatusOK, calls)
}

// RecordCallRequest is the body of POST /api/calls, sent by the rule engine
// after evaluating an incoming call.
type RecordCallRequest struct {
	Number      string  `json:"number"`
	Description *string `json:"description,omitempty"`
	RuleID      *int64  `json:"rule_id,omitempty"`
}

func (s *Server) recordCall(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		http.Error(w, "Recording is not available", http.StatusServiceUnavailable)
		return
	}

	var req RecordCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	info, err := s.session.Record(r.Context(), session.Call{
		Number:      req.Number,
		Description: req.Description,
		RuleID:      req.RuleID,
	})
	switch {
	case errors.Is(err, store.ErrNumberRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.internalError(w, "failed to record call", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) exportCalls(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	cfg := ParseExportConfig(r)

	var calls []*store.LoggedCall
	var err error
	if cfg.RunID != nil {
		calls, err = s.store.CallsByRun(ctx, *cfg.RunID)
		if err == nil && cfg.MaxRows > 0 && len(calls) > cfg.MaxRows {
			calls = calls[:cfg.MaxRows]
		}
	} else {
		calls, err = s.store.LatestCalls(ctx, cfg.MaxRows, false)
	}
	if err != nil {
		s.internalError(w, "failed to load calls for export", err)
		return
	}

	exp := NewExporter(cfg.Format)
	filename := "calls-" + time.Now().Format("20060102-150405") + "." + exp.FileExtension()
	w.Header().Set("Content-Type", exp.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := exp.WriteHeader(w); err != nil {
		s.logger.Error("export header failed", "error", err)
		return
	}
	for _, c := range calls {
		if err := exp.WriteCall(w, toExportCall(c, s.exportMasker)); err != nil {
			s.logger.Error("export write failed", "error", err)
			return
		}
	}
	if err := exp.WriteFooter(w, len(calls)); err != nil {
		s.logger.Error("export footer failed", "error", err)
	}
}

// --- Rules ---

// RuleRequest is the body of POST/PUT /api/rules. Omitted fields keep the
// default (create) or current (update) value. Shortcuts are applied after
// days, in order: "all" and "none" replace the selection, "working" and
// "weekend" add to it.
type RuleRequest struct {
	Name      *string          `json:"name"`
	Days      *rules.DaySet    `json:"days"`
	Shortcuts []string         `json:"shortcuts,omitempty"`
	From      *rules.TimeOfDay `json:"from"`
	To        *rules.TimeOfDay `json:"to"`
}

func (req *RuleRequest) apply(e *rules.Editor) error {
	if req.Name != nil {
		e.SetName(*req.Name)
	}
	if req.Days != nil {
		e.SetDays(*req.Days)
	}
	for _, sc := range req.Shortcuts {
		switch strings.ToLower(sc) {
		case "all":
			e.AllDays()
		case "none":
			e.NoDays()
		case "working", "weekdays":
			e.WorkingDays()
		case "weekend":
			e.Weekend()
		default:
			return errors.New("unknown shortcut " + strconv.Quote(sc))
		}
	}
	if req.From != nil {
		e.SetFrom(*req.From)
	}
	if req.To != nil {
		e.SetTo(*req.To)
	}
	return nil
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	list, err := s.store.ListRules(ctx)
	if err != nil {
		s.internalError(w, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.CalendarRule{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	rule, err := s.store.GetRule(ctx, id)
	if errors.Is(err, store.ErrRuleNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to get rule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req RuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	names, err := s.store.RuleNames(ctx, 0)
	if err != nil {
		s.internalError(w, "failed to read rule names", err)
		return
	}
	editor := rules.NewEditor(rules.ActionCreate, nil, names)
	if err := req.apply(editor); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rule, err := editor.Result()
	if err != nil {
		s.ruleValidationError(w, err)
		return
	}

	if err := s.store.SaveRule(ctx, &rule); err != nil {
		s.internalError(w, "failed to save rule", err)
		return
	}
	s.logger.Info("rule created", "id", rule.ID, "name", rule.Name)
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	current, err := s.store.GetRule(ctx, id)
	if errors.Is(err, store.ErrRuleNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to get rule", err)
		return
	}

	names, err := s.store.RuleNames(ctx, id)
	if err != nil {
		s.internalError(w, "failed to read rule names", err)
		return
	}
	editor := rules.NewEditor(rules.ActionUpdate, current, names)
	if err := req.apply(editor); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rule, err := editor.Result()
	if err != nil {
		s.ruleValidationError(w, err)
		return
	}

	if editor.Changed() {
		if err := s.store.UpdateRule(ctx, &rule); err != nil {
			s.internalError(w, "failed to update rule", err)
			return
		}
		s.logger.Info("rule updated", "id", rule.ID, "name", rule.Name)
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteRule(ctx, id)
	if errors.Is(err, store.ErrRuleNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ruleValidationError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, rules.ErrDuplicateName) {
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// --- Analytics ---

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if s.analytics == nil {
		s.writeJSON(w, http.StatusOK, StatsResponse{Status: "analytics_unavailable", Timestamp: time.Now()})
		return
	}

	summary, err := s.analytics.Summary(ctx)
	if err != nil {
		s.internalError(w, "failed to get summary", err)
		return
	}
	ruleCounts, err := s.analytics.RuleCounts(ctx, 10)
	if err != nil {
		s.internalError(w, "failed to get rule counts", err)
		return
	}
	top, err := s.analytics.TopNumbers(ctx, 10)
	if err != nil {
		s.internalError(w, "failed to get top numbers", err)
		return
	}
	for _, n := range top {
		n.Number = s.exportMasker.Mask(n.Number)
	}
	runs, err := s.analytics.RunBreakdown(ctx, 10)
	if err != nil {
		s.internalError(w, "failed to get run breakdown", err)
		return
	}

	resp := OverallStatsResponse{
		StatsResponse: StatsResponse{Status: "ok", Timestamp: time.Now()},
		Summary:       summary,
		RuleCounts:    ruleCounts,
		TopNumbers:    top,
		Runs:          runs,
	}
	if s.session != nil {
		info, active := s.session.Info()
		resp.Session = &SessionStatus{Active: active, LogInfo: info}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getCallsByDay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if s.analytics == nil {
		http.Error(w, "Analytics unavailable", http.StatusServiceUnavailable)
		return
	}

	start, end := s.parseTimeRange(r)
	days, err := s.analytics.GetCallsByDay(ctx, start, end)
	if err != nil {
		s.internalError(w, "failed to get daily calls", err)
		return
	}
	if days == nil {
		days = []*analytics.CallsByDay{}
	}
	s.writeJSON(w, http.StatusOK, days)
}

func (s *Server) getAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if s.analytics == nil {
		http.Error(w, "Analytics unavailable", http.StatusServiceUnavailable)
		return
	}

	anomalies, err := s.analytics.DetectAnomalies(ctx, nil)
	if err != nil {
		s.internalError(w, "failed to detect anomalies", err)
		return
	}
	for _, a := range anomalies {
		if a.Number != nil {
			masked := s.exportMasker.Mask(*a.Number)
			a.Number = &masked
		}
	}
	if anomalies == nil {
		anomalies = []*analytics.Anomaly{}
	}
	s.writeJSON(w, http.StatusOK, anomalies)
}

// parseTimeRange extracts start/end times from query params (default: last 30 days).
func (s *Server) parseTimeRange(r *http.Request) (start, end time.Time) {
	end = time.Now()
	start = end.AddDate(0, 0, -30)

	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	return start, end
}

// --- Health ---

// healthCheck returns server health status with operational metrics.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	}

	if s.session != nil {
		info, active := s.session.Info()
		health.Session = &SessionStatus{Active: active, LogInfo: info}
	}

	if db, ok := s.store.DB().(*sql.DB); ok {
		var walPages, walCheckpointed int64
		row := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
		if err := row.Scan(new(int), &walPages, &walCheckpointed); err == nil {
			// Each WAL page is typically 4096 bytes
			health.WALSizeBytes = walPages * 4096
		}

		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logged_calls").Scan(&health.TotalCalls)

		var pageCount, pageSize int64
		db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
		db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		health.DBSizeBytes = pageCount * pageSize
	}

	if health.WALSizeBytes > 100*1024*1024 {
		health.Status = "degraded"
		health.Warning = "Large WAL file - consider checkpoint"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// checkpoint triggers a WAL checkpoint to free up disk space. Localhost only.
func (s *Server) checkpoint(w http.ResponseWriter, r *http.Request) {
	if !isLocalhost(r.RemoteAddr) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	db, ok := s.store.DB().(*sql.DB)
	if !ok {
		http.Error(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}

	var blocked, pagesLog, pagesCheckpointed int
	err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&blocked, &pagesLog, &pagesCheckpointed)
	if err != nil {
		s.internalError(w, "checkpoint failed", err)
		return
	}

	resp := CheckpointResponse{
		Success:           blocked == 0,
		PagesLog:          pagesLog,
		PagesCheckpointed: pagesCheckpointed,
		Timestamp:         time.Now(),
		Message:           "Checkpoint completed successfully",
	}
	if blocked == 1 {
		resp.Message = "Checkpoint was blocked by active readers"
	}

	s.logger.Info("WAL checkpoint", "pages", pagesLog, "checkpointed", pagesCheckpointed, "blocked", blocked)
	s.writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	http.Error(w, "Internal error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// API response types

// StatsResponse is the envelope of the stats endpoint.
type StatsResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus reports the current service run as seen by the session.
type SessionStatus struct {
	Active bool `json:"active"`
	session.LogInfo
}

// OverallStatsResponse is the API response for /api/stats.
type OverallStatsResponse struct {
	StatsResponse
	Summary    *analytics.Summary       `json:"summary"`
	RuleCounts []*analytics.RuleCount   `json:"rule_counts"`
	TopNumbers []*analytics.NumberStats `json:"top_numbers"`
	Runs       []*analytics.RunStats    `json:"runs"`
	Session    *SessionStatus           `json:"session,omitempty"`
}

// HealthResponse is the API response for health checks.
type HealthResponse struct {
	Status       string         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Uptime       string         `json:"uptime"`
	Session      *SessionStatus `json:"session,omitempty"`
	TotalCalls   int64          `json:"total_calls"`
	DBSizeBytes  int64          `json:"db_size_bytes"`
	WALSizeBytes int64          `json:"wal_size_bytes"`
	Warning      string         `json:"warning,omitempty"`
}

// CheckpointResponse is the API response for WAL checkpoint.
type CheckpointResponse struct {
	Success           bool      `json:"success"`
	PagesLog          int       `json:"pages_log"`
	PagesCheckpointed int       `json:"pages_checkpointed"`
	Message           string    `json:"message"`
	Timestamp         time.Time `json:"timestamp"`
}
