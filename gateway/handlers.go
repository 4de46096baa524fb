// Copyright 2025 PromptSentry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway implements the PromptSentry screening gateway: an
// inline security checkpoint between an application and its LLM
// provider. Prompts are normalized, scanned by concurrent detectors,
// scored against the tenant's policy bundle, fused into a single
// action, masked when required, and audited. The gateway never melts
// down on a dependency failure; it degrades or fails closed.
//
// HTTP surface:
//   - POST /api/v1/decide                 - screen one prompt
//   - POST /api/v1/response/check         - screen one model completion
//   - GET  /api/v1/policy/status          - evaluator + cache visibility
//   - POST /api/v1/policy/bundle/activate - promote a draft bundle
//   - CRUD /api/v1/policy/bundles...      - draft bundle authoring
//   - POST /api/v1/similarity/blocked     - add a blocked prompt
//   - GET  /api/v1/stats                  - rolling decision counts
//   - GET  /api/v1/decisions              - audit record search
//   - GET  /health, /metrics, /prometheus
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"promptsentry/platform/shared/logger"
)

// maxRequestBody caps request bodies well above any sane prompt so
// oversize prompts still reach the prompt_too_long policy path instead
// of a transport error.
const maxRequestBody = 1 << 20

// ServerOptions carries the collaborators for the HTTP surface.
// Remote, Blocked, Stats, and Limiter are nil when the deployment
// disables the matching feature.
type ServerOptions struct {
	Config  *Config
	Engine  *Engine
	Store   *RuleStore
	Cache   *TenantCache
	Remote  *RemoteEvaluator
	Blocked *BlockedPromptStore
	Stats   *StatsRecorder
	Audit   *AuditLogger
	Metrics *GatewayMetrics
	Limiter *RateLimiter
	Log     *logger.Logger
}

// Server owns the HTTP handlers. It holds no per-request state; every
// handler builds a RequestContext and hands off to the engine or store.
type Server struct {
	cfg     *Config
	engine  *Engine
	store   *RuleStore
	cache   *TenantCache
	remote  *RemoteEvaluator
	blocked *BlockedPromptStore
	stats   *StatsRecorder
	audit   *AuditLogger
	metrics *GatewayMetrics
	limiter *RateLimiter
	log     *logger.Logger
	started time.Time
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		cfg:     opts.Config,
		engine:  opts.Engine,
		store:   opts.Store,
		cache:   opts.Cache,
		remote:  opts.Remote,
		blocked: opts.Blocked,
		stats:   opts.Stats,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		limiter: opts.Limiter,
		log:     opts.Log,
		started: time.Now(),
	}
}

// Routes builds the gorilla router. Screening endpoints are open to the
// data plane; policy mutation and audit search sit behind the admin
// gate when ADMIN_JWT_SECRET is configured.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/decide", s.handleDecide).Methods("POST")
	r.HandleFunc("/api/v1/response/check", s.handleCheckResponse).Methods("POST")

	r.HandleFunc("/api/v1/policy/status", s.handlePolicyStatus).Methods("GET")
	r.HandleFunc("/api/v1/policy/bundle/activate", s.adminOnly(s.handleActivateBundle)).Methods("POST")
	r.HandleFunc("/api/v1/policy/bundles", s.adminOnly(s.handleCreateBundle)).Methods("POST")
	r.HandleFunc("/api/v1/policy/bundles", s.adminOnly(s.handleListBundles)).Methods("GET")
	r.HandleFunc("/api/v1/policy/bundles/{id}", s.adminOnly(s.handleGetBundle)).Methods("GET")
	r.HandleFunc("/api/v1/policy/bundles/{id}/rules", s.adminOnly(s.handleUpsertRule)).Methods("POST")
	r.HandleFunc("/api/v1/policy/bundles/{id}/rules/{rule_id}", s.adminOnly(s.handleDeleteRule)).Methods("DELETE")
	r.HandleFunc("/api/v1/policy/bundles/{id}/allowlist", s.adminOnly(s.handleAddListEntry(TargetAllowlist))).Methods("POST")
	r.HandleFunc("/api/v1/policy/bundles/{id}/blocklist", s.adminOnly(s.handleAddListEntry(TargetBlocklist))).Methods("POST")
	r.HandleFunc("/api/v1/policy/bundles/{id}/allowlist/{entry_id}", s.adminOnly(s.handleDeleteListEntry(TargetAllowlist))).Methods("DELETE")
	r.HandleFunc("/api/v1/policy/bundles/{id}/blocklist/{entry_id}", s.adminOnly(s.handleDeleteListEntry(TargetBlocklist))).Methods("DELETE")

	r.HandleFunc("/api/v1/similarity/blocked", s.adminOnly(s.handleAddBlockedPrompt)).Methods("POST")
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/v1/decisions", s.adminOnly(s.handleQueryDecisions)).Methods("GET")

	return r
}

type decideRequest struct {
	Prompt          string                 `json:"prompt"`
	UserID          string                 `json:"user_id"`
	SessionID       string                 `json:"session_id"`
	Tenant          string                 `json:"tenant"`
	Channel         string                 `json:"channel"`
	UserRoles       []string               `json:"user_roles"`
	UserPermissions []string               `json:"user_permissions"`
	Metadata        map[string]interface{} `json:"metadata"`
	AddCanary       bool                   `json:"add_canary"`
}

type decideResponse struct {
	Action           Action          `json:"action"`
	Reason           string          `json:"reason"`
	Reasons          []string        `json:"reasons"`
	MaskedPrompt     string          `json:"masked_prompt"`
	RiskScore        float64         `json:"risk_score"`
	DetectionMethod  string          `json:"detection_method"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
	FindingsSummary  FindingsSummary `json:"findings_summary"`
	Bundle           BundleRef       `json:"bundle"`
	SessionID        string          `json:"session_id"`
	EvaluatorMode    string          `json:"evaluator_mode"`
	CanaryWord       string          `json:"canary_word,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.sendErrorKind(w, KindInvalidInput, "prompt is required")
		return
	}
	rc, ok := s.buildContext(w, r, req.Tenant, req.Channel, req.UserID, req.SessionID, "decide")
	if !ok {
		return
	}
	rc.Roles = req.UserRoles
	rc.Permissions = req.UserPermissions
	rc.Metadata = req.Metadata

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestDeadline)
	defer cancel()

	if !s.allowRate(ctx, w, rc.Tenant) {
		return
	}

	d := s.engine.ScreenPrompt(ctx, rc, req.Prompt)
	resp := toDecideResponse(d, rc.SessionID)
	if req.AddCanary && d.Action != ActionBlock {
		resp.MaskedPrompt, resp.CanaryWord = AddCanaryWord(resp.MaskedPrompt)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

type responseCheckRequest struct {
	Response       string                 `json:"response"`
	OriginalPrompt string                 `json:"original_prompt"`
	Canary         string                 `json:"canary"`
	UserID         string                 `json:"user_id"`
	SessionID      string                 `json:"session_id"`
	Tenant         string                 `json:"tenant"`
	Channel        string                 `json:"channel"`
	Metadata       map[string]interface{} `json:"metadata"`
}

func (s *Server) handleCheckResponse(w http.ResponseWriter, r *http.Request) {
	var req responseCheckRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Response) == "" {
		s.sendErrorKind(w, KindInvalidInput, "response is required")
		return
	}
	rc, ok := s.buildContext(w, r, req.Tenant, req.Channel, req.UserID, req.SessionID, "response_check")
	if !ok {
		return
	}
	rc.Metadata = req.Metadata

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestDeadline)
	defer cancel()

	if !s.allowRate(ctx, w, rc.Tenant) {
		return
	}

	d := s.engine.CheckResponse(ctx, rc, req.Response, req.OriginalPrompt, req.Canary)
	s.sendJSON(w, http.StatusOK, toDecideResponse(d, rc.SessionID))
}

func toDecideResponse(d Decision, sessionID string) decideResponse {
	return decideResponse{
		Action:           d.Action,
		Reason:           d.Reason,
		Reasons:          d.Reasons,
		MaskedPrompt:     d.MaskedPrompt,
		RiskScore:        d.RiskScore,
		DetectionMethod:  d.DetectionMethod,
		ProcessingTimeMS: d.ProcessingTime.Milliseconds(),
		FindingsSummary:  d.FindingsSummary,
		Bundle:           d.Bundle,
		SessionID:        sessionID,
		EvaluatorMode:    d.EvaluatorMode,
	}
}

// buildContext validates tenant/channel, fills defaults, and assembles
// the request identity every screening call carries.
func (s *Server) buildContext(w http.ResponseWriter, r *http.Request, tenant, channel, userID, sessionID, route string) (RequestContext, bool) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		tenant = "default"
	}
	if channel == "" {
		channel = ChannelProd
	}
	if !ValidChannel(channel) {
		s.sendErrorKind(w, KindInvalidInput, "channel must be one of dev, staging, prod")
		return RequestContext{}, false
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return RequestContext{
		Tenant:    tenant,
		UserID:    userID,
		SessionID: sessionID,
		RequestID: requestIDFrom(r),
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Channel:   channel,
		Route:     route,
	}, true
}

// allowRate applies the per-tenant sliding window when a limiter is
// configured. The limiter itself fails open on Redis trouble; only a
// genuine over-limit count produces a 429 here.
func (s *Server) allowRate(ctx context.Context, w http.ResponseWriter, tenant string) bool {
	if s.limiter == nil {
		return true
	}
	if err := s.limiter.Allow(ctx, tenant); err != nil {
		s.metrics.RecordRateLimited()
		s.sendJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": map[string]interface{}{
				"kind":    "rate_limited",
				"message": err.Error(),
			},
		})
		return false
	}
	return true
}

func (s *Server) handlePolicyStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	evaluator := map[string]interface{}{"mode": "local", "reachable": true}
	if s.remote != nil {
		evaluator["mode"] = "remote"
		evaluator["reachable"] = s.remote.Healthy(ctx)
	}

	tenants, err := s.store.ListActiveTenants(ctx)
	if err != nil {
		s.log.Warn("", requestIDFrom(r), "listing active tenants failed", map[string]interface{}{"error": err.Error()})
		tenants = []string{}
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"evaluator":      evaluator,
		"bundles_loaded": s.cache.Len(),
		"tenants":        tenants,
		"cache": map[string]interface{}{
			"entries":     s.cache.Len(),
			"ttl_seconds": int(s.cache.TTL().Seconds()),
		},
	})
}

type activateRequest struct {
	Tenant   string `json:"tenant"`
	Channel  string `json:"channel"`
	BundleID int64  `json:"bundle_id"`
}

func (s *Server) handleActivateBundle(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Tenant == "" || req.BundleID == 0 {
		s.sendErrorKind(w, KindInvalidInput, "tenant and bundle_id are required")
		return
	}
	if req.Channel == "" {
		req.Channel = ChannelProd
	}
	if !ValidChannel(req.Channel) {
		s.sendErrorKind(w, KindInvalidInput, "channel must be one of dev, staging, prod")
		return
	}

	if err := s.store.ActivateBundle(r.Context(), req.Tenant, req.Channel, req.BundleID); err != nil {
		s.sendError(w, err)
		return
	}
	// Loaded snapshots may span channels that share rules with this
	// bundle lineage; drop them all so the next decide reloads.
	s.cache.PurgeAll()

	s.log.Info(req.Tenant, requestIDFrom(r), "bundle activated", map[string]interface{}{
		"bundle_id": req.BundleID,
		"channel":   req.Channel,
	})
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "activated",
		"tenant":    req.Tenant,
		"channel":   req.Channel,
		"bundle_id": req.BundleID,
	})
}

func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var b PolicyBundle
	if !s.decodeJSON(w, r, &b) {
		return
	}
	if err := s.store.CreateBundle(r.Context(), &b); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		s.sendErrorKind(w, KindInvalidInput, "tenant query parameter is required")
		return
	}
	bundles, err := s.store.ListBundles(r.Context(), tenant)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":  tenant,
		"bundles": bundles,
		"count":   len(bundles),
	})
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	bundle, err := s.store.GetBundle(ctx, id)
	if err != nil {
		s.sendError(w, err)
		return
	}
	rules, err := s.store.ListRules(ctx, id)
	if err != nil {
		s.sendError(w, err)
		return
	}
	allow, err := s.store.ListAllowlist(ctx, id)
	if err != nil {
		s.sendError(w, err)
		return
	}
	block, err := s.store.ListBlocklist(ctx, id)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"bundle":    bundle,
		"rules":     rules,
		"allowlist": allow,
		"blocklist": block,
	})
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var rule FilterRule
	if !s.decodeJSON(w, r, &rule) {
		return
	}
	rule.BundleID = id
	if err := s.store.UpsertRule(r.Context(), &rule); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	ruleID, ok := s.pathID(w, r, "rule_id")
	if !ok {
		return
	}
	if err := s.store.DeleteRule(r.Context(), id, ruleID); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddListEntry(target ListTarget) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r, "id")
		if !ok {
			return
		}
		var entry ListEntry
		if !s.decodeJSON(w, r, &entry) {
			return
		}
		entry.BundleID = id
		var err error
		if target == TargetAllowlist {
			err = s.store.AddAllowlistEntry(r.Context(), &entry)
		} else {
			err = s.store.AddBlocklistEntry(r.Context(), &entry)
		}
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusCreated, entry)
	}
}

func (s *Server) handleDeleteListEntry(target ListTarget) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r, "id")
		if !ok {
			return
		}
		entryID, ok := s.pathID(w, r, "entry_id")
		if !ok {
			return
		}
		if err := s.store.DeleteListEntry(r.Context(), target, id, entryID); err != nil {
			s.sendError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type blockedPromptRequest struct {
	Text     string `json:"text"`
	Category string `json:"category"`
	Severity string `json:"severity"`
}

func (s *Server) handleAddBlockedPrompt(w http.ResponseWriter, r *http.Request) {
	if s.blocked == nil {
		s.sendErrorKind(w, KindDependencyUnavailable, "similarity index is not configured")
		return
	}
	var req blockedPromptRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.sendErrorKind(w, KindInvalidInput, "text is required")
		return
	}
	if req.Category == "" {
		req.Category = "manual_block"
	}
	if req.Severity == "" {
		req.Severity = string(SeverityHigh)
	}
	id, err := s.blocked.Add(r.Context(), req.Text, req.Category, Severity(req.Severity))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       id,
		"category": req.Category,
		"severity": req.Severity,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = "default"
	}
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 {
		hours = 24
	}
	if hours > 168 {
		hours = 168
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	source := "redis"
	var counts map[string]int64
	var err error
	if s.stats != nil {
		counts, err = s.stats.Window(ctx, tenant, hours)
	}
	if s.stats == nil || err != nil {
		source = "store"
		counts, err = s.store.CountDecisionsSince(ctx, tenant, time.Now().Add(-time.Duration(hours)*time.Hour))
		if err != nil {
			s.sendError(w, err)
			return
		}
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":       tenant,
		"window_hours": hours,
		"decisions":    counts,
		"total":        total,
		"source":       source,
	})
}

func (s *Server) handleQueryDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := DecisionFilter{
		Tenant:    q.Get("tenant"),
		SessionID: q.Get("session_id"),
		Route:     q.Get("route"),
	}
	if v := q.Get("decision"); v != "" {
		a := Action(v)
		if !a.Valid() {
			s.sendErrorKind(w, KindInvalidInput, "decision must be a valid action")
			return
		}
		filter.Decision = a
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendErrorKind(w, KindInvalidInput, "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendErrorKind(w, KindInvalidInput, "until must be RFC3339")
			return
		}
		filter.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.sendErrorKind(w, KindInvalidInput, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	records, err := s.store.QueryDecisions(r.Context(), filter)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": records,
		"count":     len(records),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	components := map[string]interface{}{}

	if err := s.store.Ping(ctx); err != nil {
		components["database"] = "unreachable"
		status = "degraded"
	} else {
		components["database"] = "ok"
	}
	if s.remote != nil {
		if s.remote.Healthy(ctx) {
			components["evaluator"] = "ok"
		} else {
			components["evaluator"] = "unreachable"
			status = "degraded"
		}
	} else {
		components["evaluator"] = "local"
	}
	components["audit"] = s.audit.GetStats()

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"service":        "promptsentry-gateway",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"components":     components,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// decodeJSON reads a size-capped JSON body. A false return means the
// error response has already been written.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendErrorKind(w, KindInvalidInput, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id < 1 {
		s.sendErrorKind(w, KindInvalidInput, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("", "", "encoding response failed", map[string]interface{}{"error": err.Error()})
	}
}

// sendError maps a typed error to its HTTP status. Messages come from
// the gateway error envelope, never from raw prompt content.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	kind := ClassifyError(err)
	msg := err.Error()
	var gerr *GatewayError
	if errors.As(err, &gerr) && gerr.Message != "" {
		msg = gerr.Message
	}
	if kind == KindInternal {
		s.log.Error("", "", "request failed", map[string]interface{}{"error": err.Error()})
		msg = "internal error"
	}
	s.sendErrorKind(w, kind, msg)
}

func (s *Server) sendErrorKind(w http.ResponseWriter, kind ErrorKind, message string) {
	s.sendJSON(w, kind.HTTPStatus(), map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(kind),
			"message": message,
		},
	})
}
