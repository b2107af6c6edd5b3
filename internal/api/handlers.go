package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"k8s-ai-assistant/internal/actions"
	"k8s-ai-assistant/internal/classifier"
	"k8s-ai-assistant/internal/collector"
	"k8s-ai-assistant/internal/config"
	"k8s-ai-assistant/internal/issue"
	"k8s-ai-assistant/internal/llm"
	"k8s-ai-assistant/internal/metrics"
	"k8s-ai-assistant/internal/predictor"
	"k8s-ai-assistant/internal/storage"
)

const (
	defaultActionLimit = 50
	defaultLogMax      = 100
	recentActions      = 10
	// issuesStaleAfter is the age of the last scan after which GET /issues
	// scans again.
	issuesStaleAfter = time.Minute
	// failedActionsCritical is the number of recent failed remediations that
	// marks the system critical regardless of the last scan.
	failedActionsCritical = 5
)

// SchedulerStatus is the part of the scheduler the API reports on.
type SchedulerStatus interface {
	Running() bool
}

// Deps lists the components behind the API. Collector, Executor,
// Classifier and Source are required; the rest may be nil, in which case
// their routes answer 503.
type Deps struct {
	Collector  *collector.Collector
	Executor   *actions.Executor
	Classifier *classifier.Classifier
	Source     config.ConfigSource

	Assistant  *llm.Assistant
	Forecaster *predictor.Forecaster
	Storage    *storage.Monitor
	Logs       *collector.LogTailer
	Scheduler  SchedulerStatus
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	ForecastDays     int
	ForecastResource predictor.Resource
}

type Handler struct {
	Deps
	now func() time.Time
}

func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("api")
	if d.ForecastDays <= 0 {
		d.ForecastDays = 7
	}
	if d.ForecastResource == "" {
		d.ForecastResource = predictor.CPU
	}
	return &Handler{Deps: d, now: time.Now}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/status", h.HandleStatus)

	r.Get("/issues", h.HandleIssues)
	r.Post("/issues/{id}/investigate", h.HandleInvestigate)
	r.Get("/cluster/metrics", h.HandleClusterMetrics)
	r.Get("/cluster/health", h.HandleClusterHealth)
	r.Get("/logs", h.HandleLogs)

	r.Post("/classify", h.HandleClassify)
	r.Get("/history", h.HandleHistory)
	r.Post("/ask", h.HandleAsk)
	r.Post("/kubectl/check", h.HandleKubectlCheck)

	r.Get("/actions", h.HandleActions)
	r.Post("/remediate/{id}", h.HandleRemediate)
	r.Post("/bulk/{operation}", h.HandleBulk)
	r.Post("/scale", h.HandleScale)
	r.Post("/nodes/{name}/drain", h.HandleDrain)
	r.Post("/nodes/{name}/labels", h.HandleLabels)
	r.Post("/pods/{namespace}/{name}/reschedule", h.HandleReschedule)

	r.Get("/forecast", h.HandleForecast)
	r.Get("/forecast/optimize", h.HandleOptimize)

	r.Get("/storage", h.HandleStorage)
	r.Post("/storage/volumes/{name}/heal", h.HandleHealVolume)
	r.Post("/storage/peers/{uuid}/reconnect", h.HandleReconnectPeer)

	r.Get("/config/runtime", h.HandleRuntimeConfig)
	r.Put("/config/runtime", h.HandleUpdateRuntimeConfig)

	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "UP",
		"timestamp": h.now(),
		"service":   "k8s-ai-assistant",
	})
}

type LLMStatus struct {
	Backend   string `json:"backend"`
	Available bool   `json:"available"`
}

type StatusResponse struct {
	Status        string          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	SystemHealth  string          `json:"system_health"`
	Connected     bool            `json:"cluster_connected"`
	LastScan      time.Time       `json:"last_scan"`
	Issues        map[string]int  `json:"issues"`
	TotalActions  int             `json:"total_actions"`
	ActionSummary map[string]int  `json:"action_summary"`
	RecentActions []actions.Entry `json:"recent_actions"`
	Runtime       config.Runtime  `json:"runtime"`
	LLM           LLMStatus       `json:"llm"`
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	records, scannedAt := h.Collector.LastScan()
	counts := issue.CountBySeverity(records)
	recent := h.Executor.Audit().History(recentActions)

	failed := 0
	for _, e := range recent {
		if e.Status == actions.StatusFailed {
			failed++
		}
	}
	health := collector.StatusHealthy
	switch {
	case counts[issue.Critical] > 0 || failed > failedActionsCritical:
		health = collector.StatusCritical
	case counts[issue.Warning] > 0 || failed > 0:
		health = collector.StatusWarning
	}

	status := "IDLE"
	if h.Scheduler != nil && h.Scheduler.Running() {
		status = "ACTIVE"
	}

	llmStatus := LLMStatus{Backend: llm.BackendNone}
	if h.Assistant != nil {
		llmStatus = LLMStatus{Backend: h.Assistant.Backend(), Available: h.Assistant.Available()}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:       status,
		Timestamp:    h.now(),
		SystemHealth: health,
		Connected:    h.Collector.Connected(),
		LastScan:     scannedAt,
		Issues: map[string]int{
			string(issue.Critical): counts[issue.Critical],
			string(issue.Warning):  counts[issue.Warning],
		},
		TotalActions:  h.Executor.Audit().Len(),
		ActionSummary: h.Executor.Audit().Summary(),
		RecentActions: recent,
		Runtime:       h.Source.Current(),
		LLM:           llmStatus,
	})
}

// HandleIssues returns the last scan, scanning again when it is stale or
// when refresh=true is given.
func (h *Handler) HandleIssues(w http.ResponseWriter, r *http.Request) {
	records, scannedAt := h.Collector.LastScan()
	resp := map[string]interface{}{}

	if r.URL.Query().Get("refresh") == "true" || scannedAt.IsZero() || h.now().Sub(scannedAt) >= issuesStaleAfter {
		var err error
		records, err = h.Collector.Scan(r.Context())
		if err != nil {
			h.Logger.Warn("scan incomplete", zap.Error(err))
			resp["scan_error"] = err.Error()
		}
		_, scannedAt = h.Collector.LastScan()
	}
	if records == nil {
		records = []issue.Record{}
	}
	resp["issues"] = records
	resp["total"] = len(records)
	resp["scanned_at"] = scannedAt
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleClusterMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Collector.Metrics(r.Context()))
}

func (h *Handler) HandleClusterHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Collector.RunHealthCheck(r.Context()))
}

func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "max", defaultLogMax)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := []collector.LogEntry{}
	if h.Logs != nil {
		entries = h.Logs.Drain(n)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries, "count": len(entries)})
}

type ClassifyRequest struct {
	Text string `json:"text"`
	// Record adds the text to the issue history when it matches.
	Record bool `json:"record"`
}

func (h *Handler) HandleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	var res classifier.Result
	if req.Record && h.Source.Current().HistoricalLearning {
		res = h.Classifier.ClassifyAndRecord(req.Text)
	} else {
		res = h.Classifier.Classify(req.Text)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":            res,
		"meets_threshold":   res.MeetsThreshold(h.Source.Current().ConfidenceThreshold),
		"threshold_percent": h.Source.Current().ConfidenceThreshold,
	})
}

// HandleHistory lists the catalog keys observed so far.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	stats := h.Classifier.History().Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{"issue_types": stats, "count": len(stats)})
}

type AskRequest struct {
	Question string `json:"question"`
}

func (h *Handler) HandleAsk(w http.ResponseWriter, r *http.Request) {
	if h.Assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant not configured")
		return
	}
	var req AskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	writeJSON(w, http.StatusOK, h.Assistant.Ask(r.Context(), req.Question))
}

func (h *Handler) HandleInvestigate(w http.ResponseWriter, r *http.Request) {
	if h.Assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.Assistant.Investigate(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) HandleKubectlCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"command": req.Command,
		"safe":    actions.IsSafeKubectl(req.Command),
	})
}

func (h *Handler) HandleActions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultActionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	audit := h.Executor.Audit()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_actions": audit.Len(),
		"summary":       audit.Summary(),
		"actions":       audit.History(limit),
	})
}

// mutationsAllowed refuses every cluster mutation in debug mode.
func (h *Handler) mutationsAllowed(w http.ResponseWriter) bool {
	if h.Source.Current().Mode == config.ModeDebug {
		writeJSON(w, http.StatusConflict, actions.Result{
			Success: false,
			Message: "Remediation is disabled in debug mode",
		})
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, res actions.Result) {
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleRemediate(w http.ResponseWriter, r *http.Request) {
	if !h.mutationsAllowed(w) {
		return
	}
	writeResult(w, h.Executor.AutoRemediate(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) HandleBulk(w http.ResponseWriter, r *http.Request) {
	if !h.mutationsAllowed(w) {
		return
	}
	op := strings.ReplaceAll(chi.URLParam(r, "operation"), "-", "_")
	res, err := h.Executor.RunBulk(r.Context(), op)
	if errors.Is(err, actions.ErrUnknownBulkOperation) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeResult(w, res)
}

type ScaleRequest struct {
	// Deployment is "namespace/name"; a bare name means the default namespace.
	Deployment string `json:"deployment"`
	Replicas   *int32 `json:"replicas"`
}

func (h *Handler) HandleScale(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Deployment == "" || req.Replicas == nil {
		writeError(w, http.StatusBadRequest, "deployment and replicas are required")
		return
	}
	if !h.mutationsAllowed(w) {
		return
	}
	writeResult(w, h.Executor.ScaleDeployment(r.Context(), req.Deployment, *req.Replicas))
}

func (h *Handler) HandleDrain(w http.ResponseWriter, r *http.Request) {
	if !h.mutationsAllowed(w) {
		return
	}
	writeResult(w, h.Executor.DrainNode(r.Context(), chi.URLParam(r, "name")))
}

func (h *Handler) HandleLabels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Labels map[string]string `json:"labels"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Labels) == 0 {
		writeError(w, http.StatusBadRequest, "labels are required")
		return
	}
	if !h.mutationsAllowed(w) {
		return
	}
	writeResult(w, h.Executor.LabelNode(r.Context(), chi.URLParam(r, "name"), req.Labels))
}

func (h *Handler) HandleReschedule(w http.ResponseWriter, r *http.Request) {
	if !h.mutationsAllowed(w) {
		return
	}
	writeResult(w, h.Executor.ReschedulePod(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "name")))
}

// HandleForecast generates a forecast. Without parameters the latest one is
// returned when there is one.
func (h *Handler) HandleForecast(w http.ResponseWriter, r *http.Request) {
	if h.Forecaster == nil {
		writeError(w, http.StatusServiceUnavailable, "forecasting not configured")
		return
	}
	q := r.URL.Query()
	if q.Get("days") == "" && q.Get("resource") == "" {
		if fc, ok := h.Forecaster.Latest(); ok {
			writeJSON(w, http.StatusOK, fc)
			return
		}
	}

	days, err := queryInt(r, "days", h.ForecastDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resource := h.ForecastResource
	if raw := q.Get("resource"); raw != "" {
		if resource, err = predictor.ParseResource(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	fc, err := h.Forecaster.Generate(days, resource)
	switch {
	case errors.Is(err, predictor.ErrInsufficientData):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, fc)
	}
}

func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	if h.Forecaster == nil {
		writeError(w, http.StatusServiceUnavailable, "forecasting not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.Forecaster.Optimize())
}

func (h *Handler) HandleStorage(w http.ResponseWriter, r *http.Request) {
	if h.Storage == nil {
		writeError(w, http.StatusServiceUnavailable, "storage monitoring not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.Storage.Report())
}

func (h *Handler) HandleHealVolume(w http.ResponseWriter, r *http.Request) {
	if !h.mutationsAllowed(w) {
		return
	}
	writeResult(w, h.Executor.HealVolume(r.Context(), chi.URLParam(r, "name")))
}

func (h *Handler) HandleReconnectPeer(w http.ResponseWriter, r *http.Request) {
	if h.Storage == nil {
		writeError(w, http.StatusServiceUnavailable, "storage monitoring not configured")
		return
	}
	if !h.mutationsAllowed(w) {
		return
	}
	msg, err := h.Storage.ReconnectPeer(r.Context(), chi.URLParam(r, "uuid"))
	switch {
	case errors.Is(err, storage.ErrPeerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeResult(w, actions.Result{Success: false, Message: err.Error()})
	default:
		writeResult(w, actions.Result{Success: true, Message: msg})
	}
}

func (h *Handler) HandleRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	rt := h.Source.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config":      rt,
		"description": rt.Description(),
		"modes":       config.Modes,
		"automations": config.Automations,
	})
}

// HandleUpdateRuntimeConfig replaces the runtime settings when the source
// accepts updates.
func (h *Handler) HandleUpdateRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	updater, ok := h.Source.(config.Updater)
	if !ok {
		writeError(w, http.StatusMethodNotAllowed, "runtime configuration is read-only")
		return
	}
	rt := h.Source.Current()
	if err := decode(r, &rt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := updater.Set(rt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.Logger.Info("runtime configuration updated through the API", zap.String("mode", string(rt.Mode)))
	writeJSON(w, http.StatusOK, h.Source.Current())
}
