package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/models"
	"pnode-monitor/internal/query"
)

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", apperrors.ErrInvalidArgument, name)
	}
	return v, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", apperrors.ErrInvalidArgument, name)
	}
	return v, nil
}

func metricParam(r *http.Request, name string, fallback models.Metric) (models.Metric, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	m, err := models.ParseMetric(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrInvalidMetric, err)
	}
	return m, nil
}

// =============================================================================
// Health
// =============================================================================

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	body := map[string]any{
		"timestamp": s.now().UTC(),
		"version":   Version,
		"collector": s.query.CollectorStatus().State,
	}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
	}
	body["status"] = status
	writeJSON(w, code, body)
}

// =============================================================================
// Nodes
// =============================================================================

func (s *Server) listNodesHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.query.ListNodes(r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getNodeHandler(w http.ResponseWriter, r *http.Request) {
	node, err := s.query.GetNode(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) networkHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.query.GetNetworkStats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// Alerts
// =============================================================================

func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unresolved, err := boolParam(r, "unresolved")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	alerts, err := s.query.ListAlerts(models.AlertFilter{
		Limit:          limit,
		Offset:         offset,
		UnresolvedOnly: unresolved,
		Severity:       models.Severity(r.URL.Query().Get("severity")),
		RuleID:         r.URL.Query().Get("rule_id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) getAlertHandler(w http.ResponseWriter, r *http.Request) {
	alert, err := s.query.GetAlert(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) resolveAlertHandler(w http.ResponseWriter, r *http.Request) {
	alert, err := s.query.ResolveAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// =============================================================================
// Rules
// =============================================================================

func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	all, err := boolParam(r, "include_disabled")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.query.ListRules(all))
}

func (s *Server) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	var spec models.RuleSpec
	if err := decodeJSON(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.query.CreateRule(spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	rule, err := s.query.GetRule(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	var upd models.RuleUpdate
	if err := decodeJSON(r, &upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.query.UpdateRule(mux.Vars(r)["id"], upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) resolveAllHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.query.ResolveAllForRule(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": id, "resolved": n})
}

// =============================================================================
// Analytics
// =============================================================================

func (s *Server) riskHandler(w http.ResponseWriter, r *http.Request) {
	rp, err := s.query.GetRiskProfile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rp)
}

func (s *Server) benchmarkHandler(w http.ResponseWriter, r *http.Request) {
	b, err := s.query.GetBenchmark(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type forecastResponse struct {
	NodeID           string           `json:"node_id"`
	Metric           models.Metric    `json:"metric"`
	Forecast         *models.Forecast `json:"forecast"`
	InsufficientData bool             `json:"insufficient_data"`
	Reason           string           `json:"reason,omitempty"`
}

func (s *Server) forecastHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	metric, err := metricParam(r, "metric", models.MetricPerformanceScore)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	horizon, err := intParam(r, "horizon", 7)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f, err := s.query.GetForecast(r.Context(), id, metric, horizon)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := forecastResponse{NodeID: id, Metric: metric, Forecast: f}
	if f == nil {
		resp.InsufficientData = true
		resp.Reason = "not enough data: at least 3 distinct history points are required"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) anomaliesHandler(w http.ResponseWriter, r *http.Request) {
	metric, err := metricParam(r, "metric", models.MetricPerformanceScore)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.query.GetAnomalies(r.Context(), mux.Vars(r)["id"], metric)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) correlationHandler(w http.ResponseWriter, r *http.Request) {
	var ms []models.Metric
	if raw := strings.TrimSpace(r.URL.Query().Get("metrics")); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			m, err := models.ParseMetric(name)
			if err != nil {
				s.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrInvalidMetric, err))
				return
			}
			ms = append(ms, m)
		}
	}

	cm, err := s.query.GetCorrelationMatrix(r.Context(), ms...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cm)
}

func (s *Server) regressionHandler(w http.ResponseWriter, r *http.Request) {
	dep, err := metricParam(r, "dependent", models.MetricPerformanceScore)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	indep, err := metricParam(r, "independent", models.MetricUptimeSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.query.GetRegression(r.Context(), dep, indep)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := s.query.GetNetworkSummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// =============================================================================
// Collector and ingest
// =============================================================================

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.query.TriggerCycle(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type collectorStatusResponse struct {
	query.CollectorStatus
	LastPushAt *time.Time `json:"last_push_at,omitempty"`
}

func (s *Server) collectorStatusHandler(w http.ResponseWriter, r *http.Request) {
	resp := collectorStatusResponse{CollectorStatus: s.query.CollectorStatus()}
	if s.push != nil {
		if at := s.push.PushedAt(); !at.IsZero() {
			resp.LastPushAt = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBytes)

	var records []models.RawNode
	if err := decodeJSON(r, &records); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(records) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: no node records in body", apperrors.ErrInvalidArgument))
		return
	}

	s.push.Push(records, s.now().UTC())
	s.log.Info("node records pushed", "count", len(records))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "records": len(records)})
}
