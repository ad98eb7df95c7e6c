package opsapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/agentwarden/soc-sentry/internal/analyst"
	"github.com/agentwarden/soc-sentry/internal/learning"
	"github.com/agentwarden/soc-sentry/internal/memory"
	"github.com/agentwarden/soc-sentry/internal/remediate"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- Detections ---

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := memory.AlertFilter{
		Severity:   r.URL.Query().Get("severity"),
		ThreatType: r.URL.Query().Get("threat_type"),
		AgentID:    r.URL.Query().Get("agent_id"),
		SessionID:  r.URL.Query().Get("session_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}

	alerts, total, err := s.store.ListAlerts(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"alerts": alerts,
		"total":  total,
	})
}

// --- Playbooks / approval workflow ---

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"playbooks": s.workflow.ListPending(),
	})
}

func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.workflow.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sim, err := s.workflow.ExecuteDryRun(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, sim)
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.workflow.RequestApproval(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Approver string `json:"approver"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Approver == "" {
		body.Approver = r.Header.Get("X-Principal")
	}

	p, err := s.workflow.Approve(id, body.Approver)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.queue != nil {
		if res := s.queue.Enqueue(r.Context(), p); res != analyst.EnqueueAccepted {
			s.logger.Warn("approved playbook not accepted by remediator queue", "playbook_id", p.ID, "result", res)
		}
	}

	writeJSON(w, p)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Approver string `json:"approver"`
		Reason   string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Approver == "" {
		body.Approver = r.Header.Get("X-Principal")
	}

	p, err := s.workflow.Reject(id, body.Approver, body.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, p)
}

// --- Remediator queue ---

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, map[string]interface{}{"length": 0})
		return
	}
	writeJSON(w, map[string]interface{}{"length": s.queue.Len()})
}

// --- Learning ---

func (s *Server) handleReportMissedAttack(w http.ResponseWriter, r *http.Request) {
	var in learning.ReportInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.Reporter == "" {
		in.Reporter = r.Header.Get("X-Principal")
	}

	id, err := s.learningSys.ReportMissedAttack(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"attack_id": id})
}

func (s *Server) handleProcessMissedAttack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.learningSys.Process(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleExportVariations(w http.ResponseWriter, r *http.Request) {
	variations, err := s.learningSys.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"variations": variations})
}

// --- Audit chain ---

func (s *Server) handleListAuditEntries(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("event_type")
	entries, err := s.chain.List(eventType, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"entries": entries})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	valid, brokenAt, err := s.chain.Verify()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"valid":     valid,
		"broken_at": brokenAt,
	})
}

// --- Kill switch ---

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"global": s.killSwitch.Status(remediate.KillScopeGlobal, ""),
	})
}

func (s *Server) handleKillSwitchHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"history": s.killSwitch.History()})
}

func (s *Server) handleTriggerGlobalKill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	source := r.Header.Get("X-Principal")

	s.killSwitch.TriggerGlobal(body.Reason, source)
	writeJSON(w, map[string]string{"status": "triggered"})
}

func (s *Server) handleResetGlobalKill(w http.ResponseWriter, r *http.Request) {
	s.killSwitch.ResetGlobal()
	writeJSON(w, map[string]string{"status": "reset"})
}

func (s *Server) handleTriggerAgentKill(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	source := r.Header.Get("X-Principal")

	s.killSwitch.TriggerAgent(agentID, body.Reason, source)
	writeJSON(w, map[string]string{"status": "triggered"})
}

func (s *Server) handleResetAgentKill(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	s.killSwitch.ResetAgent(agentID)
	writeJSON(w, map[string]string{"status": "reset"})
}

// --- Config ---

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfgLoader == nil {
		writeError(w, http.StatusNotImplemented, "no config loader configured")
		return
	}
	if err := s.cfgLoader.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "reloaded"})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
