package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chorusinsights/chorus-ai/internal/faults"
	"github.com/chorusinsights/chorus-ai/internal/interview"
	"github.com/chorusinsights/chorus-ai/internal/tier"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault maps the error taxonomy onto HTTP statuses, exposing only the
// user-displayable message.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindNoInterviews:
		status = http.StatusUnprocessableEntity
	case faults.KindRateLimit:
		status = http.StatusTooManyRequests
	case faults.KindQuota:
		status = http.StatusPaymentRequired
	case faults.KindAuth, faults.KindNetwork, faults.KindInvalidResponse:
		status = http.StatusBadGateway
	case faults.KindDatabase, faults.KindUsageCommit:
		status = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{
		"error":     faults.UserMessage(err),
		"retryable": faults.Retryable(err),
	}
	if f := faults.As(err); f != nil {
		body["kind"] = string(f.Kind)
		if f.RetryAfter > 0 {
			body["retry_after_seconds"] = int(f.RetryAfter.Seconds())
		}
	}
	writeJSON(w, status, body)
}

// ─── Interviews ──────────────────────────────────────────────────────────────

type startInterviewRequest struct {
	TenantID      string `json:"tenant_id"`
	CampaignID    string `json:"campaign_id"`
	ParticipantID string `json:"participant_id"`
}

func (s *Server) handleInterviewStart(w http.ResponseWriter, r *http.Request) {
	var req startInterviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.TenantID == "" || req.CampaignID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id and campaign_id are required"})
		return
	}

	sess, err := s.interviews.StartOrResume(r.Context(), interview.StartRequest{
		SessionID:     r.PathValue("id"),
		TenantID:      req.TenantID,
		CampaignID:    req.CampaignID,
		ParticipantID: req.ParticipantID,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type submitMessageRequest struct {
	Text string `json:"text"`
}

type submitMessageResponse struct {
	Reply   string             `json:"reply"`
	Session *interview.Session `json:"session"`
}

func (s *Server) handleInterviewMessage(w http.ResponseWriter, r *http.Request) {
	var req submitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	reply, sess, err := s.interviews.SubmitMessage(r.Context(), r.PathValue("id"), req.Text)
	if err != nil && sess == nil {
		writeFault(w, err)
		return
	}
	if err != nil {
		// The turn persisted but the usage commit failed; the billing problem
		// is logged and audited, the participant still gets their reply.
		s.logger.Error("turn committed with billing error", zap.Error(err))
		if s.audit != nil {
			_ = s.audit.LogUsageCommitFailure(r.Context(), sess.TenantID, err)
		}
	}
	if sess.Completed && s.audit != nil {
		_ = s.audit.LogInterviewCompleted(r.Context(), sess.ID, sess.CampaignID, string(sess.CompletionReason))
	}
	writeJSON(w, http.StatusOK, submitMessageResponse{Reply: reply, Session: sess})
}

func (s *Server) handleInterviewForceComplete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.interviews.ForceComplete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if s.audit != nil {
		_ = s.audit.LogInterviewCompleted(r.Context(), sess.ID, sess.CampaignID, string(sess.CompletionReason))
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleInterviewGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, faults.Wrap(faults.KindDatabase, "interview_load", "failed to load interview session", err))
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "interview session not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ─── Synthesis ───────────────────────────────────────────────────────────────

type runSynthesisRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) handleSynthesisRun(w http.ResponseWriter, r *http.Request) {
	var req runSynthesisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	t, err := tier.Parse(req.Tier)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	campaignID := r.PathValue("id")
	start := time.Now()
	job, err := s.synth.Run(r.Context(), campaignID, t)
	if err != nil && job == nil {
		writeFault(w, err)
		return
	}
	if s.audit != nil && job != nil && job.FinishedAt != nil {
		_ = s.audit.LogSynthesisFinished(r.Context(), job.ID, campaignID, string(job.Status), time.Since(start))
	}
	if err != nil {
		// Failed run: report the job with its partial results plus the error.
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"job":   job,
			"error": faults.UserMessage(err),
		})
		return
	}
	status := http.StatusOK
	if job.Status == "running" {
		status = http.StatusAccepted // an earlier run is still in flight
	}
	writeJSON(w, status, job)
}

func (s *Server) handleSynthesisStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.synth.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no synthesis run for this campaign"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ─── Usage ───────────────────────────────────────────────────────────────────

func (s *Server) handleUsageCurrent(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ledger.Current(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUsageReset(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	if err := s.ledger.Reset(r.Context(), tenantID); err != nil {
		writeFault(w, err)
		return
	}
	if s.audit != nil {
		_ = s.audit.LogUsageReset(r.Context(), tenantID)
	}
	snap, err := s.ledger.Current(r.Context(), tenantID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUsageEvents(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, -3, 0), now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to must be RFC3339"})
			return
		}
		to = t
	}

	evs, err := s.ledger.History(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

type quotaOverrideRequest struct {
	QuotaOverride *int64 `json:"quota_override"` // null clears the override
}

func (s *Server) handleQuotaOverride(w http.ResponseWriter, r *http.Request) {
	var req quotaOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.QuotaOverride != nil && *req.QuotaOverride <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quota_override must be positive"})
		return
	}
	if err := s.store.SetTenantQuotaOverride(r.Context(), r.PathValue("id"), req.QuotaOverride); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.QueryNotifications(r.Context(), r.PathValue("id"), 50)
	if err != nil {
		writeFault(w, faults.Wrap(faults.KindDatabase, "notifications_load", "failed to load notification log", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": recs})
}
