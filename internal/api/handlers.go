package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/control"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/queue"
	"github.com/contestlabs/indexer/internal/telemetry"
)

// errorBody is the normalized error envelope. Internal details never leave
// the process; the log carries them instead.
type errorBody struct {
	Error struct {
		Kind         string `json:"kind"`
		Message      string `json:"message"`
		RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	var body errorBody
	body.Error.Kind = string(kind)
	body.Error.RetryAfterMs = apperr.RetryAfterMs(err)

	var ae *apperr.Error
	if errors.As(err, &ae) && status < 500 {
		body.Error.Message = ae.Message
	} else {
		body.Error.Message = http.StatusText(status)
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	reasons := []string{}

	ctx, cancel := contextWithTimeout(r, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		reasons = append(reasons, "database unreachable")
	}

	status := "ok"
	code := http.StatusOK
	if len(reasons) > 0 {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"reasons":   reasons,
		"timestamp": time.Now().UTC(),
	})
}

type streamSummary struct {
	ContestID   string            `json:"contestId"`
	ChainID     uint64            `json:"chainId"`
	State       model.StreamState `json:"state"`
	Cursor      *string           `json:"cursor,omitempty"`
	ErrorStreak int               `json:"errorStreak"`
	LastError   string            `json:"lastError,omitempty"`
	NextPollAt  *time.Time        `json:"nextPollAt,omitempty"`
}

// GET /v1/indexer/status
func (s *Server) handleIndexerStatus(w http.ResponseWriter, r *http.Request) {
	streams := s.registry.List()

	healthByKey := make(map[model.StreamKey]streamHealthView)
	for _, h := range s.health.Snapshot() {
		healthByKey[h.Key] = streamHealthView{
			streak:     h.ErrorStreak,
			lastError:  h.LastError,
			nextPollAt: h.NextPollAt,
		}
	}

	out := make([]streamSummary, 0, len(streams))
	for _, st := range streams {
		summary := streamSummary{
			ContestID: st.ContestID,
			ChainID:   st.ChainID,
			State:     st.State,
		}
		if cur, err := s.writer.ReadCursor(r.Context(), st); err == nil && cur != nil {
			c := cur.String()
			summary.Cursor = &c
		}
		if h, ok := healthByKey[st.Key()]; ok {
			summary.ErrorStreak = h.streak
			summary.LastError = h.lastError
			if !h.nextPollAt.IsZero() {
				t := h.nextPollAt
				summary.NextPollAt = &t
			}
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": out})
}

type streamHealthView struct {
	streak     int
	lastError  string
	nextPollAt time.Time
}

type replayRequest struct {
	ContestID string `json:"contestId"`
	ChainID   uint64 `json:"chainId"`
	FromBlock string `json:"fromBlock"`
	ToBlock   string `json:"toBlock"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor,omitempty"`
}

// POST /v1/indexer/replays
func (s *Server) handleScheduleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInputInvalid, err, "malformed replay request"))
		return
	}
	if req.ContestID == "" || req.Reason == "" {
		writeError(w, apperr.E(apperr.KindInputInvalid, "contestId and reason are required"))
		return
	}
	from, err := model.ParseBlockNumber(req.FromBlock)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInputInvalid, err, "fromBlock"))
		return
	}
	to, err := model.ParseBlockNumber(req.ToBlock)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInputInvalid, err, "toBlock"))
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "anonymous"
	}

	res, err := s.control.ScheduleReplay(r.Context(), req.ContestID, req.ChainID, from, to, req.Reason, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":          res.JobID,
		"reportId":       res.ReportID,
		"scheduledRange": map[string]string{"fromBlock": from.String(), "toBlock": to.String()},
	})
}

// GET /v1/tasks/status
func (s *Server) handleTasksStatus(w http.ResponseWriter, r *http.Request) {
	mode := "live"
	alerts := []string{}

	if paused := s.control.Modes().Paused(); len(paused) > 0 {
		mode = "degraded"
		for _, key := range paused {
			alerts = append(alerts, "milestone processing paused for "+key.String())
		}
	}
	if stuck, err := s.ledger.ListNeedsAttention(r.Context(), s.db, 10); err == nil {
		for _, e := range stuck {
			alerts = append(alerts, "milestone "+string(e.Milestone)+" needs attention for "+e.ContestID)
		}
	}

	snap := telemetry.BuildHealthSnapshot(mode, s.queueStats,
		[]string{queue.QueueMilestone, queue.QueueReconcile}, alerts)
	writeJSON(w, http.StatusOK, snap)
}

type retryRequest struct {
	ContestID      string `json:"contestId"`
	ChainID        uint64 `json:"chainId"`
	Milestone      string `json:"milestone"`
	SourceTxHash   string `json:"sourceTxHash"`
	SourceLogIndex uint32 `json:"sourceLogIndex"`
	Actor          string `json:"actor"`
	Reason         string `json:"reason,omitempty"`
}

// POST /v1/tasks/milestones/actions/retry
func (s *Server) handleMilestoneRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInputInvalid, err, "malformed retry request"))
		return
	}
	if !model.ValidTxHash(req.SourceTxHash) {
		writeError(w, apperr.E(apperr.KindInputInvalid, "sourceTxHash must be 32-byte hex"))
		return
	}
	milestone, err := model.ParseMilestone(req.Milestone)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInputInvalid, err, "milestone"))
		return
	}
	if req.Actor == "" {
		writeError(w, apperr.E(apperr.KindInputInvalid, "actor is required"))
		return
	}

	jobID, err := s.control.Retry(r.Context(), control.RetryRequest{
		ContestID:      req.ContestID,
		ChainID:        req.ChainID,
		Milestone:      milestone,
		SourceTxHash:   req.SourceTxHash,
		SourceLogIndex: req.SourceLogIndex,
		Actor:          req.Actor,
		Reason:         req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

type modeRequest struct {
	ContestID string `json:"contestId"`
	ChainID   uint64 `json:"chainId"`
	Mode      string `json:"mode"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
}

// POST /v1/tasks/milestones/actions/mode
func (s *Server) handleMilestoneMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInputInvalid, err, "malformed mode request"))
		return
	}
	if req.Actor == "" {
		writeError(w, apperr.E(apperr.KindInputInvalid, "actor is required"))
		return
	}

	mode, err := s.control.ChangeMode(r.Context(), req.ContestID, req.ChainID, req.Mode, req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": mode})
}

type streamActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// POST /v1/indexer/streams/{contestId}/{chainId}/pause and .../resume
func (s *Server) handleStreamAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contestID, chainID, err := streamVars(r)
		if err != nil {
			writeError(w, err)
			return
		}

		var req streamActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperr.Wrap(apperr.KindInputInvalid, err, "malformed request"))
			return
		}
		if req.Actor == "" {
			writeError(w, apperr.E(apperr.KindInputInvalid, "actor is required"))
			return
		}

		switch action {
		case "pause":
			err = s.control.Pause(r.Context(), contestID, chainID, req.Actor, req.Reason)
		case "resume":
			err = s.control.Resume(r.Context(), contestID, chainID, req.Actor, req.Reason)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": action + "d"})
	}
}

// GET /v1/indexer/audit
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := s.control.AuditTrail(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []control.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
