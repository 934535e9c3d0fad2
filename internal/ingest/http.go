package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/agent-command/agentchatd/internal/hook"
)

const maxBodyBytes = 1 << 20

// Register mounts the ingestion routes on mux.
func (in *Ingestor) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/heartbeat", in.handleHeartbeat)
	mux.HandleFunc("GET /api/reports", in.handleListReports)
	mux.HandleFunc("POST /api/reports", in.handleReport)
	mux.HandleFunc("GET /api/reports/{id}", in.handleGetReport)
	mux.HandleFunc("POST /api/reports/{id}/acknowledge", in.handleAcknowledge)
	mux.HandleFunc("POST /api/reports/acknowledge-all", in.handleAcknowledgeAll)
}

func (in *Ingestor) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb hook.Heartbeat
	if err := decode(w, r, &hb); err != nil {
		in.metrics.Heartbeat("invalid")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := in.Heartbeat(r.Context(), hb); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (in *Ingestor) handleReport(w http.ResponseWriter, r *http.Request) {
	var body hook.Report
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	report, err := in.Report(r.Context(), body)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"report": report})
}

func (in *Ingestor) handleListReports(w http.ResponseWriter, r *http.Request) {
	var acknowledged *bool
	if v := r.URL.Query().Get("acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "acknowledged must be true or false")
			return
		}
		acknowledged = &b
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	reports, unread, err := in.Reports(r.Context(), acknowledged, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "unread_count": unread})
}

func (in *Ingestor) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	report, err := in.GetReport(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (in *Ingestor) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	report, err := in.AcknowledgeReport(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "report": report})
}

func (in *Ingestor) handleAcknowledgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := in.AcknowledgeAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": n})
}

func reportID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "report id must be an integer")
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidHeartbeat), errors.Is(err, ErrInvalidReport):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownAgent), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
