package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"callsync/internal/artifacts"
	"callsync/internal/egress"
	"callsync/internal/logging"
	"callsync/internal/queue"
	"callsync/internal/services"
)

// RecordListResponse is returned by GET /api/records.
type RecordListResponse struct {
	Records []*queue.Record `json:"records"`
}

// CallResponse is returned by POST /api/calls.
type CallResponse struct {
	Recorded bool          `json:"recorded"`
	Record   *queue.Record `json:"record,omitempty"`
}

// WebhookResponse is returned by POST /webhook/egress.
type WebhookResponse struct {
	Event     string `json:"event"`
	Indexed   bool   `json:"indexed"`
	EgressRef string `json:"egress_ref,omitempty"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Syncer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "workflow unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Syncer.Status(r.Context()))
}

func (h *handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if h.deps.Syncer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "workflow unavailable")
		return
	}
	stats, err := h.deps.Syncer.RunCycle(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, stats)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	var statuses []queue.Status
	for _, value := range r.URL.Query()["status"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := queue.ParseStatus(part)
			if !ok {
				h.writeError(w, http.StatusBadRequest, "unknown status "+strings.TrimSpace(part))
				return
			}
			statuses = append(statuses, status)
		}
	}
	records, err := h.deps.Records.List(r.Context(), statuses...)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*queue.Record{}
	}
	h.writeJSON(w, http.StatusOK, RecordListResponse{Records: records})
}

func (h *handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Records.Get(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		h.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	ok, err := h.deps.Records.Requeue(r.Context(), callID, h.now())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		h.writeError(w, http.StatusConflict, "record is not failed or dead-lettered")
		return
	}
	logging.WithContext(r.Context(), h.logger).Info("record requeued",
		logging.String(logging.FieldCallID, callID),
		logging.String(logging.FieldEventType, "record_requeued"),
	)
	h.writeJSON(w, http.StatusOK, map[string]any{"requeued": true, "call_id": callID})
}

func (h *handler) handleCall(w http.ResponseWriter, r *http.Request) {
	if h.deps.Writer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "artifact writer unavailable")
		return
	}
	var call artifacts.Call
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&call); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid call document: "+err.Error())
		return
	}
	rec := h.deps.Writer.Write(r.Context(), call)
	if rec == nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, CallResponse{Recorded: false})
		return
	}
	h.writeJSON(w, http.StatusAccepted, CallResponse{Recorded: true, Record: rec})
}

func (h *handler) handleEgressWebhook(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithContext(r.Context(), h.logger)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if !egress.VerifySignature(h.deps.WebhookSecret, body, r.Header.Get("X-Signature")) {
		logging.WarnWithContext(logger, "egress webhook signature rejected", "webhook_signature_invalid",
			logging.String("remote", r.RemoteAddr),
			logging.String(logging.FieldErrorHint, "check egress.webhook_secret on both sides"),
			logging.String(logging.FieldImpact, "the recording will not be indexed from this event"),
		)
		h.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	entry, eventType, ok, err := egress.ParseWebhook(body)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, services.ErrValidation) {
			status = http.StatusInternalServerError
		}
		h.writeError(w, status, err.Error())
		return
	}
	if !ok {
		h.writeJSON(w, http.StatusOK, WebhookResponse{Event: eventType})
		return
	}
	if h.deps.Egress == nil {
		h.writeError(w, http.StatusServiceUnavailable, "egress index unavailable")
		return
	}
	if err := h.deps.Egress.Record(r.Context(), entry); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("egress recording indexed",
		logging.String(logging.FieldEventType, "egress_indexed"),
		logging.String("egress_ref", entry.EgressRef),
		logging.String("file_path", entry.FilePath),
		logging.String("source", "webhook"),
	)
	h.writeJSON(w, http.StatusOK, WebhookResponse{Event: eventType, Indexed: true, EgressRef: entry.EgressRef})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
