package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/albapepper/agencyops/internal/api/respond"
	"github.com/albapepper/agencyops/internal/notifications"
)

const (
	defaultFailureLimit = 20
	maxFailureLimit     = 200
	maxEventBody        = 64 << 10
)

// GetQueueStatus returns record counts per status and the latest errors.
// @Summary Queue status
// @Description Returns notification counts per status (pending, sent, failed, cancelled) and the most recent delivery errors.
// @Tags queue
// @Produce json
// @Success 200 {object} notifications.QueueStatus
// @Failure 500 {object} respond.ErrorResponse
// @Router /queue/status [get]
func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Engine.QueueStatus(r.Context())
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "QUEUE_ERROR", "Failed to read queue status", err.Error())
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, st)
}

// GetFailures returns the newest failed and retrying delivery attempts.
// @Summary Recent delivery failures
// @Description Returns delivery log entries with outcome failed or retrying, newest first.
// @Tags queue
// @Produce json
// @Param limit query int false "Maximum entries (default 20, max 200)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /queue/failures [get]
func (h *Handler) GetFailures(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailureLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxFailureLimit)
	}

	entries, err := h.deps.Failures.RecentFailures(r.Context(), limit)
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "QUEUE_ERROR", "Failed to read delivery log", err.Error())
		return
	}
	if entries == nil {
		entries = []notifications.LogEntry{}
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"failures":  entries,
		"count":     len(entries),
		"timestamp": respond.Timestamp(),
	})
}

// RunDispatch forces an immediate dispatch cycle.
// @Summary Run dispatcher
// @Description Claims due notifications and sends them now, outside the regular interval.
// @Tags queue
// @Produce json
// @Success 200 {object} notifications.BatchResult
// @Failure 500 {object} respond.ErrorResponse
// @Router /queue/run [post]
func (h *Handler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Engine.RunOnce(r.Context())
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "DISPATCH_ERROR", "Dispatch cycle failed", err.Error())
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, res)
}

// CreateEvent injects a manual notification event.
// @Summary Enqueue a manual event
// @Description Creates pending notifications for the listed employees, subject to their preferences and reminder cooldowns.
// @Tags queue
// @Accept json
// @Produce json
// @Param event body notifications.Manual true "Manual event"
// @Success 202 {object} notifications.EnqueueResult
// @Failure 400 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /events [post]
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var ev notifications.Manual
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be a JSON event", err.Error())
		return
	}
	if err := ev.Validate(); err != nil {
		code := "INVALID_EVENT"
		if errors.Is(err, notifications.ErrEmptyMessage) {
			code = "EMPTY_MESSAGE"
		}
		respond.WriteErrorDetail(w, http.StatusBadRequest, code, "Event failed validation", err.Error())
		return
	}

	res, err := h.deps.Engine.Enqueue(r.Context(), ev)
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "ENQUEUE_ERROR",
			fmt.Sprintf("Failed to enqueue %s event", ev.Category), err.Error())
		return
	}
	if res.IDs == nil {
		res.IDs = []int64{}
	}
	respond.WriteJSONObject(w, http.StatusAccepted, res)
}
