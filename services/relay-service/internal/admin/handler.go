// Package admin serves the operator API over parked dead letters.
package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/deadletter"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/httpx"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
)

type Store interface {
	List(ctx context.Context, f deadletter.ListFilter) ([]deadletter.Record, error)
	Get(ctx context.Context, id int64) (deadletter.Record, error)
}

type Replayer interface {
	Replay(ctx context.Context, id int64) (deadletter.Record, error)
}

type Handler struct {
	store    Store
	replayer Replayer
	logger   *slog.Logger
}

func NewHandler(store Store, replayer Replayer, logger *slog.Logger) *Handler {
	return &Handler{store: store, replayer: replayer, logger: runtime.OrDiscard(logger)}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/dead-letters", h.List)
	mux.HandleFunc("GET /admin/dead-letters/{id}", h.Get)
	mux.HandleFunc("POST /admin/dead-letters/{id}/replay", h.Replay)
}

type recordView struct {
	ID             int64           `json:"id"`
	Source         string          `json:"source"`
	ConsumerGroup  string          `json:"consumer_group,omitempty"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Reason         string          `json:"reason"`
	AttemptCount   int             `json:"attempt_count"`
	LastAttemptAt  string          `json:"last_attempt_at"`
	Topic          string          `json:"topic,omitempty"`
	Partition      *int            `json:"partition,omitempty"`
	Offset         *int64          `json:"offset,omitempty"`
	CreatedAt      string          `json:"created_at"`
	ReplayedAt     string          `json:"replayed_at,omitempty"`
	Envelope       json.RawMessage `json:"envelope,omitempty"`
	EnvelopeBase64 string          `json:"envelope_base64,omitempty"`
}

func toView(rec deadletter.Record) recordView {
	v := recordView{
		ID:            rec.ID,
		Source:        rec.Source,
		ConsumerGroup: rec.ConsumerGroup,
		EventID:       rec.EventID,
		EventType:     rec.EventType,
		Reason:        rec.Reason,
		AttemptCount:  rec.AttemptCount,
		LastAttemptAt: rec.LastAttemptAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.Topic != "" {
		v.Topic = rec.Topic
		v.Partition, v.Offset = &rec.Partition, &rec.Offset
	}
	if rec.ReplayedAt != nil {
		v.ReplayedAt = rec.ReplayedAt.UTC().Format(time.RFC3339Nano)
	}
	// Undecodable payloads may not even be JSON.
	if json.Valid(rec.Envelope) {
		v.Envelope = json.RawMessage(rec.Envelope)
	} else {
		v.EnvelopeBase64 = base64.StdEncoding.EncodeToString(rec.Envelope)
	}
	return v
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := deadletter.ListFilter{
		Source:      q.Get("source"),
		OnlyPending: q.Get("pending") == "true",
	}
	if f.Source != "" && f.Source != deadletter.SourceRelay && f.Source != deadletter.SourceConsumer {
		httpx.WriteError(w, r, http.StatusBadRequest, "source must be relay or consumer")
		return
	}
	var err error
	if f.BeforeID, err = optionalInt(q.Get("before")); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid before")
		return
	}
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	f.Limit = int(limit)

	recs, err := h.store.List(r.Context(), f)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list dead letters failed", "err", err)
		httpx.WriteError(w, r, http.StatusInternalServerError, "db error")
		return
	}
	items := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toView(rec))
	}
	resp := map[string]any{"items": items}
	if len(recs) > 0 {
		resp["next_before"] = recs[len(recs)-1].ID
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "dead letter not found")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "get dead letter failed", "err", err, "dead_letter_id", id)
		httpx.WriteError(w, r, http.StatusInternalServerError, "db error")
	default:
		httpx.WriteJSON(w, http.StatusOK, toView(rec))
	}
}

// Replay re-appends the parked envelope to the outbox under its original event id.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.replayer.Replay(r.Context(), id)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, deadletter.ErrAlreadyReplayed):
		httpx.WriteError(w, r, http.StatusConflict, "dead letter already replayed")
	case envelope.IsPermanent(err):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		h.logger.ErrorContext(r.Context(), "replay dead letter failed", "err", err, "dead_letter_id", id)
		httpx.WriteError(w, r, http.StatusInternalServerError, "replay failed")
	default:
		h.logger.InfoContext(r.Context(), "dead letter replay requested",
			"dead_letter_id", id, "event_id", rec.EventID, "request_id", httpx.RequestIDFromContext(r.Context()))
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": rec.ID, "event_id": rec.EventID, "status": "replayed"})
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func optionalInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
