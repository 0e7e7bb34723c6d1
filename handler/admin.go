package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shipitai/recall/gate"
	"github.com/shipitai/recall/storage"
	"github.com/shipitai/recall/tasks"
)

// PendingReviews lists and reads held reviews.
type PendingReviews interface {
	List(ctx context.Context, status *storage.PendingStatus) ([]*storage.PendingReview, error)
	Get(ctx context.Context, id string) (*storage.PendingReview, error)
}

// Flags reads and writes feature flags.
type Flags interface {
	Get(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, enabled bool) error
}

// DeadLetters lists background tasks that failed.
type DeadLetters interface {
	List(ctx context.Context, limit int) ([]tasks.Letter, error)
}

// FlagValue is the flag resource of the admin API.
type FlagValue struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// Admin serves the review-gate admin API. Every request needs
// "Authorization: Bearer <token>".
type Admin struct {
	token    string
	pending  PendingReviews
	flags    Flags
	reviewer Reviewer
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewAdmin creates the admin API. An empty token rejects every request.
func NewAdmin(token string, pending PendingReviews, flags Flags, reviewer Reviewer, logger *slog.Logger) *Admin {
	a := &Admin{token: token, pending: pending, flags: flags, reviewer: reviewer, logger: logger, mux: http.NewServeMux()}
	a.mux.HandleFunc("GET /admin/pending", a.listPending)
	a.mux.HandleFunc("GET /admin/pending/{id}", a.getPending)
	a.mux.HandleFunc("POST /admin/pending/{id}/approve", a.approve)
	a.mux.HandleFunc("POST /admin/pending/{id}/reject", a.reject)
	a.mux.HandleFunc("GET /admin/flags/{key}", a.getFlag)
	a.mux.HandleFunc("PUT /admin/flags/{key}", a.setFlag)
	return a
}

// WithDeadLetters adds GET /admin/dead-letters.
func (a *Admin) WithDeadLetters(d DeadLetters) *Admin {
	a.mux.HandleFunc("GET /admin/dead-letters", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errorResponse(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		letters, err := d.List(r.Context(), limit)
		if err != nil {
			a.fail(w, "list dead letters", err)
			return
		}
		if letters == nil {
			letters = []tasks.Letter{}
		}
		jsonResponse(w, http.StatusOK, letters)
	})
	return a
}

func (a *Admin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		errorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	a.mux.ServeHTTP(w, r)
}

func (a *Admin) authorized(r *http.Request) bool {
	if a.token == "" {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) == 1
}

func (a *Admin) listPending(w http.ResponseWriter, r *http.Request) {
	var status *storage.PendingStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := storage.PendingStatus(s)
		if !st.Valid() {
			errorResponse(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &st
	}
	reviews, err := a.pending.List(r.Context(), status)
	if err != nil {
		a.fail(w, "list pending reviews", err)
		return
	}
	if reviews == nil {
		reviews = []*storage.PendingReview{}
	}
	jsonResponse(w, http.StatusOK, reviews)
}

func (a *Admin) getPending(w http.ResponseWriter, r *http.Request) {
	p, err := a.pending.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, "get pending review", err)
		return
	}
	jsonResponse(w, http.StatusOK, p)
}

func (a *Admin) approve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.reviewer.PublishApproved(r.Context(), id); err != nil {
		a.fail(w, "approve pending review", err)
		return
	}
	a.logger.Info("pending review approved via admin API", "pending_id", id)
	jsonResponse(w, http.StatusOK, map[string]string{"id": id, "status": string(storage.StatusApproved)})
}

func (a *Admin) reject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.reviewer.Reject(r.Context(), id); err != nil {
		a.fail(w, "reject pending review", err)
		return
	}
	a.logger.Info("pending review rejected via admin API", "pending_id", id)
	jsonResponse(w, http.StatusOK, map[string]string{"id": id, "status": string(storage.StatusRejected)})
}

func (a *Admin) getFlag(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	enabled, err := a.flags.Get(r.Context(), key)
	if err != nil {
		a.fail(w, "get flag", err)
		return
	}
	jsonResponse(w, http.StatusOK, FlagValue{Key: key, Enabled: enabled})
}

func (a *Admin) setFlag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		errorResponse(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	key := r.PathValue("key")
	if err := a.flags.Set(r.Context(), key, *body.Enabled); err != nil {
		a.fail(w, "set flag", err)
		return
	}
	a.logger.Info("flag updated", "key", key, "enabled", *body.Enabled)
	jsonResponse(w, http.StatusOK, FlagValue{Key: key, Enabled: *body.Enabled})
}

// fail maps err to a status code. A review that was already resolved is a
// conflict; a missing one is not found.
func (a *Admin) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, gate.ErrNotPending):
		errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		errorResponse(w, http.StatusNotFound, "not found")
	default:
		a.logger.Error("admin request failed", "op", op, "error", err)
		errorResponse(w, http.StatusInternalServerError, op+" failed")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}
