package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
	"github.com/MEKXH/tollgate/internal/engine"
	"github.com/MEKXH/tollgate/internal/metrics"
	"github.com/MEKXH/tollgate/internal/requestid"
	"github.com/MEKXH/tollgate/internal/version"
)

// Engine is the part of the approval engine served over HTTP.
type Engine interface {
	SubmitTransaction(ctx context.Context, tx approval.Transaction) (*approval.Case, error)
	Decide(ctx context.Context, caseID, actorID string, decision engine.Decision, note string) (*approval.Case, error)
	Cancel(ctx context.Context, caseID, actorID, note string) (*approval.Case, error)
	Get(ctx context.Context, caseID string) (*approval.Case, error)
	History(ctx context.Context, caseID string) ([]approval.HistoryEntry, error)
	ListCases(ctx context.Context, q approval.Query) ([]*approval.Case, error)
	EligibleApprovers(ctx context.Context, caseID string) ([]string, error)
	CreateDelegation(ctx context.Context, in engine.DelegationInput) (delegation.Delegation, error)
	RevokeDelegation(ctx context.Context, id, actorID string) (delegation.Delegation, error)
	ListDelegations(ctx context.Context, q delegation.Query) ([]delegation.Delegation, error)
	Now() time.Time
}

type handler struct {
	engine Engine
}

// NewHandler builds the router. A non-empty token protects /api/v1 with a
// bearer token; /health, /version and /metrics stay open.
func NewHandler(token string, eng Engine, rec *metrics.Recorder) http.Handler {
	h := &handler{engine: eng}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, metricsMiddleware(rec))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, requestid.FromRequest(r), http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, requestid.FromRequest(r), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/version", h.version).Methods(http.MethodGet)
	r.Handle("/metrics", rec.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMiddleware(token))
	api.HandleFunc("/transactions", h.submit).Methods(http.MethodPost)
	api.HandleFunc("/cases", h.listCases).Methods(http.MethodGet)
	api.HandleFunc("/cases/{id}", h.getCase).Methods(http.MethodGet)
	api.HandleFunc("/cases/{id}/history", h.history).Methods(http.MethodGet)
	api.HandleFunc("/cases/{id}/approvers", h.approvers).Methods(http.MethodGet)
	api.HandleFunc("/cases/{id}/decision", h.decide).Methods(http.MethodPost)
	api.HandleFunc("/cases/{id}/cancel", h.cancel).Methods(http.MethodPost)
	api.HandleFunc("/delegations", h.createDelegation).Methods(http.MethodPost)
	api.HandleFunc("/delegations", h.listDelegations).Methods(http.MethodGet)
	api.HandleFunc("/delegations/{id}", h.revokeDelegation).Methods(http.MethodDelete)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"request_id": requestid.From(r.Context()),
	})
}

func (h *handler) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    version.Version,
		"request_id": requestid.From(r.Context()),
	})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	var tx approval.Transaction
	if !decodeBody(w, r, &tx) {
		return
	}
	c, err := h.engine.SubmitTransaction(r.Context(), tx)
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"transaction_id":    strings.TrimSpace(tx.ID),
			"requires_approval": false,
			"request_id":        rid,
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"transaction_id":    c.Transaction.ID,
		"requires_approval": true,
		"case":              c,
		"request_id":        rid,
	})
}

func (h *handler) listCases(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	q, err := parseCaseQuery(r)
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	cases, err := h.engine.ListCases(r.Context(), q)
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	if cases == nil {
		cases = []*approval.Case{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases":      cases,
		"count":      len(cases),
		"request_id": rid,
	})
}

func (h *handler) getCase(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	c, err := h.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": c, "request_id": rid})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	caseID := mux.Vars(r)["id"]
	entries, err := h.engine.History(r.Context(), caseID)
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":    caseID,
		"history":    entries,
		"request_id": rid,
	})
}

func (h *handler) approvers(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	caseID := mux.Vars(r)["id"]
	users, err := h.engine.EligibleApprovers(r.Context(), caseID)
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":      caseID,
		"approvers":    users,
		"unassignable": len(users) == 0,
		"request_id":   rid,
	})
}

func (h *handler) decide(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	var req struct {
		Actor    string `json:"actor"`
		Decision string `json:"decision"`
		Note     string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	decision, err := engine.ParseDecision(req.Decision)
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	c, err := h.engine.Decide(r.Context(), mux.Vars(r)["id"], req.Actor, decision, req.Note)
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": c, "request_id": rid})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	var req struct {
		Actor string `json:"actor"`
		Note  string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := h.engine.Cancel(r.Context(), mux.Vars(r)["id"], req.Actor, req.Note)
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": c, "request_id": rid})
}

type delegationRequest struct {
	Grantor   string    `json:"grantor"`
	Grantee   string    `json:"grantee"`
	Tiers     []string  `json:"tiers"`
	Venues    []string  `json:"venues"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
}

func (h *handler) createDelegation(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	var req delegationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tiers := make([]approval.Tier, 0, len(req.Tiers))
	for _, raw := range req.Tiers {
		tier, ok := approval.ParseTier(raw)
		if !ok {
			writeEngineError(w, rid, approval.Invalid("scope.tiers", "unknown tier %q", raw))
			return
		}
		tiers = append(tiers, tier)
	}
	d, err := h.engine.CreateDelegation(r.Context(), engine.DelegationInput{
		Grantor:   req.Grantor,
		Grantee:   req.Grantee,
		Tiers:     tiers,
		Venues:    req.Venues,
		Start:     req.Start,
		End:       req.End,
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"delegation": d,
		"status":     d.Status(h.engine.Now()),
		"request_id": rid,
	})
}

func (h *handler) listDelegations(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	values := r.URL.Query()
	q := delegation.Query{
		Grantor:  values.Get("grantor"),
		Grantee:  values.Get("grantee"),
		Includes: values.Get("user"),
	}
	now := h.engine.Now()
	if live, _ := strconv.ParseBool(values.Get("live")); live {
		q.LiveAt = now
	}
	list, err := h.engine.ListDelegations(r.Context(), q)
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	type item struct {
		delegation.Delegation
		Status string `json:"status"`
	}
	items := make([]item, 0, len(list))
	for _, d := range list {
		items = append(items, item{Delegation: d, Status: d.Status(now)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"delegations": items,
		"count":       len(items),
		"request_id":  rid,
	})
}

func (h *handler) revokeDelegation(w http.ResponseWriter, r *http.Request) {
	rid := requestid.From(r.Context())
	d, err := h.engine.RevokeDelegation(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("actor"))
	if err != nil {
		writeEngineError(w, rid, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"delegation": d,
		"status":     d.Status(h.engine.Now()),
		"request_id": rid,
	})
}

func parseCaseQuery(r *http.Request) (approval.Query, error) {
	values := r.URL.Query()
	var q approval.Query
	for _, raw := range values["state"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				q.States = append(q.States, approval.State(s))
			}
		}
	}
	if raw := values.Get("tier"); raw != "" {
		tier, ok := approval.ParseTier(raw)
		if !ok {
			return q, approval.Invalid("tier", "unknown tier %q", raw)
		}
		q.Tier = tier
	}
	q.Venue = values.Get("venue")
	q.TransactionID = values.Get("transaction_id")
	if raw := values.Get("due_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, approval.Invalid("due_before", "must be RFC3339, got %q", raw)
		}
		q.DueBefore = t
	}
	q.Unassignable, _ = strconv.ParseBool(values.Get("unassignable"))
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, approval.Invalid("limit", "must be a non-negative integer, got %q", raw)
		}
		q.Limit = n
	}
	return q, nil
}

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, requestid.From(r.Context()), http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
			return false
		}
		writeError(w, requestid.From(r.Context()), http.StatusBadRequest, "bad_request", "invalid json request")
		return false
	}
	return true
}

// writeEngineError maps engine errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, requestID string, err error) {
	var (
		validation   *approval.ValidationError
		stale        *approval.StaleStateError
		notEligible  *approval.NotEligibleError
		unassignable *approval.UnassignableCaseError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":       "validation_failed",
			"message":    validation.Message,
			"field":      validation.Field,
			"request_id": requestID,
		})
	case errors.As(err, &notEligible):
		writeError(w, requestID, http.StatusForbidden, "not_eligible", err.Error())
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, requestID, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &stale):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":       "stale_state",
			"message":    err.Error(),
			"current":    stale.Current,
			"request_id": requestID,
		})
	case errors.As(err, &unassignable):
		writeError(w, requestID, http.StatusUnprocessableEntity, "unassignable", err.Error())
	default:
		slog.Error("gateway request failed", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
