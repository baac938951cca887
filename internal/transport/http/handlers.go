// Copyright 2026 The Slotgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/slotgate/slotgate/internal/audit"
	"github.com/slotgate/slotgate/internal/authz"
	"github.com/slotgate/slotgate/internal/dispatch"
	"github.com/slotgate/slotgate/internal/ledger"
	"github.com/slotgate/slotgate/internal/status"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// GrantStore is the writable side of the grant directory.
type GrantStore interface {
	Put(ctx context.Context, grant *authz.Grant) error
	GrantFor(ctx context.Context, actorID string) (*authz.Grant, error)
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	dispatcher  *dispatch.Dispatcher
	resolver    *authz.Resolver
	grants      GrantStore
	auditLogger audit.Logger
	jwtSecret   []byte
}

// NewHandler creates a new HTTP handler
func NewHandler(
	dispatcher *dispatch.Dispatcher,
	resolver *authz.Resolver,
	grants GrantStore,
	auditLogger audit.Logger,
	jwtSecret []byte,
) *Handler {
	return &Handler{
		dispatcher:  dispatcher,
		resolver:    resolver,
		grants:      grants,
		auditLogger: auditLogger,
		jwtSecret:   jwtSecret,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Reads are open to every authenticated caller regardless of
		// authority level.
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Get("/tenants/{tenantID}/usage", h.GetUsage)
			r.Get("/tenants/{tenantID}/capacity-history", h.GetCapacityHistory)
			r.Get("/tenants/{tenantID}/resources/{resourceID}", h.GetResourceStatus)
			r.Get("/tenants/{tenantID}/resources/{resourceID}/history", h.GetResourceHistory)

			r.Post("/operations", h.SubmitOperation)

			r.Put("/grants/{actorID}", h.PutGrant)
			r.Get("/grants/{actorID}", h.GetGrant)
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "slotgate",
	})
}

// GetUsage returns a tenant's capacity snapshot
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	usage, err := h.dispatcher.Usage(r.Context(), tenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, usage)
}

// GetCapacityHistory returns a tenant's capacity history
func (h *Handler) GetCapacityHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	history, err := h.dispatcher.CapacityHistory(r.Context(), tenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"entries":   history,
	})
}

// GetResourceStatus returns a resource's current state
func (h *Handler) GetResourceStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	resourceID := chi.URLParam(r, "resourceID")

	rec, err := h.dispatcher.ResourceStatus(r.Context(), tenantID, resourceID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// GetResourceHistory returns a resource's status history
func (h *Handler) GetResourceHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	resourceID := chi.URLParam(r, "resourceID")

	history, err := h.dispatcher.StatusHistory(r.Context(), tenantID, resourceID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id":   tenantID,
		"resource_id": resourceID,
		"entries":     history,
	})
}

// OperationRequest represents a mutation submission
type OperationRequest struct {
	Kind       string     `json:"kind"`
	TenantID   string     `json:"tenant_id"`
	ResourceID string     `json:"resource_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Target     int        `json:"target,omitempty"`
	Delta      int        `json:"delta,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	DeadlineMS int64      `json:"deadline_ms,omitempty"`
}

// SubmitOperation submits a mutation. If the result is ready before the
// operation's deadline the terminal outcome is returned synchronously;
// otherwise the operation is acknowledged with 202 and continues in the
// background.
func (h *Handler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	op := dispatch.Operation{
		Kind:       dispatch.Kind(req.Kind),
		TenantID:   req.TenantID,
		ResourceID: req.ResourceID,
		Actor: authz.Actor{
			ID:       GetActorID(r.Context()),
			TenantID: GetActorTenantID(r.Context()),
		},
		ExpiresAt: req.ExpiresAt,
		Target:    req.Target,
		Delta:     req.Delta,
		Reason:    req.Reason,
	}
	if req.DeadlineMS > 0 {
		op.Deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}

	resp, err := h.dispatcher.Submit(r.Context(), op)
	if err != nil {
		var vErr *dispatch.ValidationError
		if errors.As(err, &vErr) {
			respondError(w, http.StatusBadRequest, vErr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to submit operation")
		return
	}

	if resp.Deferred {
		respondJSON(w, http.StatusAccepted, map[string]any{
			"operation_id": resp.OperationID,
			"status":       "accepted",
		})
		return
	}

	if resp.Result.Err != nil {
		respondDomainError(w, resp.Result.Err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"operation_id": resp.OperationID,
		"status":       "completed",
		"result":       resp.Result.Value,
	})
}

// GrantRequest represents a grant assignment
type GrantRequest struct {
	Level    string `json:"level"`
	TenantID string `json:"tenant_id,omitempty"`
	Global   bool   `json:"global,omitempty"`
}

// PutGrant stores an actor's authority grant. Only super-admins may manage
// grants.
func (h *Handler) PutGrant(w http.ResponseWriter, r *http.Request) {
	callerID := GetActorID(r.Context())
	level, err := h.resolver.AuthorityOf(r.Context(), callerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to resolve authority")
		return
	}
	if level != authz.LevelSuperAdmin {
		respondError(w, http.StatusForbidden, "managing grants requires super-admin")
		return
	}

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grantLevel, ok := parseLevel(req.Level)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown authority level: "+req.Level)
		return
	}

	grant := &authz.Grant{
		ActorID:  chi.URLParam(r, "actorID"),
		Level:    grantLevel,
		TenantID: req.TenantID,
		Global:   req.Global,
	}
	if err := h.grants.Put(r.Context(), grant); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save grant")
		return
	}

	h.auditLogger.Log(r.Context(), audit.Event{
		Type:     audit.TypeGrantChanged,
		TenantID: grant.TenantID,
		ActorID:  callerID,
		Reason:   "grant " + grant.Level.String() + " to " + grant.ActorID,
	})

	respondJSON(w, http.StatusOK, grant)
}

// GetGrant returns an actor's grant
func (h *Handler) GetGrant(w http.ResponseWriter, r *http.Request) {
	grant, err := h.grants.GrantFor(r.Context(), chi.URLParam(r, "actorID"))
	if errors.Is(err, authz.ErrGrantNotFound) {
		respondError(w, http.StatusNotFound, "grant not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get grant")
		return
	}
	respondJSON(w, http.StatusOK, grant)
}

func parseLevel(s string) (authz.Level, bool) {
	switch s {
	case "tenant-admin":
		return authz.LevelTenantAdmin, true
	case "elevated-admin":
		return authz.LevelElevatedAdmin, true
	case "super-admin":
		return authz.LevelSuperAdmin, true
	case "none":
		return authz.LevelNone, true
	default:
		return authz.LevelNone, false
	}
}

// respondDomainError maps domain failures to HTTP statuses. Capacity and
// below-usage failures are conflicts with current state; permission failures
// are forbidden; unknown entities are not found.
func respondDomainError(w http.ResponseWriter, err error) {
	var (
		capErr   *ledger.CapacityError
		usageErr *ledger.BelowUsageError
		permErr  *authz.PermissionError
	)
	switch {
	case errors.As(err, &capErr):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":            capErr.Error(),
			"tenant_id":        capErr.TenantID,
			"total":            capErr.Total,
			"used":             capErr.Used,
			"active_resources": capErr.Active,
		})
	case errors.As(err, &usageErr):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":     usageErr.Error(),
			"tenant_id": usageErr.TenantID,
			"requested": usageErr.Requested,
			"used":      usageErr.Used,
			"excess":    usageErr.Excess(),
		})
	case errors.As(err, &permErr):
		respondError(w, http.StatusForbidden, permErr.Error())
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, status.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
