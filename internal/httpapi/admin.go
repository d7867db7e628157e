package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/domain"
)

type createTenantRequest struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	PlanKind           string `json:"plan_kind"`
	MonthlyEvents      int64  `json:"monthly_events"`
	Unlimited          bool   `json:"unlimited"`
	EventsCeiling      int64  `json:"events_ceiling"`
	BillingCustomerRef string `json:"billing_customer_ref"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Name == "" {
		s.writeError(w, r, apierr.New(apierr.CodeValidationFailed, "id and name are required"))
		return
	}

	tenant := domain.Tenant{
		ID:     req.ID,
		Name:   req.Name,
		Status: domain.TenantTrial,
		Plan: domain.Plan{
			Kind:          domain.PlanKind(req.PlanKind),
			MonthlyEvents: req.MonthlyEvents,
			Unlimited:     req.Unlimited,
			EventsCeiling: req.EventsCeiling,
		},
		BillingCustomerRef: req.BillingCustomerRef,
	}

	if err := s.tenants.CreateTenant(r.Context(), tenant); err != nil {
		s.writeError(w, r, apierr.Wrap(apierr.CodeInternal, "failed to create tenant", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, tenant)
}

type createAPIKeyRequest struct {
	TenantID        string   `json:"tenant_id"`
	ProjectID       string   `json:"project_id"`
	Scopes          []string `json:"scopes"`
	RateLimitPerSec int      `json:"rate_limit_per_sec"`
}

type createAPIKeyResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" || req.ProjectID == "" {
		s.writeError(w, r, apierr.New(apierr.CodeValidationFailed, "tenant_id and project_id are required"))
		return
	}

	scopes := make([]domain.Scope, 0, len(req.Scopes))
	for _, sc := range req.Scopes {
		scopes = append(scopes, domain.Scope(sc))
	}

	key, secret, err := s.keys.MintAPIKey(r.Context(), req.TenantID, req.ProjectID, domain.NewScopeSet(scopes...), req.RateLimitPerSec)
	if err != nil {
		s.writeError(w, r, apierr.Wrap(apierr.CodeInternal, "failed to mint api key", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, createAPIKeyResponse{ID: key.ID, Secret: secret})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.keyRevoker.RevokeAPIKey(r.Context(), id); err != nil {
		s.writeError(w, r, apierr.Wrap(apierr.CodeInternal, "failed to revoke api key", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type suspendTenantRequest struct {
	Reason string `json:"reason"`
}

type suspendTenantResponse struct {
	EvictedSessions int `json:"evicted_sessions"`
}

func (s *Server) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	var req suspendTenantRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual_suspend"
	}

	auth := authFrom(r.Context())
	evicted, err := s.suspender.Suspend(r.Context(), tenantID, req.Reason, auth.PrincipalID, nil)
	if err != nil {
		s.writeError(w, r, apierr.Wrap(apierr.CodeInternal, "tenant suspended but status write failed", err))
		return
	}
	s.writeJSON(w, http.StatusOK, suspendTenantResponse{EvictedSessions: len(evicted)})
}

func (s *Server) handleReviveTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	revived, err := s.suspender.Revive(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, apierr.Wrap(apierr.CodeInternal, "failed to revive tenant", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"revived": revived})
}

type registerSchemaRequest struct {
	Schema json.RawMessage `json:"schema"`
}

// handleRegisterSchema registers (or, with an empty body, clears) the JSON
// Schema Ingress enforces for this tenant's topic.
func (s *Server) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	if s.schemas == nil {
		s.writeError(w, r, apierr.New(apierr.CodeInternal, "schema registry not configured"))
		return
	}

	vars := mux.Vars(r)
	tenantID, topic := vars["tenantID"], vars["topic"]

	var req registerSchemaRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.schemas.Register(tenantID, topic, string(req.Schema)); err != nil {
		s.writeError(w, r, apierr.Wrap(apierr.CodeValidationFailed, "failed to register schema", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
