package httpapi

import (
	"io"
	"net/http"

	"github.com/fluxgate/realtime/internal/domain"
)

type billingUsageResponse struct {
	TenantID  string           `json:"tenant_id"`
	ProjectID string           `json:"project_id"`
	Usage     map[string]int64 `json:"usage"`
}

var billingMetrics = []domain.UsageMetric{
	domain.MetricEventsPublished,
	domain.MetricEventsDelivered,
	domain.MetricWebSocketMinutes,
	domain.MetricApiRequests,
}

func (s *Server) handleBillingUsage(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r.Context())
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		projectID = auth.ProjectID
	}

	usage := make(map[string]int64, len(billingMetrics))
	for _, m := range billingMetrics {
		usage[string(m)] = s.usage.Usage(auth.TenantID, projectID, m)
	}

	s.writeJSON(w, http.StatusOK, billingUsageResponse{
		TenantID:  auth.TenantID,
		ProjectID: projectID,
		Usage:     usage,
	})
}

// handleStripeWebhook accepts and discards the external billing provider's
// webhook body. Signature verification and event processing live outside
// this service; the endpoint exists so the provider has somewhere to
// deliver, not to implement billing logic here.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	w.WriteHeader(http.StatusAccepted)
}
