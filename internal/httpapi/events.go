package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fluxgate/realtime/internal/apierr"
)

type publishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type publishResponse struct {
	EventID     string `json:"event_id"`
	Sequence    uint64 `json:"sequence"`
	PublishedAt string `json:"published_at"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apierr.New(apierr.CodeValidationFailed, "malformed request body"))
		return
	}

	result, err := s.publisher.Publish(r.Context(), authFrom(r.Context()), req.Topic, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, publishResponse{
		EventID:     result.EventID,
		Sequence:    result.Sequence,
		PublishedAt: result.PublishedAt.UTC().Format(time.RFC3339Nano),
	})
}
