package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/replay"
)

type replayEventResponse struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     interface{}     `json:"payload"`
	PublishedAt string          `json:"published_at"`
	Sequence    uint64          `json:"sequence"`
	Cursor      replayCursorDTO `json:"cursor"`
}

type replayCursorDTO struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp string `json:"timestamp"`
}

type replayResponse struct {
	Events     []replayEventResponse `json:"events"`
	NextCursor *replayCursorDTO      `json:"next_cursor,omitempty"`
}

// handleReplay serves GET /events/replay?tenant_id=&project_id=&topic=&cursor_sequence=&limit=
// — the Replay Engine's HTTP binding.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r.Context())
	q := r.URL.Query()

	tenantID := q.Get("tenant_id")
	projectID := q.Get("project_id")
	topic := q.Get("topic")
	if tenantID == "" {
		tenantID = auth.TenantID
	}
	if projectID == "" {
		projectID = auth.ProjectID
	}

	var cursor *replay.Cursor
	if seqStr := q.Get("cursor_sequence"); seqStr != "" {
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			s.writeError(w, r, apierr.New(apierr.CodeValidationFailed, "cursor_sequence must be an integer"))
			return
		}
		cursor = &replay.Cursor{Sequence: seq}
	}

	limit := replay.DefaultLimit
	if limStr := q.Get("limit"); limStr != "" {
		parsed, err := strconv.Atoi(limStr)
		if err != nil {
			s.writeError(w, r, apierr.New(apierr.CodeValidationFailed, "limit must be an integer"))
			return
		}
		limit = parsed
	}

	events, err := s.replayer.Replay(r.Context(), auth, tenantID, projectID, topic, cursor, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := replayResponse{Events: make([]replayEventResponse, 0, len(events))}
	for _, e := range events {
		var payload interface{}
		_ = json.Unmarshal(e.Payload, &payload)
		resp.Events = append(resp.Events, replayEventResponse{
			ID:          e.ID,
			Topic:       e.Topic,
			Payload:     payload,
			PublishedAt: e.PublishedAt.UTC().Format(time.RFC3339Nano),
			Sequence:    e.Sequence,
			Cursor: replayCursorDTO{
				Sequence:  e.Cursor.Sequence,
				Timestamp: e.Cursor.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	if len(events) > 0 {
		last := events[len(events)-1]
		resp.NextCursor = &replayCursorDTO{
			Sequence:  last.Cursor.Sequence,
			Timestamp: last.Cursor.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
