package httpapi

import (
	"net/http"
	"time"

	"github.com/bbureau12/echonet/internal/router"
)

type textRequest struct {
	SourceID   string  `json:"source_id"`
	Room       string  `json:"room"`
	Ts         int64   `json:"ts"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// handleText implements POST /text -> Router.route, bypassing audio capture
// entirely (spec.md §4.I). Useful for text-only sources (chat bridges,
// manual testing) that never go through the ASR Worker.
//
// Ts is unix milliseconds (spec.md §4.I's TextEvent wire format) and, when
// present, drives the Router's session-TTL arithmetic directly — a caller
// replaying a recorded sequence of events needs its own ts to land in the
// same session/expiry decisions it originally produced. An omitted or zero
// ts falls back to the server's clock.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.SourceID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "source_id and text are required")
		return
	}

	ts := time.Now()
	if req.Ts != 0 {
		ts = time.UnixMilli(req.Ts)
	}

	decision, err := s.rt.Route(r.Context(), router.TextEvent{
		SourceID:   req.SourceID,
		Room:       req.Room,
		Ts:         ts,
		Text:       req.Text,
		Confidence: req.Confidence,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}
