package httpapi

import (
	"net/http"
	"strconv"

	"github.com/bbureau12/echonet/internal/statemgr"
)

type stateResponse struct {
	ListenMode  string `json:"listen_mode"`
	DeviceIndex int    `json:"audio_device_index"`
}

// handleGetState implements GET /state -> current settings snapshot.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		ListenMode:  string(s.state.GetListenMode()),
		DeviceIndex: s.state.GetAudioDeviceIndex(),
	})
}

type setStateRequest struct {
	Target string `json:"target"`
	Source string `json:"source"`
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// handleSetState implements PUT /state -> State Manager.set_listen_mode.
// When Target is non-empty it is validated against the registry and, on
// success, seeded as the Router's most-recently-used target so an operator
// switching straight into active mode against a named target doesn't need a
// prior wake phrase to establish it.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	var req setStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.Target != "" {
		if _, err := s.reg.Get(req.Target); err != nil {
			writeError(w, http.StatusBadRequest, "unknown target: "+req.Target)
			return
		}
	}

	mode := statemgr.Mode(req.State)
	if err := s.state.SetListenMode(r.Context(), mode, req.Source, req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Target != "" && s.rt != nil {
		s.rt.SetLastTarget(req.Target)
	}

	writeJSON(w, http.StatusOK, stateResponse{
		ListenMode:  string(s.state.GetListenMode()),
		DeviceIndex: s.state.GetAudioDeviceIndex(),
	})
}

// handleStateHistory implements GET /state/history?name&limit -> Store.history.
func (s *Server) handleStateHistory(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	history, err := s.st.History(r.Context(), name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleStateWS implements GET /state/ws: a read-only WebSocket stream of the
// listen_mode and audio_device_index changes published by the State Manager
// (a supplemented endpoint, spec.md §4.C "settings changed" broadcaster
// requirement). Writes made through PUT /config/{key} are not streamed.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	s.broker.serve(w, r)
}
