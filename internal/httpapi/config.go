package httpapi

import "net/http"

// handleGetConfig implements GET /config -> the full runtime-configurable
// settings snapshot (spec.md §4.I): every stored setting, including
// listen_mode and audio_device_index, which also have dedicated typed
// endpoints (/state, /audio/device), for generic inspection and tuning.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.st.AllSettings())
}

type setConfigRequest struct {
	Value  string `json:"value"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// handleSetConfig implements PUT /config/{key} -> a generic typed write
// through the Store's audit-logged settings table. Unlike /state and
// /audio/device, this endpoint does not validate key against an enum: any
// setting name is accepted, matching spec.md §4.I's "typed" contract being
// deliberately open-ended for forward-compatible runtime tuning.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key must not be empty")
		return
	}
	var req setConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Source == "" {
		req.Source = "httpapi"
	}
	if err := s.st.Set(r.Context(), key, req.Value, req.Source, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	v, _ := s.st.Get(key)
	writeJSON(w, http.StatusOK, map[string]string{key: v})
}
