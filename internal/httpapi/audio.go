package httpapi

import "net/http"

type deviceResponse struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	IsDefault  bool   `json:"is_default"`
}

type devicesResponse struct {
	Devices []deviceResponse `json:"devices"`
	Current int              `json:"current"`
}

// handleListDevices implements GET /audio/devices -> Capture.list + current.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.cap.ListDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{
			Index: d.Index, Name: d.Name, Channels: d.Channels,
			SampleRate: d.SampleRate, IsDefault: d.IsDefault,
		})
	}
	writeJSON(w, http.StatusOK, devicesResponse{Devices: out, Current: s.state.GetAudioDeviceIndex()})
}

type setDeviceRequest struct {
	DeviceIndex int    `json:"device_index"`
	Source      string `json:"source"`
	Reason      string `json:"reason"`
}

// handleSetDevice implements PUT /audio/device -> State
// Manager.set_audio_device_index.
func (s *Server) handleSetDevice(w http.ResponseWriter, r *http.Request) {
	var req setDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Source == "" {
		req.Source = "httpapi"
	}
	if err := s.state.SetAudioDeviceIndex(r.Context(), req.DeviceIndex, req.Source, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"audio_device_index": s.state.GetAudioDeviceIndex()})
}
