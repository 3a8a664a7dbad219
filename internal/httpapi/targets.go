package httpapi

import (
	"errors"
	"net/http"

	"github.com/bbureau12/echonet/internal/registry"
)

type registerRequest struct {
	Name    string   `json:"name"`
	BaseURL string   `json:"base_url"`
	Phrases []string `json:"phrases"`
}

type targetResponse struct {
	Name    string   `json:"name"`
	BaseURL string   `json:"base_url"`
	Phrases []string `json:"phrases"`
}

// handleRegister implements POST /register -> Registry.Upsert.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	t := registry.Target{Name: req.Name, BaseURL: req.BaseURL, Phrases: req.Phrases}
	if err := s.reg.Upsert(r.Context(), t); err != nil {
		if errors.Is(err, registry.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	got, err := s.reg.Get(req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, targetResponse{Name: got.Name, BaseURL: got.BaseURL, Phrases: got.Phrases})
}

// handleListTargets implements GET /targets -> Registry.List.
func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.reg.List()
	out := make([]targetResponse, 0, len(targets))
	for _, t := range targets {
		out = append(out, targetResponse{Name: t.Name, BaseURL: t.BaseURL, Phrases: t.Phrases})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteTarget implements DELETE /targets/{name} -> Registry.Delete.
func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.reg.Delete(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
