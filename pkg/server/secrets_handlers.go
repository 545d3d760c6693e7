package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fluxhq/flux/pkg/protocol"
)

func (s *Server) handleSecretSet(w http.ResponseWriter, r *http.Request) {
	var req protocol.SecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing secret name"))
		return
	}
	if err := s.secrets.Set(req.Name, req.Value); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleSecretGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	value, err := s.secrets.Get(name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SecretResponse{Name: name, Value: value})
}

func (s *Server) handleSecretList(w http.ResponseWriter, r *http.Request) {
	names, err := s.secrets.List()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SecretListResponse{Names: names})
}

func (s *Server) handleSecretRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.secrets.Remove(name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// handleSecretRotate re-encrypts a secret, optionally with a new
// value. An empty value keeps the current plaintext.
func (s *Server) handleSecretRotate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req protocol.SecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.secrets.Rotate(name, req.Value); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}
