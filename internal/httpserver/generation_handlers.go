package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jewwiid/preset-credits/internal/core"
)

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	if s.charger == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("generation not configured"))
		return
	}
	var req core.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.charger.ChargeImageGeneration(r.Context(), req)
	if err != nil {
		// A refunded failure still reports what was charged and returned.
		if out != nil && out.CreditsRefunded > 0 {
			s.respondJSON(w, http.StatusBadGateway, map[string]any{
				"error":            err.Error(),
				"credits_refunded": out.CreditsRefunded,
			})
			return
		}
		s.respondLedgerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGenerateVideo(w http.ResponseWriter, r *http.Request) {
	if s.charger == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("generation not configured"))
		return
	}
	var req core.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.charger.ChargeVideoGeneration(r.Context(), req)
	if err != nil {
		if out != nil && out.CreditsRefunded > 0 {
			s.respondJSON(w, http.StatusBadGateway, map[string]any{
				"error":            err.Error(),
				"credits_refunded": out.CreditsRefunded,
			})
			return
		}
		s.respondLedgerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}
