package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jewwiid/preset-credits/internal/accountstore"
)

func (s *Server) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("account store not configured"))
		return
	}
	var req struct {
		Email            string   `json:"email"`
		DisplayName      string   `json:"display_name"`
		SubscriptionTier string   `json:"subscription_tier"`
		ReferredBy       string   `json:"referred_by"`
		StyleTags        []string `json:"style_tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("email required"))
		return
	}
	account, err := s.accounts.Create(r.Context(), &accountstore.Account{
		Email:            req.Email,
		DisplayName:      req.DisplayName,
		SubscriptionTier: req.SubscriptionTier,
		ReferredBy:       req.ReferredBy,
		StyleTags:        req.StyleTags,
	})
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}

	var balance any
	if s.alloc != nil {
		b, err := s.alloc.InitAccount(r.Context(), account.ID, account.SubscriptionTier, account.ReferredBy != "")
		if err != nil {
			// The account row exists; report it with the balance failure.
			s.respondJSON(w, http.StatusCreated, map[string]any{
				"account":       account,
				"balance_error": err.Error(),
			})
			return
		}
		balance = b
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"account": account,
		"balance": balance,
	})
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("account store not configured"))
		return
	}
	id := chi.URLParam(r, "accountID")
	account, err := s.accounts.FindByID(r.Context(), id)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	payload := map[string]any{"account": account}
	if bal, err := s.ledger.Balance(r.Context(), account.ID); err == nil {
		payload["balance"] = bal
	}
	s.respondJSON(w, http.StatusOK, payload)
}
