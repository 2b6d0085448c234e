package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jewwiid/preset-credits/internal/ledger"
	"github.com/jewwiid/preset-credits/internal/pricing"
)

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Required int    `json:"required"`
		Provider string `json:"provider"`
		Units    int    `json:"units"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	required := req.Required
	// Callers may name a provider instead of a raw credit amount.
	if required == 0 && req.Provider != "" {
		units := req.Units
		if units == 0 {
			units = 1
		}
		cost, err := s.table.CostFor(pricing.Provider(req.Provider), units)
		if err != nil {
			s.respondLedgerError(w, err)
			return
		}
		required = cost
	}
	res, err := s.ledger.ValidateBalance(r.Context(), req.UserID, required)
	if err != nil {
		if errors.Is(err, ledger.ErrBalanceNotFound) {
			s.respondLedgerError(w, err)
			return
		}
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string `json:"user_id"`
		Credits       int    `json:"credits"`
		OperationType string `json:"operation_type"`
		Provider      string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.ledger.Deduct(r.Context(), req.UserID, req.Credits, req.OperationType, req.Provider)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.debugf("deduct user=%s credits=%d remaining=%d", req.UserID, req.Credits, res.RemainingBalance)
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string `json:"user_id"`
		Credits       int    `json:"credits"`
		OperationType string `json:"operation_type"`
		Reason        string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.ledger.Refund(r.Context(), req.UserID, req.Credits, req.OperationType, req.Reason)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		Credits int    `json:"credits"`
		Type    string `json:"transaction_type"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	txType := ledger.TransactionType(strings.TrimSpace(req.Type))
	if txType == "" {
		txType = ledger.TransactionPurchase
	}
	res, err := s.ledger.Add(r.Context(), req.UserID, req.Credits, txType, req.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrBalanceNotFound) {
			s.respondLedgerError(w, err)
			return
		}
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	bal, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, bal)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}
	txs, err := s.ledger.Transactions(r.Context(), userID, limit)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"transactions": txs,
	})
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	providers := s.table.Providers()
	out := make(map[string]any, len(providers))
	for _, p := range providers {
		details, err := s.table.CostDetailsFor(p, 1)
		if err != nil {
			continue
		}
		out[string(p)] = details
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handlePricingQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider        string `json:"provider"`
		Units           int    `json:"units"`
		DurationSeconds int    `json:"duration_seconds"`
		Resolution      string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	provider := pricing.Provider(req.Provider)
	var (
		cost int
		err  error
	)
	if req.DurationSeconds > 0 {
		cost, err = s.table.VideoGenerationCost(provider, req.DurationSeconds, req.Resolution)
	} else {
		units := req.Units
		if units == 0 {
			units = 1
		}
		cost, err = s.table.CostFor(provider, units)
	}
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"provider": req.Provider,
		"credits":  cost,
	})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if s.alloc == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("allocator not configured"))
		return
	}
	report, err := s.alloc.AllocateAll(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"scanned": report.Scanned,
		"reset":   report.Reset,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	})
}

func (s *Server) handleListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.ledger.Store().ListBalances(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"balances": balances})
}
