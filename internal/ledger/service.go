package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jewwiid/preset-credits/internal/alerts"
	"github.com/jewwiid/preset-credits/internal/metrics"
)

// Service applies the credit business rules on top of a Store. Every
// mutation first attempts the store's atomic primitive and falls back to a
// flat read-modify-write when the primitive is unavailable. The fallback
// adjusts CurrentBalance without splitting across the purchased and
// subscription pools, so a deployment that stays on the fallback path for
// long accumulates a pool drift that the next atomic operation does not
// repair.
type Service struct {
	store   Store
	logger  *log.Logger
	alerts  *alerts.Dispatcher
	metrics *metrics.Collector
}

// ValidationResult is the outcome of a pre-flight balance check.
type ValidationResult struct {
	UserID         string `json:"user_id"`
	Sufficient     bool   `json:"sufficient"`
	CurrentBalance int    `json:"current_balance"`
	Required       int    `json:"required"`
	Shortfall      int    `json:"shortfall,omitempty"`
}

// DeductResult reports a completed deduction.
type DeductResult struct {
	UserID           string     `json:"user_id"`
	CreditsDeducted  int        `json:"credits_deducted"`
	RemainingBalance int        `json:"remaining_balance"`
	Breakdown        *Breakdown `json:"consumption_breakdown,omitempty"`
	TransactionID    string     `json:"transaction_id,omitempty"`
	UsedFallback     bool       `json:"used_fallback,omitempty"`
}

// RefundResult reports a completed refund.
type RefundResult struct {
	UserID          string     `json:"user_id"`
	CreditsRefunded int        `json:"credits_refunded"`
	NewBalance      int        `json:"new_balance"`
	Breakdown       *Breakdown `json:"refund_breakdown,omitempty"`
	TransactionID   string     `json:"transaction_id,omitempty"`
	UsedFallback    bool       `json:"used_fallback,omitempty"`
}

// AddResult reports a completed credit grant.
type AddResult struct {
	UserID        string `json:"user_id"`
	CreditsAdded  int    `json:"credits_added"`
	NewBalance    int    `json:"new_balance"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// NewService wires a Service around store.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: log.New(log.Writer(), "[credits/ledger] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (s *Service) SetLogger(logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetAlerts installs an alert dispatcher for operator-facing events.
func (s *Service) SetAlerts(d *alerts.Dispatcher) {
	s.alerts = d
}

// SetMetrics installs a metrics collector.
func (s *Service) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Service) emit(ctx context.Context, evtType alerts.EventType, level string, userID, message string, meta map[string]any) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Emit(ctx, alerts.Event{
		ID:         uuid.NewString(),
		Type:       evtType,
		Level:      level,
		OccurredAt: time.Now().UTC(),
		UserID:     userID,
		Message:    message,
		Metadata:   meta,
	}); err != nil {
		s.logf("[WARN] alert emit %s failed: %v", evtType, err)
	}
}

// Store exposes the underlying store for callers that need direct reads.
func (s *Service) Store() Store {
	return s.store
}

// Balance returns the credit record for userID.
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	return s.store.GetBalance(ctx, userID)
}

// Transactions returns the newest audit rows for userID.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// ValidateBalance checks whether userID can cover required credits without
// mutating anything.
func (s *Service) ValidateBalance(ctx context.Context, userID string, required int) (*ValidationResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if required < 1 {
		return nil, fmt.Errorf("required credits must be positive, got %d", required)
	}
	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &ValidationResult{
		UserID:         userID,
		Sufficient:     bal.CurrentBalance >= required,
		CurrentBalance: bal.CurrentBalance,
		Required:       required,
	}
	if !res.Sufficient {
		res.Shortfall = required - bal.CurrentBalance
	}
	return res, nil
}

// Deduct removes credits from userID and appends a deduction transaction.
// The atomic path drains the purchased pool before the subscription pool;
// the fallback path decrements CurrentBalance flat. Audit-log failures are
// logged but never roll back the balance mutation.
func (s *Service) Deduct(ctx context.Context, userID string, credits int, operationType, provider string) (*DeductResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if credits < 1 {
		return nil, fmt.Errorf("deduction credits must be positive, got %d", credits)
	}

	res := &DeductResult{UserID: userID, CreditsDeducted: credits}

	breakdown, err := s.store.ConsumeAtomic(ctx, userID, credits)
	switch {
	case err == nil:
		res.Breakdown = breakdown
		res.RemainingBalance = breakdown.RemainingBalance
	case errors.Is(err, ErrAtomicUnavailable):
		s.logf("[WARN] atomic consume unavailable for user=%s, using flat deduction", userID)
		if s.metrics != nil {
			s.metrics.RecordFallback("deduct")
		}
		s.emit(ctx, alerts.EventFallbackEngaged, "warning", userID,
			"atomic consume unavailable, flat deduction applied",
			map[string]any{"operation": "deduct", "credits": credits})
		remaining, ferr := s.deductFallback(ctx, userID, credits)
		if ferr != nil {
			return nil, ferr
		}
		res.RemainingBalance = remaining
		res.UsedFallback = true
	default:
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			if s.metrics != nil {
				s.metrics.RecordInsufficient()
			}
			s.logf("deduct rejected user=%s required=%d balance=%d", userID, insufficient.Required, insufficient.Balance)
			return nil, err
		}
		return nil, fmt.Errorf("atomic consume for user %s: %w", userID, err)
	}

	if s.metrics != nil {
		s.metrics.RecordDeduction(int64(credits))
		if provider != "" {
			s.metrics.RecordProviderCharge(provider, int64(credits))
		}
	}

	tx := &Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          TransactionDeduction,
		CreditsUsed:   credits,
		OperationType: operationType,
		Status:        StatusCompleted,
		Metadata: Metadata{
			Breakdown: res.Breakdown,
			Extra:     providerExtra(provider, res.UsedFallback),
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertTransaction(ctx, tx); err != nil {
		s.logf("[WARN] transaction log insert failed for user=%s: %v", userID, err)
		s.emit(ctx, alerts.EventTransactionLogFailed, "warning", userID,
			"deduction applied but audit row insert failed",
			map[string]any{"credits": credits, "error": err.Error()})
	} else {
		res.TransactionID = tx.ID
	}

	s.logf("deduct ok user=%s credits=%d remaining=%d fallback=%t", userID, credits, res.RemainingBalance, res.UsedFallback)
	return res, nil
}

// deductFallback performs the flat read-modify-write deduction. It checks
// the spendable total and decrements it without touching the pool columns.
func (s *Service) deductFallback(ctx context.Context, userID string, credits int) (int, error) {
	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if bal.CurrentBalance < credits {
		return 0, &InsufficientCreditsError{UserID: userID, Required: credits, Balance: bal.CurrentBalance}
	}
	bal.CurrentBalance -= credits
	bal.ConsumedThisMonth += credits
	bal.UpdatedAt = time.Now().UTC()
	if err := s.store.PutBalance(ctx, bal); err != nil {
		return 0, fmt.Errorf("flat deduction write for user %s: %w", userID, err)
	}
	return bal.CurrentBalance, nil
}

// Refund returns credits to userID and appends a refund transaction. The
// atomic path restores the subscription pool before the purchased pool and
// clamps the monthly consumption counter at zero. A refund that cannot be
// applied raises an operator alert because the user has paid for work that
// failed.
func (s *Service) Refund(ctx context.Context, userID string, credits int, operationType, reason string) (*RefundResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if credits < 1 {
		return nil, fmt.Errorf("refund credits must be positive, got %d", credits)
	}

	res := &RefundResult{UserID: userID, CreditsRefunded: credits}

	breakdown, err := s.store.RefundAtomic(ctx, userID, credits)
	switch {
	case err == nil:
		res.Breakdown = breakdown
		res.NewBalance = breakdown.RemainingBalance
		if bal, gerr := s.store.GetBalance(ctx, userID); gerr == nil && bal.ConsumedThisMonth < 0 {
			bal.ConsumedThisMonth = 0
			bal.UpdatedAt = time.Now().UTC()
			if perr := s.store.PutBalance(ctx, bal); perr != nil {
				s.logf("[WARN] consumption re-clamp failed for user=%s: %v", userID, perr)
			}
		}
	case errors.Is(err, ErrAtomicUnavailable):
		s.logf("[WARN] atomic refund unavailable for user=%s, using flat refund", userID)
		if s.metrics != nil {
			s.metrics.RecordFallback("refund")
		}
		s.emit(ctx, alerts.EventFallbackEngaged, "warning", userID,
			"atomic refund unavailable, flat refund applied",
			map[string]any{"operation": "refund", "credits": credits})
		newBalance, ferr := s.refundFallback(ctx, userID, credits)
		if ferr != nil {
			s.alertRefundFailure(ctx, userID, credits, reason, ferr)
			return nil, ferr
		}
		res.NewBalance = newBalance
		res.UsedFallback = true
	default:
		err = fmt.Errorf("atomic refund for user %s: %w", userID, err)
		s.alertRefundFailure(ctx, userID, credits, reason, err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordRefund(int64(credits))
	}

	tx := &Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          TransactionRefund,
		CreditsUsed:   credits,
		OperationType: operationType,
		Status:        StatusCompleted,
		Metadata: Metadata{
			Reason:    reason,
			Breakdown: res.Breakdown,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertTransaction(ctx, tx); err != nil {
		s.logf("[WARN] transaction log insert failed for user=%s: %v", userID, err)
		s.emit(ctx, alerts.EventTransactionLogFailed, "warning", userID,
			"refund applied but audit row insert failed",
			map[string]any{"credits": credits, "error": err.Error()})
	} else {
		res.TransactionID = tx.ID
	}

	s.logf("refund ok user=%s credits=%d balance=%d fallback=%t", userID, credits, res.NewBalance, res.UsedFallback)
	return res, nil
}

func (s *Service) refundFallback(ctx context.Context, userID string, credits int) (int, error) {
	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	bal.CurrentBalance += credits
	bal.ConsumedThisMonth -= credits
	if bal.ConsumedThisMonth < 0 {
		bal.ConsumedThisMonth = 0
	}
	bal.UpdatedAt = time.Now().UTC()
	if err := s.store.PutBalance(ctx, bal); err != nil {
		return 0, fmt.Errorf("flat refund write for user %s: %w", userID, err)
	}
	return bal.CurrentBalance, nil
}

func (s *Service) alertRefundFailure(ctx context.Context, userID string, credits int, reason string, cause error) {
	s.logf("[WARN] refund failed user=%s credits=%d: %v", userID, credits, cause)
	s.emit(ctx, alerts.EventRefundFailed, "critical", userID,
		"refund failed, manual intervention required",
		map[string]any{"credits": credits, "reason": reason, "error": cause.Error()})
}

// Add grants credits to userID. Allocation-flavoured transaction types top
// up the subscription pool; everything else tops up the purchased pool. The
// grant is unconditional and uses a read-modify-write because grants only
// ever race upward.
func (s *Service) Add(ctx context.Context, userID string, credits int, txType TransactionType, reason string) (*AddResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if credits < 1 {
		return nil, fmt.Errorf("credits to add must be positive, got %d", credits)
	}
	if !ValidTransactionType(txType) {
		return nil, fmt.Errorf("unknown transaction type %q", txType)
	}

	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	bal.CurrentBalance += credits
	if txType.creditsSubscriptionPool() {
		bal.SubscriptionBalance += credits
	} else {
		bal.PurchasedBalance += credits
	}
	bal.UpdatedAt = time.Now().UTC()
	if err := s.store.PutBalance(ctx, bal); err != nil {
		return nil, fmt.Errorf("credit grant write for user %s: %w", userID, err)
	}

	if s.metrics != nil {
		s.metrics.RecordAddition(int64(credits))
	}

	res := &AddResult{UserID: userID, CreditsAdded: credits, NewBalance: bal.CurrentBalance}
	tx := &Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        txType,
		CreditsUsed: credits,
		Status:      StatusCompleted,
		Metadata:    Metadata{Reason: reason},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertTransaction(ctx, tx); err != nil {
		s.logf("[WARN] transaction log insert failed for user=%s: %v", userID, err)
		s.emit(ctx, alerts.EventTransactionLogFailed, "warning", userID,
			"credit grant applied but audit row insert failed",
			map[string]any{"credits": credits, "error": err.Error()})
	} else {
		res.TransactionID = tx.ID
	}

	s.logf("add ok user=%s credits=%d type=%s balance=%d", userID, credits, txType, res.NewBalance)
	return res, nil
}

func providerExtra(provider string, usedFallback bool) map[string]any {
	if provider == "" && !usedFallback {
		return nil
	}
	extra := make(map[string]any, 2)
	if provider != "" {
		extra["provider"] = provider
	}
	if usedFallback {
		extra["fallback"] = true
	}
	return extra
}
