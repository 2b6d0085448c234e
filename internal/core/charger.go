package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jewwiid/preset-credits/internal/ledger"
	"github.com/jewwiid/preset-credits/internal/pricing"
)

// GenerationRequest describes one paid generation job.
type GenerationRequest struct {
	UserID          string `json:"user_id"`
	Provider        string `json:"provider"`
	Units           int    `json:"units,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
}

// GenerationResult is what a provider runner returns on success.
type GenerationResult struct {
	OutputURL string         `json:"output_url,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// Runner executes a generation job against an upstream provider.
type Runner interface {
	Run(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req GenerationRequest) (*GenerationResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	return f(ctx, req)
}

// ChargeOutcome bundles the generation result with its billing record.
type ChargeOutcome struct {
	Result          *GenerationResult `json:"result,omitempty"`
	CreditsCharged  int               `json:"credits_charged"`
	CreditsRefunded int               `json:"credits_refunded,omitempty"`
	TransactionID   string            `json:"transaction_id,omitempty"`
}

// Charger orchestrates the charge-then-generate flow: price the job, verify
// the balance, deduct, run the provider, and refund when the provider fails
// after credits were taken.
type Charger struct {
	table  *pricing.Table
	ledger *ledger.Service
	runner Runner
	logger *log.Logger
}

// NewCharger wires a Charger.
func NewCharger(table *pricing.Table, svc *ledger.Service, runner Runner) *Charger {
	return &Charger{
		table:  table,
		ledger: svc,
		runner: runner,
		logger: log.New(log.Writer(), "[credits/charger] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (c *Charger) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

func (c *Charger) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// ChargeImageGeneration prices an image job by unit count and runs it.
func (c *Charger) ChargeImageGeneration(ctx context.Context, req GenerationRequest) (*ChargeOutcome, error) {
	units := req.Units
	if units == 0 {
		units = 1
	}
	cost, err := c.table.CostFor(pricing.Provider(req.Provider), units)
	if err != nil {
		return nil, err
	}
	return c.charge(ctx, req, cost, "image_generation")
}

// ChargeVideoGeneration prices a video job by duration and resolution and
// runs it.
func (c *Charger) ChargeVideoGeneration(ctx context.Context, req GenerationRequest) (*ChargeOutcome, error) {
	cost, err := c.table.VideoGenerationCost(pricing.Provider(req.Provider), req.DurationSeconds, req.Resolution)
	if err != nil {
		return nil, err
	}
	return c.charge(ctx, req, cost, "video_generation")
}

func (c *Charger) charge(ctx context.Context, req GenerationRequest, cost int, operation string) (*ChargeOutcome, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if c.runner == nil {
		return nil, errors.New("no provider runner configured")
	}

	check, err := c.ledger.ValidateBalance(ctx, userID, cost)
	if err != nil {
		return nil, err
	}
	if !check.Sufficient {
		return nil, &ledger.InsufficientCreditsError{UserID: userID, Required: cost, Balance: check.CurrentBalance}
	}

	deduction, err := c.ledger.Deduct(ctx, userID, cost, operation, req.Provider)
	if err != nil {
		return nil, err
	}

	outcome := &ChargeOutcome{CreditsCharged: cost, TransactionID: deduction.TransactionID}
	result, err := c.runner.Run(ctx, req)
	reason := ""
	switch {
	case err != nil:
		reason = fmt.Sprintf("%s failed: %v", operation, err)
	case result == nil:
		// A nil result with a nil error is still a failed generation; the
		// user must not pay for it.
		err = errors.New("provider returned an empty result")
		reason = "empty_result"
	}
	if err != nil {
		c.logf("[WARN] %s failed for user=%s provider=%s, refunding %d credits: %v",
			operation, userID, req.Provider, cost, err)
		if _, rerr := c.ledger.Refund(ctx, userID, cost, operation, reason); rerr != nil {
			return nil, fmt.Errorf("%s failed and refund of %d credits also failed: %w", operation, cost, rerr)
		}
		outcome.CreditsRefunded = cost
		return outcome, fmt.Errorf("%s: %w", operation, err)
	}

	outcome.Result = result
	c.logf("%s ok user=%s provider=%s credits=%d", operation, userID, req.Provider, cost)
	return outcome, nil
}
