package metrics

import (
	"sync"
	"time"
)

// Collector collects and exports metrics for Prometheus.
// This implementation uses manual metric tracking without external dependencies.
// For production, consider integrating prometheus/client_golang.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64 // current in-flight requests

	// Ledger operation metrics
	deductions        int64
	refunds           int64
	additions         int64
	insufficientHits  int64            // rejected deducts due to balance
	fallbackEngaged   map[string]int64 // non-atomic path engagements by operation
	creditsDeducted   int64            // total credits removed from balances
	creditsRefunded   int64            // total credits restored to balances
	creditsByProvider map[string]int64 // credits charged by provider

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		fallbackEngaged:    make(map[string]int64),
		creditsByProvider:  make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// RecordDeduction records a successful credit deduction.
func (c *Collector) RecordDeduction(credits int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deductions++
	c.creditsDeducted += credits
}

// RecordRefund records a successful credit refund.
func (c *Collector) RecordRefund(credits int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refunds++
	c.creditsRefunded += credits
}

// RecordAddition records a successful credit grant.
func (c *Collector) RecordAddition(credits int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.additions++
}

// RecordInsufficient records a deduct rejected for lack of balance.
func (c *Collector) RecordInsufficient() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.insufficientHits++
}

// RecordFallback records a ledger mutation that ran on the non-atomic
// fallback path.
func (c *Collector) RecordFallback(operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fallbackEngaged[operation]++
}

// RecordProviderCharge records credits charged against a provider.
func (c *Collector) RecordProviderCharge(provider string, credits int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if provider != "" {
		c.creditsByProvider[provider] += credits
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64
	Deductions         int64
	Refunds            int64
	Additions          int64
	InsufficientHits   int64
	FallbackEngaged    map[string]int64
	CreditsDeducted    int64
	CreditsRefunded    int64
	CreditsByProvider  map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),
		Deductions:         c.deductions,
		Refunds:            c.refunds,
		Additions:          c.additions,
		InsufficientHits:   c.insufficientHits,
		FallbackEngaged:    copyMap(c.fallbackEngaged),
		CreditsDeducted:    c.creditsDeducted,
		CreditsRefunded:    c.creditsRefunded,
		CreditsByProvider:  copyMap(c.creditsByProvider),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
