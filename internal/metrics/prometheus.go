package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	// Process uptime
	sb.WriteString("# HELP credits_uptime_seconds Time since the credits service started\n")
	sb.WriteString("# TYPE credits_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("credits_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	// Total requests by endpoint
	sb.WriteString("# HELP credits_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE credits_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		count := snap.TotalRequests[endpoint]
		sb.WriteString(fmt.Sprintf("credits_requests_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request errors by endpoint
	sb.WriteString("# HELP credits_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE credits_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		count := snap.RequestErrors[endpoint]
		sb.WriteString(fmt.Sprintf("credits_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Requests in progress
	sb.WriteString("# HELP credits_requests_in_progress Current number of requests being processed\n")
	sb.WriteString("# TYPE credits_requests_in_progress gauge\n")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		count := snap.RequestsInProgress[endpoint]
		if count > 0 { // Only show active endpoints
			sb.WriteString(fmt.Sprintf("credits_requests_in_progress{endpoint=\"%s\"} %d\n", endpoint, count))
		}
	}
	sb.WriteString("\n")

	// Request duration
	sb.WriteString("# HELP credits_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE credits_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		duration := snap.TotalRequestsDur[endpoint]
		sb.WriteString(fmt.Sprintf("credits_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, duration))
	}
	sb.WriteString("\n")

	// Ledger operation counts
	sb.WriteString("# HELP credits_deductions_total Total successful credit deductions\n")
	sb.WriteString("# TYPE credits_deductions_total counter\n")
	sb.WriteString(fmt.Sprintf("credits_deductions_total %d\n", snap.Deductions))
	sb.WriteString("\n")

	sb.WriteString("# HELP credits_refunds_total Total successful credit refunds\n")
	sb.WriteString("# TYPE credits_refunds_total counter\n")
	sb.WriteString(fmt.Sprintf("credits_refunds_total %d\n", snap.Refunds))
	sb.WriteString("\n")

	sb.WriteString("# HELP credits_additions_total Total successful credit grants\n")
	sb.WriteString("# TYPE credits_additions_total counter\n")
	sb.WriteString(fmt.Sprintf("credits_additions_total %d\n", snap.Additions))
	sb.WriteString("\n")

	sb.WriteString("# HELP credits_insufficient_total Deductions rejected for insufficient balance\n")
	sb.WriteString("# TYPE credits_insufficient_total counter\n")
	sb.WriteString(fmt.Sprintf("credits_insufficient_total %d\n", snap.InsufficientHits))
	sb.WriteString("\n")

	// Degraded-path engagements
	sb.WriteString("# HELP credits_fallback_engaged_total Ledger mutations that ran on the non-atomic fallback path\n")
	sb.WriteString("# TYPE credits_fallback_engaged_total counter\n")
	for _, op := range sortedKeys(snap.FallbackEngaged) {
		count := snap.FallbackEngaged[op]
		sb.WriteString(fmt.Sprintf("credits_fallback_engaged_total{operation=\"%s\"} %d\n", op, count))
	}
	sb.WriteString("\n")

	// Credit volume
	sb.WriteString("# HELP credits_deducted_total Total credits removed from user balances\n")
	sb.WriteString("# TYPE credits_deducted_total counter\n")
	sb.WriteString(fmt.Sprintf("credits_deducted_total %d\n", snap.CreditsDeducted))
	sb.WriteString("\n")

	sb.WriteString("# HELP credits_refunded_total Total credits restored to user balances\n")
	sb.WriteString("# TYPE credits_refunded_total counter\n")
	sb.WriteString(fmt.Sprintf("credits_refunded_total %d\n", snap.CreditsRefunded))
	sb.WriteString("\n")

	// Credits by provider
	sb.WriteString("# HELP credits_by_provider_total Credits charged by upstream provider\n")
	sb.WriteString("# TYPE credits_by_provider_total counter\n")
	for _, provider := range sortedKeys(snap.CreditsByProvider) {
		count := snap.CreditsByProvider[provider]
		sb.WriteString(fmt.Sprintf("credits_by_provider_total{provider=\"%s\"} %d\n", provider, count))
	}
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
