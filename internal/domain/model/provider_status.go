package model

import "strings"

// ProviderStatus is the closed set of outcomes the provider can report for an order.
type ProviderStatus string

const (
	ProviderStatusPaid     ProviderStatus = "paid"
	ProviderStatusFailed   ProviderStatus = "failed"
	ProviderStatusRefunded ProviderStatus = "refunded"
	ProviderStatusPending  ProviderStatus = "pending"
)

// ParseProviderStatusCode maps the provider's wire code to a ProviderStatus.
// Unknown codes map to pending with ok=false so callers can log them distinctly.
func ParseProviderStatusCode(code string) (ProviderStatus, bool) {
	switch strings.TrimSpace(code) {
	case "1":
		return ProviderStatusPaid, true
	case "0":
		return ProviderStatusFailed, true
	case "3":
		return ProviderStatusRefunded, true
	}
	return ProviderStatusPending, false
}

// PaymentStatus is the ledger status this provider outcome drives towards.
func (s ProviderStatus) PaymentStatus() PaymentStatus {
	switch s {
	case ProviderStatusPaid:
		return PaymentStatusSucceeded
	case ProviderStatusFailed:
		return PaymentStatusFailed
	case ProviderStatusRefunded:
		return PaymentStatusRefunded
	}
	return PaymentStatusPending
}
