package schemas

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PurchaseRequest is the immutable input of a single run.
type PurchaseRequest struct {
	BuyerID  string `json:"buyer_id"`
	Quantity int    `json:"quantity"`
	// OrderID links the run to a ledger entry. Empty for ad-hoc runs.
	OrderID string `json:"order_id,omitempty"`
}

// Validate checks the request before any browser resource is acquired.
func (r PurchaseRequest) Validate() error {
	if strings.TrimSpace(r.BuyerID) == "" {
		return fmt.Errorf("buyer identifier is required")
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be a positive integer, got %d", r.Quantity)
	}
	return nil
}

// ErrorKind classifies a failed run. The zero value means "no error" and
// encodes as JSON null.
type ErrorKind string

const (
	ErrKindNone                  ErrorKind = ""
	ErrKindBrowserConnection     ErrorKind = "browser_connection_failed"
	ErrKindNavigation            ErrorKind = "navigation_failed"
	ErrKindElementNotFound       ErrorKind = "element_not_found"
	ErrKindCaptchaUnsolved       ErrorKind = "captcha_unsolved"
	ErrKindOTPRequired           ErrorKind = "otp_required"
	ErrKindTransactionFailed     ErrorKind = "transaction_failed"
	ErrKindInfrastructureTimeout ErrorKind = "infrastructure_timeout"
	ErrKindSessionUnavailable    ErrorKind = "session_unavailable"
	ErrKindSessionExpired        ErrorKind = "session_expired"
	ErrKindConfigurationInvalid  ErrorKind = "configuration_invalid"
)

// Retriable reports whether the failure was caused by a scarce or flaky
// external resource rather than by the storefront flow itself.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrKindSessionUnavailable, ErrKindBrowserConnection, ErrKindInfrastructureTimeout, ErrKindSessionExpired:
		return true
	}
	return false
}

// MarshalJSON encodes the empty kind as null.
func (k ErrorKind) MarshalJSON() ([]byte, error) {
	if k == ErrKindNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(k))
}

// UnmarshalJSON accepts null as the empty kind.
func (k *ErrorKind) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*k = ErrKindNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ErrorKind(s)
	return nil
}

// AutomationResult is the only artifact that crosses the system boundary.
type AutomationResult struct {
	RunID       string    `json:"runId,omitempty"`
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	ErrorKind   ErrorKind `json:"errorKind"`
	FailedStep  string    `json:"failedStep,omitempty"`
	Screenshots []string  `json:"screenshots"`
	// ManualIntervention marks a terminal state that a human operator must finish.
	ManualIntervention bool `json:"manualIntervention,omitempty"`
	Retriable          bool `json:"retriable,omitempty"`
}

// ExitCode mirrors Success for CLI invocation.
func (r AutomationResult) ExitCode() int {
	if r.Success {
		return 0
	}
	return 1
}

// OrderStatus is the lifecycle state of a ledger order.
type OrderStatus string

const (
	OrderQueued        OrderStatus = "queued"
	OrderProcessing    OrderStatus = "processing"
	OrderCompleted     OrderStatus = "completed"
	OrderFailed        OrderStatus = "failed"
	OrderManualPending OrderStatus = "manual_pending"
)

// Retriable reports whether an order in this state may be queued again.
func (s OrderStatus) Retriable() bool {
	return s == OrderFailed || s == OrderManualPending
}

// StatusForResult maps a finished run onto the ledger lifecycle.
func StatusForResult(r AutomationResult) OrderStatus {
	switch {
	case r.Success:
		return OrderCompleted
	case r.ManualIntervention || r.ErrorKind == ErrKindOTPRequired:
		return OrderManualPending
	default:
		return OrderFailed
	}
}
