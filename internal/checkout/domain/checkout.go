package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrProductNotFound       = errors.New("product not found")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrTransactionTimeout    = errors.New("checkout transaction timed out")
	ErrStoreUnavailable      = errors.New("product store unavailable")
)

// Error is returned for every failed checkout. Kind is one of the Err*
// sentinels above; ProductID is set when a single product caused it.
type Error struct {
	Kind      error
	SessionID string
	ProductID string
	Requested int
	InStock   int
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("checkout %s: %s", e.SessionID, e.Kind)
	if e.ProductID != "" {
		msg += " (product=" + e.ProductID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same checkout may succeed if tried again
// unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == ErrTransactionTimeout || e.Kind == ErrStoreUnavailable
}

type Line struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CheckoutCompleted struct {
	CheckoutID  string    `json:"checkoutId"`
	SessionID   string    `json:"sessionId"`
	Lines       []Line    `json:"lines"`
	CompletedAt time.Time `json:"completedAt"`
}
