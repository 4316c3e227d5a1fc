package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrNoSuchReservation = errors.New("no such reservation")
	// ErrCheckoutInProgress rejects changes to a session whose reservations
	// are being committed.
	ErrCheckoutInProgress = errors.New("checkout in progress")
)

// LedgerError reports which session (and product, when relevant) a ledger
// operation was rejected for.
type LedgerError struct {
	Kind      error
	SessionID string
	ProductID string
}

func (e *LedgerError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("%s: session=%s product=%s", e.Kind, e.SessionID, e.ProductID)
	}
	return fmt.Sprintf("%s: session=%s", e.Kind, e.SessionID)
}

func (e *LedgerError) Is(target error) bool { return target == e.Kind }

func (e *LedgerError) Unwrap() error { return e.Kind }
