package domain

import (
	"maps"
	"slices"
	"sync"
)

// Ledger holds every live session's tentative reservations in memory.
//
// A session's map never contains zero-quantity entries: reserving 0 removes
// the entry. totals mirrors the sum over all sessions per product and is
// updated on every mutation, so ReservedAcrossAllSessions does not scan.
//
// A session in checkout is frozen: Reserve, Release and a second
// BeginCheckout fail with ErrCheckoutInProgress until Settle or EndCheckout.
type Ledger struct {
	mu          sync.RWMutex
	carts       map[string]map[string]int
	totals      map[string]int
	checkingOut map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		carts:       make(map[string]map[string]int),
		totals:      make(map[string]int),
		checkingOut: make(map[string]struct{}),
	}
}

// CreateSession is a no-op when the session already exists.
func (l *Ledger) CreateSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.carts[sessionID]; !ok {
		l.carts[sessionID] = make(map[string]int)
	}
}

func (l *Ledger) HasSession(sessionID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.carts[sessionID]
	return ok
}

// Reserve sets the session's quantity for productID to qty and returns the
// change against the previous quantity.
func (l *Ledger) Reserve(sessionID, productID string, qty int) (Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cart, ok := l.carts[sessionID]
	if !ok {
		return Delta{}, &LedgerError{Kind: ErrUnknownSession, SessionID: sessionID, ProductID: productID}
	}
	if l.frozen(sessionID) {
		return Delta{}, &LedgerError{Kind: ErrCheckoutInProgress, SessionID: sessionID, ProductID: productID}
	}

	old := cart[productID]
	if qty == 0 {
		delete(cart, productID)
	} else {
		cart[productID] = qty
	}
	l.adjust(productID, qty-old)
	return ReserveDelta(productID, old, qty), nil
}

func (l *Ledger) Release(sessionID, productID string) (Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cart, ok := l.carts[sessionID]
	if !ok {
		return Delta{}, &LedgerError{Kind: ErrUnknownSession, SessionID: sessionID, ProductID: productID}
	}
	if l.frozen(sessionID) {
		return Delta{}, &LedgerError{Kind: ErrCheckoutInProgress, SessionID: sessionID, ProductID: productID}
	}
	old, ok := cart[productID]
	if !ok {
		return Delta{}, &LedgerError{Kind: ErrNoSuchReservation, SessionID: sessionID, ProductID: productID}
	}

	delete(cart, productID)
	l.adjust(productID, -old)
	return ReleaseDelta(productID, old), nil
}

// Clear drops every reservation of the session, keeping the session itself
// alive. Unknown sessions yield no deltas.
func (l *Ledger) Clear(sessionID string) []Delta {
	l.mu.Lock()
	defer l.mu.Unlock()

	cart, ok := l.carts[sessionID]
	if !ok {
		return nil
	}
	deltas := l.drain(cart)
	l.carts[sessionID] = make(map[string]int)
	return deltas
}

// DestroySession clears the session and removes its entry.
func (l *Ledger) DestroySession(sessionID string) []Delta {
	l.mu.Lock()
	defer l.mu.Unlock()

	cart, ok := l.carts[sessionID]
	if !ok {
		return nil
	}
	deltas := l.drain(cart)
	delete(l.carts, sessionID)
	delete(l.checkingOut, sessionID)
	return deltas
}

// BeginCheckout freezes the session and returns what it holds.
func (l *Ledger) BeginCheckout(sessionID string) ([]Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cart, ok := l.carts[sessionID]
	if !ok {
		return nil, &LedgerError{Kind: ErrUnknownSession, SessionID: sessionID}
	}
	if l.frozen(sessionID) {
		return nil, &LedgerError{Kind: ErrCheckoutInProgress, SessionID: sessionID}
	}
	l.checkingOut[sessionID] = struct{}{}
	return snapshotOf(cart), nil
}

// EndCheckout unfreezes the session without touching its reservations.
func (l *Ledger) EndCheckout(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.checkingOut, sessionID)
}

// Settle removes the sold quantities from the session, unfreezes it and
// returns one negative delta per line actually removed. A session destroyed
// while its checkout ran yields no deltas: its teardown already released them.
func (l *Ledger) Settle(sessionID string, sold []Item) []Delta {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.checkingOut, sessionID)
	cart, ok := l.carts[sessionID]
	if !ok {
		return nil
	}

	deltas := make([]Delta, 0, len(sold))
	for _, it := range sold {
		held := cart[it.ProductID]
		taken := min(held, it.Quantity)
		if taken <= 0 {
			continue
		}
		if held == taken {
			delete(cart, it.ProductID)
		} else {
			cart[it.ProductID] = held - taken
		}
		l.adjust(it.ProductID, -taken)
		deltas = append(deltas, ReleaseDelta(it.ProductID, taken))
	}
	return deltas
}

// Snapshot returns the session's items ordered by product id.
func (l *Ledger) Snapshot(sessionID string) []Item {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return snapshotOf(l.carts[sessionID])
}

func (l *Ledger) ReservedAcrossAllSessions(productID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.totals[productID]
}

func (l *Ledger) Sessions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.carts)
}

// frozen must be called with l.mu held.
func (l *Ledger) frozen(sessionID string) bool {
	_, ok := l.checkingOut[sessionID]
	return ok
}

func (l *Ledger) drain(cart map[string]int) []Delta {
	items := snapshotOf(cart)
	for _, it := range items {
		l.adjust(it.ProductID, -it.Quantity)
	}
	return TeardownDeltas(items)
}

func (l *Ledger) adjust(productID string, by int) {
	if by == 0 {
		return
	}
	total := l.totals[productID] + by
	if total == 0 {
		delete(l.totals, productID)
		return
	}
	l.totals[productID] = total
}

func snapshotOf(cart map[string]int) []Item {
	items := make([]Item, 0, len(cart))
	for _, id := range slices.Sorted(maps.Keys(cart)) {
		items = append(items, Item{ProductID: id, Quantity: cart[id]})
	}
	return items
}
