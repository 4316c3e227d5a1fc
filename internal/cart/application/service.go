package application

import (
	"log/slog"
	"sync"

	"github.com/dmehra2102/cart-reservation/internal/cart/domain"
)

// AddQuantity is what "add to cart" reserves.
const AddQuantity = 1

// Service drives the ledger for one process. Every mutation and the
// broadcast of its delta happen under one lock, so observers receive deltas
// in ledger-mutation order.
type Service struct {
	log    *slog.Logger
	mu     sync.Mutex
	ledger *domain.Ledger
	view   *domain.AvailabilityView
	out    Broadcaster
}

func NewService(log *slog.Logger, ledger *domain.Ledger, out Broadcaster) *Service {
	return &Service{
		log:    log,
		ledger: ledger,
		view:   domain.NewAvailabilityView(ledger),
		out:    out,
	}
}

func (s *Service) Connect(sessionID string) {
	s.Join(sessionID, func() {})
}

// Join opens sessionID and runs attach while no delta can be broadcast.
// Availability read inside attach is exactly the state that the next
// broadcast delta applies to.
func (s *Service) Join(sessionID string, attach func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger.CreateSession(sessionID)
	attach()
	s.log.Info("session connected", "session_id", sessionID)
}

// Disconnect tears the session down and hands its held stock back to
// everyone else.
func (s *Service) Disconnect(sessionID string) []domain.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := s.ledger.DestroySession(sessionID)
	s.broadcast(sessionID, deltas...)
	s.log.Info("session disconnected", "session_id", sessionID, "released", len(deltas))
	return deltas
}

func (s *Service) Add(sessionID, productID string) (domain.Delta, error) {
	return s.Reserve(sessionID, productID, AddQuantity)
}

func (s *Service) Reserve(sessionID, productID string, qty int) (domain.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.ledger.Reserve(sessionID, productID, qty)
	if err != nil {
		return domain.Delta{}, err
	}
	s.broadcast(sessionID, d)
	return d, nil
}

func (s *Service) Release(sessionID, productID string) (domain.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.ledger.Release(sessionID, productID)
	if err != nil {
		return domain.Delta{}, err
	}
	s.broadcast(sessionID, d)
	return d, nil
}

func (s *Service) Snapshot(sessionID string) ([]domain.Item, error) {
	if !s.ledger.HasSession(sessionID) {
		return nil, &domain.LedgerError{Kind: domain.ErrUnknownSession, SessionID: sessionID}
	}
	return s.ledger.Snapshot(sessionID), nil
}

// BeginCheckout returns what the session holds and freezes it until
// Settle or AbortCheckout, so the same reservation cannot be sold twice and
// nothing reserved meanwhile is lost.
func (s *Service) BeginCheckout(sessionID string) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ledger.BeginCheckout(sessionID)
}

func (s *Service) AbortCheckout(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger.EndCheckout(sessionID)
}

// Settle removes the sold lines after they were committed to the store and
// broadcasts their release. The session stays connected.
func (s *Service) Settle(sessionID string, sold []domain.Item) []domain.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := s.ledger.Settle(sessionID, sold)
	s.broadcast(sessionID, deltas...)
	return deltas
}

func (s *Service) Available(productID string, baseAmount int) int {
	return s.view.Available(productID, baseAmount)
}

func (s *Service) broadcast(origin string, deltas ...domain.Delta) {
	for _, d := range deltas {
		if d.Amount == 0 {
			continue
		}
		s.out.Broadcast(origin, d)
	}
}
