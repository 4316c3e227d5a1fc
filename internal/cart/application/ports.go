package application

import "github.com/dmehra2102/cart-reservation/internal/cart/domain"

// Broadcaster fans a delta out to every live session except exclude.
// Implementations must not block.
type Broadcaster interface {
	Broadcast(exclude string, d domain.Delta)
}
