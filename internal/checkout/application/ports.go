package application

import cartdomain "github.com/dmehra2102/cart-reservation/internal/cart/domain"

// Cart is the slice of the cart service checkout needs. BeginCheckout
// freezes the session; exactly one of Settle or AbortCheckout must follow.
type Cart interface {
	BeginCheckout(sessionID string) ([]cartdomain.Item, error)
	AbortCheckout(sessionID string)
	Settle(sessionID string, sold []cartdomain.Item) []cartdomain.Delta
}
