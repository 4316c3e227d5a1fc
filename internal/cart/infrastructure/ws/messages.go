package ws

import (
	"errors"

	cartdomain "github.com/dmehra2102/cart-reservation/internal/cart/domain"
	catalogdomain "github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	checkoutdomain "github.com/dmehra2102/cart-reservation/internal/checkout/domain"
)

// Client actions.
const (
	ActionAddToCart      = "add to cart"
	ActionRemoveFromCart = "remove from cart"
	ActionUpdateInCart   = "update product in cart"
	ActionCheckout       = "checkout"
)

// Server events.
const (
	EventConnected      = "connected"
	EventUpdateInClient = "update product in client"
	EventCheckout       = "checkout"
	EventCartUpdated    = "cart updated"
	EventError          = "error"
)

type inbound struct {
	Action    string `json:"action"`
	ProductID string `json:"productId"`
	Amount    *int   `json:"amount,omitempty"`
}

type Outbound struct {
	Event     string                  `json:"event"`
	SessionID string                  `json:"sessionId,omitempty"`
	ProductID string                  `json:"productId,omitempty"`
	Amount    int                     `json:"amount,omitempty"`
	Products  []catalogdomain.Listing `json:"products,omitempty"`
	Sold      []catalogdomain.Product `json:"sold,omitempty"`
	Items     []cartdomain.Item       `json:"items,omitempty"`
	Error     *ErrorBody              `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind      string `json:"kind"`
	ProductID string `json:"productId,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func deltaEvent(d cartdomain.Delta) Outbound {
	return Outbound{Event: EventUpdateInClient, ProductID: d.ProductID, Amount: d.Amount}
}

func errorEvent(err error) Outbound {
	body := &ErrorBody{Kind: "internal", Message: err.Error()}

	var cerr *checkoutdomain.Error
	var lerr *cartdomain.LedgerError
	switch {
	case errors.As(err, &cerr):
		body.Kind = cerr.Kind.Error()
		body.ProductID = cerr.ProductID
		body.Retryable = cerr.Retryable()
	case errors.As(err, &lerr):
		body.Kind = lerr.Kind.Error()
		body.ProductID = lerr.ProductID
	case errors.Is(err, errBadRequest):
		body.Kind = "invalid request"
	}
	return Outbound{Event: EventError, Error: body}
}

var errBadRequest = errors.New("invalid request")
