package domain

// Delta is the signed change in reserved-away quantity for one product.
// Positive means less is available to other sessions.
type Delta struct {
	ProductID string `json:"productId"`
	Amount    int    `json:"amount"`
}

// Item is one (product, quantity) line held by a session.
type Item struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func ReserveDelta(productID string, oldQty, newQty int) Delta {
	return Delta{ProductID: productID, Amount: newQty - oldQty}
}

func ReleaseDelta(productID string, oldQty int) Delta {
	return Delta{ProductID: productID, Amount: -oldQty}
}

// TeardownDeltas returns one compensating delta per held item.
func TeardownDeltas(items []Item) []Delta {
	deltas := make([]Delta, 0, len(items))
	for _, it := range items {
		deltas = append(deltas, ReleaseDelta(it.ProductID, it.Quantity))
	}
	return deltas
}
