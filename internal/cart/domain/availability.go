package domain

type ReservedTotals interface {
	ReservedAcrossAllSessions(productID string) int
}

// AvailabilityView derives display availability from the ledger. It is a
// read-only projection and does not gate reservations; oversubscription is
// only rejected at checkout against persisted stock.
type AvailabilityView struct {
	totals ReservedTotals
}

func NewAvailabilityView(totals ReservedTotals) *AvailabilityView {
	return &AvailabilityView{totals: totals}
}

func (v *AvailabilityView) Available(productID string, baseAmount int) int {
	return baseAmount - v.totals.ReservedAcrossAllSessions(productID)
}
