package domain

type ProductRestocked struct {
	ProductID string
	Added     int
	Amount    int
}
