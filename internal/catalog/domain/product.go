package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidProduct  = errors.New("product not valid")
)

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ImagePath   string    `json:"imagePath"`
	PriceCents  int64     `json:"priceCents"`
	Amount      int       `json:"amount"`
	Rating      int       `json:"rating"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Listing is a product as shown to shoppers: Available already accounts for
// every open cart.
type Listing struct {
	Product
	Available int `json:"available"`
}

// ProductChanges is a partial edit; nil fields are left untouched.
type ProductChanges struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	ImagePath   *string `json:"imagePath"`
	PriceCents  *int64  `json:"priceCents"`
	Amount      *int    `json:"amount"`
	Rating      *int    `json:"rating"`
}

var alnum = regexp.MustCompile(`^[A-Za-z0-9]+$`)

func (p Product) Validate() error {
	switch {
	case len(p.Name) < 1 || len(p.Name) > 30 || !alnum.MatchString(p.Name):
		return invalid("name must be 1-30 alphanumeric characters")
	case p.Description == "":
		return invalid("description is required")
	case len(p.ImagePath) < 1 || len(p.ImagePath) > 30:
		return invalid("imagePath must be 1-30 characters")
	case p.PriceCents < 1:
		return invalid("price must be at least 1")
	case p.Rating < 1:
		return invalid("rating must be at least 1")
	case p.Amount < 0:
		return invalid("amount must not be negative")
	}
	return nil
}

func (p Product) Apply(c ProductChanges) Product {
	if c.Name != nil {
		p.Name = *c.Name
	}
	if c.Description != nil {
		p.Description = *c.Description
	}
	if c.ImagePath != nil {
		p.ImagePath = *c.ImagePath
	}
	if c.PriceCents != nil {
		p.PriceCents = *c.PriceCents
	}
	if c.Amount != nil {
		p.Amount = *c.Amount
	}
	if c.Rating != nil {
		p.Rating = *c.Rating
	}
	return p
}

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return ErrInvalidProduct.Error() + ": " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidProduct }

func invalid(reason string) error { return &ValidationError{Reason: reason} }

var ErrInsufficientStock = errors.New("insufficient stock")

// StockError names the product a stock operation failed on.
type StockError struct {
	Kind      error
	ProductID string
	Requested int
	InStock   int
}

func (e *StockError) Error() string {
	if e.Kind == ErrInsufficientStock {
		return fmt.Sprintf("%s: product=%s requested=%d in_stock=%d", e.Kind, e.ProductID, e.Requested, e.InStock)
	}
	return fmt.Sprintf("%s: product=%s", e.Kind, e.ProductID)
}

func (e *StockError) Is(target error) bool { return target == e.Kind }

// StockLine is a quantity to take out of (or put into) one product's stock.
type StockLine struct {
	ProductID string
	Quantity  int
}
