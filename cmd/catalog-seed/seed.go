package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dmehra2102/cart-reservation/internal/catalog/domain"
)

// Seed is the YAML document accepted by the products command.
type Seed struct {
	Products []SeedProduct `yaml:"products"`
}

type SeedProduct struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	ImagePath   string `yaml:"image"`
	PriceCents  int64  `yaml:"price_cents"`
	Amount      int    `yaml:"amount"`
	Rating      int    `yaml:"rating"`
}

func (p SeedProduct) Product() domain.Product {
	return domain.Product{
		Name:        p.Name,
		Description: p.Description,
		ImagePath:   p.ImagePath,
		PriceCents:  p.PriceCents,
		Amount:      p.Amount,
		Rating:      p.Rating,
	}
}

// LoadSeed parses path, rejecting unknown keys and products that would
// fail catalog validation.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(seed.Products) == 0 {
		return nil, fmt.Errorf("seed file %s lists no products", path)
	}
	for i, p := range seed.Products {
		if err := p.Product().Validate(); err != nil {
			return nil, fmt.Errorf("product %d (%s): %w", i, p.Name, err)
		}
	}
	return &seed, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
