// Package catalog resolves product identifiers to priced products. The
// catalog itself is owned elsewhere; this package only consumes it through
// the Resolver interface so the ordering path can capture unit prices at
// submission time.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
)

// Product is one orderable entry with its price captured in integer cents.
type Product struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Currency       string `json:"currency"`
}

// Resolver looks up a product by its identifier.
type Resolver interface {
	Resolve(ctx context.Context, productID string) (Product, error)
}

// Static is an in-memory Resolver backed by a fixed product set.
type Static struct {
	products map[string]Product
}

var _ Resolver = (*Static)(nil)

// NewStatic builds a Static resolver from the provided products. Later
// entries with a duplicate ID replace earlier ones.
func NewStatic(products []Product) *Static {
	indexed := make(map[string]Product, len(products))
	for _, product := range products {
		indexed[product.ID] = product
	}
	return &Static{products: indexed}
}

// Resolve returns the product for productID.
func (s *Static) Resolve(_ context.Context, productID string) (Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return Product{}, apperrors.New(apperrors.CodeRoundUnknownProduct,
			fmt.Sprintf("unknown product %q", productID))
	}
	return product, nil
}

// Len reports the number of products in the catalog.
func (s *Static) Len() int {
	return len(s.products)
}

// LoadFile reads a JSON product list from path and returns a Static
// resolver over it. Products missing an ID or carrying a non-positive
// price are rejected.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	for _, product := range products {
		if product.ID == "" {
			return nil, fmt.Errorf("catalog file %s: product with empty id", path)
		}
		if product.UnitPriceCents <= 0 {
			return nil, fmt.Errorf("catalog file %s: product %q has non-positive price", path, product.ID)
		}
	}
	return NewStatic(products), nil
}
