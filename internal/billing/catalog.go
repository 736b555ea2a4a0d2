package billing

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// CatalogVersion identifies the active package table. Bump when prices or
// package contents change so completed purchases stay attributable.
const CatalogVersion = "2026-08"

// ErrUnknownPackage is returned when a package name is not in the catalog.
var ErrUnknownPackage = errors.New("billing: unknown package")

// CreditPackage is one purchasable credit bundle.
type CreditPackage struct {
	Name     string          `json:"name"`     // Catalog key.
	Credits  int64           `json:"credits"`  // Credits granted on completion.
	Price    decimal.Decimal `json:"price"`    // Checkout price.
	Currency string          `json:"currency"` // ISO currency code.
}

// catalog is the fixed package table. Order is the display order.
var catalog = []CreditPackage{
	{Name: "starter", Credits: 100, Price: decimal.NewFromInt(29), Currency: "USD"},
	{Name: "growth", Credits: 500, Price: decimal.NewFromInt(119), Currency: "USD"},
	{Name: "scale", Credits: 2000, Price: decimal.NewFromInt(399), Currency: "USD"},
}

// Packages returns a copy of the catalog.
func Packages() []CreditPackage {
	out := make([]CreditPackage, len(catalog))
	copy(out, catalog)
	return out
}

// LookupPackage finds a package by name, case-insensitively.
func LookupPackage(name string) (CreditPackage, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, pkg := range catalog {
		if pkg.Name == needle {
			return pkg, nil
		}
	}
	return CreditPackage{}, ErrUnknownPackage
}
