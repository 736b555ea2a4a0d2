package billing

import (
	"errors"
	"testing"
)

func TestLookupPackage(t *testing.T) {
	pkg, errLookup := LookupPackage("growth")
	if errLookup != nil {
		t.Fatalf("lookup growth: %v", errLookup)
	}
	if pkg.Credits != 500 || pkg.Currency != "USD" {
		t.Fatalf("unexpected growth package: %+v", pkg)
	}

	upper, errLookup := LookupPackage("  GROWTH ")
	if errLookup != nil {
		t.Fatalf("lookup should ignore case and whitespace: %v", errLookup)
	}
	if upper.Name != pkg.Name {
		t.Fatalf("expected same package, got %q and %q", upper.Name, pkg.Name)
	}

	if _, errLookup = LookupPackage("mega"); !errors.Is(errLookup, ErrUnknownPackage) {
		t.Fatalf("expected ErrUnknownPackage, got %v", errLookup)
	}
}

func TestPackagesAreOrderedBySize(t *testing.T) {
	packages := Packages()
	if len(packages) != 3 {
		t.Fatalf("expected 3 packages, got %d", len(packages))
	}
	for i := 1; i < len(packages); i++ {
		if packages[i].Credits <= packages[i-1].Credits {
			t.Fatalf("packages not ordered by credits: %+v", packages)
		}
	}
	for _, pkg := range packages {
		if pkg.Price.IsZero() || pkg.Price.IsNegative() {
			t.Fatalf("package %s has invalid price %s", pkg.Name, pkg.Price)
		}
	}
}
