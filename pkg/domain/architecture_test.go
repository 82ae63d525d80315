package domain

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestDomainImportsOnlyStandardLibrary keeps the domain layer free of
// catalog internals and third-party code so every backend can depend on it.
func TestDomainImportsOnlyStandardLibrary(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "catalogcore/pkg/domain")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected one package, got %d", len(pkgs))
	}
	var violations []string
	for path := range pkgs[0].Imports {
		if !isStandardLibrary(path) {
			violations = append(violations, path)
		}
	}
	sort.Strings(violations)
	for _, v := range violations {
		t.Errorf("domain package must only import the standard library: %s", v)
	}
}

// isStandardLibrary treats paths whose first element has no dot as standard
// library, the rule the go command itself applies. The module path is the
// exception.
func isStandardLibrary(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return first != "catalogcore" && !strings.Contains(first, ".")
}
