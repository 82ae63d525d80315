package app_test

import (
	"go/types"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyAppImportsDrivers ensures that storage and blob drivers are chosen
// in one place. Other packages depend on domain.DocumentStore and blob.Store.
func TestOnlyAppImportsDrivers(t *testing.T) {
	driverPrefixes := []string{
		"catalogcore/internal/infra/persistence/",
		"catalogcore/internal/infra/blob/",
	}
	allowed := append([]string{"catalogcore/internal/app"}, driverPrefixes...)

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "catalogcore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	seen := map[string]struct{}{}
	for _, pkg := range pkgs {
		if hasAnyPrefix(pkg.PkgPath, allowed) {
			continue
		}
		for importPath := range pkg.Imports {
			if hasAnyPrefix(importPath, driverPrefixes) {
				seen[pkg.PkgPath+": "+importPath] = struct{}{}
			}
		}
	}
	violations := make([]string, 0, len(seen))
	for v := range seen {
		violations = append(violations, v)
	}
	sort.Strings(violations)
	for _, v := range violations {
		t.Errorf("forbidden driver import: %s", v)
	}
}

// TestDocumentStoreImplementationsAreSanctioned guards against backends
// appearing outside the persistence tree.
func TestDocumentStoreImplementationsAreSanctioned(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes}
	pkgs, err := packages.Load(cfg, "catalogcore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	var store *types.Interface
	for _, p := range pkgs {
		if p.PkgPath != "catalogcore/pkg/domain" {
			continue
		}
		obj := p.Types.Scope().Lookup("DocumentStore")
		if obj == nil {
			t.Fatalf("domain.DocumentStore not found")
		}
		iface, ok := obj.Type().Underlying().(*types.Interface)
		if !ok {
			t.Fatalf("domain.DocumentStore is not an interface")
		}
		store = iface
	}
	if store == nil {
		t.Fatalf("failed to resolve domain.DocumentStore")
	}
	allowed := map[string]struct{}{
		"catalogcore/internal/infra/persistence/memory":   {},
		"catalogcore/internal/infra/persistence/mongo":    {},
		"catalogcore/internal/infra/persistence/sqlite":   {},
		"catalogcore/internal/infra/persistence/postgres": {},
	}
	var unexpected []string
	for _, p := range pkgs {
		if p.Types == nil {
			continue
		}
		scope := p.Types.Scope()
		for _, name := range scope.Names() {
			named, ok := scope.Lookup(name).Type().(*types.Named)
			if !ok {
				continue
			}
			if _, ok := named.Underlying().(*types.Struct); !ok {
				continue
			}
			if !types.Implements(types.NewPointer(named), store) {
				continue
			}
			if _, ok := allowed[p.PkgPath]; !ok {
				unexpected = append(unexpected, p.PkgPath+"."+name)
			}
		}
	}
	sort.Strings(unexpected)
	for _, u := range unexpected {
		t.Errorf("unexpected DocumentStore implementation: %s", u)
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
