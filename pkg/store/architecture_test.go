package store_test

import (
	"slices"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

const modulePath = "github.com/mesh-intelligence/pipeline"

// backends are the record store implementations. Only the store factory
// and the backends themselves may import them outside of tests.
var backends = []string{
	modulePath + "/internal/badger",
	modulePath + "/internal/memstore",
	modulePath + "/internal/postgres",
	modulePath + "/internal/sqlite",
	modulePath + "/internal/sqlstore",
	modulePath + "/internal/storetest",
}

func loadModule(t *testing.T) []*packages.Package {
	t.Helper()
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, modulePath+"/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	return pkgs
}

func report(t *testing.T, what string, seen map[string]struct{}) {
	t.Helper()
	if len(seen) == 0 {
		return
	}
	violations := make([]string, 0, len(seen))
	for v := range seen {
		violations = append(violations, v)
	}
	sort.Strings(violations)
	for _, v := range violations {
		t.Errorf("forbidden import of %s: %s", what, v)
	}
	t.Fatalf("found %d forbidden imports of %s", len(violations), what)
}

func under(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// TestOnlyStoreFactoryImportsBackends keeps callers on the types.Store
// interface.
func TestOnlyStoreFactoryImportsBackends(t *testing.T) {
	seen := make(map[string]struct{})
	for _, pkg := range loadModule(t) {
		if pkg.PkgPath == modulePath+"/pkg/store" || slices.Contains(backends, pkg.PkgPath) {
			continue
		}
		for imp := range pkg.Imports {
			if slices.Contains(backends, imp) {
				seen[pkg.PkgPath+": "+imp] = struct{}{}
			}
		}
	}
	report(t, "record store backend", seen)
}

// TestPublicPackagesStayIndependent keeps pkg/ free of internal/ imports,
// apart from the store factory.
func TestPublicPackagesStayIndependent(t *testing.T) {
	seen := make(map[string]struct{})
	for _, pkg := range loadModule(t) {
		if !under(pkg.PkgPath, modulePath+"/pkg") || pkg.PkgPath == modulePath+"/pkg/store" {
			continue
		}
		for imp := range pkg.Imports {
			if under(imp, modulePath+"/internal") {
				seen[pkg.PkgPath+": "+imp] = struct{}{}
			}
		}
	}
	report(t, "internal package", seen)
}

// TestOnlyBlobPackageImportsS3 keeps the object store SDK behind blob.Store.
func TestOnlyBlobPackageImportsS3(t *testing.T) {
	const s3 = "github.com/aws/aws-sdk-go-v2"
	seen := make(map[string]struct{})
	for _, pkg := range loadModule(t) {
		if pkg.PkgPath == modulePath+"/internal/blob" {
			continue
		}
		for imp := range pkg.Imports {
			if under(imp, s3) {
				seen[pkg.PkgPath+": "+imp] = struct{}{}
			}
		}
	}
	report(t, "AWS SDK package", seen)
}
