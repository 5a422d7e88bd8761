package storage

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestDriverSDKsStayBehindTheirStores ensures storage and archive driver SDKs
// are imported only by the package that wraps them. Everything else must
// depend on the domain.KeyValueStore / archive.Store interfaces instead.
func TestDriverSDKsStayBehindTheirStores(t *testing.T) {
	homes := map[string]string{
		"modernc.org/sqlite":           "cartcore/internal/storage/sqlite",
		"github.com/jackc/pgx":         "cartcore/internal/storage/postgres",
		"github.com/fsnotify/fsnotify": "cartcore/internal/storage/file",
		"github.com/aws/aws-sdk-go-v2": "cartcore/internal/archive",
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "cartcore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			for sdk, home := range homes {
				if !isSDKImport(importPath, sdk) {
					continue
				}
				if strings.HasPrefix(pkg.PkgPath, home) {
					continue
				}
				seen[pkg.PkgPath+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden driver SDK import: %s", v)
		}
		t.Fatalf("found %d forbidden driver SDK imports", len(violations))
	}
}

func isSDKImport(importPath, sdk string) bool {
	return importPath == sdk || strings.HasPrefix(importPath, sdk+"/")
}
