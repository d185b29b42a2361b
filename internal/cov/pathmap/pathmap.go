// Package pathmap handles file-path canonicalization for multi-machine
// coverage data.
//
// Partial records flushed on different machines or in different checkouts
// may refer to the same source file under different path prefixes. The merge
// engine remaps aliased prefixes to one canonical prefix before unioning, so
// the same file never appears twice in a report.
//
// FindRoot and ModulePath locate the enclosing Go project (the directory
// holding go.mod) and its module path, which the CLI uses as the default
// canonical prefix and report title.
package pathmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// FindRoot walks up from dir to the nearest directory containing go.mod.
func FindRoot(dir string) (string, error) {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(cur, "go.mod")); err == nil {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no go.mod found above %s", dir)
		}
		cur = parent
	}
}

// ModulePath parses root's go.mod and returns the declared module path.
func ModulePath(root string) (string, error) {
	path := filepath.Join(root, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	mf, err := modfile.Parse(path, data, nil)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	if mf.Module == nil {
		return "", fmt.Errorf("%s declares no module path", path)
	}
	return mf.Module.Mod.Path, nil
}

// Mapper remaps aliased path prefixes onto one canonical prefix.
//
// The first matching alias wins and only the prefix is replaced; a path
// matching no alias is returned unchanged.
type Mapper struct {
	canonical string
	aliases   []string
}

// NewMapper builds a Mapper. The canonical prefix itself is implicitly an
// alias, so already-canonical paths pass through intact.
func NewMapper(canonical string, aliases ...string) *Mapper {
	return &Mapper{canonical: canonical, aliases: aliases}
}

// Remap rewrites path's prefix to the canonical one if any alias matches.
func (m *Mapper) Remap(path string) string {
	for _, alias := range m.aliases {
		if strings.HasPrefix(path, alias) {
			return m.canonical + path[len(alias):]
		}
	}
	return path
}
