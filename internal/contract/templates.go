package contract

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// TemplateNames lists the built-in bundles.
func TemplateNames() []string {
	entries, err := fs.ReadDir(templateFS, "templates")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// TemplateSource returns the raw YAML of a built-in bundle.
func TemplateSource(name string) ([]byte, error) {
	raw, err := templateFS.ReadFile("templates/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("template %q not found (available: %s)", name, strings.Join(TemplateNames(), ", "))
	}
	return raw, nil
}

// LoadTemplate compiles a built-in bundle by name.
func LoadTemplate(name string) (*Bundle, error) {
	raw, err := TemplateSource(name)
	if err != nil {
		return nil, err
	}
	return Compile(raw)
}
