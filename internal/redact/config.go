package redact

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxFieldBytes caps one serialized field in an audit record.
const DefaultMaxFieldBytes = 32 * 1024

// Config adds operator rules to the built-in ones. It is embedded in the
// runtime config under `redact:`.
type Config struct {
	ExtraKeys     []string          `yaml:"extra_keys"`
	ExtraPatterns []ExtraPatternDef `yaml:"extra_patterns"`
	MaxFieldBytes int               `yaml:"max_field_bytes"`
}

// ExtraPatternDef is a named regex whose matches are scrubbed.
type ExtraPatternDef struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// ExtraPattern is a compiled ExtraPatternDef.
type ExtraPattern struct {
	Name  string
	Regex *regexp.Regexp
	Type  PatternType
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxFieldBytes < 0 {
		errs = append(errs, errors.New("max_field_bytes must not be negative"))
	}
	if _, err := CompilePatterns(c); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CompilePatterns compiles the extra patterns of cfg, which may be nil.
func CompilePatterns(cfg *Config) ([]ExtraPattern, error) {
	if cfg == nil {
		return nil, nil
	}
	patterns := make([]ExtraPattern, 0, len(cfg.ExtraPatterns))
	for i, def := range cfg.ExtraPatterns {
		switch {
		case def.Name == "":
			return nil, fmt.Errorf("extra_patterns[%d]: name is required", i)
		case def.Regex == "":
			return nil, fmt.Errorf("extra_patterns[%d] %q: regex is required", i, def.Name)
		}
		re, err := regexp.Compile(def.Regex)
		if err != nil {
			return nil, fmt.Errorf("extra_patterns[%d] %q: invalid regex: %w", i, def.Name, err)
		}
		patterns = append(patterns, ExtraPattern{Name: def.Name, Regex: re, Type: PatternType(strings.ToUpper(def.Name))})
	}
	return patterns, nil
}
