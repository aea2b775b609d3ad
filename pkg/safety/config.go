// Package safety implements the regex-based category matcher with
// allow-lists, precedence, and hot reload of its rules file.
package safety

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity levels, from least to most severe.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Well-known category names. The rules file may declare others; these are
// the ones the monitor maps to actions.
const (
	CategoryUnsafe    = "unsafe"
	CategoryJailbreak = "jailbreak"
	CategoryPII       = "pii"
	CategoryOffTopic  = "offtopic"
)

// CategoryConfig declares one category's severity and patterns.
type CategoryConfig struct {
	Severity string   `yaml:"severity"`
	Patterns []string `yaml:"patterns"`
}

// Config is the external rules file layout.
type Config struct {
	Precedence  []string                  `yaml:"precedence"`
	Categories  map[string]CategoryConfig `yaml:"categories"`
	AllowLists  map[string][]string       `yaml:"allow_lists"`
	Normalizers []string                  `yaml:"normalizers"`
}

// Normalizer names accepted in the rules file, applied in declared order.
const (
	NormalizerStrip              = "strip"
	NormalizerCollapseWhitespace = "collapse_whitespace"
	NormalizerLowercase          = "lowercase"
)

type compiledCategory struct {
	name     string
	severity string
	patterns []*regexp.Regexp
}

type compiled struct {
	precedence  map[string]int
	categories  []compiledCategory
	allowLists  map[string]map[string]bool
	normalizers []func(string) string
}

// parseConfig parses and compiles the rules file content.
func parseConfig(data []byte) (*compiled, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse safety config: %w", err)
	}
	return compile(&cfg)
}

func compile(cfg *Config) (*compiled, error) {
	c := &compiled{
		precedence: make(map[string]int, len(cfg.Precedence)),
		allowLists: make(map[string]map[string]bool, len(cfg.AllowLists)),
	}

	for i, name := range cfg.Precedence {
		c.precedence[name] = i
	}

	for name, cat := range cfg.Categories {
		severity := cat.Severity
		if severity == "" {
			severity = SeverityMedium
		}
		cc := compiledCategory{name: name, severity: severity}
		for _, pattern := range cat.Patterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, fmt.Errorf("category %s: bad pattern %q: %w", name, pattern, err)
			}
			cc.patterns = append(cc.patterns, re)
		}
		c.categories = append(c.categories, cc)
	}

	for tag, terms := range cfg.AllowLists {
		set := make(map[string]bool, len(terms))
		for _, term := range terms {
			set[normalizeTerm(term)] = true
		}
		c.allowLists[tag] = set
	}

	normalizers := cfg.Normalizers
	if len(normalizers) == 0 {
		normalizers = []string{NormalizerStrip, NormalizerCollapseWhitespace, NormalizerLowercase}
	}
	for _, name := range normalizers {
		fn, err := normalizerFor(name)
		if err != nil {
			return nil, err
		}
		c.normalizers = append(c.normalizers, fn)
	}

	return c, nil
}

// emptyCompiled is the degraded configuration used when the rules file is
// missing: no categories, everything passes clean.
func emptyCompiled() *compiled {
	return &compiled{
		precedence: map[string]int{},
		allowLists: map[string]map[string]bool{},
		normalizers: []func(string) string{
			strings.TrimSpace,
			collapseWhitespace,
			strings.ToLower,
		},
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return whitespaceRun.ReplaceAllString(s, " ")
}

func normalizerFor(name string) (func(string) string, error) {
	switch name {
	case NormalizerStrip:
		return strings.TrimSpace, nil
	case NormalizerCollapseWhitespace:
		return collapseWhitespace, nil
	case NormalizerLowercase:
		return strings.ToLower, nil
	default:
		return nil, fmt.Errorf("unknown normalizer: %s", name)
	}
}

func normalizeTerm(term string) string {
	return strings.ToLower(collapseWhitespace(strings.TrimSpace(term)))
}

func (c *compiled) normalize(text string) string {
	for _, fn := range c.normalizers {
		text = fn(text)
	}
	return text
}

// precedenceIndex orders categories; names missing from the precedence
// list sort after all declared ones.
func (c *compiled) precedenceIndex(name string) int {
	if idx, ok := c.precedence[name]; ok {
		return idx
	}
	return len(c.precedence) + 1
}
