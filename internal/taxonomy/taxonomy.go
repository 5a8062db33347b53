// Package taxonomy defines the category sets used by the classification
// engine and the correction workflow. The sets are a versioned configuration
// input, not compile-time constants: a taxonomy file can override the
// built-in default when category policy changes.
package taxonomy

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Sentinel categories. Neither is a taxonomy member: Uncategorized marks a
// failed classification that may be retried, CategoryError marks a permanent
// failure that must never be retried.
const (
	Uncategorized = "UNCATEGORIZED"
	CategoryError = "ERROR"
)

// Taxonomy holds the category policy for one schema version.
type Taxonomy struct {
	// Version identifies the policy revision, for audit.
	Version string `yaml:"version"`

	// Allowed lists every valid category a model response may carry.
	Allowed []string `yaml:"allowed"`

	// Included is the subset of Allowed surfaced to downstream summaries.
	Included []string `yaml:"included"`

	// Excluded is the subset whose items are filtered out of the curated
	// store entirely (non-substantive content).
	Excluded []string `yaml:"excluded"`

	// FillerSentinel is the excluded category that generic-filler items are
	// force-set to by the cheap correction pass.
	FillerSentinel string `yaml:"filler_sentinel"`
}

// Default returns the built-in taxonomy (version 2: analyst opinion is
// excluded from the curated store, not merely de-prioritized).
func Default() Taxonomy {
	return Taxonomy{
		Version: "2",
		Allowed: []string{
			"CENTRAL_BANK_POLICY",
			"GEOPOLITICAL_EVENT",
			"INDUSTRY_REGULATION",
			"CORPORATE_EARNINGS",
			"CORPORATE_ACTIONS",
			"MANAGEMENT_CHANGE",
			"PRODUCT_TECH_UPDATE",
			"BUSINESS_OPERATIONS",
			"INCIDENT_LEGAL",
			"MACRO_NOBODY",
			"MACRO_ECONOMY",
			"ANALYST_OPINION",
			"NON_FINANCIAL",
			"MARKET_SENTIMENT",
		},
		Included: []string{
			"CENTRAL_BANK_POLICY",
			"GEOPOLITICAL_EVENT",
			"INDUSTRY_REGULATION",
			"CORPORATE_EARNINGS",
			"CORPORATE_ACTIONS",
			"MANAGEMENT_CHANGE",
			"PRODUCT_TECH_UPDATE",
			"BUSINESS_OPERATIONS",
			"INCIDENT_LEGAL",
		},
		Excluded: []string{
			"MACRO_NOBODY",
			"NON_FINANCIAL",
			"ANALYST_OPINION",
		},
		FillerSentinel: "MACRO_NOBODY",
	}
}

// LoadFile reads a taxonomy override from a YAML file and validates it.
func LoadFile(path string) (Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Taxonomy{}, eris.Wrapf(err, "taxonomy: read %s", path)
	}

	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Taxonomy{}, eris.Wrapf(err, "taxonomy: parse %s", path)
	}
	if err := t.Validate(); err != nil {
		return Taxonomy{}, err
	}
	return t, nil
}

// Validate checks internal consistency of the category sets.
func (t Taxonomy) Validate() error {
	if len(t.Allowed) == 0 {
		return eris.New("taxonomy: allowed set is empty")
	}
	allowed := toSet(t.Allowed)
	if allowed[Uncategorized] || allowed[CategoryError] {
		return eris.New("taxonomy: sentinel categories must not be listed as allowed")
	}
	for _, c := range t.Included {
		if !allowed[c] {
			return eris.Errorf("taxonomy: included category %q not in allowed set", c)
		}
	}
	for _, c := range t.Excluded {
		if !allowed[c] {
			return eris.Errorf("taxonomy: excluded category %q not in allowed set", c)
		}
	}
	if t.FillerSentinel != "" && !toSet(t.Excluded)[t.FillerSentinel] {
		return eris.Errorf("taxonomy: filler sentinel %q not in excluded set", t.FillerSentinel)
	}
	return nil
}

// IsAllowed reports whether c is a valid taxonomy member.
func (t Taxonomy) IsAllowed(c string) bool {
	return contains(t.Allowed, c)
}

// IsExcluded reports whether items with category c are filtered from the
// curated store.
func (t Taxonomy) IsExcluded(c string) bool {
	return contains(t.Excluded, c)
}

// Terminal is the set of categories the correction workflow never touches:
// every allowed category plus the ERROR sentinel. Anything outside this set
// counts as drifted.
func (t Taxonomy) Terminal() []string {
	out := make([]string, 0, len(t.Allowed)+1)
	out = append(out, t.Allowed...)
	return append(out, CategoryError)
}

// Normalize maps a raw category string to canonical form: upper case, spaces
// and hyphens collapsed to single underscores. Idempotent.
func Normalize(category string) string {
	if category == "" {
		return category
	}
	n := strings.ToUpper(strings.TrimSpace(category))
	n = strings.ReplaceAll(n, " ", "_")
	n = strings.ReplaceAll(n, "-", "_")
	for strings.Contains(n, "__") {
		n = strings.ReplaceAll(n, "__", "_")
	}
	return n
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
