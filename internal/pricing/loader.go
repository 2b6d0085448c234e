package pricing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadTable builds a table from the defaults overlaid with per-provider
// overrides read from a YAML file. Only enumerated providers may be
// overridden; the file cannot introduce new ones. Every override must keep
// user and platform credits at one or above.
func LoadTable(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("pricing: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var overrides map[string]ProviderCost
	if err := yaml.Unmarshal(b, &overrides); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}

	table := DefaultTable()
	for name, cost := range overrides {
		key := Provider(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := table.costs[key]; !ok {
			return nil, &UnknownProviderError{Provider: Provider(name)}
		}
		if cost.UserCredits < 1 || cost.PlatformCredits < 1 {
			return nil, fmt.Errorf("pricing override for %q must keep credits >= 1", name)
		}
		table.costs[key] = cost
	}
	return table, nil
}
