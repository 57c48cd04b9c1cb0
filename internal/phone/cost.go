package phone

import (
	"encoding/json"
	"fmt"
)

// CostTable maps ISO country codes to outbound cost in cents per message.
// The "*" entry is the fallback rate for countries without an entry.
type CostTable map[string]int

// DefaultCostTable carries the rates used when no override is configured.
// Exact per-country pricing is a configuration artifact, not gateway logic.
func DefaultCostTable() CostTable {
	return CostTable{
		"US": 1,
		"CA": 1,
		"GB": 4,
		"AU": 5,
		"*":  7,
	}
}

// ParseCostTable decodes a JSON object of country→cents overrides on top of
// the defaults. Empty input returns the defaults unchanged.
func ParseCostTable(raw string) (CostTable, error) {
	table := DefaultCostTable()
	if raw == "" {
		return table, nil
	}
	overrides := map[string]int{}
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("phone: parse cost table: %w", err)
	}
	for country, cents := range overrides {
		if cents < 0 {
			return nil, fmt.Errorf("phone: negative cost for %s", country)
		}
		table[country] = cents
	}
	return table, nil
}

// CostCents returns the per-message cost for a country code.
func (t CostTable) CostCents(country string) int {
	if cents, ok := t[country]; ok {
		return cents
	}
	return t["*"]
}
