package scanning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules holds the keyword lists used by the offline classifier
type Rules struct {
	Fuel        []string `yaml:"fuel"`
	Maintenance []string `yaml:"maintenance"`
	Amount      []string `yaml:"amount"`
	Vehicle     []string `yaml:"vehicle"`
}

// DefaultRules returns the built-in keyword lists
func DefaultRules() Rules {
	return Rules{
		Fuel:        []string{"fuel", "gas", "diesel", "gallon", "litre", "pump"},
		Maintenance: []string{"repair", "maintenance", "service", "parts", "oil change", "mechanic"},
		Amount:      []string{"total", "amount", "due", "payment"},
		Vehicle:     []string{"vehicle", "truck", "car", "unit"},
	}
}

// typeOf checks fuel keywords before maintenance keywords; the first hit wins. lower must be lowercased.
func (r Rules) typeOf(lower string) string {
	if containsAny(lower, r.Fuel) {
		return TypeFuel
	}
	if containsAny(lower, r.Maintenance) {
		return TypeMaintenance
	}
	return TypeOther
}

// LoadRules reads keyword lists from a YAML file. Lists missing from the file keep their defaults.
//
// Example file:
//
//	fuel: [fuel, gas, diesel, def]
//	maintenance: [repair, tire, service]
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading rules file: %w", err)
	}

	var loaded Rules
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Rules{}, fmt.Errorf("parsing rules file: %w", err)
	}

	rules := DefaultRules()
	if len(loaded.Fuel) > 0 {
		rules.Fuel = loaded.Fuel
	}
	if len(loaded.Maintenance) > 0 {
		rules.Maintenance = loaded.Maintenance
	}
	if len(loaded.Amount) > 0 {
		rules.Amount = loaded.Amount
	}
	if len(loaded.Vehicle) > 0 {
		rules.Vehicle = loaded.Vehicle
	}
	return rules, nil
}
