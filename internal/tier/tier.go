package tier

// Package tier holds the static mapping from service tier to model identifier
// and pricing-table key. Tier is always a pure lookup supplied by the caller,
// never inferred from usage.

import (
	"fmt"
)

// Tier is a named service level selecting model capability and price.
type Tier string

const (
	Standard   Tier = "standard"
	Premium    Tier = "premium"
	Enterprise Tier = "enterprise"
)

// ModelSpec pairs a completion model with its pricing-table key.
type ModelSpec struct {
	ModelID    string
	PricingKey string
}

var specs = map[Tier]ModelSpec{
	Standard:   {ModelID: "chorus-core-1", PricingKey: "core"},
	Premium:    {ModelID: "chorus-plus-1", PricingKey: "plus"},
	Enterprise: {ModelID: "chorus-max-1", PricingKey: "max"},
}

// Parse validates a tier string.
func Parse(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := specs[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Lookup returns the model spec for a tier.
func Lookup(t Tier) (ModelSpec, error) {
	spec, ok := specs[t]
	if !ok {
		return ModelSpec{}, fmt.Errorf("unknown tier %q", t)
	}
	return spec, nil
}

// PricingKeyForModel reverse-maps a model identifier to its pricing key.
// Used by the usage accumulator, which sees model ids on completed calls.
func PricingKeyForModel(modelID string) (string, bool) {
	for _, spec := range specs {
		if spec.ModelID == modelID {
			return spec.PricingKey, true
		}
	}
	return "", false
}

// All returns every known tier, in ascending capability order.
func All() []Tier {
	return []Tier{Standard, Premium, Enterprise}
}
