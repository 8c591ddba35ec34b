package providers

import "strings"

// Tier is a backend-neutral model alias
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierPowerful Tier = "powerful"
)

// familyAliases are the model-family names callers used before tiers
// were introduced; they stay accepted everywhere a tier is.
var familyAliases = map[string]Tier{
	"haiku":  TierFast,
	"sonnet": TierBalanced,
	"opus":   TierPowerful,
}

// NormalizeTier lowercases alias and maps family names onto tiers.
// Anything else is returned lowercased and trimmed.
func NormalizeTier(alias string) Tier {
	key := strings.ToLower(strings.TrimSpace(alias))
	if tier, ok := familyAliases[key]; ok {
		return tier
	}
	return Tier(key)
}

// ModelMap maps tiers to concrete backend model identifiers. Each adapter
// owns one.
type ModelMap map[Tier]string

// Resolve returns the backend model for alias. Resolution never fails: an
// alias that is neither a tier nor a family name is passed through verbatim
// so callers can address a concrete model directly.
func (m ModelMap) Resolve(alias string) string {
	if model, ok := m[NormalizeTier(alias)]; ok {
		return model
	}
	return alias
}
