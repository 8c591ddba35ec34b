// Package pricing estimates request cost from token counts using a static
// per-provider, per-tier price table.
package pricing

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/learnloop/llm-gateway/services/providers"
)

var oneMillion = decimal.NewFromInt(1_000_000)

// Rate is the USD price per one million tokens
type Rate struct {
	InputPer1M  decimal.Decimal `json:"input_per_1m"`
	OutputPer1M decimal.Decimal `json:"output_per_1m"`
}

func mustRate(input, output string) Rate {
	return Rate{
		InputPer1M:  decimal.RequireFromString(input),
		OutputPer1M: decimal.RequireFromString(output),
	}
}

// DefaultRate applies to any (provider, model) pair missing from the table
var DefaultRate = mustRate("3.00", "15.00")

var claudeRates = map[providers.Tier]Rate{
	providers.TierFast:     mustRate("1.00", "5.00"),
	providers.TierBalanced: mustRate("3.00", "15.00"),
	providers.TierPowerful: mustRate("15.00", "75.00"),
}

func defaultRates() map[string]map[providers.Tier]Rate {
	return map[string]map[providers.Tier]Rate{
		"anthropic": claudeRates,
		"vertex":    claudeRates,
		"azure_foundry": {
			providers.TierFast:     mustRate("0.05", "0.40"),
			providers.TierBalanced: mustRate("0.25", "2.00"),
			providers.TierPowerful: mustRate("1.25", "10.00"),
		},
		"openai": {
			providers.TierFast:     mustRate("0.10", "0.40"),
			providers.TierBalanced: mustRate("0.40", "1.60"),
			providers.TierPowerful: mustRate("2.00", "8.00"),
		},
		"gemini": {
			providers.TierFast:     mustRate("0.10", "0.40"),
			providers.TierBalanced: mustRate("0.30", "2.50"),
			providers.TierPowerful: mustRate("1.25", "10.00"),
		},
	}
}

// Estimate is the computed cost of one request
type Estimate struct {
	Provider     string          `json:"provider"`
	ModelAlias   string          `json:"model_alias"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	InputCost    decimal.Decimal `json:"input_cost"`
	OutputCost   decimal.Decimal `json:"output_cost"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

// Table is an immutable price table
type Table struct {
	rates    map[string]map[providers.Tier]Rate
	fallback Rate
}

// DefaultTable returns the built-in prices
func DefaultTable() *Table {
	return &Table{rates: defaultRates(), fallback: DefaultRate}
}

// Rate returns the price for provider and model alias. Family aliases
// (haiku, sonnet, opus) are normalized first. The second result is false
// when the default rate was used.
func (t *Table) Rate(provider, modelAlias string) (Rate, bool) {
	byTier, ok := t.rates[strings.ToLower(provider)]
	if !ok {
		return t.fallback, false
	}
	rate, ok := byTier[providers.NormalizeTier(modelAlias)]
	if !ok {
		return t.fallback, false
	}
	return rate, true
}

// Estimate prices a request. Negative token counts are treated as zero.
func (t *Table) Estimate(provider, modelAlias string, inputTokens, outputTokens int) Estimate {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	rate, _ := t.Rate(provider, modelAlias)

	inputCost := rate.InputPer1M.Mul(decimal.NewFromInt(int64(inputTokens))).Div(oneMillion)
	outputCost := rate.OutputPer1M.Mul(decimal.NewFromInt(int64(outputTokens))).Div(oneMillion)

	return Estimate{
		Provider:     provider,
		ModelAlias:   modelAlias,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost.Add(outputCost),
	}
}

// overrideFile is the TOML layout of a pricing override file:
//
//	[default]
//	input = "3.00"
//	output = "15.00"
//
//	[providers.openai.fast]
//	input = "0.10"
//	output = "0.40"
type overrideFile struct {
	Default   *rateEntry                      `toml:"default"`
	Providers map[string]map[string]rateEntry `toml:"providers"`
}

type rateEntry struct {
	Input  string `toml:"input"`
	Output string `toml:"output"`
}

func (e rateEntry) parse() (Rate, error) {
	input, err := decimal.NewFromString(e.Input)
	if err != nil {
		return Rate{}, fmt.Errorf("invalid input price %q: %w", e.Input, err)
	}
	output, err := decimal.NewFromString(e.Output)
	if err != nil {
		return Rate{}, fmt.Errorf("invalid output price %q: %w", e.Output, err)
	}
	if input.IsNegative() || output.IsNegative() {
		return Rate{}, fmt.Errorf("prices must not be negative")
	}
	return Rate{InputPer1M: input, OutputPer1M: output}, nil
}

// LoadTable returns the built-in table with the overrides in path applied.
// An empty path yields DefaultTable.
func LoadTable(path string) (*Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}

	var file overrideFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to read pricing file %s: %w", path, err)
	}

	if file.Default != nil {
		rate, err := file.Default.parse()
		if err != nil {
			return nil, fmt.Errorf("pricing default: %w", err)
		}
		t.fallback = rate
	}

	for provider, byModel := range file.Providers {
		provider = strings.ToLower(provider)
		if _, ok := t.rates[provider]; !ok {
			t.rates[provider] = make(map[providers.Tier]Rate)
		} else {
			// copy so overriding one claude provider leaves the other intact
			own := make(map[providers.Tier]Rate, len(t.rates[provider]))
			for k, v := range t.rates[provider] {
				own[k] = v
			}
			t.rates[provider] = own
		}
		for model, entry := range byModel {
			rate, err := entry.parse()
			if err != nil {
				return nil, fmt.Errorf("pricing %s.%s: %w", provider, model, err)
			}
			t.rates[provider][providers.NormalizeTier(model)] = rate
		}
	}
	return t, nil
}
