package usage

import "strings"

// Price is the cost of 1,000 tokens in currency units.
type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// PriceTable maps a model identifier, or a model family prefix, to its price.
type PriceTable map[string]Price

// DefaultPrices returns list prices in USD for the models the default
// registry routes to. Local models are listed at zero so they do not warn.
func DefaultPrices() PriceTable {
	return PriceTable{
		"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4-turbo":       {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"llama3.1":          {},
		"llama3.2":          {},
		"qwen2.5":           {},
	}
}

// Lookup finds the price for model. An exact match wins, otherwise the
// longest key that prefixes the model name, so dated snapshots such as
// "gpt-4o-mini-2024-07-18" resolve to their family.
func (p PriceTable) Lookup(model string) (Price, bool) {
	if price, ok := p[model]; ok {
		return price, true
	}
	var (
		best    Price
		bestLen int
	)
	for key, price := range p {
		if len(key) > bestLen && strings.HasPrefix(model, key) {
			best, bestLen = price, len(key)
		}
	}
	return best, bestLen > 0
}

// Cost computes prompt/1000*in + completion/1000*out. The second result is
// false when the model has no price.
func (p PriceTable) Cost(model string, promptTokens, completionTokens int) (float64, bool) {
	price, ok := p.Lookup(model)
	if !ok {
		return 0, false
	}
	cost := float64(promptTokens)/1000*price.InputPer1K +
		float64(completionTokens)/1000*price.OutputPer1K
	return cost, true
}
