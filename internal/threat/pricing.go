package threat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ModelRate is USD per million tokens in each direction.
type ModelRate struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// PricingTable maps model names to rates, with a fallback for unknown
// models. Each social-stream tool invocation adds a fixed surcharge.
type PricingTable struct {
	Models   map[string]ModelRate `yaml:"models"`
	Fallback ModelRate            `yaml:"fallback"`
}

// SocialStreamCallCost is the fixed $5/1000-calls surcharge per real-time
// social-stream tool invocation.
const SocialStreamCallCost = 5.0 / 1000.0

// DefaultPricing is compiled in and used when no pricing file is provided.
func DefaultPricing() *PricingTable {
	return &PricingTable{
		Models: map[string]ModelRate{
			"grok-3":        {InputPerMTok: 3.00, OutputPerMTok: 15.00},
			"grok-3-mini":   {InputPerMTok: 0.30, OutputPerMTok: 0.50},
			"grok-4":        {InputPerMTok: 3.00, OutputPerMTok: 15.00},
			"grok-4-fast":   {InputPerMTok: 0.20, OutputPerMTok: 0.50},
			"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10.00},
			"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
			"gpt-4.1":       {InputPerMTok: 2.00, OutputPerMTok: 8.00},
			"gpt-4.1-mini":  {InputPerMTok: 0.40, OutputPerMTok: 1.60},
		},
		Fallback: ModelRate{InputPerMTok: 3.00, OutputPerMTok: 15.00},
	}
}

// LoadPricing reads a pricing table from a YAML file, overlaying the
// compiled-in defaults.
func LoadPricing(path string) (*PricingTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	table := DefaultPricing()
	if err := yaml.Unmarshal(raw, table); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	return table, nil
}

// EstimateCost computes the USD cost of one call from its token counts.
func (p *PricingTable) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	rate, ok := p.Models[model]
	if !ok {
		rate = p.Fallback
	}
	return float64(inputTokens)/1_000_000*rate.InputPerMTok +
		float64(outputTokens)/1_000_000*rate.OutputPerMTok
}
