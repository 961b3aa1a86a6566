package usage

import "strings"

// modelPrice holds USD cost per million tokens.
type modelPrice struct {
	inputPerM  float64
	outputPerM float64
}

// priceTable is keyed by "provider/model". Unknown models cost zero and
// the ledger logs a warning when it records them.
var priceTable = map[string]modelPrice{
	"openai/gpt-4o":               {inputPerM: 2.50, outputPerM: 10.00},
	"openai/gpt-4o-mini":          {inputPerM: 0.15, outputPerM: 0.60},
	"openai/o3-mini":              {inputPerM: 1.10, outputPerM: 4.40},
	"anthropic/claude-3-5-haiku":  {inputPerM: 0.80, outputPerM: 4.00},
	"anthropic/claude-3-7-sonnet": {inputPerM: 3.00, outputPerM: 15.00},
	"anthropic/claude-opus-4":     {inputPerM: 15.00, outputPerM: 75.00},
}

// EstimateCost returns the USD cost of a call, or (0, false) when the
// (provider, model) pair is not in the pricing table.
func EstimateCost(provider, model string, inputTokens, outputTokens int64) (float64, bool) {
	key := strings.ToLower(provider) + "/" + strings.ToLower(model)
	p, ok := priceTable[key]
	if !ok {
		// Some proxies report model already prefixed with the provider.
		p, ok = priceTable[strings.ToLower(model)]
		if !ok {
			return 0, false
		}
	}
	cost := float64(inputTokens)/1e6*p.inputPerM + float64(outputTokens)/1e6*p.outputPerM
	return cost, true
}
