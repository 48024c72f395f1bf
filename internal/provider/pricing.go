package provider

// modelPrice is the USD price per 1,000 tokens.
type modelPrice struct {
	Input  float64
	Output float64
}

// pricePerThousandTokens maps known models to their published rates. Unknown
// models cost zero; callers still get accurate token counts.
var pricePerThousandTokens = map[string]modelPrice{
	"text-embedding-3-small": {Input: 0.00002},
	"text-embedding-3-large": {Input: 0.00013},
	"text-embedding-ada-002": {Input: 0.0001},
	"gpt-4o":                 {Input: 0.0025, Output: 0.01},
	"gpt-4o-mini":            {Input: 0.00015, Output: 0.0006},
}

// EmbedCost returns the USD cost of an embedding call from its
// provider-reported token count.
func EmbedCost(model string, tokens int) float64 {
	return pricePerThousandTokens[model].Input * float64(tokens) / 1000
}

// AnalysisCost returns the USD cost of an analysis call from its
// provider-reported input and output token counts.
func AnalysisCost(model string, inputTokens, outputTokens int) float64 {
	price := pricePerThousandTokens[model]
	return (price.Input*float64(inputTokens) + price.Output*float64(outputTokens)) / 1000
}
