package tokenizer

import "log/slog"

// Rate holds USD-per-token input/output pricing for one model.
type Rate struct {
	InputPerToken  float64
	OutputPerToken float64
}

// costTable is a static mapping of "provider/model" to USD-per-token rates.
// Rates are expressed per single token (not per million) to keep
// EstimateCost a plain multiplication; the constants below were converted
// from each provider's published per-million-token pricing.
var costTable = map[string]Rate{
	"openai/gpt-4o":          {InputPerToken: 2.50 / 1e6, OutputPerToken: 10.00 / 1e6},
	"openai/gpt-4o-mini":     {InputPerToken: 0.15 / 1e6, OutputPerToken: 0.60 / 1e6},
	"openai/gpt-4-turbo":     {InputPerToken: 10.00 / 1e6, OutputPerToken: 30.00 / 1e6},
	"openai/gpt-3.5-turbo":   {InputPerToken: 0.50 / 1e6, OutputPerToken: 1.50 / 1e6},
	"anthropic/claude-opus-4":   {InputPerToken: 15.00 / 1e6, OutputPerToken: 75.00 / 1e6},
	"anthropic/claude-sonnet-4": {InputPerToken: 3.00 / 1e6, OutputPerToken: 15.00 / 1e6},
	"anthropic/claude-haiku-4":  {InputPerToken: 0.80 / 1e6, OutputPerToken: 4.00 / 1e6},
	"gemini/gemini-2.0-flash":   {InputPerToken: 0.10 / 1e6, OutputPerToken: 0.40 / 1e6},
	"gemini/gemini-2.0-pro":     {InputPerToken: 1.25 / 1e6, OutputPerToken: 5.00 / 1e6},
	"ollama/llama3.2":           {InputPerToken: 0, OutputPerToken: 0},
}

// RateFor returns the known cost rate for model, or a zero rate with ok=false
// if the model is not in the static table.
func RateFor(model string) (Rate, bool) {
	r, ok := costTable[model]
	return r, ok
}

// EstimateCost computes prompt/completion cost in USD for model. Unknown
// models default to a zero rate and log a warning, per the spec's cost
// computation rule — it never errors, since cost accounting must not block
// the caller from recording the call.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	rate, ok := RateFor(model)
	if !ok {
		slog.Warn("tokenizer: unknown model in cost table, defaulting to zero rate", "model", model)
		return 0
	}
	return float64(promptTokens)*rate.InputPerToken + float64(completionTokens)*rate.OutputPerToken
}
