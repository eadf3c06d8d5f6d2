package governor

// Provider list prices in USD per 1K tokens, one rate per direction, plus a
// fixed USD to EUR conversion. The ledger does advisory cost control, not
// invoicing, so a stable constant beats a live FX lookup.
const (
	inputUSDPerKiloToken  = 0.00015
	outputUSDPerKiloToken = 0.0006
	usdToEUR              = 0.92
)

// usageCost converts provider-reported token counts to EUR. Deterministic
// and linear in both counts; zero tokens cost zero.
func usageCost(inputTokens, outputTokens int) float64 {
	usd := float64(inputTokens)/1000*inputUSDPerKiloToken +
		float64(outputTokens)/1000*outputUSDPerKiloToken
	return usd * usdToEUR
}
