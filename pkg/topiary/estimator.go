package topiary

// EstimateTokens approximates the token cost of text when the provider does
// not report a usage figure: roughly one token per three characters, rounded
// up. This is the documented secondary estimator; the provider figure is
// always preferred when available.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64((len(text) + 2) / 3)
}
