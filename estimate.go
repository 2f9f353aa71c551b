package modelgate

// EstimateTokens provides a rough token count estimate for a prompt.
// Uses the approximation: ~4 chars per token plus request overhead.
func EstimateTokens(prompt string) int64 {
	total := int64(len(prompt)) / 4
	// base overhead for the request framing
	total += 7
	return total
}
