package completion

// EstimateTokens approximates the token count of s at four bytes per token.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// MaxTokens sizes the completion: it must fit in what the context window
// leaves after the prompt and the reserve, and need not exceed the
// instruction twice over (the answer repeats the file) plus room for the
// plan and review.
func MaxTokens(contextSize, reserve int, p Prompt) int {
	instruction := EstimateTokens(p.Instruction)
	input := EstimateTokens(p.System) + instruction
	remaining := contextSize - input - reserve
	return min(remaining, 2000+2*instruction)
}
