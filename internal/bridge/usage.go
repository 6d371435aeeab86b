package bridge

import "completion-bridge/internal/models"

// Accountant accumulates token usage reported by the generation engine.
// Counts are trusted verbatim.
type Accountant struct {
	total models.Usage
}

// Add folds one generation call's usage into the running total.
func (a *Accountant) Add(u models.Usage) {
	a.total.PromptTokens += u.PromptTokens
	a.total.CompletionTokens += u.CompletionTokens
	a.total.TotalTokens += u.TotalTokens
}

// Total returns the accumulated usage.
func (a *Accountant) Total() models.Usage {
	return a.total
}
