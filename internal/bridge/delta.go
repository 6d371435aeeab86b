package bridge

import (
	"errors"
	"fmt"
	"strings"

	"completion-bridge/internal/models"
)

// ErrNonMonotonic reports a snapshot whose text does not extend the previous one.
var ErrNonMonotonic = errors.New("snapshot text does not extend previous snapshot")

// DeltaExtractor converts successive full-text snapshots into incremental deltas.
// The zero value is ready to use.
type DeltaExtractor struct {
	prev string
}

// Next returns the text appended since the previous call and advances the cursor.
func (d *DeltaExtractor) Next(text string) (string, error) {
	if !strings.HasPrefix(text, d.prev) {
		return "", fmt.Errorf("%w: previous %d bytes, got %d", ErrNonMonotonic, len(d.prev), len(text))
	}
	delta := text[len(d.prev):]
	d.prev = text
	return delta, nil
}

// Text returns the full text seen so far.
func (d *DeltaExtractor) Text() string {
	return d.prev
}

// suppressed reports whether a snapshot yields no event. Function-call
// snapshots always produce one because they carry the call payload.
func suppressed(delta string, finish models.FinishReason) bool {
	return delta == "" && finish != models.FinishFunctionCall
}
