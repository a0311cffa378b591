package checkpoint

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a fresh checkpoint id.
//
// Ids are UUIDv7 strings: a millisecond timestamp followed by a sub-millisecond
// sequence that is monotonic within the process, rendered as fixed-width
// lower-case hex. Byte-wise string order therefore equals creation order, which
// is what every backend sorts on to find the latest checkpoint.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate checkpoint id: %w", err)
	}
	return id.String(), nil
}
