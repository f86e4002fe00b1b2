package media

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCaptureDenied means the source exists but may not be read.
	ErrCaptureDenied = errors.New("media: capture denied")
	// ErrCaptureUnavailable means there is no such source.
	ErrCaptureUnavailable = errors.New("media: capture unavailable")
)

// PartialSubstitutionError lists the links whose outbound video could not be
// switched. The other links were switched and nothing is rolled back.
type PartialSubstitutionError struct {
	Failed map[string]error
}

func (e *PartialSubstitutionError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return fmt.Sprintf("media: outbound video not replaced on %d link(s): %s", len(ids), strings.Join(parts, "; "))
}
