package invoice

import (
	"fmt"

	"github.com/apflow/apflow/internal/shared"
)

// transitions is the complete invoice state graph. Anything not listed here
// is an invalid transition.
var transitions = map[Status][]Status{
	StatusIngested:   {StatusExtracting, StatusCancelled},
	StatusExtracting: {StatusExtracted, StatusException, StatusCancelled},
	StatusExtracted:  {StatusMatching, StatusCancelled},
	StatusMatching:   {StatusMatched, StatusException, StatusCancelled},
	StatusMatched:    {StatusApproved, StatusRejected, StatusCancelled},
	StatusException:  {StatusMatched, StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:   {StatusPaid, StatusCancelled},
	StatusPaid:       {},
	StatusRejected:   {StatusCancelled},
	StatusCancelled:  {},
}

// ValidStatus reports whether s is a member of the status enumeration.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from → to is an edge in the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a typed error when from → to is not allowed.
func CheckTransition(from, to Status) error {
	if !ValidStatus(to) {
		return fmt.Errorf("%w: unknown status %q", shared.ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", shared.ErrInvalidTransition, from, to)
	}
	return nil
}
