package discount

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
)

var (
	ErrCodeInactive    = errors.New("discount is inactive")
	ErrCodeNotStarted  = errors.New("discount is not active yet")
	ErrCodeExpired     = errors.New("discount is expired")
	ErrCodeUsesReached = errors.New("allowed uses reached")
)

// ValidationError lists every reason a code cannot be used.
type ValidationError struct {
	Reasons []error
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages(), "; ")
}

// Is reports whether target is one of the reasons.
func (e *ValidationError) Is(target error) bool {
	for _, r := range e.Reasons {
		if errors.Is(r, target) {
			return true
		}
	}
	return false
}

// Messages returns the reasons as text, in check order.
func (e *ValidationError) Messages() []string {
	msgs := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		msgs[i] = r.Error()
	}
	return msgs
}

// Validate checks the code's activity flag, date window and usage cap as of
// today. All failing checks are reported together in a *ValidationError.
// Dates are compared by calendar day in today's location; ValidFrom and
// ValidUntil are read as plain dates.
func (c *Code) Validate(today time.Time) error {
	var reasons []error
	if !c.IsActive {
		reasons = append(reasons, ErrCodeInactive)
	}

	loc := today.Location()
	day := dateIn(today, loc)
	if day.Before(dateIn(c.ValidFrom, loc)) {
		reasons = append(reasons, ErrCodeNotStarted)
	}
	if c.ValidUntil != nil && day.After(dateIn(*c.ValidUntil, loc)) {
		reasons = append(reasons, ErrCodeExpired)
	}
	if c.AllowedUses != nil && *c.AllowedUses > 0 && c.Used >= *c.AllowedUses {
		reasons = append(reasons, ErrCodeUsesReached)
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// dateIn returns midnight in loc of t's calendar date as seen in t's own
// location.
func dateIn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
