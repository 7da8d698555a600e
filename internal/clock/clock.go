// Package clock resolves "now" in the fixed civil timezone hospital sessions
// run in. Session-opening comparisons use local civil time; persisted
// timestamps stay UTC.
package clock

import (
	"fmt"
	"time"

	"github.com/oplink/clinic-tracker/internal/model"
)

// DateLayout is the civil date form used for session_date keys.
const DateLayout = "2006-01-02"

// Clock yields the current time. Injected so tests can pin it.
type Clock interface {
	Now() time.Time
}

// Civil is a Clock pinned to one civil timezone.
type Civil struct {
	loc *time.Location
}

// New returns a Civil clock for the named IANA location.
func New(locationName string) (*Civil, error) {
	loc, err := time.LoadLocation(locationName)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", locationName, err)
	}
	return &Civil{loc: loc}, nil
}

// Now returns the current time in the civil timezone.
func (c *Civil) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the clock's timezone.
func (c *Civil) Location() *time.Location {
	return c.loc
}

// Today returns the civil date string for a clock's now.
func Today(c Clock) string {
	return c.Now().Format(DateLayout)
}

// SessionOpen reports whether live progress for the given session may be
// fetched: the session date must be today or past and, for today, the
// session's opening time must have passed. Future or not-yet-open sessions
// are skipped so a false "0/0" never overwrites previously known state.
func SessionOpen(c Clock, sessionDate string, st model.SessionType) bool {
	now := c.Now()
	today := now.Format(DateLayout)
	if sessionDate < today {
		return true
	}
	if sessionDate > today {
		return false
	}
	return st.OpenAt(now)
}
