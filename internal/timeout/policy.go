package timeout

import "time"

// Spec is the timeout configured for one unit. A nil Duration means the unit
// is unbounded.
type Spec struct {
	UnitID   string
	Duration *time.Duration
}

// Bounded reports whether s carries a timeout.
func (s Spec) Bounded() bool {
	return s.Duration != nil
}

// Validate returns a *ConfigurationError if s carries a negative duration.
// It must be called before the unit starts; a unit that fails validation is
// never run.
func Validate(s Spec) error {
	if s.Duration != nil && *s.Duration < 0 {
		return &ConfigurationError{UnitID: s.UnitID, Duration: *s.Duration}
	}
	return nil
}
