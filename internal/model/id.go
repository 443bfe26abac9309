package model

import "github.com/oklog/ulid/v2"

// NewID returns a ULID for a task or event. IDs made by one process sort in
// creation order, so listing by id lists by age.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether id could have come from NewID.
func ValidID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}
