package id

import "github.com/google/uuid"

// New returns an opaque record id. v7 ids sort by creation time, which keeps
// store listings and blob directories roughly chronological.
func New() string {
	v, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return v.String()
}
