package relationships

import "errors"

var (
	// ErrMaxDepthExceeded is returned when eager loading would go deeper than allowed
	ErrMaxDepthExceeded = errors.New("maximum relationship depth exceeded")

	// ErrUnknownRelationship is returned when a relationship is not found
	ErrUnknownRelationship = errors.New("unknown relationship")

	// ErrDanglingReference is returned when a join column points at a missing row
	ErrDanglingReference = errors.New("dangling reference")
)
