package cnst

import "errors"

var (
	// ErrDuplicateContextPath is returned when two contexts share a path
	ErrDuplicateContextPath = errors.New("duplicate context path")
	// ErrUnsupportedStoreType is returned when a store type is unknown
	ErrUnsupportedStoreType = errors.New("unsupported store type")
	// ErrInvalidPeriod is returned when a session period is out of range
	ErrInvalidPeriod = errors.New("invalid period")
)
