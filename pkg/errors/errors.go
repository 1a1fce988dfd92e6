package errors

import (
	"fmt"
	"time"

	"github.com/amoylab/sessiond/internal/common/cnst"
)

// ErrDuplicateContextPath is returned when a context path is duplicated
func ErrDuplicateContextPath(path string) error {
	return fmt.Errorf("%w: %s", cnst.ErrDuplicateContextPath, path)
}

// ErrUnsupportedStoreType is returned when an unknown store type is configured
func ErrUnsupportedStoreType(typ string) error {
	return fmt.Errorf("%w: %q", cnst.ErrUnsupportedStoreType, typ)
}

// ErrInvalidPeriod is returned when a session period is negative or, for the
// inspection period, not positive
func ErrInvalidPeriod(name string, d time.Duration) error {
	return fmt.Errorf("%w: %s=%s", cnst.ErrInvalidPeriod, name, d)
}
