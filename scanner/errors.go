package scanner

import (
	"errors"
	"fmt"
	"io/fs"

	"aegis/config"
)

// ConfigError reports an invalid scanner configuration. It is fatal at
// startup.
type ConfigError = config.Error

// ErrNotConfigured is returned by a Scanner that was not built with New.
var ErrNotConfigured = &ConfigError{Message: "scanner used without a validated configuration"}

// ErrScanTimeout is returned when a scan exceeds its deadline.
var ErrScanTimeout = errors.New("scan timed out")

// IOError reports a target that could not be opened or read.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	var pathErr *fs.PathError
	if errors.As(e.Err, &pathErr) && pathErr.Path == e.Path {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, pathErr.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIOError reports whether err is (or wraps) an IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
