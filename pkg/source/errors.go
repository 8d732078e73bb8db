package source

import (
	"errors"
	"fmt"
)

var (
	ErrReentrantUpdate          = errors.New("source is already updating")
	ErrUndeclaredDimensionality = errors.New("kernel has not declared its native dimensionality")
	ErrClosed                   = errors.New("source is closed")
)

// ConfigurationError reports a kernel that cannot be executed as configured.
// It is not retried.
type ConfigurationError struct {
	Source string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("source %q misconfigured: %v", e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
