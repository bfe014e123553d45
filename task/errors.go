package task

import (
	"fmt"

	"github.com/edwinhayes/iiwastate/iiwa"
	"github.com/pkg/errors"
)

// ErrNotInitialized is logged when Run is called without a successful
// Initialize. It is not retryable.
var ErrNotInitialized = errors.New("background task is not initialized")

// ConfigError reports an invalid configuration found by Initialize.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }
func (e *ConfigError) Cause() error  { return e.Err }

// ConnectionError reports that the bus could not be reached or that the
// wait for it was abandoned.
type ConnectionError struct {
	MasterURI string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.MasterURI, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
func (e *ConnectionError) Cause() error  { return e.Err }

// PublishError reports a failed loop iteration.
type PublishError = iiwa.PublishError

// ShutdownError reports a failure while stopping the runtime.
type ShutdownError struct {
	Err error
}

func (e *ShutdownError) Error() string { return "shutting down: " + e.Err.Error() }
func (e *ShutdownError) Unwrap() error { return e.Err }
func (e *ShutdownError) Cause() error  { return e.Err }
