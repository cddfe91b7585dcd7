// Panic containment helpers for goroutines spawned inside Relay.

package safe

import (
	"Relay/pkg/log"
	"fmt"

	"github.com/pkg/errors"
)

// Go starts a new goroutine that recovers from panic,
// so that a single misbehaving task doesn't crash the entire gateway.
func Go(logger log.Logger, name string, f func()) {
	go func() {
		defer Recover(logger, name)
		f()
	}()
}

// Recover logs a recovered panic with a stack, meant to be deferred.
func Recover(logger log.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error().Stack().Err(errors.New(fmt.Sprint(r))).Str("task", name).Msg("panic recovered")
	}
}

// Call runs f and converts a panic into an error carrying a stack trace.
func Call(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return f()
}
