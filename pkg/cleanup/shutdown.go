// Closes open external connections before shutting down Relay.
// Inspired from https://medium.com/tokopedia-engineering/gracefully-shutdown-your-go-application-9e7d5c73b5ac

package cleanup

import (
	"Relay/pkg/log"
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
)

// Operation is a clean up function standard.
type Operation func(ctx context.Context) error

// Signals that start the shutdown sequence.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// forceExit is swapped in tests.
var forceExit = func() { os.Exit(3) }

// GracefulShutdown waits for termination system-calls and performs clean-up operations.
// The returned channel yields the combined error of every operation, then closes.
func GracefulShutdown(ctx context.Context, logger log.Logger, timeout time.Duration, operations map[string]Operation) <-chan error {
	wait := make(chan error, 1)

	go func() {
		// buffered channel to receive shutdown signal
		s := make(chan os.Signal, 1)
		signal.Notify(s, shutdownSignals...)
		defer signal.Stop(s)

		select {
		case sig := <-s:
			logger.Warn().Str("signal", sig.String()).Msg("Graceful shutdown in progress.")
		case <-ctx.Done():
			logger.Warn().Msg("Graceful shutdown in progress, context closed.")
		}

		// Force exit after timeout duration has been elapsed
		force := time.AfterFunc(timeout, func() {
			logger.Warn().Msgf("Timeout of %fs has been elapsed. Forcing shutdown!", timeout.Seconds())
			forceExit()
		})
		defer force.Stop()

		opctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Executing the cleanup operations asynchronously for better performance
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			result error
		)
		for opname, op := range operations {
			// Adding task to be executed asynchronously
			wg.Add(1)
			go func(opname string, op Operation) {
				defer wg.Done()
				logger.Info().Msgf("Shutting down: %s", opname)
				if err := op(opctx); err != nil {
					logger.Error().Err(err).Msgf("%s shutdown failed.", opname)
					mu.Lock()
					result = multierr.Append(result, err)
					mu.Unlock()
					return
				}
				logger.Info().Msgf("%s shutdown completed.", opname)
			}(opname, op)
		}
		// Wait for all of the tasks to finish
		wg.Wait()
		wait <- result
		close(wait)
	}()

	return wait
}
