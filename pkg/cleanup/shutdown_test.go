// Graceful shutdown tests in Relay.

package cleanup

import (
	"Relay/pkg/log"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Global instance of log.Logger to be used during cleanup testing.
var logger log.Logger

// Sets up resources before testing graceful shutdown in Relay.
func setup() {
	gin.SetMode(gin.TestMode)
	logger = log.NewWithWriter("test", io.Discard)
}

func TestMain(m *testing.M) {
	// Setting up Resources
	setup()
	// Running the tests
	os.Exit(m.Run())
}

// Starts a throwaway gin server on a random port.
func startServer(t *testing.T) (*http.Server, string) {
	router := gin.New()
	router.GET("/api", func(gctx *gin.Context) {
		gctx.Status(http.StatusOK)
	})
	ln, lnerr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, lnerr)
	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Error in Serve()")
		}
	}()
	return srv, ln.Addr().String()
}

func TestGracefulShutdownOnContextCancel(t *testing.T) {
	srv, addr := startServer(t)
	resp, geterr := http.Get(fmt.Sprintf("http://%s/api", addr))
	require.NoError(t, geterr)
	resp.Body.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var closed atomic.Bool
	wait := GracefulShutdown(ctx, logger, 5*time.Second, map[string]Operation{
		"Sessions": func(ctx context.Context) error {
			closed.Store(true)
			return nil
		},
		"Gin": func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	cancel()

	select {
	case err := <-wait:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.True(t, closed.Load())
	_, testerr := http.Get(fmt.Sprintf("http://%s/api", addr))
	assert.Error(t, testerr)
}

func TestGracefulShutdownAggregatesErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first, second := errors.New("bus close"), errors.New("redis close")
	wait := GracefulShutdown(ctx, logger, 5*time.Second, map[string]Operation{
		"Bus":          func(context.Context) error { return first },
		"Redis-server": func(context.Context) error { return second },
		"Gin":          func(context.Context) error { return nil },
	})
	cancel()

	err := <-wait
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}

func TestGracefulShutdownForcesExitAfterTimeout(t *testing.T) {
	forced := make(chan struct{})
	release := make(chan struct{})
	forceExit = func() { close(forced) }
	defer func() { forceExit = func() { os.Exit(3) } }()

	ctx, cancel := context.WithCancel(context.Background())
	wait := GracefulShutdown(ctx, logger, 50*time.Millisecond, map[string]Operation{
		"Stuck": func(context.Context) error {
			<-release
			return nil
		},
	})
	cancel()

	select {
	case <-forced:
	case <-time.After(2 * time.Second):
		t.Fatal("force exit was not triggered")
	}
	close(release)
	<-wait
}
