// Redis DB Connector tests in Relay.

package db

import (
	"Relay/pkg/log"
	"context"
	"io"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Global instance of log.Logger to be used during db testing.
var logger log.Logger

// In-process redis-server the tests connect to.
var mr *miniredis.Miniredis

// Global context
var ctx context.Context = context.Background()

// Sets up resources before testing the db connector.
func setup() {
	var mrerr error
	mr, mrerr = miniredis.Run()
	if mrerr != nil {
		// Couldn't start miniredis, abort test run immediately
		os.Exit(6)
	}
	logger = log.NewWithWriter("test", io.Discard)
}

// Cleans up the resources built during execution of setup()
func teardown() {
	mr.Close()
}

func TestMain(m *testing.M) {
	// Setting up Resources
	setup()
	// Running the tests
	testExitCode := m.Run()
	// Cleanup Resources
	teardown()
	// Exit
	os.Exit(testExitCode)
}

func TestDbConnectionLifeCycle(t *testing.T) {
	client, dberr := NewDbConnection(ctx, logger, "redis://"+mr.Addr()+"/0")
	// Check if there were any issues returned from NewDbConnection
	require.NoError(t, dberr)
	// Singleton returns the same wrapper
	again, _ := NewDbConnection(ctx, logger, "redis://elsewhere:1/0")
	assert.Same(t, client, again)
	// Check if connection is successful
	assert.NoError(t, client.CheckDbConnection(ctx, logger))
	assert.True(t, client.Healthy(ctx))
	assert.Equal(t, defaultTxMaxRetries, client.GetMaxRetries())
	// Flush removes data
	mr.Set("k", "v")
	client.CleanTestDbData(ctx, logger)
	assert.False(t, mr.Exists("k"))
	// Close connection
	assert.NoError(t, client.CloseDbConnection(ctx))
	// Check if connection is still active
	assert.Error(t, client.CheckDbConnection(ctx, logger))
	assert.False(t, client.Healthy(ctx))
}

func TestDialRejectsBadURL(t *testing.T) {
	_, dberr := Dial("not-a-url://", 0)
	assert.Error(t, dberr)

	wrp, dberr := Dial("redis://"+mr.Addr()+"/2", 0)
	require.NoError(t, dberr)
	assert.Equal(t, 2, wrp.Client().Options().DB)
	assert.Equal(t, defaultTxMaxRetries, wrp.GetMaxRetries())
	wrp.CloseDbConnection(ctx)
}
