package test

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// StalledRedis accepts connections and never answers them, returning its redis URL.
func StalledRedis(t *testing.T) string {
	t.Helper()
	ln, lnerr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, lnerr)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, accerr := ln.Accept()
			if accerr != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
	return "redis://" + ln.Addr().String() + "/0"
}
