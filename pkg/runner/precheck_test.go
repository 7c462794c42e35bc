package runner

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecheckDatabaseSucceedsAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	databaseURL := "postgres://user:pass@" + ln.Addr().String() + "/db"
	err = precheckDatabase(context.Background(), databaseURL, 3, 10*time.Millisecond)
	assert.NoError(t, err)
}

func TestPrecheckDatabaseRetriesThenFails(t *testing.T) {
	// An address nothing listens on: connection refused on every attempt.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // now guaranteed closed, so dials fail fast

	start := time.Now()
	err = precheckDatabase(context.Background(), "postgres://user:pass@"+addr+"/db", 3, 5*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	// Two backoff sleeps between three attempts: 5ms + 10ms.
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
}

func TestPrecheckDatabaseRejectsUnparseableURL(t *testing.T) {
	err := precheckDatabase(context.Background(), "postgres://[::1/db", 1, time.Millisecond)
	assert.Error(t, err)
}
