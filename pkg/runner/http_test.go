package runner

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleHealthReportsUnhealthyBeforeStartup(t *testing.T) {
	r := &Runner{cfg: Config{SyncPort: 8765}, startedAt: time.Now()}
	h := newHTTPServer(r)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.handleHealth(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)
}

func TestHandleStatusRendersEmptyStoreGracefully(t *testing.T) {
	r := &Runner{cfg: Config{SyncPort: 8765}, startedAt: time.Now()}
	h := newHTTPServer(r)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"peers":0`)
}
