package sonar_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okorach/sonar-tools-sub002/internal/cache"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

type quietLogger struct{}

func (quietLogger) Debug(msg string, fields ...interface{}) {}
func (quietLogger) Info(msg string, fields ...interface{})  {}
func (quietLogger) Warn(msg string, fields ...interface{})  {}
func (quietLogger) Error(msg string, fields ...interface{}) {}

func newTestClient(t *testing.T, mux *http.ServeMux) *client.Client {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	c, err := client.NewClient(&config.ServerSettings{
		URL:     server.URL,
		Token:   "squ_test",
		Timeout: 5 * time.Second,
		RateLimit: config.RateLimitSettings{
			RequestsPerSecond: 1000,
			BurstSize:         1000,
			Timeout:           time.Second,
		},
		Retry: config.RetrySettings{MaxAttempts: 1},
	}, quietLogger{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func newTestCache() *cache.Cache {
	return cache.New(nil)
}

// registerPlatform stubs the server identity endpoints so edition gates
// resolve.
func registerPlatform(mux *http.ServeMux, edition string) {
	mux.HandleFunc("/api/navigation/global", func(w http.ResponseWriter, r *http.Request) {
		respond(w, fmt.Sprintf(`{"version":"10.4","edition":%q}`, edition))
	})
	mux.HandleFunc("/api/system/status", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"id":"9A1B2C3D","version":"10.4","status":"UP"}`)
	})
}

// registerEmptyPermissions answers every permission listing with no
// holders.
func registerEmptyPermissions(mux *http.ServeMux) {
	empty := func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"paging":{"pageIndex":1,"pageSize":100,"total":0}}`)
	}
	mux.HandleFunc("/api/permissions/groups", empty)
	mux.HandleFunc("/api/permissions/users", empty)
}

func respond(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"errors":[{"msg":%q}]}`, msg)
}
