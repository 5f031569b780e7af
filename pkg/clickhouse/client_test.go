package clickhouse

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/histsync/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
}

func TestNewClient_RejectsScheme(t *testing.T) {
	_, err := NewClient("tcp://localhost:9000", "default", "")
	require.Error(t, err)
}

func TestClient_ExecuteRetriesAndResendsBody(t *testing.T) {
	var calls atomic.Int32
	var lastBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = string(body)
		assert.Equal(t, "INSERT INTO t FORMAT JSONEachRow", r.URL.Query().Get("query"))
		user, _, _ := r.BasicAuth()
		assert.Equal(t, "writer", user)

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("busy"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "writer", "secret", WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	err = c.Execute(context.Background(), "INSERT INTO t FORMAT JSONEachRow", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, `{"a":1}`, lastBody)
}

func TestClient_QueryReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{\"x\":1}\n{\"x\":2}\n"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "default", "", WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	body, err := c.Query(context.Background(), "SELECT 1 FORMAT JSONEachRow")
	require.NoError(t, err)
	assert.Equal(t, "{\"x\":1}\n{\"x\":2}\n", string(body))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Code: 62. DB::Exception: Syntax error"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "default", "", WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	err = c.Execute(context.Background(), "SELEC 1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Syntax error")
	assert.Equal(t, int32(1), calls.Load())
}
