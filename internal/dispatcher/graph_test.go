package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGraphTrigger_Fire(t *testing.T) {
	var gotPath, gotBody, gotRequestID, gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotRequestID = r.Header.Get("X-Request-ID")
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	trigger := NewHTTPGraphTrigger(server.URL+"/", "k-123", time.Second)
	require.NoError(t, trigger.Fire(context.Background(), "acme", "nightly etl"))

	assert.Equal(t, "/v0/namespace/acme/graph/nightly%20etl/trigger", gotPath)
	assert.JSONEq(t, `{"inputs":{}}`, gotBody)
	assert.Equal(t, "k-123", gotKey)
	_, err := uuid.Parse(gotRequestID)
	assert.NoError(t, err, "X-Request-ID should be a uuid")
}

func TestHTTPGraphTrigger_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "graph template not found", http.StatusNotFound)
	}))
	defer server.Close()

	err := NewHTTPGraphTrigger(server.URL, "", time.Second).Fire(context.Background(), "acme", "etl")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "graph template not found")
}

func TestHTTPGraphTrigger_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	err := NewHTTPGraphTrigger(server.URL, "", 50*time.Millisecond).Fire(context.Background(), "acme", "etl")
	assert.Error(t, err)
}
