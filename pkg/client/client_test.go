package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatus(t *testing.T) {
	srv := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session":"abc","state":"running","pid":77,"restarts":3,
			"last_exit":{"code":0},"resources":{"pid":77,"cpu_percent":1.5}}`))
	})
	c := New(Config{BaseURL: srv.URL + "/api/"})

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, 77, st.PID)
	assert.Equal(t, 3, st.Restarts)
	require.NotNil(t, st.LastExit)
	require.NotNil(t, st.Resources)
	assert.InDelta(t, 1.5, st.Resources.CPUPercent, 0.001)
}

func TestStatusError(t *testing.T) {
	srv := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	})
	_, err := New(Config{BaseURL: srv.URL + "/api"}).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRestart(t *testing.T) {
	srv := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted":true,"state":"restarting"}`))
	})
	res, err := New(Config{BaseURL: srv.URL + "/api"}).Restart(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "restarting", res.State)
}

func TestRestartRejected(t *testing.T) {
	srv := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"accepted":false,"state":"restarting","error":"restart already in progress"}`))
	})
	res, err := New(Config{BaseURL: srv.URL + "/api"}).Restart(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRestartRejected))
	assert.Equal(t, "restarting", res.State)
}

func TestIsReachable(t *testing.T) {
	srv := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.True(t, New(Config{BaseURL: srv.URL + "/api"}).IsReachable(context.Background()))

	srv.Close()
	assert.False(t, New(Config{BaseURL: srv.URL + "/api"}).IsReachable(context.Background()))
}

func TestInsecureTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"running"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Status(context.Background())
	require.Error(t, err, "self-signed certificate must not verify by default")

	st, err := New(Config{BaseURL: srv.URL, Insecure: true}).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
}

func TestBadCACertFallsBack(t *testing.T) {
	c := New(Config{CACert: "/nonexistent/ca.pem"})
	assert.Equal(t, "http://127.0.0.1:8787/api", c.baseURL)
}
