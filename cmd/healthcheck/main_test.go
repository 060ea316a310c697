package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	assert.NoError(t, probe(client, srv.URL))

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, probe(client, srv.URL))

	assert.Error(t, probe(client, "http://127.0.0.1:1/readyz"))
}
