package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/learnloop/llm-gateway/config"
)

type recordingCloser struct {
	closed atomic.Bool
	err    error
}

func (c *recordingCloser) Close(context.Context) error {
	c.closed.Store(true)
	return c.err
}

func TestNewServer(t *testing.T) {
	srv := newServer(config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         9090,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 7 * time.Second,
	}, http.NotFoundHandler())

	assert.Equal(t, "127.0.0.1:9090", srv.Addr)
	assert.Equal(t, 3*time.Second, srv.ReadTimeout)
	assert.Equal(t, 7*time.Second, srv.WriteTimeout)
	assert.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)
}

func TestServe_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	release := make(chan struct{})
	srv := newServer(config.ServerConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("done"))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	deps := &recordingCloser{}
	result := make(chan error, 1)
	go func() {
		result <- serve(ctx, srv, ln, deps, 5*time.Second, zaptest.NewLogger(t))
	}()

	// start a request that is in flight when shutdown begins
	body := make(chan string, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/slow")
		if err != nil {
			body <- err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body <- string(b)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}
	assert.Equal(t, "done", <-body)
	assert.True(t, deps.closed.Load())
}

func TestServe_ReportsCloseError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	closeErr := errors.New("flush failed")
	err = serve(ctx, newServer(config.ServerConfig{}, http.NotFoundHandler()), ln,
		&recordingCloser{err: closeErr}, time.Second, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, closeErr)
}
