package router

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleConnectionPipelined(t *testing.T) {
	r := newTestRouter(t, RouterConfig{
		Routes: []RouteConfig{{
			Path:    "/echo/{word}",
			Methods: []HttpMethod{MethodGet},
			Handler: func(req *envelope.Request) (any, error) {
				return envelope.Text(http.StatusOK, req.Param("word")), nil
			},
		}},
	})

	server, client := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- r.HandleConnection(server) }()

	go func() {
		_, _ = io.WriteString(client,
			"GET /echo/first HTTP/1.1\r\nHost: test\r\n\r\n"+
				"GET /echo/second HTTP/1.1\r\nHost: test\r\n\r\n")
	}()

	br := bufio.NewReader(client)
	for _, want := range []string{"first", "second"} {
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, want, string(body))
	}

	require.NoError(t, client.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConnection did not return after the peer closed")
	}
}

func TestHandleConnectionAfterShutdown(t *testing.T) {
	r := newTestRouter(t, RouterConfig{})
	require.NoError(t, r.Shutdown(t.Context()))

	server, client := net.Pipe()
	defer client.Close()
	assert.ErrorIs(t, r.HandleConnection(server), ErrShuttingDown)
}
