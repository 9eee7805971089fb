package dap

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"
)

// newTestSessionServer wires a Server+Session pair (the NewSessionServer
// two-phase construction in server.go) to a Client over a pair of
// in-memory pipes, the same duplex-io.Pipe idiom docker-buildx's
// NewTestAdapter uses: one pipe per direction, since a single io.Pipe
// is simplex.
func newTestSessionServer(t *testing.T, cfg Configuration) *Client {
	t.Helper()

	rd1, wr1 := io.Pipe()
	rd2, wr2 := io.Pipe()

	srv, _ := NewSessionServer(cfg)
	srvConn := NewConn(rd1, wr2)
	t.Cleanup(func() { srvConn.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, srvConn)

	clientConn := NewConn(rd2, wr1)
	client := NewClient(clientConn)
	t.Cleanup(func() { client.Close() })
	return client
}

// TestSessionServerInitializeAdvertisesCustomCapabilities checks that
// dapper's own extra capability flags (capabilities.go) actually
// reach the wire, not just the in-process InitializeResponseBody.
func TestSessionServerInitializeAdvertisesCustomCapabilities(t *testing.T) {
	client := newTestSessionServer(t, Configuration{SessionID: "test"})

	ch := DoRequest[*dap.InitializeResponse](t, client, &dap.InitializeRequest{
		Request: dap.Request{Command: "initialize"},
	})

	select {
	case resp := <-ch:
		require.NotNil(t, resp)
		require.True(t, resp.Success)

		raw, err := json.Marshal(resp)
		require.NoError(t, err)

		var decoded struct {
			Body InitializeResponseBody `json:"body"`
		}
		require.NoError(t, json.Unmarshal(raw, &decoded))

		require.True(t, decoded.Body.SupportsHotReload)
		require.True(t, decoded.Body.SupportsConfigurationDoneRequest)
		require.True(t, decoded.Body.SupportsSetVariable)
		require.False(t, decoded.Body.SupportsChildProcessDebugging)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initialize response")
	}
}

func TestSessionServerInitializeAdvertisesChildProcessDebuggingWhenConfigured(t *testing.T) {
	client := newTestSessionServer(t, Configuration{SessionID: "test", SubprocessAutoAttach: true})

	ch := DoRequest[*dap.InitializeResponse](t, client, &dap.InitializeRequest{
		Request: dap.Request{Command: "initialize"},
	})

	select {
	case resp := <-ch:
		require.NotNil(t, resp)

		raw, err := json.Marshal(resp)
		require.NoError(t, err)

		var decoded struct {
			Body InitializeResponseBody `json:"body"`
		}
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.True(t, decoded.Body.SupportsChildProcessDebugging)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initialize response")
	}
}

func TestSessionServerInitializeTwiceFails(t *testing.T) {
	client := newTestSessionServer(t, Configuration{SessionID: "test"})

	newInit := func() *dap.InitializeRequest {
		return &dap.InitializeRequest{Request: dap.Request{Command: "initialize"}}
	}

	select {
	case resp := <-DoRequest[*dap.InitializeResponse](t, client, newInit()):
		require.NotNil(t, resp)
		require.True(t, resp.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first initialize response")
	}

	select {
	case resp := <-DoRequest[*dap.InitializeResponse](t, client, newInit()):
		require.NotNil(t, resp)
		require.False(t, resp.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second initialize response")
	}
}
