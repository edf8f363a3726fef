package extension

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hostlens/hostlens/internal/registry"
)

// testClient is a bare-bones stand-in for an out-of-process extension,
// driving the wire protocol directly instead of through a real child
// process, the way the teacher's handler tests dial its own HTTP server
// in-process rather than spawning a binary.
type testClient struct {
	nc net.Conn
}

func dialTestClient(t *testing.T, socketPath string) *testClient {
	t.Helper()
	var nc net.Conn
	var err error
	for i := 0; i < 50; i++ {
		nc, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	return &testClient{nc: nc}
}

func (c *testClient) send(env Envelope) error { return writeEnvelope(c.nc, env) }
func (c *testClient) recv() (Envelope, error) { return readEnvelope(c.nc) }

func startHost(t *testing.T) (*Host, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "hostlensd.sock")
	reg := registry.New()
	h := NewHost(socketPath, reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		os.Remove(socketPath)
	})
	return h, reg, socketPath
}

func TestPingHandshakeAssignsUUID(t *testing.T) {
	_, _, socketPath := startHost(t)
	c := dialTestClient(t, socketPath)

	require.NoError(t, c.send(Envelope{Action: "ping"}))
	resp, err := c.recv()
	require.NoError(t, err)
	require.Equal(t, "pong", resp.Action)
	require.NotEmpty(t, resp.UUID)
	require.Equal(t, "hostlens", resp.ServerVersion)
}

func TestRegisterAddsPluginToRegistry(t *testing.T) {
	_, reg, socketPath := startHost(t)
	c := dialTestClient(t, socketPath)

	require.NoError(t, c.send(Envelope{Action: "ping"}))
	_, err := c.recv()
	require.NoError(t, err)

	require.NoError(t, c.send(Envelope{Action: "register", Kind: "table", Name: "custom_table"}))
	ack, err := c.recv()
	require.NoError(t, err)
	require.Equal(t, "register_ack", ack.Action)

	require.Contains(t, reg.Names(registry.KindTable), "custom_table")
}

func TestCallRoundTripsThroughRegistry(t *testing.T) {
	_, reg, socketPath := startHost(t)
	c := dialTestClient(t, socketPath)

	require.NoError(t, c.send(Envelope{Action: "ping"}))
	_, err := c.recv()
	require.NoError(t, err)
	require.NoError(t, c.send(Envelope{Action: "register", Kind: "table", Name: "custom_table"}))
	_, err = c.recv()
	require.NoError(t, err)

	resultCh := make(chan registry.Response, 1)
	go func() {
		resp, st := reg.Call(registry.KindTable, "custom_table", registry.Request{"op": "generate"})
		require.True(t, st.Ok())
		resultCh <- resp
	}()

	incoming, err := c.recv()
	require.NoError(t, err)
	require.Equal(t, "call", incoming.Action)
	require.Equal(t, "generate", incoming.Request["op"])

	require.NoError(t, c.send(Envelope{
		Action:    "call_response",
		RequestID: incoming.RequestID,
		Response:  registry.Response{{"pid": "1"}},
	}))

	select {
	case resp := <-resultCh:
		require.Equal(t, "1", resp[0]["pid"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call round trip")
	}
}
