package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.srvlab.io/whiskey/bdev-csi/pkg/jsonrpc"
	"git.srvlab.io/whiskey/bdev-csi/pkg/observability"
)

type handlerFunc func(params json.RawMessage) (interface{}, *jsonrpc.RPCError)

// startFakeEngine serves JSON-RPC on a UNIX socket, dispatching by method name
func startFakeEngine(t *testing.T, handlers map[string]handlerFunc) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "engine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socket := filepath.Join(dir, "spdk.sock")
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				raw, err := io.ReadAll(c)
				if err != nil {
					return
				}
				var req jsonrpc.Request
				if err := json.Unmarshal(raw, &req); err != nil {
					return
				}

				resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
				h, ok := handlers[req.Method]
				if !ok {
					resp["error"] = &jsonrpc.RPCError{Code: -32601, Message: "Method not found"}
				} else if result, rpcErr := h(req.Params); rpcErr != nil {
					resp["error"] = rpcErr
				} else {
					resp["result"] = result
				}
				out, _ := json.Marshal(resp)
				_, _ = c.Write(out)
			}(conn)
		}
	}()

	return socket
}

func newTestClient(t *testing.T, socket string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{Socket: socket, Metrics: observability.NewMetrics()})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresSocket(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestGetBdevs(t *testing.T) {
	socket := startFakeEngine(t, map[string]handlerFunc{
		"get_bdevs": func(params json.RawMessage) (interface{}, *jsonrpc.RPCError) {
			var args getBdevsArgs
			_ = json.Unmarshal(params, &args)
			switch args.Name {
			case "vol-1":
				return []Bdev{{Name: "vol-1", BlockSize: 512, NumBlocks: 2097152}}, nil
			case "":
				return []Bdev{{Name: "vol-1"}, {Name: "vol-2"}}, nil
			default:
				return nil, &jsonrpc.RPCError{Code: -2, Message: "No such device"}
			}
		},
	})
	c := newTestClient(t, socket)
	ctx := context.Background()

	bdevs, err := c.GetBdevs(ctx, "vol-1")
	require.NoError(t, err)
	require.Len(t, bdevs, 1)
	assert.Equal(t, int64(1<<30), bdevs[0].SizeBytes())

	all, err := c.GetBdevs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	missing, err := c.GetBdevs(ctx, "vol-404")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestNbdDiskMethods(t *testing.T) {
	var started startNbdDiskArgs
	var stopped stopNbdDiskArgs

	socket := startFakeEngine(t, map[string]handlerFunc{
		"get_nbd_disks": func(json.RawMessage) (interface{}, *jsonrpc.RPCError) {
			return []NbdDisk{{BdevName: "vol-1", NbdDevice: "/dev/nbd0"}}, nil
		},
		"start_nbd_disk": func(params json.RawMessage) (interface{}, *jsonrpc.RPCError) {
			_ = json.Unmarshal(params, &started)
			if started.BdevName == "vol-1" {
				return nil, &jsonrpc.RPCError{Code: -17, Message: "File exists"}
			}
			return started.NbdDevice, nil
		},
		"stop_nbd_disk": func(params json.RawMessage) (interface{}, *jsonrpc.RPCError) {
			_ = json.Unmarshal(params, &stopped)
			return true, nil
		},
	})
	c := newTestClient(t, socket)
	ctx := context.Background()

	disks, err := c.GetNbdDisks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []NbdDisk{{BdevName: "vol-1", NbdDevice: "/dev/nbd0"}}, disks)

	path, err := c.StartNbdDisk(ctx, "vol-2", "/dev/nbd1")
	require.NoError(t, err)
	assert.Equal(t, "/dev/nbd1", path)
	assert.Equal(t, "vol-2", started.BdevName)

	_, err = c.StartNbdDisk(ctx, "vol-1", "/dev/nbd2")
	assert.True(t, jsonrpc.IsAlreadyExists(err))

	require.NoError(t, c.StopNbdDisk(ctx, "/dev/nbd1"))
	assert.Equal(t, "/dev/nbd1", stopped.NbdDevice)
}

func TestBreakerOpensOnTransportFailures(t *testing.T) {
	dir, err := os.MkdirTemp("", "engine")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c, err := NewClient(ClientConfig{
		Socket:        filepath.Join(dir, "absent.sock"),
		EnableBreaker: true,
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < DefaultConsecutiveFailures; i++ {
		_, err := c.GetNbdDisks(ctx)
		require.Error(t, err)
		assert.False(t, errors.Is(err, gobreaker.ErrOpenState), "breaker opened early on attempt %d", i+1)
	}

	_, err = c.GetNbdDisks(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))

	// Still reported as a connection failure to callers
	kind, ok := jsonrpc.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.KindConnect, kind)
}

func TestBreakerIgnoresApplicationErrors(t *testing.T) {
	socket := startFakeEngine(t, map[string]handlerFunc{})

	c, err := NewClient(ClientConfig{Socket: socket, EnableBreaker: true})
	require.NoError(t, err)

	for i := 0; i < DefaultConsecutiveFailures+2; i++ {
		_, err := c.GetNbdDisks(context.Background())
		require.Error(t, err)
		assert.True(t, jsonrpc.IsRPCCode(err, jsonrpc.CodeMethodNotFound))
	}
}

func TestRateLimitedCallHonoursContext(t *testing.T) {
	socket := startFakeEngine(t, map[string]handlerFunc{
		"get_nbd_disks": func(json.RawMessage) (interface{}, *jsonrpc.RPCError) {
			return []NbdDisk{}, nil
		},
	})

	c, err := NewClient(ClientConfig{Socket: socket, RateLimit: 0.001, Burst: 1})
	require.NoError(t, err)

	// First call consumes the only token
	_, err = c.GetNbdDisks(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GetNbdDisks(ctx)
	assert.Error(t, err)
}
