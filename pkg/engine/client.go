// Package engine provides typed access to the storage engine control plane.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/bdev-csi/pkg/jsonrpc"
	"git.srvlab.io/whiskey/bdev-csi/pkg/observability"
)

const (
	// DefaultConsecutiveFailures is the number of transport failures before the breaker opens
	DefaultConsecutiveFailures = 5

	// DefaultBreakerTimeout is how long the breaker stays open before probing the engine again
	DefaultBreakerTimeout = 30 * time.Second
)

// Client issues JSON-RPC calls against one engine socket
type Client struct {
	socket  string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Metrics
}

// ClientConfig configures a Client
type ClientConfig struct {
	// Socket is the engine's UNIX domain socket path
	Socket string

	// RateLimit bounds calls per second towards the engine (0 disables limiting)
	RateLimit float64

	// Burst is the limiter bucket size (defaults to 1 when RateLimit is set)
	Burst int

	// EnableBreaker fails calls fast while the engine is unreachable
	EnableBreaker bool

	// Metrics is optional
	Metrics *observability.Metrics
}

// NewClient creates a new engine client
func NewClient(config ClientConfig) (*Client, error) {
	if config.Socket == "" {
		return nil, fmt.Errorf("engine socket path is required")
	}

	c := &Client{
		socket:  config.Socket,
		metrics: config.Metrics,
	}

	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	if config.EnableBreaker {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        config.Socket,
			MaxRequests: 1,
			Timeout:     DefaultBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= DefaultConsecutiveFailures
			},
			// Only an unreachable engine counts against the breaker; an engine
			// that answers with an application error is healthy.
			IsSuccessful: func(err error) bool {
				return err == nil || !jsonrpc.IsTransportError(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				klog.Infof("Engine circuit breaker for %s: %s -> %s", name, from, to)
			},
		})
	}

	return c, nil
}

// call runs one JSON-RPC call through the limiter and breaker
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("engine call %s not started: %w", method, err)
		}
	}

	klog.V(4).Infof("Calling engine method %s on %s", method, c.socket)
	start := time.Now()

	var err error
	if c.breaker != nil {
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, jsonrpc.Call(ctx, c.socket, method, params, result)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &jsonrpc.Error{Kind: jsonrpc.KindConnect, Socket: c.socket, Method: method, Err: err}
		}
	} else {
		err = jsonrpc.Call(ctx, c.socket, method, params, result)
	}

	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, err, time.Since(start))
	}
	return err
}

// GetBdevs returns the bdev with the given name, or all bdevs when name is
// empty. An unknown name yields an empty list rather than an error.
func (c *Client) GetBdevs(ctx context.Context, name string) ([]Bdev, error) {
	var bdevs []Bdev
	err := c.call(ctx, "get_bdevs", getBdevsArgs{Name: name}, &bdevs)
	if err != nil {
		if name != "" && jsonrpc.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return bdevs, nil
}

// GetNbdDisks lists bdevs currently attached to NBD devices
func (c *Client) GetNbdDisks(ctx context.Context) ([]NbdDisk, error) {
	var disks []NbdDisk
	if err := c.call(ctx, "get_nbd_disks", nil, &disks); err != nil {
		return nil, err
	}
	return disks, nil
}

// StartNbdDisk attaches bdev to the NBD device and returns the device path
func (c *Client) StartNbdDisk(ctx context.Context, bdev, device string) (string, error) {
	var path string
	err := c.call(ctx, "start_nbd_disk", startNbdDiskArgs{BdevName: bdev, NbdDevice: device}, &path)
	if err != nil {
		return "", err
	}
	if path == "" {
		path = device
	}
	return path, nil
}

// StopNbdDisk detaches whatever bdev is attached to the NBD device
func (c *Client) StopNbdDisk(ctx context.Context, device string) error {
	return c.call(ctx, "stop_nbd_disk", stopNbdDiskArgs{NbdDevice: device}, nil)
}
