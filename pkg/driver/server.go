package driver

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

// maxMsgSize caps gRPC messages in both directions
const maxMsgSize = 16 * 1024 * 1024

// NonBlockingGRPCServer serves the CSI services in the background
type NonBlockingGRPCServer struct {
	server   *grpc.Server
	listener net.Listener
	endpoint string
	done     chan struct{}
}

// NewNonBlockingGRPCServer creates a server for endpoint. Nothing listens
// until Start.
func NewNonBlockingGRPCServer(endpoint string) *NonBlockingGRPCServer {
	return &NonBlockingGRPCServer{
		endpoint: endpoint,
	}
}

// Start listens on the endpoint and serves ids and ns until Stop. Either
// service may be nil.
func (s *NonBlockingGRPCServer) Start(ids csi.IdentityServer, ns csi.NodeServer) error {
	proto, addr, err := parseEndpoint(s.endpoint)
	if err != nil {
		return fmt.Errorf("failed to parse endpoint: %w", err)
	}

	// A socket left by a previous run would make Listen fail
	if proto == "unix" {
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale socket %s: %w", addr, err)
		}
	}

	listener, err := net.Listen(proto, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s://%s: %w", proto, addr, err)
	}
	s.listener = listener

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	if ids != nil {
		csi.RegisterIdentityServer(s.server, ids)
	}
	if ns != nil {
		csi.RegisterNodeServer(s.server, ns)
	}
	klog.V(4).Infof("Registered identity=%t node=%t", ids != nil, ns != nil)

	klog.Infof("gRPC server listening on %s://%s", proto, addr)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			klog.Errorf("gRPC server stopped: %v", err)
		}
	}()

	return nil
}

// Addr returns the listening address, or nil before Start
func (s *NonBlockingGRPCServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight RPCs and closes the listener
func (s *NonBlockingGRPCServer) Stop() {
	klog.Info("Stopping gRPC server")
	if s.server != nil {
		s.server.GracefulStop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Wait blocks until Serve returns
func (s *NonBlockingGRPCServer) Wait() {
	if s.done != nil {
		<-s.done
	}
}

// parseEndpoint splits a CSI endpoint into a network and an address.
// A bare path is taken as a UNIX socket.
func parseEndpoint(endpoint string) (string, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse endpoint: %w", err)
	}

	var proto, addr string
	switch u.Scheme {
	case "unix":
		proto = "unix"
		addr = u.Path
		if addr == "" {
			addr = u.Host
		}
	case "tcp":
		proto = "tcp"
		addr = u.Host
		if addr == "" {
			return "", "", fmt.Errorf("tcp endpoint must specify host")
		}
	case "":
		proto = "unix"
		addr = strings.TrimPrefix(endpoint, "unix://")
	default:
		return "", "", fmt.Errorf("unsupported endpoint scheme: %s", u.Scheme)
	}

	if addr == "" {
		return "", "", fmt.Errorf("endpoint address cannot be empty")
	}
	return proto, addr, nil
}
