package mock

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/bdev-csi/pkg/engine"
	"git.srvlab.io/whiskey/bdev-csi/pkg/jsonrpc"
)

// sectorsPerExport is the size written to sysfs when a device is attached
const sectorsPerExport = 2097152

// CallHistory records a call handled by the mock engine
type CallHistory struct {
	Timestamp time.Time
	Method    string
	Params    string
	ErrorCode int
}

// MockEngineServer simulates the storage engine for testing. It keeps a
// bdev table and an NBD export table, and mirrors exports into a fake sysfs
// tree so the node plugin sees devices appear.
type MockEngineServer struct {
	socket    string
	sysfsRoot string
	listener  net.Listener

	mu      sync.Mutex
	bdevs   map[string]engine.Bdev
	exports map[string]string // nbd device -> bdev name
	history []CallHistory

	config        MockEngineConfig
	errorInjector *ErrorInjector

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewMockEngineServer creates a mock engine listening on socket with
// devices NBD slots under sysfsRoot
func NewMockEngineServer(socket, sysfsRoot string, devices int) (*MockEngineServer, error) {
	for i := 0; i < devices; i++ {
		dir := filepath.Join(sysfsRoot, "block", "nbd"+strconv.Itoa(i))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create sysfs device: %w", err)
		}
		if err := writeSectors(dir, 0); err != nil {
			return nil, err
		}
	}

	config := LoadConfigFromEnv()
	return &MockEngineServer{
		socket:        socket,
		sysfsRoot:     sysfsRoot,
		bdevs:         make(map[string]engine.Bdev),
		exports:       make(map[string]string),
		config:        config,
		errorInjector: NewErrorInjector(config),
		shutdown:      make(chan struct{}),
	}, nil
}

// Start begins accepting connections
func (s *MockEngineServer) Start() error {
	listener, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socket, err)
	}
	s.listener = listener

	klog.Infof("Mock engine listening on %s", s.socket)

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop gracefully stops the server
func (s *MockEngineServer) Stop() error {
	close(s.shutdown)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socket)
	return err
}

// SocketPath returns the socket the server listens on
func (s *MockEngineServer) SocketPath() string {
	return s.socket
}

// ErrorInjector returns the injector driving this server's failures
func (s *MockEngineServer) ErrorInjector() *ErrorInjector {
	return s.errorInjector
}

// AddBdev registers a bdev (test helper)
func (s *MockEngineServer) AddBdev(name string, blockSize uint32, numBlocks uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bdevs[name] = engine.Bdev{
		Name:        name,
		UUID:        "00000000-0000-0000-0000-" + fmt.Sprintf("%012d", len(s.bdevs)),
		ProductName: "Malloc disk",
		BlockSize:   blockSize,
		NumBlocks:   numBlocks,
	}
}

// Exports returns a copy of the NBD export table (test helper)
func (s *MockEngineServer) Exports() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.exports))
	for k, v := range s.exports {
		out[k] = v
	}
	return out
}

// DetachAll drops every NBD export and clears the sysfs sizes (test helper)
func (s *MockEngineServer) DetachAll() {
	s.mu.Lock()
	devices := make([]string, 0, len(s.exports))
	for device := range s.exports {
		devices = append(devices, device)
	}
	s.exports = make(map[string]string)
	s.mu.Unlock()

	for _, device := range devices {
		dir := filepath.Join(s.sysfsRoot, "block", strings.TrimPrefix(device, "/dev/"))
		if err := writeSectors(dir, 0); err != nil {
			klog.Errorf("Mock engine failed to clear %s: %v", device, err)
		}
	}
}

// History returns the recorded calls (test helper)
func (s *MockEngineServer) History() []CallHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CallHistory(nil), s.history...)
}

func (s *MockEngineServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				klog.Errorf("Mock engine failed to accept connection: %v", err)
				return
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *MockEngineServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// The client half-closes once the request is written
	raw, err := io.ReadAll(conn)
	if err != nil {
		return
	}

	if s.config.RealisticTiming {
		time.Sleep(time.Duration(s.config.CallLatencyMs) * time.Millisecond)
	}

	resp := map[string]interface{}{"jsonrpc": jsonrpc.Version}
	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		resp["id"] = nil
		resp["error"] = &jsonrpc.RPCError{Code: codeParseFailed, Message: "Parse error"}
	} else {
		resp["id"] = req.ID
		result, rpcErr := s.dispatch(req.Method, req.Params)
		s.record(req.Method, req.Params, rpcErr)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_, _ = conn.Write(out)
}

func (s *MockEngineServer) record(method string, params json.RawMessage, rpcErr *jsonrpc.RPCError) {
	if !s.config.EnableHistory {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := CallHistory{Timestamp: time.Now(), Method: method, Params: string(params)}
	if rpcErr != nil {
		entry.ErrorCode = rpcErr.Code
	}
	s.history = append(s.history, entry)
	if s.config.HistoryDepth > 0 && len(s.history) > s.config.HistoryDepth {
		s.history = s.history[len(s.history)-s.config.HistoryDepth:]
	}
}

func (s *MockEngineServer) dispatch(method string, params json.RawMessage) (interface{}, *jsonrpc.RPCError) {
	if code := s.errorInjector.ShouldFail(method); code != 0 {
		return nil, &jsonrpc.RPCError{Code: code, Message: "injected failure"}
	}

	switch method {
	case "get_bdevs":
		return s.getBdevs(params)
	case "get_nbd_disks":
		return s.getNbdDisks(), nil
	case "start_nbd_disk":
		return s.startNbdDisk(params)
	case "stop_nbd_disk":
		return s.stopNbdDisk(params)
	default:
		return nil, &jsonrpc.RPCError{Code: codeNoMethod, Message: "Method not found"}
	}
}

func (s *MockEngineServer) getBdevs(params json.RawMessage) (interface{}, *jsonrpc.RPCError) {
	var args struct {
		Name string `json:"name"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, &jsonrpc.RPCError{Code: codeBadParams, Message: "Invalid parameters"}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if args.Name != "" {
		bdev, ok := s.bdevs[args.Name]
		if !ok {
			return nil, &jsonrpc.RPCError{Code: codeNoEntry, Message: "No such device"}
		}
		return []engine.Bdev{bdev}, nil
	}

	out := make([]engine.Bdev, 0, len(s.bdevs))
	for _, b := range s.bdevs {
		out = append(out, b)
	}
	return out, nil
}

func (s *MockEngineServer) getNbdDisks() []engine.NbdDisk {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]engine.NbdDisk, 0, len(s.exports))
	for device, bdev := range s.exports {
		out = append(out, engine.NbdDisk{BdevName: bdev, NbdDevice: device})
	}
	return out
}

func (s *MockEngineServer) startNbdDisk(params json.RawMessage) (interface{}, *jsonrpc.RPCError) {
	var args engine.NbdDisk
	if err := json.Unmarshal(params, &args); err != nil || args.BdevName == "" || args.NbdDevice == "" {
		return nil, &jsonrpc.RPCError{Code: codeBadParams, Message: "Invalid parameters"}
	}

	s.mu.Lock()
	if _, ok := s.bdevs[args.BdevName]; !ok {
		s.mu.Unlock()
		return nil, &jsonrpc.RPCError{Code: codeNoEntry, Message: "No such device"}
	}
	if _, busy := s.exports[args.NbdDevice]; busy {
		s.mu.Unlock()
		return nil, &jsonrpc.RPCError{Code: codeExists, Message: "File exists"}
	}
	s.exports[args.NbdDevice] = args.BdevName
	s.mu.Unlock()

	dir := filepath.Join(s.sysfsRoot, "block", strings.TrimPrefix(args.NbdDevice, "/dev/"))
	publish := func() {
		if err := writeSectors(dir, sectorsPerExport); err != nil {
			klog.Errorf("Mock engine failed to publish %s: %v", args.NbdDevice, err)
		}
	}
	if s.config.RealisticTiming && s.config.AttachDelayMs > 0 {
		time.AfterFunc(time.Duration(s.config.AttachDelayMs)*time.Millisecond, publish)
	} else {
		publish()
	}

	return args.NbdDevice, nil
}

func (s *MockEngineServer) stopNbdDisk(params json.RawMessage) (interface{}, *jsonrpc.RPCError) {
	var args struct {
		NbdDevice string `json:"nbd_device"`
	}
	if err := json.Unmarshal(params, &args); err != nil || args.NbdDevice == "" {
		return nil, &jsonrpc.RPCError{Code: codeBadParams, Message: "Invalid parameters"}
	}

	s.mu.Lock()
	_, ok := s.exports[args.NbdDevice]
	delete(s.exports, args.NbdDevice)
	s.mu.Unlock()

	if !ok {
		return nil, &jsonrpc.RPCError{Code: codeNoEntry, Message: "No such device"}
	}

	dir := filepath.Join(s.sysfsRoot, "block", strings.TrimPrefix(args.NbdDevice, "/dev/"))
	if err := writeSectors(dir, 0); err != nil {
		klog.Errorf("Mock engine failed to clear %s: %v", args.NbdDevice, err)
	}
	return true, nil
}

func writeSectors(dir string, sectors int) error {
	return os.WriteFile(filepath.Join(dir, "size"), []byte(strconv.Itoa(sectors)+"\n"), 0644)
}
