package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strconv"

	"k8s.io/klog/v2"
)

// Call sends one request to the engine listening on socket and decodes the
// result into result. params may be nil, in which case the field is omitted.
// result may be nil when the caller does not care about the payload.
//
// The connection is used for exactly one request. The write side is closed
// before the reply is read because the engine does not complete its reply
// while the client's write side is still open.
func Call(ctx context.Context, socket, method string, params, result interface{}) error {
	raw, err := encodeRequest(method, params)
	if err != nil {
		return &Error{Kind: KindParse, Socket: socket, Method: method, Err: err}
	}

	reply, err := roundTrip(ctx, socket, raw)
	if err != nil {
		return classifyIOError(socket, method, err)
	}

	if err := parseReply(reply, result); err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Socket = socket
			e.Method = method
		}
		return err
	}
	return nil
}

func encodeRequest(method string, params interface{}) ([]byte, error) {
	req := Request{
		Method:  method,
		ID:      requestID,
		Version: Version,
	}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = p
	}
	return json.Marshal(&req)
}

// roundTrip connects, writes the request, half-closes and drains the reply
func roundTrip(ctx context.Context, socket string, request []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	klog.V(5).Infof("JSON request: %s", request)

	if _, err := conn.Write(request); err != nil {
		return nil, err
	}

	// Close write first, read second. Closing the whole connection or the
	// read side here would make the engine drop its reply.
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	if err := uc.CloseWrite(); err != nil {
		return nil, err
	}

	reply, err := io.ReadAll(uc)
	if err != nil {
		return nil, err
	}

	_ = uc.CloseRead()
	return reply, nil
}

func classifyIOError(socket, method string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return &Error{Kind: KindConnect, Socket: socket, Method: method, Err: err}
	}
	return &Error{Kind: KindIO, Socket: socket, Method: method, Err: err}
}

// parseReply validates a raw reply and decodes its result into result
func parseReply(raw []byte, result interface{}) error {
	klog.V(5).Infof("JSON response: %s", raw)

	var reply Response
	if err := json.Unmarshal(raw, &reply); err != nil {
		return &Error{Kind: KindParse, Err: err}
	}

	if reply.Version != nil && *reply.Version != Version {
		return &Error{Kind: KindInvalidVersion, Err: fmt.Errorf("got version %q", *reply.Version)}
	}

	if !validReplyID(reply.ID) {
		return &Error{Kind: KindInvalidReplyID, Err: fmt.Errorf("got id %s", string(reply.ID))}
	}

	if reply.Error != nil {
		return &Error{
			Kind:    KindRPC,
			Code:    mapCode(reply.Error.Code),
			RawCode: reply.Error.Code,
			Message: reply.Error.Message,
		}
	}

	if result == nil {
		return nil
	}

	// A missing result is an explicit null, not an error
	payload := reply.Result
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if err := json.Unmarshal(payload, result); err != nil {
		return &Error{Kind: KindParse, Err: err}
	}
	return nil
}

// validReplyID reports whether id is a JSON integer equal to requestID
func validReplyID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return false
	}
	if c := id[0]; c != '-' && (c < '0' || c > '9') {
		return false
	}
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return false
	}
	return n == requestID
}
