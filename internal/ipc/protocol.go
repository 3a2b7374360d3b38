package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// ProtocolVersion is the only request version a Host accepts.
const ProtocolVersion = 1

// MaxFrameSize caps a single frame so a runaway peer cannot exhaust memory.
const MaxFrameSize = 64 << 20

// Request is a single method invocation.
type Request struct {
	ID     string          `json:"id"`
	V      int             `json:"v"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorBody carries an application error across the wire.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries server-side timing for a response.
type Meta struct {
	ServerMS float64 `json:"server_ms"`
}

// Response answers exactly one Request.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
	Meta   *Meta           `json:"meta,omitempty"`
}

// NewRequest builds a request with a fresh UUID. Params may be nil, a
// json.RawMessage, or any JSON-encodable value.
func NewRequest(method string, params any) (*Request, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, fmt.Errorf("%w: empty method", ErrProtocol)
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: uuid.NewString(), V: ProtocolVersion, Method: method, Params: raw}, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: params are not valid JSON", ErrProtocol)
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		return raw, nil
	}
}

// Decode unmarshals the result into out. A nil out discards the result.
func (r *Response) Decode(out any) error {
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("%w: decode result: %w", ErrProtocol, err)
	}
	return nil
}

// Err returns the application error carried by a failed response, or nil.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return &AppError{Code: CodeInternal, Message: "request failed without error detail"}
	}
	return &AppError{Code: r.Error.Code, Message: r.Error.Message}
}

// WriteFrame encodes v as one JSON line. The frame is written with a single
// Write call so a concurrent reader never observes a partial object followed
// by a different one.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload)+1 > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, len(payload))
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame returns one newline-terminated frame without the delimiter. A
// stream that ends before any byte arrives wraps io.EOF; one that ends
// mid-frame wraps io.ErrUnexpectedEOF. Both are ErrProtocol.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(frame)+len(chunk) > MaxFrameSize {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocol, MaxFrameSize)
		}
		frame = append(frame, chunk...)
		switch {
		case err == nil:
			return frame[:len(frame)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(frame) == 0:
			return nil, fmt.Errorf("%w: connection closed before message: %w", ErrProtocol, io.EOF)
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("%w: truncated frame after %d bytes: %w", ErrProtocol, len(frame), io.ErrUnexpectedEOF)
		default:
			return nil, err
		}
	}
}

// ReadRequest reads and validates one request frame. A missing version is
// read as version 1; any other version is rejected.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid request: %w", ErrProtocol, err)
	}
	if req.V == 0 {
		req.V = ProtocolVersion
	}
	if req.V != ProtocolVersion {
		return &req, fmt.Errorf("%w: unsupported protocol version %d", ErrProtocol, req.V)
	}
	if strings.TrimSpace(req.Method) == "" {
		return &req, fmt.Errorf("%w: request has no method", ErrProtocol)
	}
	return &req, nil
}

// ReadResponse reads and validates one response frame.
func ReadResponse(r *bufio.Reader) (*Response, error) {
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %w", ErrProtocol, err)
	}
	if !resp.OK && resp.Error == nil {
		return nil, fmt.Errorf("%w: failed response has no error", ErrProtocol)
	}
	return &resp, nil
}
