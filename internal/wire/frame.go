// Package wire defines the frames exchanged between nodes and clients and the
// gRPC plumbing used to carry them between nodes.
package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the payload carried by a Frame.
type FrameType string

const (
	// FrameCall expects a FrameReply carrying the same ID.
	FrameCall FrameType = "call"
	// FrameSend is a one-way call; no reply is produced.
	FrameSend FrameType = "send"
	// FrameReply answers a FrameCall.
	FrameReply FrameType = "reply"
	// FrameEvent notifies the remote side of a named event.
	FrameEvent FrameType = "event"
	// FrameInit is emitted once by the accepting node when a peer link is ready.
	FrameInit FrameType = "init"
)

// Frame is the single envelope used on peer links and client sockets.
type Frame struct {
	Type   FrameType       `json:"t"`
	ID     uint64          `json:"id,omitempty"`
	Name   string          `json:"n,omitempty"`
	Data   json.RawMessage `json:"d,omitempty"`
	Error  *Error          `json:"e,omitempty"`
	Sender string          `json:"s,omitempty"`
}

// InitComplete is the payload of a FrameInit frame.
type InitComplete struct {
	ID   string `json:"id"`
	Time int64  `json:"time"`
}

// Marshal encodes v into a raw payload. A nil value yields a nil payload.
func Marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a raw payload into v, tolerating empty payloads.
func Unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Code: CodeBadRequest, Msg: fmt.Sprintf("decode payload: %v", err)}
	}
	return nil
}

// Encode serialises a frame for text transports.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame received from a text transport.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return &f, nil
}
