package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorSurvivesRoundTrip(t *testing.T) {
	offline := &Error{Code: CodeClientOffline, Msg: "client offline"}
	wrapped := fmt.Errorf("dispatch u1: %w", offline)

	frame := &Frame{Type: FrameReply, ID: 7, Error: FromError(wrapped)}
	raw, err := Encode(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Error == nil {
		t.Fatalf("expected error in decoded frame")
	}
	if !errors.Is(decoded.Error, offline) {
		t.Fatalf("expected decoded error to match offline sentinel, got %v", decoded.Error)
	}
	if errors.Is(decoded.Error, ErrTimeout) {
		t.Fatalf("offline error must not match timeout")
	}
	if decoded.Error.Error() != "dispatch u1: client offline" {
		t.Fatalf("expected wrapped message preserved, got %q", decoded.Error.Error())
	}
}

func TestFromErrorUncoded(t *testing.T) {
	werr := FromError(errors.New("boom"))
	if werr.Code != CodeInternal || werr.Msg != "boom" {
		t.Fatalf("unexpected conversion: %+v", werr)
	}
	if FromError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestDecodeRejectsUntypedFrame(t *testing.T) {
	if _, err := Decode([]byte(`{"id":1}`)); err == nil {
		t.Fatalf("expected error for frame without type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed frame")
	}
}

func TestUnmarshalBadPayloadIsBadRequest(t *testing.T) {
	var dst struct{ ID string }
	err := Unmarshal(json.RawMessage(`[1,2]`), &dst)
	if !errors.Is(err, &Error{Code: CodeBadRequest}) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if err := Unmarshal(nil, &dst); err != nil {
		t.Fatalf("empty payload should decode to zero value, got %v", err)
	}
}
