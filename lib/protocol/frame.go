package protocol

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// MaxPayloadSize is the largest Request/Response payload the codec will
// round-trip. Larger values produce an encode error rather than silently
// truncating.
const MaxPayloadSize = 16 << 20 // 16 MiB

// EncodeRequest serializes r into an opaque binary payload suitable for a
// control-channel binary message.
func EncodeRequest(r *Request) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, trace.Wrap(err, "encoding request")
	}
	if len(data) > MaxPayloadSize {
		return nil, trace.BadParameter("request payload of %d bytes exceeds %d byte limit", len(data), MaxPayloadSize)
	}
	return data, nil
}

// DecodeRequest parses a binary control-channel payload into a Request. It
// fails with a decode error when the payload is truncated or violates the
// schema.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) > MaxPayloadSize {
		return nil, trace.BadParameter("request payload of %d bytes exceeds %d byte limit", len(data), MaxPayloadSize)
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, trace.Wrap(err, "decoding request frame")
	}
	if r.ID == "" {
		return nil, trace.BadParameter("request frame missing id")
	}
	return &r, nil
}

// EncodeResponse serializes resp into an opaque binary payload.
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, trace.Wrap(err, "encoding response")
	}
	if len(data) > MaxPayloadSize {
		return nil, trace.BadParameter("response payload of %d bytes exceeds %d byte limit", len(data), MaxPayloadSize)
	}
	return data, nil
}

// DecodeResponse parses a binary control-channel payload into a Response.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) > MaxPayloadSize {
		return nil, trace.BadParameter("response payload of %d bytes exceeds %d byte limit", len(data), MaxPayloadSize)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, trace.Wrap(err, "decoding response frame")
	}
	if resp.ID == "" {
		return nil, trace.BadParameter("response frame missing id")
	}
	return &resp, nil
}
