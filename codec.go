package streamclient

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type outboundFrame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode renders a frame without payload. The data key is omitted, which servers tell apart
// from an explicit null.
func Encode(t FrameType) ([]byte, error) {
	return json.Marshal(outboundFrame{Type: t})
}

// EncodeData renders a frame with payload. A nil data is sent as an explicit null.
func EncodeData(t FrameType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot encode %s payload", t)
	}
	return json.Marshal(outboundFrame{Type: t, Data: raw})
}

// Decode parses one inbound text frame. Every failure wraps ErrDecode.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, errors.Wrap(ErrDecode, err.Error())
	}
	if f.Type == "" {
		return Frame{}, errors.Wrap(ErrDecode, "missing frame type")
	}
	return f, nil
}
