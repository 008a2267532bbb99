package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

type FrameType string

const (
	FrameInvoke FrameType = "invoke"
	FramePing   FrameType = "ping"
	FrameClose  FrameType = "close"
)

// Frame is the unit exchanged with the hub. Invocations carry a target
// method name and JSON arguments.
type Frame struct {
	Type      FrameType         `json:"type"`
	Target    string            `json:"target,omitempty"`
	ID        string            `json:"id,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// NewInvocation builds an invoke frame with a fresh id.
func NewInvocation(target string, args ...any) (Frame, error) {
	f := Frame{Type: FrameInvoke, Target: target, ID: uuid.NewString()}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s argument %d: %w", target, i, err)
		}
		f.Arguments = append(f.Arguments, raw)
	}
	return f, nil
}

// ParseFrame decodes exactly one frame, rejecting unknown fields and
// trailing data.
func ParseFrame(data []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Frame{}, fmt.Errorf("unexpected trailing data")
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Type {
	case FrameInvoke:
		if f.Target == "" {
			return fmt.Errorf("invoke frame missing target")
		}
		if f.Error != "" {
			return fmt.Errorf("invoke frame has unexpected fields")
		}
	case FramePing:
		if f.Target != "" || len(f.Arguments) != 0 || f.Error != "" {
			return fmt.Errorf("ping frame has unexpected fields")
		}
	case FrameClose:
		if f.Target != "" || len(f.Arguments) != 0 {
			return fmt.Errorf("close frame has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported frame type %q", f.Type)
	}
	return nil
}

// Argument returns the first argument, which is how every call-control method
// carries its payload.
func (f Frame) Argument() (json.RawMessage, error) {
	if len(f.Arguments) != 1 {
		return nil, fmt.Errorf("%s: expected 1 argument, got %d", f.Target, len(f.Arguments))
	}
	return f.Arguments[0], nil
}
