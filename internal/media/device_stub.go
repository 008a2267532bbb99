//go:build !(linux && mediadevices)

package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

func (s *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s *DeviceSource) acquire(context.Context, Constraints) (*LocalStream, error) {
	return nil, fmt.Errorf("%w: built without capture support (use -tags mediadevices on linux)", ErrNoDevice)
}
