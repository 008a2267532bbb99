package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
)

// DeviceSource captures from the camera and microphone. Capture support is
// compiled in with the `mediadevices` build tag on linux; other builds report
// ErrNoDevice.
type DeviceSource struct {
	Logger *slog.Logger
	// MaxWidth and MaxHeight cap the captured resolution. Zero means 640x480.
	MaxWidth, MaxHeight int
	// VideoBitRate in bits per second. Zero means 1.5 Mbps.
	VideoBitRate int
}

func (s *DeviceSource) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *DeviceSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return NewLocalStream(), nil
	}
	return s.acquire(ctx, c)
}

func (s *DeviceSource) dimensions() (int, int, int) {
	w, h, br := s.MaxWidth, s.MaxHeight, s.VideoBitRate
	if w <= 0 {
		w = 640
	}
	if h <= 0 {
		h = 480
	}
	if br <= 0 {
		br = 1_500_000
	}
	return w, h, br
}

// classifyCaptureError maps a platform capture failure onto the package's
// two fatal error classes.
func classifyCaptureError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrNoDevice, err)
}
