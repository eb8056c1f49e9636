package audio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dkeye/voicemesh/internal/core"
)

var ErrNoDevice = errors.New("audio device unavailable")

// Device is a file-backed microphone. An empty Path yields a silent capture.
type Device struct {
	Path        string
	ThresholdDB float64
}

func (d Device) Acquire(ctx context.Context) (core.Capture, error) {
	threshold := d.ThresholdDB
	if threshold == 0 {
		threshold = DefaultThresholdDB
	}
	// the capture outlives the acquire call
	ctx = context.WithoutCancel(ctx)
	if d.Path == "" {
		return NewPCMCapture(ctx, nil, threshold)
	}
	f, err := os.Open(d.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		return nil, err
	}
	c, err := NewPCMCapture(ctx, f, threshold)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}
