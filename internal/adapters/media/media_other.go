//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Devices has no capture drivers on this platform; every Acquire fails.
type Devices struct{ cfg Config }

var _ core.MediaSource = (*Devices)(nil)

func NewDevices(cfg Config) (*Devices, error) { return &Devices{cfg: cfg}, nil }

func (d *Devices) ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *Devices) Acquire(context.Context, domain.CallKind) (core.LocalStream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrMediaUnavailable, runtime.GOOS)
}
