package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/icebreaker/pkg/logger"
)

const deviceShutdownTimeout = 5 * time.Second

// Pool runs the devices of one simulated event.
type Pool struct {
	devices []*Device
	logger  logger.Logger
}

// NewPool creates a pool over devices.
func NewPool(devices []*Device) *Pool {
	return &Pool{devices: devices, logger: logger.Get().Named("device-pool")}
}

// Start starts every synchronizer, then every device loop.
func (p *Pool) Start(ctx context.Context) error {
	for i, d := range p.devices {
		if err := d.sync.Start(ctx); err != nil {
			for _, started := range p.devices[:i] {
				started.sync.Stop()
			}
			return fmt.Errorf("start device %s: %w", d.userID, err)
		}
	}
	for _, d := range p.devices {
		go d.Run(ctx)
	}
	return nil
}

// Wait blocks until every device loop returned or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	for _, d := range p.devices {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown stops the device loops and their synchronizers.
func (p *Pool) Shutdown(ctx context.Context) error {
	for _, d := range p.devices {
		select {
		case <-d.done:
		default:
			close(d.shutdown)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, deviceShutdownTimeout)
	defer cancel()
	for _, d := range p.devices {
		select {
		case <-d.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "device shutdown timed out", logger.String("user_id", d.userID))
		}
		d.sync.Stop()
	}
	return nil
}
