package workspace

import (
	"context"
	"time"
)

// DelayProvisioner simulates capacity bring-up: a workspace becomes ready
// once it has been provisioning for the configured delay. It backs the dev
// mode of the daemon; production embedders supply their own Provisioner.
type DelayProvisioner struct {
	delay time.Duration
	clock func() time.Time
}

// NewDelayProvisioner builds a provisioner that reports ready after delay.
func NewDelayProvisioner(delay time.Duration) *DelayProvisioner {
	return &DelayProvisioner{delay: delay, clock: time.Now}
}

func (p *DelayProvisioner) Provision(_ context.Context, ws *Workspace) (bool, error) {
	if p.delay <= 0 {
		return true, nil
	}
	if ws.Status.PhaseChangedAt == nil {
		return false, nil
	}
	return p.clock().Sub(*ws.Status.PhaseChangedAt) >= p.delay, nil
}

func (p *DelayProvisioner) Deprovision(context.Context, *Workspace) error {
	return nil
}
