package system

import (
	"time"

	"github.com/l1jgo/updatehub/internal/core/dispatch"
)

// System is a per-frame unit of work bound to a single phase. Register
// subscribes it to the runner's dispatcher.
type System interface {
	Phase() dispatch.Phase
	Update(dt time.Duration)
}

// Clock is the frame timing shared with callbacks. Callbacks are
// zero-argument, so they read timing from here.
type Clock struct {
	frame     uint64
	delta     time.Duration
	fixedStep time.Duration
	elapsed   time.Duration
}

func NewClock(fixedStep time.Duration) *Clock {
	return &Clock{fixedStep: fixedStep}
}

// Frame returns the number of the frame in progress, starting at 1.
func (c *Clock) Frame() uint64 { return c.frame }

// Delta returns the wall time since the previous frame.
func (c *Clock) Delta() time.Duration { return c.delta }

// FixedStep returns the simulated time covered by one Fixed phase.
func (c *Clock) FixedStep() time.Duration { return c.fixedStep }

func (c *Clock) Elapsed() time.Duration { return c.elapsed }

// StepFor returns the time step a system in the given phase should use.
func (c *Clock) StepFor(phase dispatch.Phase) time.Duration {
	if phase == dispatch.PhaseFixed {
		return c.fixedStep
	}
	return c.delta
}

func (c *Clock) advance(dt time.Duration) {
	c.frame++
	c.delta = dt
	c.elapsed += dt
}
