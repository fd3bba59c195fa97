package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/l1jgo/updatehub/internal/core/dispatch"
	"go.uber.org/zap"
)

// Runner is the frame driver: it advances the clock and dispatches every
// phase once per frame in phase order.
type Runner struct {
	d     *dispatch.Dispatcher
	clock *Clock
	log   *zap.Logger
}

func NewRunner(d *dispatch.Dispatcher, fixedStep time.Duration, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		d:     d,
		clock: NewClock(fixedStep),
		log:   log,
	}
}

func (r *Runner) Clock() *Clock { return r.clock }

func (r *Runner) Dispatcher() *dispatch.Dispatcher { return r.d }

// Register subscribes s.Update to its phase. The returned handle can be
// passed to the dispatcher to remove it again.
func (r *Runner) Register(name string, s System) (dispatch.Handle, error) {
	phase := s.Phase()
	h := r.d.Subscribe(phase, dispatch.Func(name, func() {
		s.Update(r.clock.StepFor(phase))
	}))
	if !h.Issued() {
		return h, fmt.Errorf("register system %s: %w", name, dispatch.ErrUnknownPhase)
	}
	return h, nil
}

// Tick runs one frame: Early, Fixed, Late.
func (r *Runner) Tick(dt time.Duration) {
	r.clock.advance(dt)
	for _, p := range dispatch.Phases {
		r.TickPhase(p)
	}
}

// TickPhase dispatches a single phase without advancing the clock.
// A fast-mode abort is logged and the frame continues with the next phase.
func (r *Runner) TickPhase(phase dispatch.Phase) {
	if err := r.d.Dispatch(phase); err != nil {
		r.log.Warn("phase dispatch aborted",
			zap.Stringer("phase", phase),
			zap.Uint64("frame", r.clock.frame),
			zap.Error(err))
	}
}

// Run ticks once per tickRate until ctx is done.
func (r *Runner) Run(ctx context.Context, tickRate time.Duration) error {
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			r.Tick(now.Sub(last))
			last = now
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
}
