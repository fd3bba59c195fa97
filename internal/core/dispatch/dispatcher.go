package dispatch

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Mode selects how Dispatch walks a phase's registry.
type Mode int

const (
	// ModeSafe snapshots the registry before invoking, isolates every
	// callback failure and compacts removals made during the pass.
	ModeSafe Mode = iota

	// ModeFast iterates the live registry by index with no snapshot, no
	// failure isolation and no compaction. It is unsound when callbacks
	// subscribe or unsubscribe in the phase being dispatched: a swap-remove
	// can skip a callback for the frame and a new subscription runs in the
	// same frame. A failing callback aborts the rest of the phase. Opt-in
	// only.
	ModeFast
)

func (m Mode) String() string {
	switch m {
	case ModeSafe:
		return "safe"
	case ModeFast:
		return "fast"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps "safe" or "fast" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "safe", "":
		return ModeSafe, nil
	case "fast":
		return ModeFast, nil
	}
	return ModeSafe, fmt.Errorf("unknown dispatch mode %q", s)
}

// DefaultInitialCapacity is the per-phase registry capacity used when
// Options leaves it unset.
const DefaultInitialCapacity = 256

// Options configures a Dispatcher.
type Options struct {
	// InitialCapacity pre-sizes each registry and the scratch buffer. It is
	// a performance hint with no behavioral effect.
	InitialCapacity int
	Mode            Mode
}

var (
	// ErrReentrantDispatch is returned by Dispatch when called from inside
	// another dispatch. The scratch buffer is shared by all phases.
	ErrReentrantDispatch = errors.New("dispatch already in progress")

	// ErrDispatchAborted wraps the error of the callback that stopped a
	// fast-mode dispatch.
	ErrDispatchAborted = errors.New("phase dispatch aborted")

	ErrUnknownPhase = errors.New("unknown phase")
)

// PanicError is the failure recorded for a callback that panicked during a
// safe-mode dispatch.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}

// PhaseStats counts dispatcher activity for one phase.
type PhaseStats struct {
	Dispatches  uint64
	Invocations uint64
	Failures    uint64
	Peak        int // highest live subscriber count observed
}

type registry struct {
	slots      []*Callback
	tombstones int // nil slots left by removals during a safe dispatch
}

func (r *registry) live() int { return len(r.slots) - r.tombstones }

func (r *registry) lastIndexOf(cb *Callback) int {
	for i := len(r.slots) - 1; i >= 0; i-- {
		if r.slots[i] == cb {
			return i
		}
	}
	return -1
}

// Dispatcher runs subscribed callbacks once per phase per frame. It is owned
// by the frame driver and is not safe for concurrent use: every method must
// be called from the frame-driver goroutine. Callbacks may subscribe and
// unsubscribe on the same dispatcher while they run.
type Dispatcher struct {
	mode    Mode
	regs    [PhaseCount]registry
	stats   [PhaseCount]PhaseStats
	scratch []*Callback // grow-only snapshot buffer shared by all phases

	dispatching bool
	active      Phase

	log *zap.Logger
}

// New creates a Dispatcher with empty registries.
func New(opts Options, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	capacity := opts.InitialCapacity
	if capacity <= 0 {
		capacity = DefaultInitialCapacity
	}
	d := &Dispatcher{
		mode: opts.Mode,
		log:  log,
	}
	for i := range d.regs {
		d.regs[i].slots = make([]*Callback, 0, capacity)
	}
	if d.mode == ModeSafe {
		d.scratch = make([]*Callback, 0, capacity)
	}
	return d
}

// Mode returns the dispatch mode chosen at construction.
func (d *Dispatcher) Mode() Mode { return d.mode }

// Subscribe appends cb to the phase's registry and returns a handle for it.
// Subscribing the same callback again registers it again. An empty
// callback or an unknown phase yields InvalidHandle.
func (d *Dispatcher) Subscribe(phase Phase, cb *Callback) Handle {
	if !phase.Valid() || cb.empty() {
		return InvalidHandle
	}
	r := &d.regs[phase]
	r.slots = append(r.slots, cb)
	if live := r.live(); live > d.stats[phase].Peak {
		d.stats[phase].Peak = live
	}
	return Handle{phase: phase, index: len(r.slots) - 1, cb: cb}
}

// TrySubscribe subscribes cb only if it is not already registered in the
// phase. O(n) in the registry size.
func (d *Dispatcher) TrySubscribe(phase Phase, cb *Callback) (Handle, bool) {
	if !phase.Valid() || cb.empty() {
		return InvalidHandle, false
	}
	if d.regs[phase].lastIndexOf(cb) >= 0 {
		return InvalidHandle, false
	}
	return d.Subscribe(phase, cb), true
}

// Unsubscribe removes the most recently added registration of cb from the
// phase. It reports whether a registration was found.
func (d *Dispatcher) Unsubscribe(phase Phase, cb *Callback) bool {
	if !phase.Valid() || cb.empty() {
		return false
	}
	i := d.regs[phase].lastIndexOf(cb)
	if i < 0 {
		return false
	}
	d.removeAt(phase, i)
	return true
}

// UnsubscribeHandle removes the registration h refers to. A stale handle
// (its slot is gone or now holds another callback) is rejected and nothing
// changes.
func (d *Dispatcher) UnsubscribeHandle(h Handle) bool {
	if !d.IsValid(h) {
		return false
	}
	d.removeAt(h.phase, h.index)
	return true
}

// IsValid reports whether h still designates a live registration.
func (d *Dispatcher) IsValid(h Handle) bool {
	if !h.phase.Valid() || !h.Issued() {
		return false
	}
	slots := d.regs[h.phase].slots
	return h.index < len(slots) && slots[h.index] == h.cb
}

// Lookup returns a fresh handle for the most recently added registration of
// cb in the phase.
func (d *Dispatcher) Lookup(phase Phase, cb *Callback) (Handle, bool) {
	if !phase.Valid() || cb.empty() {
		return InvalidHandle, false
	}
	i := d.regs[phase].lastIndexOf(cb)
	if i < 0 {
		return InvalidHandle, false
	}
	return Handle{phase: phase, index: i, cb: cb}, true
}

// ClearSubscribers empties the phase's registry. Outstanding handles for the
// phase become invalid.
func (d *Dispatcher) ClearSubscribers(phase Phase) {
	if !phase.Valid() {
		return
	}
	r := &d.regs[phase]
	clear(r.slots)
	r.slots = r.slots[:0]
	r.tombstones = 0
}

// ClearAll empties every registry.
func (d *Dispatcher) ClearAll() {
	for _, p := range Phases {
		d.ClearSubscribers(p)
	}
}

// Shutdown releases every registration. The dispatcher stays usable.
func (d *Dispatcher) Shutdown() {
	var total int
	for _, p := range Phases {
		total += d.regs[p].live()
	}
	d.ClearAll()
	d.log.Debug("dispatcher shut down", zap.Int("released", total))
}

// SubscriberCount returns the number of live registrations in the phase.
func (d *Dispatcher) SubscriberCount(phase Phase) int {
	if !phase.Valid() {
		return 0
	}
	return d.regs[phase].live()
}

// Stats returns the activity counters for the phase.
func (d *Dispatcher) Stats(phase Phase) PhaseStats {
	if !phase.Valid() {
		return PhaseStats{}
	}
	return d.stats[phase]
}

// Dispatch invokes every callback subscribed to the phase. The frame driver
// calls it once per phase per frame, Early then Fixed then Late.
//
// In safe mode the callbacks that run are exactly those registered when the
// call began; failures are logged and never returned. In fast mode the
// first failing callback stops the phase and its error is returned wrapped
// in ErrDispatchAborted, and panics propagate to the caller.
func (d *Dispatcher) Dispatch(phase Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("dispatch %s: %w", phase, ErrUnknownPhase)
	}
	if len(d.regs[phase].slots) == 0 {
		return nil
	}
	if d.dispatching {
		return fmt.Errorf("dispatch %s inside %s: %w", phase, d.active, ErrReentrantDispatch)
	}
	d.dispatching, d.active = true, phase
	defer func() { d.dispatching = false }()

	d.stats[phase].Dispatches++
	if d.mode == ModeFast {
		return d.dispatchFast(phase)
	}
	d.dispatchSafe(phase)
	return nil
}

func (d *Dispatcher) dispatchSafe(phase Phase) {
	r := &d.regs[phase]
	n := len(r.slots)
	if cap(d.scratch) < n {
		d.scratch = make([]*Callback, 0, max(n, 2*cap(d.scratch)))
	}
	snap := d.scratch[:n]
	copy(snap, r.slots)

	for _, cb := range snap {
		d.invoke(phase, cb)
	}

	clear(snap)
	d.compact(phase)
}

func (d *Dispatcher) dispatchFast(phase Phase) error {
	r := &d.regs[phase]
	// len is re-read every step: callbacks may grow or shrink the registry.
	for i := 0; i < len(r.slots); i++ {
		cb := r.slots[i]
		d.stats[phase].Invocations++
		if err := cb.fn(); err != nil {
			d.stats[phase].Failures++
			return fmt.Errorf("%s callback %q: %w: %w", phase, cb.Name(), ErrDispatchAborted, err)
		}
	}
	return nil
}

// invoke is the only place callback failures are classified.
func (d *Dispatcher) invoke(phase Phase, cb *Callback) {
	d.stats[phase].Invocations++
	if err := call(cb); err != nil {
		d.stats[phase].Failures++
		d.log.Error("update callback failed",
			zap.Stringer("phase", phase),
			zap.String("callback", cb.Name()),
			zap.Error(err))
	}
}

func call(cb *Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return cb.fn()
}

// removeAt drops slot i. While the phase is being dispatched in safe mode
// the slot is tombstoned so indices held by the running pass stay put;
// otherwise the last element is swapped in.
func (d *Dispatcher) removeAt(phase Phase, i int) {
	r := &d.regs[phase]
	if d.mode == ModeSafe && d.dispatching && d.active == phase {
		r.slots[i] = nil
		r.tombstones++
		return
	}
	last := len(r.slots) - 1
	r.slots[i] = r.slots[last]
	r.slots[last] = nil
	r.slots = r.slots[:last]
}

// compact removes tombstones by swapping the tail into each hole.
func (d *Dispatcher) compact(phase Phase) {
	r := &d.regs[phase]
	if r.tombstones == 0 {
		return
	}
	s := r.slots
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != nil {
			continue
		}
		last := len(s) - 1
		s[i] = s[last]
		s[last] = nil
		s = s[:last]
	}
	r.slots = s
	r.tombstones = 0
}
