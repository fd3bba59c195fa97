package input

import (
	"errors"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/updatehub/internal/core/dispatch"
	"github.com/l1jgo/updatehub/internal/core/event"
)

// Event names published on the bus.
const (
	EventMove   = "input.move"   // Vector2, on change
	EventLook   = "input.look"   // Vector2, on change
	EventButton = "input.button" // ButtonState, on change
	EventAction = "input.action" // action name, once per press
)

const (
	ButtonSprint = "sprint"
	ActionJump   = "jump"
	ActionQuit   = "quit"
)

// Vector2 is an axis pair in [-1, 1] with length at most 1.
type Vector2 struct {
	X, Y float64
}

func (v Vector2) normalized() Vector2 {
	l := math.Hypot(v.X, v.Y)
	if l <= 1 {
		return v
	}
	return Vector2{X: v.X / l, Y: v.Y / l}
}

type ButtonState struct {
	Name string
	Held bool
}

var ErrAttached = errors.New("input layer already attached")

// Layer turns raw key presses into move, look, button and action events.
// Terminals report no key releases, so a key counts as held until
// HoldWindow passes without a repeat. The layer runs in the Early phase.
type Layer struct {
	keys       map[string][]binding
	buttons    []string
	bus        *event.Bus
	holdWindow time.Duration
	now        func() time.Time
	log        *zap.Logger

	lastSeen map[string]time.Time
	held     map[string]bool
	pending  []string // actions fired since the last update
	move     Vector2
	look     Vector2

	d      *dispatch.Dispatcher
	src    Source
	handle dispatch.Handle
	cb     *dispatch.Callback
}

func NewLayer(b *Bindings, bus *event.Bus, holdWindow time.Duration, log *zap.Logger) *Layer {
	if log == nil {
		log = zap.NewNop()
	}
	buttons := make([]string, 0, len(b.Buttons))
	for name := range b.Buttons {
		buttons = append(buttons, name)
	}
	sort.Strings(buttons)
	return &Layer{
		keys:       b.index(),
		buttons:    buttons,
		bus:        bus,
		holdWindow: holdWindow,
		now:        time.Now,
		log:        log,
		lastSeen:   make(map[string]time.Time),
		held:       make(map[string]bool),
		handle:     dispatch.InvalidHandle,
	}
}

// Attach subscribes the layer to the Early phase. src may be nil when input
// arrives only through Feed.
func (l *Layer) Attach(d *dispatch.Dispatcher, src Source) error {
	if l.d != nil {
		return ErrAttached
	}
	l.cb = dispatch.Func("input.layer", l.tick)
	h := d.Subscribe(dispatch.PhaseEarly, l.cb)
	if !h.Issued() {
		return errors.New("input layer: subscribe rejected")
	}
	l.d, l.src, l.handle = d, src, h
	return nil
}

// Detach removes the layer's Early callback.
func (l *Layer) Detach() {
	if l.d == nil {
		return
	}
	if !l.d.UnsubscribeHandle(l.handle) {
		l.d.Unsubscribe(dispatch.PhaseEarly, l.cb)
	}
	l.d, l.src, l.handle = nil, nil, dispatch.InvalidHandle
}

func (l *Layer) tick() {
	l.drain()
	l.bus.SwapBuffers()
	l.bus.DispatchAll()
	l.Update(l.now())
}

func (l *Layer) drain() {
	if l.src == nil {
		return
	}
	for {
		select {
		case ev, ok := <-l.src.Events():
			if !ok {
				l.log.Debug("input source closed")
				l.src = nil
				return
			}
			l.Feed(ev)
		default:
			return
		}
	}
}

// Feed records one key press. Unbound keys are ignored.
func (l *Layer) Feed(ev RawEvent) {
	bs, ok := l.keys[ev.Key]
	if !ok {
		return
	}
	l.lastSeen[ev.Key] = ev.At
	for _, b := range bs {
		if b.control == controlAction {
			l.pending = append(l.pending, b.name)
		}
	}
}

// Update recomputes the control state at now and delivers every change.
func (l *Layer) Update(now time.Time) {
	var move, look Vector2
	held := make(map[string]bool, len(l.buttons))
	for key, at := range l.lastSeen {
		if now.Sub(at) > l.holdWindow {
			delete(l.lastSeen, key)
			continue
		}
		for _, b := range l.keys[key] {
			switch b.control {
			case controlMove:
				move.X += b.dx
				move.Y += b.dy
			case controlLook:
				look.X += b.dx
				look.Y += b.dy
			case controlButton:
				held[b.name] = true
			}
		}
	}

	move = clampAxes(move).normalized()
	look = clampAxes(look).normalized()
	if move != l.move {
		l.move = move
		l.bus.Deliver(EventMove, move)
	}
	if look != l.look {
		l.look = look
		l.bus.Deliver(EventLook, look)
	}
	for _, name := range l.buttons {
		if held[name] != l.held[name] {
			l.held[name] = held[name]
			l.bus.Deliver(EventButton, ButtonState{Name: name, Held: held[name]})
		}
	}

	actions := l.pending
	l.pending = nil
	for _, name := range actions {
		l.bus.Deliver(EventAction, name)
	}
}

// Move returns the last published move vector.
func (l *Layer) Move() Vector2 { return l.move }

// Held reports the last published state of a button.
func (l *Layer) Held(button string) bool { return l.held[button] }

// clampAxes keeps opposing keys from stacking past full deflection
// (w and W both held count once).
func clampAxes(v Vector2) Vector2 {
	return Vector2{X: clamp(v.X, -1, 1), Y: clamp(v.Y, -1, 1)}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
