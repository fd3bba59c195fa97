package movement

import (
	"math"

	"go.uber.org/zap"

	"github.com/l1jgo/updatehub/internal/core/dispatch"
	"github.com/l1jgo/updatehub/internal/core/event"
	"github.com/l1jgo/updatehub/internal/core/system"
	"github.com/l1jgo/updatehub/internal/input"
)

const (
	jumpSpeed = 5.0  // units per second
	gravity   = 9.81 // units per second²
)

// Settings are the controller's tunables. Angles are in degrees.
type Settings struct {
	Speed            float64
	SprintMultiplier float64
	Sensitivity      float64 // degrees per frame at full look deflection
	MinPitch         float64
	MaxPitch         float64
}

type Vec3 struct {
	X, Y, Z float64
}

// Pose is the controller state published in the Late phase.
type Pose struct {
	Frame    uint64
	Position Vec3
	Yaw      float64 // degrees in [0, 360)
	Pitch    float64 // degrees
	Grounded bool
}

// Controller is a first-person movement and look controller. Look is
// applied in Early, movement is integrated in Fixed and the pose is
// published in Late.
type Controller struct {
	settings Settings
	clock    *system.Clock
	d        *dispatch.Dispatcher
	bus      *event.Bus
	log      *zap.Logger

	move       input.Vector2
	look       input.Vector2
	sprint     bool
	jumpQueued bool

	pos   Vec3
	velY  float64
	yaw   float64
	pitch float64
	pose  Pose

	handles   []dispatch.Handle
	listeners []listenerReg
}

type listenerReg struct {
	name string
	l    *event.Listener
}

// New creates a controller and subscribes it to the bus and all three
// phases.
func New(s Settings, d *dispatch.Dispatcher, bus *event.Bus, clock *system.Clock, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		settings: s,
		clock:    clock,
		d:        d,
		bus:      bus,
		log:      log,
		pitch:    clamp(0, s.MinPitch, s.MaxPitch),
	}
	c.listen(input.EventMove, event.Typed("movement.move", func(v input.Vector2) { c.move = v }))
	c.listen(input.EventLook, event.Typed("movement.look", func(v input.Vector2) { c.look = v }))
	c.listen(input.EventButton, event.Typed("movement.button", func(b input.ButtonState) {
		if b.Name == input.ButtonSprint {
			c.sprint = b.Held
		}
	}))
	c.listen(input.EventAction, event.Typed("movement.action", func(a string) {
		if a == input.ActionJump {
			c.jumpQueued = true
		}
	}))

	c.subscribe(dispatch.PhaseEarly, dispatch.Func("movement.look", c.applyLook))
	c.subscribe(dispatch.PhaseFixed, dispatch.Func("movement.step", c.step))
	c.subscribe(dispatch.PhaseLate, dispatch.Func("movement.pose", c.publish))
	c.pose = c.snapshot()
	return c
}

func (c *Controller) listen(name string, l *event.Listener) {
	c.bus.On(name, l)
	c.listeners = append(c.listeners, listenerReg{name: name, l: l})
}

func (c *Controller) subscribe(phase dispatch.Phase, cb *dispatch.Callback) {
	c.handles = append(c.handles, c.d.Subscribe(phase, cb))
}

// Pose returns the pose published by the last Late phase.
func (c *Controller) Pose() Pose { return c.pose }

// Teleport moves the controller, keeping its orientation.
func (c *Controller) Teleport(p Vec3) {
	c.pos = p
	c.velY = 0
}

// Close releases every subscription. A handle invalidated by another
// component's removal is retried by value.
func (c *Controller) Close() {
	for _, h := range c.handles {
		if !c.d.UnsubscribeHandle(h) && !c.d.Unsubscribe(h.Phase(), h.Callback()) {
			c.log.Warn("movement callback already gone", zap.Stringer("phase", h.Phase()))
		}
	}
	c.handles = nil
	for _, r := range c.listeners {
		c.bus.Off(r.name, r.l)
	}
	c.listeners = nil
}

func (c *Controller) applyLook() {
	if c.look == (input.Vector2{}) {
		return
	}
	c.yaw = wrapDegrees(c.yaw + c.look.X*c.settings.Sensitivity)
	c.pitch = clamp(c.pitch+c.look.Y*c.settings.Sensitivity, c.settings.MinPitch, c.settings.MaxPitch)
}

func (c *Controller) step() {
	dt := c.clock.FixedStep().Seconds()
	speed := c.settings.Speed
	if c.sprint {
		speed *= c.settings.SprintMultiplier
	}

	// Yaw 0 faces +Z; positive yaw turns toward +X.
	rad := c.yaw * math.Pi / 180
	sin, cos := math.Sincos(rad)
	fx, fz := sin, cos  // forward
	rx, rz := cos, -sin // right
	c.pos.X += (fx*c.move.Y + rx*c.move.X) * speed * dt
	c.pos.Z += (fz*c.move.Y + rz*c.move.X) * speed * dt

	grounded := c.pos.Y <= 0 && c.velY <= 0
	if c.jumpQueued && grounded {
		c.velY = jumpSpeed
	}
	c.jumpQueued = false
	if !grounded || c.velY > 0 {
		c.velY -= gravity * dt
		c.pos.Y += c.velY * dt
		if c.pos.Y <= 0 {
			c.pos.Y, c.velY = 0, 0
		}
	}
}

func (c *Controller) publish() {
	c.pose = c.snapshot()
}

func (c *Controller) snapshot() Pose {
	return Pose{
		Frame:    c.clock.Frame(),
		Position: c.pos,
		Yaw:      c.yaw,
		Pitch:    c.pitch,
		Grounded: c.pos.Y <= 0 && c.velY <= 0,
	}
}

func wrapDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
