package dispatch

// Callback is a zero-argument unit of per-frame work owned by its
// subscriber. Its identity is the pointer: subscribing the same *Callback
// twice registers it twice, and removal by value matches on the pointer.
type Callback struct {
	name string
	fn   func() error
}

// Func wraps a callback that cannot fail. The name shows up in failure logs.
func Func(name string, fn func()) *Callback {
	if fn == nil {
		return &Callback{name: name}
	}
	return &Callback{name: name, fn: func() error { fn(); return nil }}
}

// FallibleFunc wraps a callback that reports failure by returning an error.
func FallibleFunc(name string, fn func() error) *Callback {
	return &Callback{name: name, fn: fn}
}

// Name returns the diagnostic name given at construction.
func (c *Callback) Name() string {
	if c == nil {
		return "<nil>"
	}
	if c.name == "" {
		return "anonymous"
	}
	return c.name
}

func (c *Callback) empty() bool {
	return c == nil || c.fn == nil
}
