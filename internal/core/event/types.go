package event

// Listener receives the payload of one named event. Its identity is the
// pointer, so the same listener may be added to a list more than once.
type Listener struct {
	name string
	fn   func(payload any)
}

func NewListener(name string, fn func(payload any)) *Listener {
	return &Listener{name: name, fn: fn}
}

// Typed adapts a payload-typed handler. Payloads of another type are ignored.
func Typed[T any](name string, fn func(T)) *Listener {
	return &Listener{name: name, fn: func(payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	}}
}

func (l *Listener) Name() string { return l.name }

type queued struct {
	name    string
	payload any
}
