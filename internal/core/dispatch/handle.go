package dispatch

// Handle is returned by Subscribe and can later be used to remove that
// registration in O(1). A handle may go stale: any swap-remove in the same
// phase can move another callback into its slot. The recorded callback
// identity lets the dispatcher reject such a handle instead of removing the
// wrong registration.
type Handle struct {
	phase Phase
	index int
	cb    *Callback
}

// InvalidHandle is returned when a subscription is rejected.
var InvalidHandle = Handle{index: -1}

// Phase returns the phase the handle was issued for.
func (h Handle) Phase() Phase { return h.phase }

// Index returns the slot the callback occupied at issuance, or -1 for a
// rejected subscription.
func (h Handle) Index() int { return h.index }

// Callback returns the callback the handle was issued for.
func (h Handle) Callback() *Callback { return h.cb }

// Issued reports whether the handle came from a successful subscription. It
// says nothing about whether the registration still exists; use
// Dispatcher.IsValid for that.
func (h Handle) Issued() bool { return h.index >= 0 && h.cb != nil }
