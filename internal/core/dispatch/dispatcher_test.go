package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var modes = []Mode{ModeSafe, ModeFast}

func newTestDispatcher(t *testing.T, mode Mode) *Dispatcher {
	t.Helper()
	return New(Options{InitialCapacity: 4, Mode: mode}, zap.NewNop())
}

func counter(name string, n *int) *Callback {
	return Func(name, func() { *n++ })
}

func TestSubscribe_RejectsEmptyCallback(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)

			h := d.Subscribe(PhaseEarly, nil)
			assert.Less(t, h.Index(), 0)
			assert.False(t, d.IsValid(h))

			h = d.Subscribe(PhaseEarly, Func("nofn", nil))
			assert.Less(t, h.Index(), 0)

			_, ok := d.TrySubscribe(PhaseEarly, FallibleFunc("nofn", nil))
			assert.False(t, ok)
			assert.False(t, d.Unsubscribe(PhaseEarly, nil))
			assert.Equal(t, 0, d.SubscriberCount(PhaseEarly))
		})
	}
}

func TestSubscribe_UnknownPhase(t *testing.T) {
	d := newTestDispatcher(t, ModeSafe)
	var n int

	h := d.Subscribe(Phase(7), counter("x", &n))
	assert.False(t, h.Issued())
	assert.Equal(t, 0, d.SubscriberCount(Phase(7)))
	require.ErrorIs(t, d.Dispatch(Phase(7)), ErrUnknownPhase)
}

func TestSubscribe_HandleIsValidImmediately(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)
			var n int
			cb := counter("a", &n)

			h := d.Subscribe(PhaseLate, cb)

			assert.True(t, h.Issued())
			assert.Equal(t, PhaseLate, h.Phase())
			assert.Equal(t, 0, h.Index())
			assert.Same(t, cb, h.Callback())
			assert.True(t, d.IsValid(h))
			assert.Equal(t, 1, d.SubscriberCount(PhaseLate))
			assert.Equal(t, 0, d.SubscriberCount(PhaseEarly))
		})
	}
}

func TestSubscriberCount_TracksLiveRegistrations(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)
			var n int
			cbs := make([]*Callback, 10)
			handles := make([]Handle, 10)
			for i := range cbs {
				cbs[i] = counter("cb", &n)
				handles[i] = d.Subscribe(PhaseFixed, cbs[i])
			}
			live := 10
			require.Equal(t, live, d.SubscriberCount(PhaseFixed))

			// Remove every third by value, then try the stale handles.
			for i := 0; i < len(cbs); i += 3 {
				require.True(t, d.Unsubscribe(PhaseFixed, cbs[i]))
				live--
				assert.Equal(t, live, d.SubscriberCount(PhaseFixed))
			}
			for i := range handles {
				if d.UnsubscribeHandle(handles[i]) {
					live--
				}
				assert.Equal(t, live, d.SubscriberCount(PhaseFixed))
			}
			for i := range cbs {
				if d.Unsubscribe(PhaseFixed, cbs[i]) {
					live--
				}
			}
			assert.Equal(t, 0, live)
			assert.Equal(t, 0, d.SubscriberCount(PhaseFixed))
		})
	}
}

func TestUnsubscribeHandle_RejectsShiftedHandle(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)
			var n int
			a, b, c := counter("a", &n), counter("b", &n), counter("c", &n)
			ha := d.Subscribe(PhaseEarly, a)
			hb := d.Subscribe(PhaseEarly, b)
			hc := d.Subscribe(PhaseEarly, c)

			// Swap-remove moves c into b's slot.
			require.True(t, d.UnsubscribeHandle(hb))
			assert.False(t, d.IsValid(hb))
			assert.False(t, d.UnsubscribeHandle(hb), "slot 1 now holds c")
			assert.False(t, d.IsValid(hc), "c no longer sits at its recorded slot")
			assert.False(t, d.UnsubscribeHandle(hc))
			assert.True(t, d.IsValid(ha))
			assert.Equal(t, 2, d.SubscriberCount(PhaseEarly))

			fresh, ok := d.Lookup(PhaseEarly, c)
			require.True(t, ok)
			assert.Equal(t, 1, fresh.Index())
			assert.True(t, d.IsValid(fresh))
			require.True(t, d.UnsubscribeHandle(fresh))
			assert.True(t, d.IsValid(ha))
			assert.Equal(t, 1, d.SubscriberCount(PhaseEarly))

			require.NoError(t, d.Dispatch(PhaseEarly))
			assert.Equal(t, 1, n, "only a remains")
		})
	}
}

func TestUnsubscribeHandle_AfterClearIsSilent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := New(Options{}, zap.New(core))
	var n int
	h := d.Subscribe(PhaseFixed, counter("a", &n))

	d.ClearSubscribers(PhaseFixed)

	assert.False(t, d.IsValid(h))
	assert.False(t, d.UnsubscribeHandle(h))
	assert.Equal(t, 0, logs.Len())
}

func TestUnsubscribeHandle_WrongPhaseRegistry(t *testing.T) {
	d := newTestDispatcher(t, ModeSafe)
	var n int
	a := counter("a", &n)
	he := d.Subscribe(PhaseEarly, a)
	d.Subscribe(PhaseLate, a)

	require.True(t, d.UnsubscribeHandle(he))
	assert.Equal(t, 0, d.SubscriberCount(PhaseEarly))
	assert.Equal(t, 1, d.SubscriberCount(PhaseLate))
}

func TestTrySubscribe_RejectsDuplicate(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)
			var n int
			a := counter("a", &n)

			h, ok := d.TrySubscribe(PhaseEarly, a)
			require.True(t, ok)
			require.True(t, d.IsValid(h))

			h2, ok := d.TrySubscribe(PhaseEarly, a)
			assert.False(t, ok)
			assert.False(t, h2.Issued())
			assert.Equal(t, 1, d.SubscriberCount(PhaseEarly))

			// A different phase is a different registry.
			_, ok = d.TrySubscribe(PhaseLate, a)
			assert.True(t, ok)
		})
	}
}

func TestUnsubscribe_RemovesMostRecentDuplicate(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)
			var n, m int
			a := counter("a", &n)
			other := counter("other", &m)

			first := d.Subscribe(PhaseEarly, a)
			d.Subscribe(PhaseEarly, other)
			second := d.Subscribe(PhaseEarly, a)
			before := d.SubscriberCount(PhaseEarly)

			require.True(t, d.Unsubscribe(PhaseEarly, a))

			assert.Equal(t, before-1, d.SubscriberCount(PhaseEarly))
			assert.True(t, d.IsValid(first), "older duplicate is untouched")
			assert.False(t, d.IsValid(second))

			require.NoError(t, d.Dispatch(PhaseEarly))
			assert.Equal(t, 1, n)
			assert.Equal(t, 1, m)

			require.True(t, d.Unsubscribe(PhaseEarly, a))
			assert.False(t, d.Unsubscribe(PhaseEarly, a))
		})
	}
}

func TestDispatch_RunsDuplicatesOncePerRegistration(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)
			var n int
			a := counter("a", &n)
			d.Subscribe(PhaseFixed, a)
			d.Subscribe(PhaseFixed, a)
			d.Subscribe(PhaseFixed, a)

			require.NoError(t, d.Dispatch(PhaseFixed))
			assert.Equal(t, 3, n)
		})
	}
}

func TestDispatch_EmptyIsNoop(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)

			allocs := testing.AllocsPerRun(100, func() {
				for _, p := range Phases {
					if err := d.Dispatch(p); err != nil {
						t.Fatal(err)
					}
				}
			})

			assert.Zero(t, allocs)
			assert.Zero(t, d.Stats(PhaseEarly).Dispatches)
		})
	}
}

func TestDispatch_RunsInRegistrationOrder(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)
			var order []string
			for _, name := range []string{"a", "b", "c", "d", "e"} {
				name := name
				d.Subscribe(PhaseLate, Func(name, func() { order = append(order, name) }))
			}

			require.NoError(t, d.Dispatch(PhaseLate))
			assert.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
		})
	}
}

func TestDispatch_SubscribeDuringDispatchRunsNextFrame(t *testing.T) {
	d := newTestDispatcher(t, ModeSafe)
	var xRuns, yRuns int
	y := counter("y", &yRuns)
	x := Func("x", func() {
		xRuns++
		if xRuns == 1 {
			d.Subscribe(PhaseEarly, y)
		}
	})
	d.Subscribe(PhaseEarly, x)

	require.NoError(t, d.Dispatch(PhaseEarly))
	assert.Equal(t, 1, xRuns)
	assert.Equal(t, 0, yRuns)

	require.NoError(t, d.Dispatch(PhaseEarly))
	assert.Equal(t, 2, xRuns)
	assert.Equal(t, 1, yRuns)
}

func TestDispatch_FastModeRunsSameFrameSubscription(t *testing.T) {
	d := newTestDispatcher(t, ModeFast)
	var yRuns int
	y := counter("y", &yRuns)
	once := false
	d.Subscribe(PhaseEarly, Func("x", func() {
		if !once {
			once = true
			d.Subscribe(PhaseEarly, y)
		}
	}))

	require.NoError(t, d.Dispatch(PhaseEarly))
	assert.Equal(t, 1, yRuns, "fast mode has no snapshot")
}

func TestDispatch_FailureDoesNotStopLaterCallbacks(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := New(Options{}, zap.New(core))
	var n int
	d.Subscribe(PhaseFixed, FallibleFunc("x", func() error { return errors.New("boom") }))
	d.Subscribe(PhaseFixed, counter("y", &n))

	require.NoError(t, d.Dispatch(PhaseFixed))

	assert.Equal(t, 1, n)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "update callback failed", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "fixed", fields["phase"])
	assert.Equal(t, "x", fields["callback"])
	assert.Equal(t, "boom", fields["error"])

	st := d.Stats(PhaseFixed)
	assert.Equal(t, uint64(1), st.Dispatches)
	assert.Equal(t, uint64(2), st.Invocations)
	assert.Equal(t, uint64(1), st.Failures)
}

func TestDispatch_PanicIsIsolated(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := New(Options{}, zap.New(core))
	var n int
	d.Subscribe(PhaseLate, Func("x", func() { panic("kaboom") }))
	d.Subscribe(PhaseLate, counter("y", &n))

	require.NotPanics(t, func() {
		require.NoError(t, d.Dispatch(PhaseLate))
	})
	assert.Equal(t, 1, n)
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].ContextMap()["error"], "kaboom")

	// The failing callback stays registered and the dispatcher is reusable.
	assert.Equal(t, 2, d.SubscriberCount(PhaseLate))
	require.NoError(t, d.Dispatch(PhaseLate))
	assert.Equal(t, 2, n)
}

func TestDispatch_FastModeAbortsOnFailure(t *testing.T) {
	d := newTestDispatcher(t, ModeFast)
	var n int
	boom := errors.New("boom")
	d.Subscribe(PhaseFixed, FallibleFunc("x", func() error { return boom }))
	d.Subscribe(PhaseFixed, counter("y", &n))

	err := d.Dispatch(PhaseFixed)

	require.ErrorIs(t, err, ErrDispatchAborted)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n)

	// Not reentrant-locked after the abort.
	err = d.Dispatch(PhaseFixed)
	require.ErrorIs(t, err, boom)
}

func TestDispatch_FastModePanicPropagates(t *testing.T) {
	d := newTestDispatcher(t, ModeFast)
	d.Subscribe(PhaseEarly, Func("x", func() { panic("kaboom") }))

	assert.PanicsWithValue(t, "kaboom", func() { _ = d.Dispatch(PhaseEarly) })

	var n int
	d.ClearSubscribers(PhaseEarly)
	d.Subscribe(PhaseEarly, counter("y", &n))
	require.NoError(t, d.Dispatch(PhaseEarly))
	assert.Equal(t, 1, n)
}

func TestDispatch_UnsubscribeDuringDispatch(t *testing.T) {
	d := newTestDispatcher(t, ModeSafe)
	var aRuns, bRuns, cRuns int
	b := counter("b", &bRuns)
	c := counter("c", &cRuns)
	var hb Handle
	a := Func("a", func() {
		aRuns++
		d.UnsubscribeHandle(hb)
		d.Unsubscribe(PhaseEarly, c)
	})
	d.Subscribe(PhaseEarly, a)
	hb = d.Subscribe(PhaseEarly, b)
	d.Subscribe(PhaseEarly, c)

	require.NoError(t, d.Dispatch(PhaseEarly))

	assert.Equal(t, 1, aRuns)
	assert.Equal(t, 1, bRuns, "removal mid-pass does not skip this frame")
	assert.Equal(t, 1, cRuns)
	assert.Equal(t, 1, d.SubscriberCount(PhaseEarly))

	require.NoError(t, d.Dispatch(PhaseEarly))
	assert.Equal(t, 2, aRuns)
	assert.Equal(t, 1, bRuns)
	assert.Equal(t, 1, cRuns)
}

func TestDispatch_SelfUnsubscribe(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, mode)
			var runs int
			var self *Callback
			self = Func("once", func() {
				runs++
				d.Unsubscribe(PhaseLate, self)
			})
			d.Subscribe(PhaseLate, self)

			require.NoError(t, d.Dispatch(PhaseLate))
			require.NoError(t, d.Dispatch(PhaseLate))

			assert.Equal(t, 1, runs)
			assert.Equal(t, 0, d.SubscriberCount(PhaseLate))
		})
	}
}

func TestDispatch_HandlesStayValidDuringPass(t *testing.T) {
	d := newTestDispatcher(t, ModeSafe)
	var n int
	handles := make([]Handle, 0, 4)
	var removed []bool
	first := Func("first", func() {
		// Remove b then c by handle; tombstones keep c at its slot.
		removed = append(removed, d.UnsubscribeHandle(handles[1]), d.UnsubscribeHandle(handles[2]))
	})
	handles = append(handles, d.Subscribe(PhaseFixed, first))
	handles = append(handles, d.Subscribe(PhaseFixed, counter("b", &n)))
	handles = append(handles, d.Subscribe(PhaseFixed, counter("c", &n)))
	handles = append(handles, d.Subscribe(PhaseFixed, counter("d", &n)))

	require.NoError(t, d.Dispatch(PhaseFixed))

	assert.Equal(t, []bool{true, true}, removed)
	assert.Equal(t, 2, d.SubscriberCount(PhaseFixed))
	assert.True(t, d.IsValid(handles[0]))
}

func TestDispatch_ClearDuringDispatch(t *testing.T) {
	d := newTestDispatcher(t, ModeSafe)
	var n int
	d.Subscribe(PhaseEarly, Func("clear", func() { d.ClearSubscribers(PhaseEarly) }))
	d.Subscribe(PhaseEarly, counter("after", &n))

	require.NoError(t, d.Dispatch(PhaseEarly))
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, d.SubscriberCount(PhaseEarly))

	require.NoError(t, d.Dispatch(PhaseEarly))
	assert.Equal(t, 1, n)
}

func TestDispatch_NestedDispatchIsRejected(t *testing.T) {
	d := newTestDispatcher(t, ModeSafe)
	var n int
	var nested error
	d.Subscribe(PhaseLate, counter("late", &n))
	d.Subscribe(PhaseEarly, Func("nest", func() { nested = d.Dispatch(PhaseLate) }))

	require.NoError(t, d.Dispatch(PhaseEarly))

	require.ErrorIs(t, nested, ErrReentrantDispatch)
	assert.Equal(t, 0, n)
	require.NoError(t, d.Dispatch(PhaseLate))
	assert.Equal(t, 1, n)
}

func TestDispatch_ScratchGrowsPastInitialCapacity(t *testing.T) {
	d := New(Options{InitialCapacity: 2}, zap.NewNop())
	var n int
	for i := 0; i < 50; i++ {
		d.Subscribe(PhaseEarly, counter("cb", &n))
	}
	for i := 0; i < 3; i++ {
		d.Subscribe(PhaseLate, counter("cb", &n))
	}

	require.NoError(t, d.Dispatch(PhaseEarly))
	require.NoError(t, d.Dispatch(PhaseLate))

	assert.Equal(t, 53, n)
	assert.Equal(t, 50, d.Stats(PhaseEarly).Peak)
}

func TestClearAll_InvalidatesEveryPhase(t *testing.T) {
	d := newTestDispatcher(t, ModeSafe)
	var n int
	var handles []Handle
	for _, p := range Phases {
		handles = append(handles, d.Subscribe(p, counter("cb", &n)))
	}

	d.Shutdown()

	for i, p := range Phases {
		assert.Equal(t, 0, d.SubscriberCount(p))
		assert.False(t, d.IsValid(handles[i]))
		require.NoError(t, d.Dispatch(p))
	}
	assert.Equal(t, 0, n)
}

func TestParsePhaseAndMode(t *testing.T) {
	for name, want := range map[string]Phase{
		"early": PhaseEarly, "update": PhaseEarly,
		"fixed": PhaseFixed, "fixed_update": PhaseFixed,
		"late": PhaseLate, "late_update": PhaseLate,
	} {
		got, err := ParsePhase(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParsePhase("render")
	assert.Error(t, err)

	m, err := ParseMode("fast")
	require.NoError(t, err)
	assert.Equal(t, ModeFast, m)
	_, err = ParseMode("turbo")
	assert.Error(t, err)
}
