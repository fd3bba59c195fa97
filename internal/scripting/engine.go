package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/updatehub/internal/core/dispatch"
	"github.com/l1jgo/updatehub/internal/core/system"
)

// Engine wraps a single gopher-lua VM whose scripts register phase callbacks.
// Single-goroutine access only (game loop).
//
// Script API:
//
//	on_early(fn) / on_fixed(fn) / on_late(fn)  -> id
//	subscribe(phase_name, fn)                   -> id or nil
//	unsubscribe(id)                             -> bool
//	frame(), dt(), fixed_dt()                   -> numbers
//	log(msg)
type Engine struct {
	vm    *lua.LState
	d     *dispatch.Dispatcher
	clock *system.Clock
	log   *zap.Logger

	subs   map[int]dispatch.Handle
	nextID int
}

// NewEngine creates a Lua engine and loads every .lua file in dir, in name
// order. A missing directory loads nothing.
func NewEngine(dir string, d *dispatch.Dispatcher, clock *system.Clock, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{
		vm:    vm,
		d:     d,
		clock: clock,
		log:   log,
		subs:  make(map[int]dispatch.Handle),
	}
	e.register()

	if dir != "" {
		if err := e.loadDir(dir); err != nil {
			e.Close()
			return nil, fmt.Errorf("load scripts: %w", err)
		}
	}
	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// DoString runs a chunk in the engine's VM.
func (e *Engine) DoString(src string) error {
	return e.vm.DoString(src)
}

// Subscriptions returns the number of live script subscriptions.
func (e *Engine) Subscriptions() int { return len(e.subs) }

func (e *Engine) register() {
	for name, phase := range map[string]dispatch.Phase{
		"on_early": dispatch.PhaseEarly,
		"on_fixed": dispatch.PhaseFixed,
		"on_late":  dispatch.PhaseLate,
	} {
		phase := phase
		e.vm.SetGlobal(name, e.vm.NewFunction(func(L *lua.LState) int {
			return e.subscribe(L, phase, L.CheckFunction(1))
		}))
	}
	e.vm.SetGlobal("subscribe", e.vm.NewFunction(func(L *lua.LState) int {
		phase, err := dispatch.ParsePhase(L.CheckString(1))
		if err != nil {
			L.ArgError(1, err.Error())
			return 0
		}
		return e.subscribe(L, phase, L.CheckFunction(2))
	}))
	e.vm.SetGlobal("unsubscribe", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(e.unsubscribe(L.CheckInt(1))))
		return 1
	}))
	e.vm.SetGlobal("frame", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(e.clock.Frame()))
		return 1
	}))
	e.vm.SetGlobal("dt", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(e.clock.Delta().Seconds()))
		return 1
	}))
	e.vm.SetGlobal("fixed_dt", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(e.clock.FixedStep().Seconds()))
		return 1
	}))
	e.vm.SetGlobal("log", e.vm.NewFunction(func(L *lua.LState) int {
		e.log.Info(L.CheckString(1), zap.String("source", "lua"))
		return 0
	}))
}

func (e *Engine) subscribe(L *lua.LState, phase dispatch.Phase, fn *lua.LFunction) int {
	cb := dispatch.FallibleFunc(callbackName(fn), func() error {
		return e.vm.CallByParam(lua.P{
			Fn:      fn,
			NRet:    0,
			Protect: true,
		})
	})
	h := e.d.Subscribe(phase, cb)
	if !h.Issued() {
		L.Push(lua.LNil)
		return 1
	}
	e.nextID++
	e.subs[e.nextID] = h
	L.Push(lua.LNumber(e.nextID))
	return 1
}

// unsubscribe removes a script subscription. A handle moved by another
// removal is retried by callback identity.
func (e *Engine) unsubscribe(id int) bool {
	h, ok := e.subs[id]
	if !ok {
		return false
	}
	delete(e.subs, id)
	return e.d.UnsubscribeHandle(h) || e.d.Unsubscribe(h.Phase(), h.Callback())
}

func callbackName(fn *lua.LFunction) string {
	if fn.Proto == nil {
		return "lua:<native>"
	}
	return fmt.Sprintf("lua:%s:%d", fn.Proto.SourceName, fn.Proto.LineDefined)
}

// Close removes every script subscription and shuts down the Lua VM.
func (e *Engine) Close() {
	for id := range e.subs {
		e.unsubscribe(id)
	}
	e.vm.Close()
}
