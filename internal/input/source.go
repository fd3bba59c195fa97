package input

import (
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
)

// RawEvent is a device-agnostic key press.
type RawEvent struct {
	Key string
	At  time.Time
}

// Source delivers raw device events. Events is drained by the game loop.
type Source interface {
	Events() <-chan RawEvent
	Close() error
}

// ChanSource is a Source fed by Push. Used for scripted input and tests.
type ChanSource struct {
	ch   chan RawEvent
	once sync.Once
}

func NewChanSource(size int) *ChanSource {
	return &ChanSource{ch: make(chan RawEvent, size)}
}

// Push queues a key press. It drops the event when the buffer is full.
func (s *ChanSource) Push(key string, at time.Time) bool {
	select {
	case s.ch <- RawEvent{Key: key, At: at}:
		return true
	default:
		return false
	}
}

func (s *ChanSource) Events() <-chan RawEvent { return s.ch }

func (s *ChanSource) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

// TerminalSource reads key presses from a tcell screen on its own
// goroutine. It also owns the screen, so it can draw a status line.
type TerminalSource struct {
	screen tcell.Screen
	events chan RawEvent
	done   chan struct{}
	once   sync.Once
}

// NewTerminalSource takes over the controlling terminal.
func NewTerminalSource(queueSize int) (*TerminalSource, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	return newTerminalSource(screen, queueSize)
}

func newTerminalSource(screen tcell.Screen, queueSize int) (*TerminalSource, error) {
	if err := screen.Init(); err != nil {
		return nil, err
	}
	screen.Clear()
	s := &TerminalSource{
		screen: screen,
		events: make(chan RawEvent, queueSize),
		done:   make(chan struct{}),
	}
	go s.poll()
	return s, nil
}

func (s *TerminalSource) poll() {
	defer close(s.events)
	for {
		ev := s.screen.PollEvent()
		if ev == nil {
			return // screen finalized
		}
		key, ok := ev.(*tcell.EventKey)
		if !ok {
			continue
		}
		name := KeyName(key)
		if name == "" {
			continue
		}
		select {
		case s.events <- RawEvent{Key: name, At: key.When()}:
		case <-s.done:
			return
		default:
			// Queue full, drop; the key repeats anyway.
		}
	}
}

func (s *TerminalSource) Events() <-chan RawEvent { return s.events }

// Status replaces the first screen line with text.
func (s *TerminalSource) Status(text string) {
	w, _ := s.screen.Size()
	col := 0
	for _, r := range text {
		if col >= w {
			break
		}
		s.screen.SetContent(col, 0, r, nil, tcell.StyleDefault)
		col++
	}
	for ; col < w; col++ {
		s.screen.SetContent(col, 0, ' ', nil, tcell.StyleDefault)
	}
	s.screen.Show()
}

func (s *TerminalSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.screen.Fini()
	})
	return nil
}

// KeyName maps a tcell key event to the names used in Bindings: the rune
// itself for printable keys, "space" for the space bar, tcell's key name
// otherwise ("Up", "Esc", "Ctrl-C").
func KeyName(ev *tcell.EventKey) string {
	if ev.Key() == tcell.KeyRune {
		if ev.Rune() == ' ' {
			return "space"
		}
		return string(ev.Rune())
	}
	return tcell.KeyNames[ev.Key()]
}
