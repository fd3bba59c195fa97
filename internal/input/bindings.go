package input

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Directions lists the keys bound to each direction of a two-axis control.
type Directions struct {
	Up    []string `yaml:"up"`
	Down  []string `yaml:"down"`
	Left  []string `yaml:"left"`
	Right []string `yaml:"right"`
}

// Bindings maps device key names to high-level controls. Key names are
// case-sensitive: terminals report a shifted letter as the upper-case rune.
type Bindings struct {
	Move    Directions          `yaml:"move"`
	Look    Directions          `yaml:"look"`
	Buttons map[string][]string `yaml:"buttons"` // held while any key repeats
	Actions map[string][]string `yaml:"actions"` // fired once per press
}

// DefaultBindings: WASD to move (shift+WASD also sprints), IJKL or arrow
// keys to look, space to jump, q or Esc to quit.
func DefaultBindings() *Bindings {
	return &Bindings{
		Move: Directions{
			Up:    []string{"w", "W"},
			Down:  []string{"s", "S"},
			Left:  []string{"a", "A"},
			Right: []string{"d", "D"},
		},
		Look: Directions{
			Up:    []string{"i", "Up"},
			Down:  []string{"k", "Down"},
			Left:  []string{"j", "Left"},
			Right: []string{"l", "Right"},
		},
		Buttons: map[string][]string{
			ButtonSprint: {"W", "A", "S", "D"},
		},
		Actions: map[string][]string{
			ActionJump: {"space"},
			ActionQuit: {"q", "Esc", "Ctrl-C"},
		},
	}
}

// LoadBindings reads a YAML bindings file. Unknown fields are rejected.
func LoadBindings(path string) (*Bindings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bindings %s: %w", path, err)
	}
	var b Bindings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("parse bindings %s: %w", path, err)
	}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("invalid bindings %s: %w", path, err)
	}
	return &b, nil
}

func (b *Bindings) validate() error {
	for name, keys := range b.Buttons {
		if len(keys) == 0 {
			return fmt.Errorf("button %q has no keys", name)
		}
	}
	for name, keys := range b.Actions {
		if len(keys) == 0 {
			return fmt.Errorf("action %q has no keys", name)
		}
	}
	if b.Move.empty() && b.Look.empty() && len(b.Actions) == 0 {
		return errors.New("no bindings defined")
	}
	return nil
}

func (d Directions) empty() bool {
	return len(d.Up)+len(d.Down)+len(d.Left)+len(d.Right) == 0
}

type control int

const (
	controlMove control = iota
	controlLook
	controlButton
	controlAction
)

// binding is one control a key feeds.
type binding struct {
	control control
	dx, dy  float64 // axis contribution for move/look
	name    string  // button or action name
}

// index builds the key → controls lookup.
func (b *Bindings) index() map[string][]binding {
	idx := make(map[string][]binding)
	addDirs := func(c control, d Directions) {
		for _, k := range d.Up {
			idx[k] = append(idx[k], binding{control: c, dy: 1})
		}
		for _, k := range d.Down {
			idx[k] = append(idx[k], binding{control: c, dy: -1})
		}
		for _, k := range d.Left {
			idx[k] = append(idx[k], binding{control: c, dx: -1})
		}
		for _, k := range d.Right {
			idx[k] = append(idx[k], binding{control: c, dx: 1})
		}
	}
	addDirs(controlMove, b.Move)
	addDirs(controlLook, b.Look)
	for name, keys := range b.Buttons {
		for _, k := range keys {
			idx[k] = append(idx[k], binding{control: controlButton, name: name})
		}
	}
	for name, keys := range b.Actions {
		for _, k := range keys {
			idx[k] = append(idx[k], binding{control: controlAction, name: name})
		}
	}
	return idx
}
