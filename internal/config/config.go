package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/l1jgo/updatehub/internal/core/dispatch"
)

type Config struct {
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Frame     FrameConfig     `toml:"frame"`
	Input     InputConfig     `toml:"input"`
	Movement  MovementConfig  `toml:"movement"`
	Scripting ScriptingConfig `toml:"scripting"`
	Logging   LoggingConfig   `toml:"logging"`
}

type DispatchConfig struct {
	InitialCapacity int    `toml:"initial_capacity"` // performance hint only
	Mode            string `toml:"mode"`             // "safe" or "fast"
}

type FrameConfig struct {
	TickRate  Duration `toml:"tick_rate"`
	FixedStep Duration `toml:"fixed_step"`
}

type InputConfig struct {
	Bindings   string   `toml:"bindings"` // YAML key bindings; empty = built-in defaults
	HoldWindow Duration `toml:"hold_window"`
	Terminal   bool     `toml:"terminal"`
}

type MovementConfig struct {
	Speed            float64 `toml:"speed"` // units per second
	SprintMultiplier float64 `toml:"sprint_multiplier"`
	Sensitivity      float64 `toml:"sensitivity"` // degrees per frame at full deflection
	MinPitch         float64 `toml:"min_pitch"`   // degrees
	MaxPitch         float64 `toml:"max_pitch"`   // degrees
}

type ScriptingConfig struct {
	Dir string `toml:"dir"` // empty disables Lua scripts
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
	File   string `toml:"file"`   // empty = stderr
}

// Duration decodes TOML strings such as "16ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DispatchMode returns the parsed dispatch mode.
func (c *Config) DispatchMode() dispatch.Mode {
	m, _ := dispatch.ParseMode(c.Dispatch.Mode)
	return m
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes TOML over the defaults and validates the result.
func Parse(data []byte, source string) (*Config, error) {
	cfg := Defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", source, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", source, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if c.Dispatch.InitialCapacity < 0 {
		err = multierr.Append(err, fmt.Errorf("dispatch.initial_capacity must not be negative, got %d", c.Dispatch.InitialCapacity))
	}
	if _, perr := dispatch.ParseMode(c.Dispatch.Mode); perr != nil {
		err = multierr.Append(err, fmt.Errorf("dispatch.mode: %w", perr))
	}
	if c.Frame.TickRate.Duration <= 0 {
		err = multierr.Append(err, errors.New("frame.tick_rate must be positive"))
	}
	if c.Frame.FixedStep.Duration <= 0 {
		err = multierr.Append(err, errors.New("frame.fixed_step must be positive"))
	}
	if c.Input.HoldWindow.Duration <= 0 {
		err = multierr.Append(err, errors.New("input.hold_window must be positive"))
	}
	if c.Movement.Speed < 0 || c.Movement.SprintMultiplier < 1 {
		err = multierr.Append(err, errors.New("movement: speed must be >= 0 and sprint_multiplier >= 1"))
	}
	if c.Movement.MinPitch > c.Movement.MaxPitch {
		err = multierr.Append(err, fmt.Errorf("movement: min_pitch %.1f exceeds max_pitch %.1f", c.Movement.MinPitch, c.Movement.MaxPitch))
	}
	if c.Movement.MinPitch < -90 || c.Movement.MaxPitch > 90 {
		err = multierr.Append(err, errors.New("movement: pitch limits must lie within [-90, 90]"))
	}
	return err
}

func Defaults() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			InitialCapacity: dispatch.DefaultInitialCapacity,
			Mode:            "safe",
		},
		Frame: FrameConfig{
			TickRate:  Duration{16 * time.Millisecond},
			FixedStep: Duration{20 * time.Millisecond},
		},
		Input: InputConfig{
			HoldWindow: Duration{150 * time.Millisecond},
		},
		Movement: MovementConfig{
			Speed:            4.0,
			SprintMultiplier: 1.8,
			Sensitivity:      2.5,
			MinPitch:         -80,
			MaxPitch:         80,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
