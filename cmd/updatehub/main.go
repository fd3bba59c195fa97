package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/width"

	"github.com/l1jgo/updatehub/internal/config"
	"github.com/l1jgo/updatehub/internal/core/dispatch"
	"github.com/l1jgo/updatehub/internal/core/event"
	coresys "github.com/l1jgo/updatehub/internal/core/system"
	"github.com/l1jgo/updatehub/internal/input"
	"github.com/l1jgo/updatehub/internal/movement"
	"github.com/l1jgo/updatehub/internal/scripting"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(mode dispatch.Mode) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m            updatehub  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m        每幀回呼分派 · Go 更新管理器       \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m分派模式:\033[0m %s\n\n", mode)
}

// displayWidth counts East Asian wide and fullwidth runes as two columns.
func displayWidth(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}

func printSection(title string) {
	lineLen := 46 - displayWidth(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - displayWidth(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main loop ─────────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/updatehub.toml"
	if p := os.Getenv("UPDATEHUB_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.DispatchMode())

	// 3. Dispatcher and frame driver
	printSection("分派器")
	d := dispatch.New(dispatch.Options{
		InitialCapacity: cfg.Dispatch.InitialCapacity,
		Mode:            cfg.DispatchMode(),
	}, log)
	defer d.Shutdown()
	runner := coresys.NewRunner(d, cfg.Frame.FixedStep.Duration, log)
	bus := event.NewBus()
	printStat("初始容量", cfg.Dispatch.InitialCapacity)
	printOK("分派器建立完成")
	fmt.Println()

	// 4. Input layer
	printSection("輸入")
	bindings := input.DefaultBindings()
	if cfg.Input.Bindings != "" {
		bindings, err = input.LoadBindings(cfg.Input.Bindings)
		if err != nil {
			return fmt.Errorf("input: %w", err)
		}
	}
	printStat("按鈕", len(bindings.Buttons))
	printStat("動作", len(bindings.Actions))

	var term *input.TerminalSource
	var src input.Source
	if cfg.Input.Terminal {
		term, err = input.NewTerminalSource(64)
		if err != nil {
			return fmt.Errorf("terminal: %w", err)
		}
		defer term.Close()
		src = term
	}
	layer := input.NewLayer(bindings, bus, cfg.Input.HoldWindow.Duration, log)
	if err := layer.Attach(d, src); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	defer layer.Detach()
	printOK("輸入層已訂閱")
	fmt.Println()

	// 5. Movement controller
	ctrl := movement.New(movement.Settings{
		Speed:            cfg.Movement.Speed,
		SprintMultiplier: cfg.Movement.SprintMultiplier,
		Sensitivity:      cfg.Movement.Sensitivity,
		MinPitch:         cfg.Movement.MinPitch,
		MaxPitch:         cfg.Movement.MaxPitch,
	}, d, bus, runner.Clock(), log)
	defer ctrl.Close()

	// 6. Lua scripts
	printSection("腳本")
	engine, err := scripting.NewEngine(cfg.Scripting.Dir, d, runner.Clock(), log)
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer engine.Close()
	printStat("腳本訂閱", engine.Subscriptions())
	fmt.Println()

	// 7. HUD, after the controller has published its pose
	if _, err := runner.Register("hud", &hudSystem{ctrl: ctrl, term: term, log: log}); err != nil {
		return err
	}

	// 8. Quit on signal or the quit action
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.On(input.EventAction, event.Typed("quit", func(action string) {
		if action == input.ActionQuit {
			cancel()
		}
	}))
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-shutdownCh:
			log.Info("收到關閉信號", zap.String("signal", sig.String()))
			bus.Emit(input.EventAction, input.ActionQuit)
		case <-ctx.Done():
		}
	}()

	printSection("就緒")
	for _, p := range dispatch.Phases {
		printStat(p.String(), d.SubscriberCount(p))
	}
	printReady(fmt.Sprintf("幀迴圈啟動 (tick: %s, fixed: %s)", cfg.Frame.TickRate, cfg.Frame.FixedStep))
	fmt.Println()

	if err := runner.Run(ctx, cfg.Frame.TickRate.Duration); err != nil {
		return fmt.Errorf("frame loop: %w", err)
	}

	for _, p := range dispatch.Phases {
		st := d.Stats(p)
		log.Info("phase stats",
			zap.Stringer("phase", p),
			zap.Uint64("dispatches", st.Dispatches),
			zap.Uint64("invocations", st.Invocations),
			zap.Uint64("failures", st.Failures),
			zap.Int("peak", st.Peak))
	}
	log.Info("更新管理器已停止", zap.Uint64("frames", runner.Clock().Frame()))
	return nil
}

// hudSystem prints the controller pose once per frame (Late phase).
type hudSystem struct {
	ctrl *movement.Controller
	term *input.TerminalSource
	log  *zap.Logger
}

func (h *hudSystem) Phase() dispatch.Phase { return dispatch.PhaseLate }

func (h *hudSystem) Update(_ time.Duration) {
	p := h.ctrl.Pose()
	line := fmt.Sprintf("frame %d  pos (%.2f, %.2f, %.2f)  yaw %.0f  pitch %.0f",
		p.Frame, p.Position.X, p.Position.Y, p.Position.Z, p.Yaw, p.Pitch)
	if h.term != nil {
		h.term.Status(line)
	} else if p.Frame%300 == 0 {
		h.log.Debug(line)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.File != "" {
		// The terminal belongs to the input screen; keep logs off it.
		zapCfg.OutputPaths = []string{cfg.File}
		zapCfg.ErrorOutputPaths = []string{cfg.File}
	}

	return zapCfg.Build()
}
