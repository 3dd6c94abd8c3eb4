package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/hw/button"
	"github.com/cjeanneret/GimbalGo/internal/hw/gpio"
	"github.com/cjeanneret/GimbalGo/internal/hw/imu"
	"github.com/cjeanneret/GimbalGo/internal/hw/servo"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
	"github.com/cjeanneret/GimbalGo/internal/logic/motion"
	"github.com/cjeanneret/GimbalGo/internal/logic/sequence"
	"github.com/cjeanneret/GimbalGo/internal/radio"
	"github.com/cjeanneret/GimbalGo/internal/web"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

const hardwareName = "raspberry-pi-3axis"

// cliFlags holds the values shared by every command.
type cliFlags struct {
	configPath string
	mode       string
	kp, ki, kd float64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags cliFlags
	webPort := &webPortFlag{defaultPort: 8080}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the control loop with the web, radio and button ingresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGimbal(cmd, flags, webPort.port())
		},
	}
	runCmd.Flags().Var(webPort, "web", "start web server on port; --web for default 8080, --web=8980 for custom port")
	runCmd.Flags().Lookup("web").NoOptDefVal = strconv.Itoa(webPort.defaultPort)

	rootCmd := &cobra.Command{
		Use:          "gimbal",
		Short:        "3-axis gimbal motion controller",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         runCmd.RunE,
		Version:      version,
	}
	bindFlags(rootCmd.PersistentFlags(), &flags)
	rootCmd.Flags().AddFlagSet(runCmd.Flags())

	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "sweep every axis through its range once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelfTest(cmd, flags)
		},
	}

	rootCmd.AddCommand(runCmd, selftestCmd, newSimulateCmd(&flags))
	return rootCmd
}

func bindFlags(fs *pflag.FlagSet, f *cliFlags) {
	fs.StringVar(&f.configPath, "config", filepath.Join("configs", "default.yaml"), "path to config file")
	fs.StringVar(&f.mode, "mode", "", "override control mode (manual|auto)")
	fs.Float64Var(&f.kp, "kp", 0, "override proportional gain")
	fs.Float64Var(&f.ki, "ki", 0, "override integral gain")
	fs.Float64Var(&f.kd, "kd", 0, "override derivative gain")
}

// overrides collects the CLI values the user actually set.
type overrides struct {
	mode       *config.Mode
	kp, ki, kd *float64
}

func overridesFromFlags(cmd *cobra.Command, f cliFlags) (overrides, error) {
	var o overrides
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("mode") {
		m, err := config.ParseMode(f.mode)
		if err != nil {
			return o, fmt.Errorf("--mode: %w", err)
		}
		o.mode = &m
	}
	if changed("kp") {
		o.kp = &f.kp
	}
	if changed("ki") {
		o.ki = &f.ki
	}
	if changed("kd") {
		o.kd = &f.kd
	}
	return o, validateCLIOverrides(o)
}

// validateCLIOverrides checks that the set overrides are within range.
func validateCLIOverrides(o overrides) error {
	for _, g := range []struct {
		name string
		v    *float64
	}{{"kp", o.kp}, {"ki", o.ki}, {"kd", o.kd}} {
		if g.v == nil {
			continue
		}
		if math.IsNaN(*g.v) || math.IsInf(*g.v, 0) || *g.v < 0 {
			return fmt.Errorf("%s must be a finite value >= 0, got %g", g.name, *g.v)
		}
	}
	if o.mode != nil && !o.mode.Valid() {
		return fmt.Errorf("mode: %w", config.ErrInvalidMode)
	}
	return nil
}

// applyOverrides mutates cfg with the set overrides.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.mode != nil {
		cfg.Control.Mode = *o.mode
	}
	if o.kp != nil {
		cfg.Control.Kp = *o.kp
	}
	if o.ki != nil {
		cfg.Control.Ki = *o.ki
	}
	if o.kd != nil {
		cfg.Control.Kd = *o.kd
	}
}

// loadConfig validates the path, loads the file and applies CLI overrides.
func loadConfig(cmd *cobra.Command, f cliFlags) (*config.Config, error) {
	if err := config.ValidateConfigPath(f.configPath); err != nil {
		return nil, fmt.Errorf("config path: %w", err)
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o, err := overridesFromFlags(cmd, f)
	if err != nil {
		return nil, fmt.Errorf("invalid CLI override: %w", err)
	}
	applyOverrides(cfg, o)
	return cfg, nil
}

// app is the wired gimbal: store, hardware adapters and motion core.
type app struct {
	store    *config.Store
	driver   gpio.Driver
	actuator motion.Actuator
	gyro     *imu.External
	ctl      *motion.Controller
	runner   *sequence.Runner
	button   *button.Button
	radio    *radio.Link
	closers  []io.Closer
}

// newApp wires every collaborator described by the store's configuration.
func newApp(store *config.Store) (*app, error) {
	cfg := store.Snapshot()
	a := &app{store: store}

	mock := cfg.Defaults.MockGPIO || cfg.Servos.Driver == config.DriverMock
	debug.Value("Mock GPIO", mock)
	debug.Step(1, "Initializing GPIO driver")
	driver, err := gpio.NewDriver(mock)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	a.driver = driver
	a.closers = append(a.closers, driver)

	debug.Step(2, "Initializing servos ("+cfg.Servos.Driver+")")
	switch {
	case cfg.Servos.Driver == config.DriverMaestro && !mock:
		m, port, err := servo.OpenMaestro(cfg.Maestro, cfg.Servos)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.actuator = m
		a.closers = append(a.closers, port)
	default:
		g, err := servo.NewGimbal(driver, cfg.Servos)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init servos: %w", err)
		}
		a.actuator = g
	}
	debug.PrintStruct("Servo config", cfg.Servos)

	debug.Step(3, "Initializing rate sensor ("+cfg.Sensor.Type+")")
	var rates motion.RateSource = imu.None{}
	if cfg.Sensor.Type == config.SensorExternal {
		a.gyro = imu.NewExternal(cfg.Sensor.StaleTimeout())
		rates = a.gyro
		if cfg.Sensor.Units == config.UnitsRadPerSec {
			rates = imu.RadPerSec{Src: a.gyro}
		}
	}

	a.ctl = motion.NewController(store, rates, a.actuator)
	a.runner = sequence.NewRunner(a.ctl)

	if !cfg.Button.Disabled {
		debug.Step(4, "Initializing button")
		b, err := button.New(driver, button.Config{
			Pin:       cfg.Button.Pin,
			Debounce:  cfg.Button.Debounce(),
			LongPress: cfg.Button.LongPress(),
			Poll:      cfg.Button.Poll(),
		}, func() {
			if err := a.ctl.Center(); err != nil {
				debug.Error(fmt.Errorf("button center: %w", err))
			}
		}, func() {
			if _, err := a.ctl.CaptureFlatReference(); err != nil {
				debug.Error(fmt.Errorf("button flat reference: %w", err))
			}
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init button: %w", err)
		}
		a.button = b
	}

	if cfg.Radio.Port != "" {
		debug.Step(5, "Opening radio link")
		port, err := radio.Open(cfg.Radio)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, port)
		a.radio = radio.New(a.ctl, port, cfg.Radio.StatusPeriod())
	}
	return a, nil
}

// Close releases hardware in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openApp(cmd *cobra.Command, f cliFlags) (*app, error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return nil, err
	}
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", f.configPath)
	debug.Value("Debug level", debug.Level())
	debug.Value("Mode", cfg.Control.Mode)

	return newApp(config.NewStore(cfg, f.configPath))
}

func runGimbal(cmd *cobra.Command, f cliFlags, webPort int) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(cmd, f)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("closing hardware failed: %v", err)
		}
	}()

	var collaborators []component
	if a.button != nil {
		collaborators = append(collaborators, component{"button", a.button.Run})
	}
	if a.radio != nil {
		collaborators = append(collaborators, component{"radio", a.radio.Run})
	}
	if webPort > 0 {
		broadcaster := web.NewLogBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, broadcaster.Writer()))
		var gyro web.GyroSink
		if a.gyro != nil {
			gyro = a.gyro
		}
		srv := web.NewServer(fmt.Sprintf(":%d", webPort), web.Deps{
			Controller:  a.ctl,
			Store:       a.store,
			Runner:      a.runner,
			Gyro:        gyro,
			Broadcaster: broadcaster,
			Version:     web.VersionInfo{Firmware: version, Hardware: hardwareName},
			Context:     ctx,
		}, a.store.Snapshot().Web.StatusPeriod())
		collaborators = append(collaborators, component{"web server", srv.Run})
	}

	debug.Summary("Gimbal running")
	if err := supervise(ctx, a.ctl.Run, collaborators...); err != nil {
		return err
	}
	debug.Info("Shutdown complete")
	return nil
}

// component is a collaborator goroutine run beside the control loop.
type component struct {
	name string
	run  func(context.Context) error
}

// supervise runs the control loop and its collaborators until ctx is done
// or the loop itself fails. A collaborator that fails is logged and stays
// stopped while the loop keeps driving the servos.
func supervise(ctx context.Context, loop func(context.Context) error, collaborators ...component) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop(ctx) })
	for _, c := range collaborators {
		g.Go(func() error {
			if err := c.run(ctx); err != nil && ctx.Err() == nil {
				debug.Error(fmt.Errorf("%s stopped, control loop continues: %w", c.name, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runSelfTest(cmd *cobra.Command, f cliFlags) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(cmd, f)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.ctl.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	var flat *geometry.Pose
	if p, ok := a.ctl.FlatReference(); ok {
		flat = &p
	}
	start := time.Now()
	if err := a.runner.Run(ctx, "selftest", sequence.SelfTest(flat, a.ctl.CurrentPosition())); err != nil {
		return fmt.Errorf("self-test: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Self-test complete in %v, resting at %v\n",
		time.Since(start).Round(time.Millisecond), a.ctl.CurrentPosition())
	return nil
}

// webPortFlag implements pflag.Value for --web: 0 = disabled, --web → 8080,
// --web=8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

var _ pflag.Value = (*webPortFlag)(nil)

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) Type() string { return "port" }

func (w *webPortFlag) port() int { return w.val }
