package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/hw/imu"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
	"github.com/cjeanneret/GimbalGo/internal/logic/motion"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(18)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444466")).
			Padding(1, 2)
)

// simParams describes one offline run of the control core in Auto mode.
type simParams struct {
	Control   config.Control
	Duration  time.Duration
	Amplitude float64 // peak disturbance rate, deg/s
	FreqHz    float64
}

type simResult struct {
	Yaw, Pitch     []float64
	PeakDeviation  float64
	FinalDeviation float64
	Ticks          uint64
	Period         time.Duration
}

func newSimulateCmd(flags *cliFlags) *cobra.Command {
	var (
		seconds   float64
		amplitude float64
		freq      float64
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "run the Auto-mode loop offline against a sinusoidal disturbance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *flags)
			if err != nil {
				return err
			}
			p := simParams{
				Control:   cfg.Control,
				Duration:  time.Duration(seconds * float64(time.Second)),
				Amplitude: amplitude,
				FreqHz:    freq,
			}
			res, err := simulate(p)
			if err != nil {
				return err
			}
			renderSimulation(cmd.OutOrStdout(), p, res)
			return nil
		},
	}
	cmd.Flags().Float64Var(&seconds, "seconds", 5, "simulated time")
	cmd.Flags().Float64Var(&amplitude, "amplitude", 30, "peak disturbance rate (deg/s)")
	cmd.Flags().Float64Var(&freq, "freq", 0.5, "disturbance frequency (Hz)")
	return cmd
}

// simulate ticks a controller with a fixed dt while a scripted sensor
// reports yaw and pitch rates a quarter period apart.
func simulate(p simParams) (simResult, error) {
	if p.Duration <= 0 {
		return simResult{}, fmt.Errorf("simulation time must be > 0, got %v", p.Duration)
	}
	if math.IsNaN(p.Amplitude) || math.IsInf(p.Amplitude, 0) || p.Amplitude < 0 {
		return simResult{}, fmt.Errorf("amplitude must be a finite value >= 0, got %g", p.Amplitude)
	}
	if math.IsNaN(p.FreqHz) || math.IsInf(p.FreqHz, 0) || p.FreqHz < 0 {
		return simResult{}, fmt.Errorf("frequency must be a finite value >= 0, got %g", p.FreqHz)
	}

	cfg := config.Default()
	cfg.Control = p.Control
	cfg.Control.Mode = config.ModeAuto
	cfg.Control.FlatReference = nil
	if err := cfg.Validate(); err != nil {
		return simResult{}, fmt.Errorf("simulation settings: %w", err)
	}
	period := cfg.Control.LoopPeriod()
	n := int(p.Duration / period)
	if n == 0 {
		n = 1
	}

	w := 2 * math.Pi * p.FreqHz
	samples := make([]geometry.Pose, n)
	for i := range samples {
		t := float64(i) * period.Seconds()
		samples[i] = geometry.Pose{
			Yaw:   p.Amplitude * math.Sin(w*t),
			Pitch: p.Amplitude * math.Cos(w*t),
		}
	}

	ctl := motion.NewController(config.NewStore(cfg, ""), imu.NewScripted(samples), nil)
	target := ctl.Status().AutoTarget
	res := simResult{
		Yaw:    make([]float64, 0, n),
		Pitch:  make([]float64, 0, n),
		Period: period,
	}
	for i := 0; i < n; i++ {
		ctl.Tick(period)
		cur := ctl.CurrentPosition()
		res.Yaw = append(res.Yaw, cur.Yaw)
		res.Pitch = append(res.Pitch, cur.Pitch)
		dev := cur.MaxAbsDiff(target)
		res.PeakDeviation = math.Max(res.PeakDeviation, dev)
		res.FinalDeviation = dev
	}
	res.Ticks = ctl.Status().Ticks
	return res, nil
}

func renderSimulation(w io.Writer, p simParams, r simResult) {
	graph := asciigraph.PlotMany([][]float64{r.Yaw, r.Pitch},
		asciigraph.Height(12),
		asciigraph.Width(80),
		asciigraph.SeriesColors(asciigraph.Cyan, asciigraph.Yellow),
		asciigraph.Caption("yaw (cyan) / pitch (yellow), degrees"),
	)
	fmt.Fprintln(w, graph)

	row := func(label, value string) string {
		return labelStyle.Render(label) + valueStyle.Render(value)
	}
	lines := []string{
		titleStyle.Render("Auto-mode simulation"),
		"",
		row("gains", fmt.Sprintf("kp=%g ki=%g kd=%g", p.Control.Kp, p.Control.Ki, p.Control.Kd)),
		row("loop", fmt.Sprintf("%v x %d ticks", r.Period, r.Ticks)),
		row("disturbance", fmt.Sprintf("%g deg/s at %g Hz", p.Amplitude, p.FreqHz)),
		row("peak deviation", fmt.Sprintf("%.2f deg", r.PeakDeviation)),
		row("final deviation", fmt.Sprintf("%.2f deg", r.FinalDeviation)),
	}
	fmt.Fprintln(w, panelStyle.Render(strings.Join(lines, "\n")))
}
