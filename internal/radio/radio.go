// Package radio implements the serial remote-control link. Each command is
// one line starting with a one-letter flag; the link answers with status
// lines of the form S<mode>,<yaw>,<pitch>,<roll>.
package radio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
	"github.com/cjeanneret/GimbalGo/internal/logic/motion"
)

// MaxLineBytes bounds a single command line.
const MaxLineBytes = 256

// Controller is the part of the motion core the link drives.
type Controller interface {
	SetManualPosition(geometry.Pose) error
	SetAutoTarget(geometry.Pose) error
	SetMode(config.Mode) error
	StartTimedMove(time.Duration, geometry.Pose) error
	Center() error
	CaptureFlatReference() (geometry.Pose, error)
	Status() motion.Status
}

// Command is one line-protocol command.
type Command struct {
	Flag        byte
	Run         func(l *Link, args string) error
	Description string
}

// Commands is the command table, keyed by flag.
var Commands = map[byte]*Command{
	'P': {
		Flag: 'P',
		Run: func(l *Link, args string) error {
			p, err := parsePose(args)
			if err != nil {
				return err
			}
			return l.ctl.SetManualPosition(p)
		},
		Description: "Manual position. Input: yaw,pitch,roll",
	},
	'A': {
		Flag: 'A',
		Run: func(l *Link, args string) error {
			p, err := parsePose(args)
			if err != nil {
				return err
			}
			return l.ctl.SetAutoTarget(p)
		},
		Description: "Auto target. Input: yaw,pitch,roll",
	},
	'M': {
		Flag: 'M',
		Run: func(l *Link, args string) error {
			m, err := config.ParseMode(args)
			if err != nil {
				return err
			}
			return l.ctl.SetMode(m)
		},
		Description: "Switch mode. Input: 0 (manual) or 1 (auto)",
	},
	'T': {
		Flag: 'T',
		Run: func(l *Link, args string) error {
			ms, rest, ok := strings.Cut(args, ",")
			if !ok {
				return fmt.Errorf("timed move needs ms,yaw,pitch,roll: %q", args)
			}
			n, err := strconv.Atoi(strings.TrimSpace(ms))
			if err != nil {
				return fmt.Errorf("timed move duration %q: %w", ms, err)
			}
			d, err := motion.MoveDuration(float64(n))
			if err != nil {
				return err
			}
			p, err := parsePose(rest)
			if err != nil {
				return err
			}
			return l.ctl.StartTimedMove(d, p)
		},
		Description: "Timed move. Input: ms,yaw,pitch,roll",
	},
	'C': {
		Flag:        'C',
		Run:         func(l *Link, _ string) error { return l.ctl.Center() },
		Description: "Center on the flat reference",
	},
	'F': {
		Flag: 'F',
		Run: func(l *Link, _ string) error {
			_, err := l.ctl.CaptureFlatReference()
			return err
		},
		Description: "Capture the current position as the flat reference",
	},
	'S': {
		Flag:        'S',
		Run:         func(l *Link, _ string) error { return l.WriteStatus() },
		Description: "Request a status line",
	},
}

// Link runs the line protocol over rw.
type Link struct {
	ctl    Controller
	rw     io.ReadWriter
	period time.Duration

	wmu sync.Mutex
}

// New creates a link. A period <= 0 disables periodic status lines.
func New(ctl Controller, rw io.ReadWriter, period time.Duration) *Link {
	return &Link{ctl: ctl, rw: rw, period: period}
}

// Open opens the serial port described by cfg.
func Open(cfg config.RadioConfig) (serial.Port, error) {
	if cfg.Port == "" {
		return nil, errors.New("radio: no serial port configured")
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", cfg.Port, err)
	}
	debug.Info("Radio link on %s at %d baud", cfg.Port, cfg.BaudRate)
	return port, nil
}

// Run reads commands and sends periodic status until ctx is done or the
// reader fails. Closing the underlying port unblocks a pending read.
func (l *Link) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		readErr <- l.readLines(ctx, lines)
	}()

	var tick <-chan time.Time
	if l.period > 0 {
		t := time.NewTicker(l.period)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("radio read: %w", err)
		case line := <-lines:
			if err := l.Handle(line); err != nil {
				debug.Error(fmt.Errorf("radio: %w", err))
			}
		case <-tick:
			if err := l.WriteStatus(); err != nil {
				return fmt.Errorf("radio status: %w", err)
			}
		}
	}
}

// readLines delivers lines until the reader fails. Over-long lines are
// dropped whole.
func (l *Link) readLines(ctx context.Context, lines chan<- string) error {
	r := bufio.NewReaderSize(l.rw, MaxLineBytes)
	for {
		line, isPrefix, err := r.ReadLine()
		if err != nil {
			return err
		}
		if isPrefix {
			for isPrefix && err == nil {
				_, isPrefix, err = r.ReadLine()
			}
			debug.Error(fmt.Errorf("radio: line longer than %d bytes dropped", MaxLineBytes))
			if err != nil {
				return err
			}
			continue
		}
		select {
		case lines <- string(line):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle executes one command line. Blank lines are ignored.
func (l *Link) Handle(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, ok := Commands[line[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", line)
	}
	args := line[1:]
	debug.Command("radio", string(cmd.Flag), args)
	if err := cmd.Run(l, args); err != nil {
		return fmt.Errorf("command %q: %w", line, err)
	}
	return nil
}

// WriteStatus sends one status line.
func (l *Link) WriteStatus() error {
	st := l.ctl.Status()
	line := FormatStatus(st.Mode, st.Current)
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_, err := io.WriteString(l.rw, line)
	return err
}

// FormatStatus renders a status line including its newline.
func FormatStatus(m config.Mode, p geometry.Pose) string {
	return fmt.Sprintf("S%d,%.1f,%.1f,%.1f\n", int(m), p.Yaw, p.Pitch, p.Roll)
}

func parsePose(s string) (geometry.Pose, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return geometry.Pose{}, fmt.Errorf("want yaw,pitch,roll, got %q", s)
	}
	var v [3]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geometry.Pose{}, fmt.Errorf("angle %q: %w", part, err)
		}
		v[i] = f
	}
	return geometry.Pose{Yaw: v[0], Pitch: v[1], Roll: v[2]}, nil
}
