package timer

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInvalidSeconds = errors.New("seconds must be a finite number")
	ErrUnknownMode    = errors.New("unknown timer mode")
)

// Mode selects whether the timer counts down from initialTime or up from zero
type Mode string

const (
	ModeCountdown Mode = "countdown"
	ModeStopwatch Mode = "stopwatch"
)

// ParseMode converts a wire value into a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCountdown:
		return ModeCountdown, nil
	case ModeStopwatch:
		return ModeStopwatch, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Status is the state machine position; only Running is visible on the wire (isRunning)
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// State is the wire representation of the timer
type State struct {
	CurrentTime float64 `json:"currentTime"`
	InitialTime float64 `json:"initialTime"`
	IsRunning   bool    `json:"isRunning"`
	Mode        Mode    `json:"mode"`
}

// Timer is the authoritative countdown/stopwatch state machine.
// It is not safe for concurrent use; the gateway hub owns the only instance
// and calls it from its loop goroutine.
type Timer struct {
	current       float64
	initial       float64
	mode          Mode
	status        Status
	allowOvertime bool

	// lastTick is the wall-clock instant elapsed time is measured from while running
	lastTick time.Time
}

// New returns a stopped countdown at zero
func New(allowOvertime bool) *Timer {
	return &Timer{
		mode:          ModeCountdown,
		status:        StatusStopped,
		allowOvertime: allowOvertime,
	}
}

// Snapshot returns a copy of the current state
func (t *Timer) Snapshot() State {
	return State{
		CurrentTime: t.current,
		InitialTime: t.initial,
		IsRunning:   t.status == StatusRunning,
		Mode:        t.mode,
	}
}

func (t *Timer) Status() Status { return t.status }

func (t *Timer) AllowOvertime() bool { return t.allowOvertime }

// Start moves Stopped or Paused to Running. Already running is a no-op.
func (t *Timer) Start(now time.Time) State {
	if t.status != StatusRunning {
		t.status = StatusRunning
		t.lastTick = now
	}
	return t.Snapshot()
}

// Pause folds in the time elapsed up to now and then parks the timer
func (t *Timer) Pause(now time.Time) State {
	if t.status != StatusRunning {
		return t.Snapshot()
	}
	t.advance(now)
	if t.status == StatusRunning {
		t.status = StatusPaused
	}
	return t.Snapshot()
}

// Stop always parks at zero, in both modes and regardless of overtime policy
func (t *Timer) Stop() State {
	t.status = StatusStopped
	t.current = 0
	return t.Snapshot()
}

// Reset parks at initialTime for a countdown and at zero for a stopwatch
func (t *Timer) Reset() State {
	t.status = StatusStopped
	t.current = t.restingTime()
	return t.Snapshot()
}

// SetTime loads a new initial time and stops. Negative input is clamped to zero.
func (t *Timer) SetTime(seconds float64) (State, error) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return t.Snapshot(), ErrInvalidSeconds
	}
	if seconds < 0 {
		seconds = 0
	}
	t.initial = seconds
	t.current = seconds
	t.status = StatusStopped
	return t.Snapshot(), nil
}

// SetMode switches mode and stops, recomputing currentTime the way Reset does
func (t *Timer) SetMode(mode Mode) (State, error) {
	if mode != ModeCountdown && mode != ModeStopwatch {
		return t.Snapshot(), fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	t.mode = mode
	t.status = StatusStopped
	t.current = t.restingTime()
	return t.Snapshot(), nil
}

// SetOvertime changes the overtime policy. Disallowing overtime while the
// countdown is already negative clamps it back to zero and stops it.
func (t *Timer) SetOvertime(allow bool) (State, bool) {
	t.allowOvertime = allow
	if !allow && t.mode == ModeCountdown && t.current < 0 {
		t.current = 0
		t.status = StatusStopped
		return t.Snapshot(), true
	}
	return t.Snapshot(), false
}

// Tick advances a running timer by the wall-clock time since the previous
// tick. changed reports whether currentTime moved; stopped reports that the
// countdown hit zero and the timer stopped itself.
func (t *Timer) Tick(now time.Time) (changed, stopped bool) {
	if t.status != StatusRunning {
		return false, false
	}
	before := t.current
	t.advance(now)
	return t.current != before, t.status == StatusStopped
}

func (t *Timer) advance(now time.Time) {
	delta := now.Sub(t.lastTick)
	if delta <= 0 {
		return
	}
	t.lastTick = now

	switch t.mode {
	case ModeStopwatch:
		t.current += delta.Seconds()
	default:
		t.current -= delta.Seconds()
		if !t.allowOvertime && t.current <= 0 {
			t.current = 0
			t.status = StatusStopped
		}
	}
}

func (t *Timer) restingTime() float64 {
	if t.mode == ModeCountdown {
		return t.initial
	}
	return 0
}
