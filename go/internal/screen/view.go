package screen

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mcdev12/stagesync/go/internal/protocol"
	"github.com/mcdev12/stagesync/go/internal/timer"
)

// View is what a screen renders at one instant
type View struct {
	Timer           timer.State
	Label           string
	Message         string
	HasMessage      bool
	VisibleElements []string
}

// IsVisible reports whether an element is in the view
func (v View) IsVisible(elementID string) bool {
	for _, el := range v.VisibleElements {
		if el == elementID {
			return true
		}
	}
	return false
}

// localState is the screen's copy of the gateway's state. The timer is kept
// as the last authoritative snapshot plus the instant it arrived; the shown
// value is projected from those so repeated rendering never drifts.
type localState struct {
	allowOvertime bool
	// serverOvertime is set once the gateway sends a running countdown below
	// zero; from then on the gateway's clamp is the only one that applies
	serverOvertime bool

	base     timer.State
	syncedAt time.Time

	label    string
	message  *string
	elements map[string]struct{}
	lastPong time.Time
}

func newLocalState(allowOvertime bool) *localState {
	return &localState{
		allowOvertime: allowOvertime,
		base:          timer.State{Mode: timer.ModeCountdown},
		elements:      make(map[string]struct{}),
	}
}

// apply folds one frame from the gateway into the local state
func (s *localState) apply(f protocol.Frame, now time.Time) {
	if f.TimerState != nil {
		s.base = *f.TimerState
		s.syncedAt = now
		if s.base.IsRunning && s.base.Mode == timer.ModeCountdown && s.base.CurrentTime < 0 {
			s.serverOvertime = true
		}
	}

	switch f.Command {
	case protocol.CommandSetMode:
		if f.TimerMode != "" {
			s.base.Mode = f.TimerMode
		}
	case protocol.CommandUpdateTime:
		s.label = f.Label
	case protocol.CommandShowMessage:
		text := f.Message
		s.message = &text
	case protocol.CommandHideMessage:
		s.message = nil
	case protocol.CommandShowElement:
		s.elements[f.VisibleElement] = struct{}{}
	case protocol.CommandHideElement:
		delete(s.elements, f.VisibleElement)
	case protocol.CommandInitialState:
		if f.ScreenState != nil {
			s.message = nil
			if f.ScreenState.Message != nil {
				text := *f.ScreenState.Message
				s.message = &text
			}
			clear(s.elements)
			for _, el := range f.ScreenState.VisibleElements {
				s.elements[el] = struct{}{}
			}
		}
	case protocol.CommandPong:
		s.lastPong = now
	}
}

// projectedTimer advances the last snapshot by the time elapsed since it arrived
func (s *localState) projectedTimer(now time.Time) timer.State {
	st := s.base
	if !st.IsRunning {
		return st
	}
	elapsed := now.Sub(s.syncedAt).Seconds()
	if elapsed <= 0 {
		return st
	}

	switch st.Mode {
	case timer.ModeStopwatch:
		st.CurrentTime += elapsed
	default:
		st.CurrentTime -= elapsed
		if !s.allowOvertime && !s.serverOvertime && st.CurrentTime <= 0 {
			st.CurrentTime = 0
			st.IsRunning = false
		}
	}
	return st
}

func (s *localState) view(now time.Time) View {
	v := View{
		Timer: s.projectedTimer(now),
		Label: s.label,
	}
	if s.message != nil {
		v.Message = *s.message
		v.HasMessage = true
	}
	v.VisibleElements = make([]string, 0, len(s.elements))
	for el := range s.elements {
		v.VisibleElements = append(v.VisibleElements, el)
	}
	sort.Strings(v.VisibleElements)
	return v
}

// FormatClock renders seconds as MM:SS, or HH:MM:SS past an hour.
// Overtime is shown with a leading minus sign.
func FormatClock(seconds float64) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
	}
	total := int64(math.Floor(math.Abs(seconds)))
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60

	if hours > 0 {
		return fmt.Sprintf("%s%02d:%02d:%02d", sign, hours, minutes, secs)
	}
	return fmt.Sprintf("%s%02d:%02d", sign, minutes, secs)
}
