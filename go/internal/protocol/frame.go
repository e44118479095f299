package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mcdev12/stagesync/go/internal/timer"
)

// TargetAll addresses every live connection
const TargetAll = "all"

// UnknownScreen is the bucket for connections that did not supply a screenId
const UnknownScreen = "unknown"

// Command identifies the kind of frame exchanged with screens
type Command string

const (
	CommandStartTimer   Command = "start_timer"
	CommandPauseTimer   Command = "pause_timer"
	CommandStopTimer    Command = "stop_timer"
	CommandResetTimer   Command = "reset_timer"
	CommandUpdateTime   Command = "update_time"
	CommandSetMode      Command = "set_mode"
	CommandShowMessage  Command = "show_message"
	CommandHideMessage  Command = "hide_message"
	CommandShowElement  Command = "show_element"
	CommandHideElement  Command = "hide_element"
	CommandInitialState Command = "initial_state"
	CommandSyncState    Command = "sync_state"
	CommandPing         Command = "ping"
	CommandPong         Command = "pong"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingField   = errors.New("missing required field")
)

// Known reports whether c is one of the closed set of commands
func (c Command) Known() bool {
	switch c {
	case CommandStartTimer, CommandPauseTimer, CommandStopTimer, CommandResetTimer,
		CommandUpdateTime, CommandSetMode, CommandShowMessage, CommandHideMessage,
		CommandShowElement, CommandHideElement, CommandInitialState, CommandSyncState,
		CommandPing, CommandPong:
		return true
	}
	return false
}

// CarriesState reports whether frames of this kind must include timer_state
func (c Command) CarriesState() bool {
	switch c {
	case CommandStartTimer, CommandPauseTimer, CommandStopTimer, CommandResetTimer,
		CommandUpdateTime, CommandSetMode, CommandInitialState, CommandSyncState:
		return true
	}
	return false
}

// Queueable reports whether a targeted frame of this kind leaves a retained
// side effect on the screen and may be held for an offline screen
func (c Command) Queueable() bool {
	switch c {
	case CommandShowMessage, CommandHideMessage, CommandShowElement, CommandHideElement:
		return true
	}
	return false
}

// ScreenState is the per-screen overlay shadow sent with initial_state
type ScreenState struct {
	Message         *string  `json:"message,omitempty"`
	VisibleElements []string `json:"visible_elements"`
}

// Frame is the JSON envelope for every message on a screen link
type Frame struct {
	Target         string       `json:"target,omitempty"`
	Command        Command      `json:"command"`
	Timestamp      int64        `json:"timestamp"`
	TimerState     *timer.State `json:"timer_state,omitempty"`
	TimerMode      timer.Mode   `json:"timer_mode,omitempty"`
	Message        string       `json:"message,omitempty"`
	VisibleElement string       `json:"visible_element,omitempty"`
	Label          string       `json:"label,omitempty"`
	ScreenState    *ScreenState `json:"screen_state,omitempty"`
}

// Validate checks that the fields required by the frame's command are present
func (f *Frame) Validate() error {
	if !f.Command.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, f.Command)
	}
	if f.Command.CarriesState() && f.TimerState == nil {
		return fmt.Errorf("%w: %s requires timer_state", ErrMissingField, f.Command)
	}

	switch f.Command {
	case CommandSetMode:
		if _, err := timer.ParseMode(string(f.TimerMode)); err != nil {
			return fmt.Errorf("%w: set_mode requires timer_mode: %v", ErrMissingField, err)
		}
	case CommandShowMessage:
		if f.Message == "" {
			return fmt.Errorf("%w: show_message requires message", ErrMissingField)
		}
	case CommandShowElement, CommandHideElement:
		if strings.TrimSpace(f.VisibleElement) == "" {
			return fmt.Errorf("%w: %s requires visible_element", ErrMissingField, f.Command)
		}
	}
	return nil
}

// Decode parses and validates a frame received from the wire
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Encode validates and marshals a frame
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}

// StateFrame builds a state-bearing frame for the given command
func StateFrame(cmd Command, st timer.State) Frame {
	f := Frame{Command: cmd, TimerState: &st}
	if cmd == CommandSetMode {
		f.TimerMode = st.Mode
	}
	return f
}
