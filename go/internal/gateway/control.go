package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/stagesync/go/internal/timer"
)

// ErrUnknownAction is returned for a control action name that does not exist
var ErrUnknownAction = errors.New("unknown control action")

// Controller is the operation set the controller-facing surfaces drive
type Controller interface {
	StartTimer(ctx context.Context) (timer.State, error)
	PauseTimer(ctx context.Context) (timer.State, error)
	StopTimer(ctx context.Context) (timer.State, error)
	ResetTimer(ctx context.Context) (timer.State, error)
	SetTime(ctx context.Context, seconds float64, label string) (timer.State, error)
	SetMode(ctx context.Context, mode timer.Mode) (timer.State, error)
	ShowMessage(ctx context.Context, screenID, text string) (DispatchResult, error)
	HideMessage(ctx context.Context, screenID string) (DispatchResult, error)
	ShowElement(ctx context.Context, screenID, elementID string) (DispatchResult, error)
	HideElement(ctx context.Context, screenID, elementID string) (DispatchResult, error)
	ListConnectedScreens(ctx context.Context) ([]ScreenHealth, error)
}

var _ Controller = (*Hub)(nil)

// ControlRequest is the body accepted by the HTTP and NATS control surfaces
type ControlRequest struct {
	Seconds   *float64 `json:"seconds,omitempty"`
	Label     string   `json:"label,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	ScreenID  string   `json:"screenId,omitempty"`
	Message   string   `json:"message,omitempty"`
	ElementID string   `json:"elementId,omitempty"`
}

// ControlResponse is returned by both control surfaces
type ControlResponse struct {
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	TimerState *timer.State    `json:"timer_state,omitempty"`
	Dispatch   *DispatchResult `json:"dispatch,omitempty"`
}

// Control action names, shared by the HTTP routes and NATS subjects
const (
	ActionTimerStart   = "timer.start"
	ActionTimerPause   = "timer.pause"
	ActionTimerStop    = "timer.stop"
	ActionTimerReset   = "timer.reset"
	ActionTimerSetTime = "timer.set-time"
	ActionTimerSetMode = "timer.set-mode"
	ActionMessageShow  = "message.show"
	ActionMessageHide  = "message.hide"
	ActionElementShow  = "element.show"
	ActionElementHide  = "element.hide"
)

// ErrInvalidRequest marks a control request that failed validation
var ErrInvalidRequest = errors.New("invalid control request")

// ExecuteControl runs a named action against the controller
func ExecuteControl(ctx context.Context, ctrl Controller, action string, req ControlRequest) (ControlResponse, error) {
	var (
		st     timer.State
		result DispatchResult
		err    error
	)

	switch action {
	case ActionTimerStart:
		st, err = ctrl.StartTimer(ctx)
	case ActionTimerPause:
		st, err = ctrl.PauseTimer(ctx)
	case ActionTimerStop:
		st, err = ctrl.StopTimer(ctx)
	case ActionTimerReset:
		st, err = ctrl.ResetTimer(ctx)
	case ActionTimerSetTime:
		if req.Seconds == nil {
			return ControlResponse{}, fmt.Errorf("%w: seconds is required", ErrInvalidRequest)
		}
		st, err = ctrl.SetTime(ctx, *req.Seconds, req.Label)
	case ActionTimerSetMode:
		mode, perr := timer.ParseMode(req.Mode)
		if perr != nil {
			return ControlResponse{}, perr
		}
		st, err = ctrl.SetMode(ctx, mode)
	case ActionMessageShow:
		result, err = ctrl.ShowMessage(ctx, req.ScreenID, req.Message)
	case ActionMessageHide:
		result, err = ctrl.HideMessage(ctx, req.ScreenID)
	case ActionElementShow:
		result, err = ctrl.ShowElement(ctx, req.ScreenID, req.ElementID)
	case ActionElementHide:
		result, err = ctrl.HideElement(ctx, req.ScreenID, req.ElementID)
	default:
		return ControlResponse{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return ControlResponse{}, err
	}

	resp := ControlResponse{Success: true}
	switch action {
	case ActionMessageShow, ActionMessageHide, ActionElementShow, ActionElementHide:
		resp.Dispatch = &result
	default:
		resp.TimerState = &st
	}
	return resp, nil
}

// IsClientError reports whether err was caused by bad controller input
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownAction) ||
		errors.Is(err, ErrScreenRequired) ||
		errors.Is(err, ErrMessageRequired) ||
		errors.Is(err, ErrElementRequired) ||
		errors.Is(err, timer.ErrInvalidSeconds) ||
		errors.Is(err, timer.ErrUnknownMode)
}
