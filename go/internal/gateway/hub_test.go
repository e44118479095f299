package gateway

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/stagesync/go/internal/protocol"
	"github.com/mcdev12/stagesync/go/internal/timer"
)

func TestConnectSendsInitialState(t *testing.T) {
	hub, _ := startHub(t, DefaultConfig())
	ctx := context.Background()

	if _, err := hub.SetTime(ctx, 300, ""); err != nil {
		t.Fatalf("SetTime: %v", err)
	}

	conn, ft := mustConnect(t, hub, "screen_1")
	frames := ft.received(t)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	initial := frames[0]
	if initial.Command != protocol.CommandInitialState || initial.Target != "screen_1" {
		t.Fatalf("first frame = %+v", initial)
	}
	if initial.TimerState == nil || initial.TimerState.CurrentTime != 300 || initial.TimerState.InitialTime != 300 {
		t.Fatalf("initial timer state = %+v", initial.TimerState)
	}
	if initial.ScreenState == nil || initial.ScreenState.Message != nil {
		t.Fatalf("initial screen state = %+v", initial.ScreenState)
	}
	if conn.ScreenID != "screen_1" || conn.ID == "" {
		t.Fatalf("connection = %+v", conn)
	}
}

func TestConnectWithoutScreenIDUsesUnknown(t *testing.T) {
	hub, _ := startHub(t, DefaultConfig())

	conn, _ := mustConnect(t, hub, "  ")
	if conn.ScreenID != protocol.UnknownScreen {
		t.Fatalf("ScreenID = %q, want %q", conn.ScreenID, protocol.UnknownScreen)
	}
}

// A message for an offline screen is held and delivered right after initial_state
func TestQueuedMessageDeliveredOnConnect(t *testing.T) {
	hub, _ := startHub(t, DefaultConfig())
	ctx := context.Background()

	result, err := hub.ShowMessage(ctx, "screen_2", "Intermission")
	if err != nil {
		t.Fatalf("ShowMessage: %v", err)
	}
	if !result.Queued || result.Delivered != 0 {
		t.Fatalf("result = %+v, want queued", result)
	}

	_, ft := mustConnect(t, hub, "screen_2")
	frames := ft.received(t)
	if len(frames) != 2 {
		t.Fatalf("got commands %v, want initial_state then show_message", ft.commands(t))
	}
	if frames[0].Command != protocol.CommandInitialState {
		t.Fatalf("first frame = %s", frames[0].Command)
	}
	if frames[1].Command != protocol.CommandShowMessage || frames[1].Message != "Intermission" || frames[1].Target != "screen_2" {
		t.Fatalf("second frame = %+v", frames[1])
	}
	if msg := frames[0].ScreenState.Message; msg == nil || *msg != "Intermission" {
		t.Fatalf("initial screen state message = %v", msg)
	}

	screens, err := hub.ListConnectedScreens(ctx)
	if err != nil {
		t.Fatalf("ListConnectedScreens: %v", err)
	}
	if len(screens) != 1 || screens[0].QueuedMessages != 0 {
		t.Fatalf("screens = %+v, want empty queue", screens)
	}

	// a second connection for the same screen gets no replay
	_, second := mustConnect(t, hub, "screen_2")
	if got := second.commands(t); !reflect.DeepEqual(got, []protocol.Command{protocol.CommandInitialState}) {
		t.Fatalf("second connection got %v", got)
	}
}

func TestQueuedFramesDrainInOrder(t *testing.T) {
	hub, clock := startHub(t, DefaultConfig())
	ctx := context.Background()

	steps := []func() (DispatchResult, error){
		func() (DispatchResult, error) { return hub.ShowMessage(ctx, "screen_3", "one") },
		func() (DispatchResult, error) { return hub.ShowElement(ctx, "screen_3", "logo") },
		func() (DispatchResult, error) { return hub.HideMessage(ctx, "screen_3") },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		clock.Advance(time.Millisecond)
	}

	_, ft := mustConnect(t, hub, "screen_3")
	want := []protocol.Command{
		protocol.CommandInitialState,
		protocol.CommandShowMessage,
		protocol.CommandShowElement,
		protocol.CommandHideMessage,
	}
	if got := ft.commands(t); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
}

// A global overlay supersedes queued per-screen frames for the same slot, so
// the screen ends up showing exactly what its shadow state reports.
func TestGlobalOverlaySupersedesQueuedFrames(t *testing.T) {
	hub, clock := startHub(t, DefaultConfig())
	ctx := context.Background()

	steps := []func() (DispatchResult, error){
		func() (DispatchResult, error) { return hub.ShowMessage(ctx, "screen_2", "Private") },
		func() (DispatchResult, error) { return hub.ShowElement(ctx, "screen_2", "logo") },
		func() (DispatchResult, error) { return hub.ShowElement(ctx, "screen_2", "clock") },
		func() (DispatchResult, error) { return hub.ShowMessage(ctx, protocol.TargetAll, "Global") },
		func() (DispatchResult, error) { return hub.HideElement(ctx, protocol.TargetAll, "logo") },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		clock.Advance(time.Millisecond)
	}

	shadow, err := hub.ScreenState(ctx, "screen_2")
	if err != nil {
		t.Fatalf("ScreenState: %v", err)
	}
	if shadow.Message == nil || *shadow.Message != "Global" {
		t.Fatalf("shadow message = %v, want Global", shadow.Message)
	}
	if !reflect.DeepEqual(shadow.VisibleElements, []string{"clock"}) {
		t.Fatalf("shadow elements = %v, want [clock]", shadow.VisibleElements)
	}

	_, ft := mustConnect(t, hub, "screen_2")
	want := []protocol.Command{protocol.CommandInitialState, protocol.CommandShowElement}
	if got := ft.commands(t); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	frames := ft.received(t)
	if msg := frames[0].ScreenState.Message; msg == nil || *msg != "Global" {
		t.Fatalf("initial message = %v, want Global", msg)
	}
	if frames[1].VisibleElement != "clock" {
		t.Fatalf("replayed element = %q, want clock", frames[1].VisibleElement)
	}
}

// Three connections across two screens all receive a message sent to "all"
func TestShowMessageToAllReachesEveryConnection(t *testing.T) {
	hub, _ := startHub(t, DefaultConfig())
	ctx := context.Background()

	_, a := mustConnect(t, hub, "screen_1")
	_, b := mustConnect(t, hub, "screen_2")
	_, c := mustConnect(t, hub, "screen_2")

	result, err := hub.ShowMessage(ctx, protocol.TargetAll, "Starting soon")
	if err != nil {
		t.Fatalf("ShowMessage: %v", err)
	}
	if result.Delivered != 3 {
		t.Fatalf("delivered = %d, want 3", result.Delivered)
	}
	for i, ft := range []*fakeTransport{a, b, c} {
		frames := ft.received(t)
		if n := countCommand(frames, protocol.CommandShowMessage); n != 1 {
			t.Fatalf("transport %d got %d show_message frames, want 1", i, n)
		}
	}

	screens, err := hub.ListConnectedScreens(ctx)
	if err != nil {
		t.Fatalf("ListConnectedScreens: %v", err)
	}
	var got []string
	for _, s := range screens {
		got = append(got, s.ScreenID)
	}
	if !reflect.DeepEqual(got, []string{"screen_1", "screen_2"}) {
		t.Fatalf("screens = %v", got)
	}
	if screens[1].Connections != 2 {
		t.Fatalf("screen_2 connections = %d, want 2", screens[1].Connections)
	}
}

func TestTimerCommandsBroadcastState(t *testing.T) {
	hub, clock := startHub(t, DefaultConfig())
	ctx := context.Background()
	_, ft := mustConnect(t, hub, "screen_1")

	if _, err := hub.SetTime(ctx, 90, "Keynote"); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	st, err := hub.StartTimer(ctx)
	if err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	if !st.IsRunning {
		t.Fatalf("StartTimer state = %+v", st)
	}

	clock.Advance(2 * time.Second)
	st, err = hub.PauseTimer(ctx)
	if err != nil {
		t.Fatalf("PauseTimer: %v", err)
	}
	if st.IsRunning || st.CurrentTime > 88.0001 || st.CurrentTime < 87.9999 {
		t.Fatalf("PauseTimer state = %+v, want 88s paused", st)
	}

	if _, err := hub.SetMode(ctx, timer.ModeStopwatch); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, err := hub.ResetTimer(ctx); err != nil {
		t.Fatalf("ResetTimer: %v", err)
	}
	if _, err := hub.StopTimer(ctx); err != nil {
		t.Fatalf("StopTimer: %v", err)
	}

	frames := ft.received(t)
	var update, mode protocol.Frame
	for _, f := range frames {
		switch f.Command {
		case protocol.CommandUpdateTime:
			update = f
		case protocol.CommandSetMode:
			mode = f
		}
	}
	if update.Label != "Keynote" || update.Target != protocol.TargetAll {
		t.Fatalf("update_time frame = %+v", update)
	}
	if mode.TimerMode != timer.ModeStopwatch || mode.TimerState.CurrentTime != 0 {
		t.Fatalf("set_mode frame = %+v", mode)
	}
	for _, cmd := range []protocol.Command{
		protocol.CommandStartTimer,
		protocol.CommandPauseTimer,
		protocol.CommandResetTimer,
		protocol.CommandStopTimer,
	} {
		if countCommand(frames, cmd) != 1 {
			t.Fatalf("expected one %s frame, got commands %v", cmd, ft.commands(t))
		}
	}
}

func TestInvalidTimerInputLeavesStateUntouched(t *testing.T) {
	hub, _ := startHub(t, DefaultConfig())
	ctx := context.Background()
	_, ft := mustConnect(t, hub, "screen_1")

	if _, err := hub.SetTime(ctx, 120, ""); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	before := len(ft.received(t))

	if _, err := hub.SetMode(ctx, timer.Mode("lap")); !errors.Is(err, timer.ErrUnknownMode) {
		t.Fatalf("SetMode(lap) err = %v", err)
	}
	if len(ft.received(t)) != before {
		t.Fatalf("rejected command broadcast a frame")
	}

	st, err := hub.TimerState(ctx)
	if err != nil {
		t.Fatalf("TimerState: %v", err)
	}
	if st.Mode != timer.ModeCountdown || st.CurrentTime != 120 {
		t.Fatalf("state changed after rejected input: %+v", st)
	}
}

func TestOverlayValidation(t *testing.T) {
	hub, _ := startHub(t, DefaultConfig())
	ctx := context.Background()

	if _, err := hub.ShowMessage(ctx, "", "hi"); !errors.Is(err, ErrScreenRequired) {
		t.Fatalf("blank screen err = %v", err)
	}
	if _, err := hub.ShowMessage(ctx, "screen_1", ""); !errors.Is(err, ErrMessageRequired) {
		t.Fatalf("blank message err = %v", err)
	}
	if _, err := hub.ShowElement(ctx, "screen_1", " "); !errors.Is(err, ErrElementRequired) {
		t.Fatalf("blank element err = %v", err)
	}
}

func TestSendFailureDropsConnection(t *testing.T) {
	hub, _ := startHub(t, DefaultConfig())
	ctx := context.Background()

	_, healthy := mustConnect(t, hub, "screen_1")
	brokenConn, broken := mustConnect(t, hub, "screen_2")
	broken.setFailSend(true)

	if _, err := hub.StartTimer(ctx); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}

	conns, err := hub.ListConnections(ctx, "")
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(conns) != 1 || conns[0].ScreenID != "screen_1" {
		t.Fatalf("connections = %+v, want only screen_1", conns)
	}
	if broken.closeCount() != 1 {
		t.Fatalf("failed transport closed %d times, want 1", broken.closeCount())
	}
	if countCommand(healthy.received(t), protocol.CommandStartTimer) != 1 {
		t.Fatalf("healthy connection missed start_timer")
	}

	// a later disconnect of the dropped connection is a no-op
	if err := hub.Disconnect(ctx, brokenConn.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if broken.closeCount() != 1 {
		t.Fatalf("Disconnect closed a removed transport again")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	hub, _ := startHub(t, DefaultConfig())
	ctx := context.Background()

	conn, ft := mustConnect(t, hub, "screen_1")
	for i := 0; i < 2; i++ {
		if err := hub.Disconnect(ctx, conn.ID); err != nil {
			t.Fatalf("Disconnect %d: %v", i, err)
		}
	}
	if ft.closeCount() != 1 {
		t.Fatalf("transport closed %d times, want 1", ft.closeCount())
	}
	screens, _ := hub.ListConnectedScreens(ctx)
	if len(screens) != 0 {
		t.Fatalf("screens after disconnect = %+v", screens)
	}

	// with the screen gone, the next targeted message is queued again
	result, err := hub.ShowElement(ctx, "screen_1", "logo")
	if err != nil || !result.Queued {
		t.Fatalf("ShowElement = %+v, %v; want queued", result, err)
	}
}

func TestPingRecordsHeartbeatAndReplies(t *testing.T) {
	hub, clock := startHub(t, DefaultConfig())
	ctx := context.Background()

	conn, ft := mustConnect(t, hub, "screen_1")
	clock.Advance(40 * time.Second)

	screens, _ := hub.ListConnectedScreens(ctx)
	if screens[0].Status != HealthUnresponsive {
		t.Fatalf("status after 40s silence = %s", screens[0].Status)
	}

	if err := hub.HandleFrame(ctx, conn.ID, []byte(`{"command":"ping","timestamp":1}`)); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	screens, _ = hub.ListConnectedScreens(ctx)
	if screens[0].Status != HealthHealthy {
		t.Fatalf("status after ping = %s", screens[0].Status)
	}
	if screens[0].LastPing != clock.Now().UnixMilli() {
		t.Fatalf("lastPing = %d, want %d", screens[0].LastPing, clock.Now().UnixMilli())
	}

	frames := ft.received(t)
	last := frames[len(frames)-1]
	if last.Command != protocol.CommandPong || last.Target != "screen_1" {
		t.Fatalf("last frame = %+v, want pong", last)
	}
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	hub, _ := startHub(t, DefaultConfig())
	ctx := context.Background()

	conn, ft := mustConnect(t, hub, "screen_1")
	for _, raw := range []string{`not json`, `{"command":"explode"}`, `{"command":"start_timer"}`} {
		if err := hub.HandleFrame(ctx, conn.ID, []byte(raw)); err != nil {
			t.Fatalf("HandleFrame(%s): %v", raw, err)
		}
	}

	conns, _ := hub.ListConnections(ctx, "screen_1")
	if len(conns) != 1 {
		t.Fatalf("connection dropped after malformed frame")
	}
	st, _ := hub.TimerState(ctx)
	if st.IsRunning {
		t.Fatalf("screen frame changed the authoritative timer")
	}
	if len(ft.received(t)) != 1 {
		t.Fatalf("hub replied to malformed frames: %v", ft.commands(t))
	}
}

func TestHealthSummary(t *testing.T) {
	hub, clock := startHub(t, DefaultConfig())
	ctx := context.Background()

	_, closed := mustConnect(t, hub, "screen_1")
	mustConnect(t, hub, "screen_2")
	closed.setOpen(false)
	if _, err := hub.ShowMessage(ctx, "screen_9", "later"); err != nil {
		t.Fatalf("ShowMessage: %v", err)
	}
	clock.Advance(3 * time.Second)

	summary, err := hub.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	want := ClientCounts{Total: 2, Connected: 1, Healthy: 1}
	if summary.Clients != want {
		t.Fatalf("clients = %+v, want %+v", summary.Clients, want)
	}
	if summary.Screens != 2 || summary.Queued != 1 || summary.Uptime != 3 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestApplyRuntimeClampsOvertime(t *testing.T) {
	config := DefaultConfig()
	config.AllowOvertime = true
	hub, clock := startHub(t, config)
	ctx := context.Background()
	_, ft := mustConnect(t, hub, "screen_1")

	if _, err := hub.SetTime(ctx, 1, ""); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	if _, err := hub.StartTimer(ctx); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	clock.Advance(3 * time.Second)
	st, err := hub.PauseTimer(ctx)
	if err != nil {
		t.Fatalf("PauseTimer: %v", err)
	}
	if st.CurrentTime >= 0 {
		t.Fatalf("overtime countdown = %v, want negative", st.CurrentTime)
	}

	err = hub.ApplyRuntime(ctx, RuntimeConfig{
		AllowOvertime:    false,
		Queue:            QueueConfig{MaxPerScreen: 4},
		HeartbeatTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("ApplyRuntime: %v", err)
	}

	st, _ = hub.TimerState(ctx)
	if st.CurrentTime != 0 || st.IsRunning {
		t.Fatalf("state after disallowing overtime = %+v", st)
	}
	frames := ft.received(t)
	if last := frames[len(frames)-1]; last.Command != protocol.CommandSyncState {
		t.Fatalf("last frame = %s, want sync_state", last.Command)
	}
}

type recordingObserver struct {
	states []timer.State
}

func (r *recordingObserver) ObserveState(st timer.State) {
	r.states = append(r.states, st)
}

func TestObserversSeeBroadcastStates(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	hub := NewHub(DefaultConfig(), clock)
	obs := &recordingObserver{}
	hub.AddObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	if _, err := hub.SetTime(ctx, 42, ""); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	if _, err := hub.StartTimer(ctx); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	cancel()
	<-hub.Done()

	if len(obs.states) != 2 || obs.states[0].CurrentTime != 42 || !obs.states[1].IsRunning {
		t.Fatalf("observed = %+v", obs.states)
	}
}

func TestStoppedHubRejectsOperations(t *testing.T) {
	hub := NewHub(DefaultConfig(), clockwork.NewFakeClockAt(testEpoch))
	ft := newFakeTransport()

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	if _, err := hub.Connect(context.Background(), "screen_1", ft); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cancel()
	<-hub.Done()

	if _, err := hub.StartTimer(context.Background()); !errors.Is(err, ErrHubStopped) {
		t.Fatalf("StartTimer after stop err = %v", err)
	}
	if ft.closeCount() != 1 {
		t.Fatalf("shutdown did not close transports")
	}
}

// Tick broadcasts are throttled while the timer runs; these drive the loop
// body directly so every tick is accounted for.
func TestTickBroadcastsAreThrottled(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	hub := NewHub(DefaultConfig(), clock)
	ft := newFakeTransport()
	hub.register(&Connection{ID: "c1", ScreenID: "screen_1", Transport: ft, ConnectedAt: clock.Now()})

	if _, err := hub.timer.SetTime(300); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	hub.timer.Start(clock.Now())

	for i := 0; i < 20; i++ {
		clock.Advance(50 * time.Millisecond)
		hub.tick()
	}

	syncs := countCommand(ft.received(t), protocol.CommandSyncState)
	if syncs < 9 || syncs > 11 {
		t.Fatalf("sync_state frames over 1s = %d, want about 10", syncs)
	}
	if st := hub.timer.Snapshot(); st.CurrentTime > 299.0001 || st.CurrentTime < 298.9999 {
		t.Fatalf("currentTime after 1s = %v, want 299", st.CurrentTime)
	}
}

func TestAutoStopAlwaysBroadcasts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	hub := NewHub(DefaultConfig(), clock)
	ft := newFakeTransport()
	hub.register(&Connection{ID: "c1", ScreenID: "screen_1", Transport: ft, ConnectedAt: clock.Now()})

	if _, err := hub.timer.SetTime(0.12); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	hub.timer.Start(clock.Now())

	// first tick consumes the limiter's token, the second is throttled,
	// the third crosses zero and must still go out
	for i := 0; i < 3; i++ {
		clock.Advance(50 * time.Millisecond)
		hub.tick()
	}

	frames := ft.received(t)
	last := frames[len(frames)-1]
	if last.Command != protocol.CommandSyncState || last.TimerState.IsRunning || last.TimerState.CurrentTime != 0 {
		t.Fatalf("last frame = %+v (%+v), want stopped sync_state at 0", last, last.TimerState)
	}
	if n := countCommand(frames, protocol.CommandSyncState); n != 2 {
		t.Fatalf("sync_state frames = %d, want 2", n)
	}

	// further ticks on a stopped timer send nothing
	clock.Advance(time.Second)
	hub.tick()
	if len(ft.received(t)) != len(frames) {
		t.Fatalf("stopped timer kept broadcasting")
	}
}
