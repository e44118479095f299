package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/stagesync/go/internal/protocol"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeTransport records frames in memory
type fakeTransport struct {
	mu       sync.Mutex
	open     bool
	failSend bool
	frames   [][]byte
	closes   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: true}
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrTransportClosed
	}
	if f.failSend {
		return errBrokenPipe
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closes++
	return nil
}

func (f *fakeTransport) setOpen(open bool) {
	f.mu.Lock()
	f.open = open
	f.mu.Unlock()
}

func (f *fakeTransport) setFailSend(fail bool) {
	f.mu.Lock()
	f.failSend = fail
	f.mu.Unlock()
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// received decodes every frame sent so far
func (f *fakeTransport) received(t *testing.T) []protocol.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.Frame, 0, len(f.frames))
	for _, data := range f.frames {
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("transport received invalid JSON %s: %v", data, err)
		}
		out = append(out, frame)
	}
	return out
}

func (f *fakeTransport) commands(t *testing.T) []protocol.Command {
	t.Helper()
	var out []protocol.Command
	for _, frame := range f.received(t) {
		out = append(out, frame.Command)
	}
	return out
}

func countCommand(frames []protocol.Frame, cmd protocol.Command) int {
	n := 0
	for _, f := range frames {
		if f.Command == cmd {
			n++
		}
	}
	return n
}

var testEpoch = time.Date(2025, 3, 14, 19, 30, 0, 0, time.UTC)

// startHub runs a hub on a fake clock for the duration of the test
func startHub(t *testing.T, config Config) (*Hub, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	hub := NewHub(config, clock)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub, clock
}

func mustConnect(t *testing.T, hub *Hub, screenID string) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	conn, err := hub.Connect(context.Background(), screenID, ft)
	if err != nil {
		t.Fatalf("Connect(%q): %v", screenID, err)
	}
	return conn, ft
}
