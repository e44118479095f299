package screen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/stagesync/go/internal/gateway"
	"github.com/mcdev12/stagesync/go/internal/protocol"
)

func startGateway(t *testing.T) (*gateway.Hub, string) {
	t.Helper()
	hub := gateway.NewHub(gateway.DefaultConfig(), clockwork.NewFakeClockAt(epoch))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	gateway.NewWebSocketHandler(hub, gateway.DefaultConnectionConfig()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) record(s ConnState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) count(s ConnState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.states {
		if got == s {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLinkSyncsAndReconnects(t *testing.T) {
	hub, wsURL := startGateway(t)
	ctx := context.Background()

	if _, err := hub.SetTime(ctx, 120, ""); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	if _, err := hub.ShowMessage(ctx, "screen_1", "Doors open"); err != nil {
		t.Fatalf("ShowMessage: %v", err)
	}

	link, err := NewLink(Config{
		ServerURL:         wsURL,
		ScreenID:          "screen_1",
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectDelay:    50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	rec := &stateRecorder{}
	link.OnConnectionChange(rec.record)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		link.Run(runCtx)
	}()

	waitFor(t, "queued message and initial state", func() bool {
		v := link.View()
		return v.Message == "Doors open" && v.Timer.InitialTime == 120
	})
	waitFor(t, "pong", func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return !link.local.lastPong.IsZero()
	})

	if _, err := hub.ShowElement(ctx, protocol.TargetAll, "logo"); err != nil {
		t.Fatalf("ShowElement: %v", err)
	}
	waitFor(t, "broadcast element", func() bool { return link.View().IsVisible("logo") })

	conns, err := hub.ListConnections(ctx, "screen_1")
	if err != nil || len(conns) != 1 {
		t.Fatalf("ListConnections = %v, %v", conns, err)
	}
	if err := hub.Disconnect(ctx, conns[0].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	waitFor(t, "reconnect", func() bool {
		return rec.count(StateConnected) >= 2 && link.State() == StateConnected
	})
	waitFor(t, "new server-side connection", func() bool {
		again, err := hub.ListConnections(ctx, "screen_1")
		return err == nil && len(again) == 1 && again[0].ID != conns[0].ID
	})
	if rec.count(StateDisconnected) < 1 {
		t.Fatalf("link never reported disconnected")
	}

	// the fresh initial_state restores the overlays
	waitFor(t, "state after reconnect", func() bool {
		v := link.View()
		return v.Message == "Doors open" && v.IsVisible("logo")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestLinkRetriesUntilGatewayAppears(t *testing.T) {
	link, err := NewLink(Config{
		ServerURL:      "ws://127.0.0.1:1/ws",
		ScreenID:       "screen_1",
		ReconnectDelay: 20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	rec := &stateRecorder{}
	link.OnConnectionChange(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		link.Run(ctx)
	}()

	waitFor(t, "several attempts", func() bool { return rec.count(StateConnecting) >= 3 })
	cancel()
	<-done

	if rec.count(StateConnected) != 0 {
		t.Fatalf("link reported connected to an unreachable gateway")
	}
	if link.State() != StateDisconnected {
		t.Fatalf("state after cancel = %s", link.State())
	}
}

func TestLinkEndpointAddsScreenID(t *testing.T) {
	link, err := NewLink(Config{ServerURL: "ws://gateway:8080/ws", ScreenID: "main hall"}, nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if got, want := link.endpoint(), "ws://gateway:8080/ws?screenId=main+hall"; got != want {
		t.Fatalf("endpoint = %q, want %q", got, want)
	}
}
