package gateway_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"tabscribe/internal/gateway"
	"tabscribe/internal/timeline"
	"tabscribe/pkg/audio"
)

// fakeController records every call it receives.
type fakeController struct {
	mu         sync.Mutex
	calls      []string
	starts     []float64
	seeks      []float64
	syncs      []float64
	audio      [][]float32
	closedTabs []string
	liveErr    error
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) StartLive(_ context.Context, tabID string, videoTime float64) error {
	f.mu.Lock()
	f.starts = append(f.starts, videoTime)
	f.mu.Unlock()
	f.record("start_live:" + tabID)
	return f.liveErr
}

func (f *fakeController) StopLive(tabID string) { f.record("stop_live:" + tabID) }
func (f *fakeController) Play(tabID string)     { f.record("play:" + tabID) }
func (f *fakeController) Pause(tabID string)    { f.record("pause:" + tabID) }
func (f *fakeController) StopGeneration(tabID string) {
	f.record("stop_generation:" + tabID)
}

func (f *fakeController) StartGeneration(_ context.Context, tabID string, videoTime float64) error {
	f.record("start_generation:" + tabID)
	return nil
}

func (f *fakeController) Seek(tabID string, videoTime float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "seek:"+tabID)
	f.seeks = append(f.seeks, videoTime)
	return nil
}

func (f *fakeController) SyncTime(tabID string, videoTime float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, videoTime)
}

func (f *fakeController) PushAudio(_ context.Context, tabID string, samples []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, samples)
	return nil
}

func (f *fakeController) LearnPattern(_ context.Context, tabID, name, patternType string, startTime, endTime, videoTime float64) error {
	f.record("learn_pattern:" + tabID + ":" + name)
	return nil
}

func (f *fakeController) CloseTab(tabID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedTabs = append(f.closedTabs, tabID)
}

func (f *fakeController) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// newTestGateway starts an httptest server around the gateway and returns a
// connected, hello'd WebSocket client for the given tab.
func newTestGateway(t *testing.T, ctrl gateway.Controller, tabID string) (*gateway.Server, *websocket.Conn) {
	t.Helper()

	s, err := gateway.NewServer(gateway.Config{Controller: ctrl})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	sendJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgHello, TabID: tabID})
	msg := readServerMessage(t, conn)
	if msg.Type != gateway.MsgStatus || msg.Status != "connected" {
		t.Fatalf("hello reply = %+v, want connected status", msg)
	}
	return s, conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg gateway.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readServerMessage(t *testing.T, conn *websocket.Conn) gateway.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg gateway.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestGateway_RequiresController(t *testing.T) {
	if _, err := gateway.NewServer(gateway.Config{}); err == nil {
		t.Fatal("NewServer accepted a nil controller")
	}
}

func TestGateway_CommandsReachController(t *testing.T) {
	ctrl := &fakeController{}
	_, conn := newTestGateway(t, ctrl, "tab-1")

	sendJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgStartLive})
	if msg := readServerMessage(t, conn); msg.Status != "live_started" {
		t.Fatalf("start_live reply = %+v", msg)
	}

	sendJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgPlay})
	sendJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgPause})
	sendJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgSeek, VideoTime: 42.5})

	waitFor(t, func() bool { return len(ctrl.callList()) == 4 })

	want := []string{"start_live:tab-1", "play:tab-1", "pause:tab-1", "seek:tab-1"}
	got := ctrl.callList()
	for i, w := range want {
		if got[i] != w {
			t.Errorf("call[%d] = %q, want %q", i, got[i], w)
		}
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.seeks) != 1 || ctrl.seeks[0] != 42.5 {
		t.Errorf("seeks = %v, want [42.5]", ctrl.seeks)
	}
}

func TestGateway_StartLiveCarriesPlaybackPosition(t *testing.T) {
	ctrl := &fakeController{}
	_, conn := newTestGateway(t, ctrl, "tab-1")

	sendJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgStartLive, VideoTime: 87.5})
	if msg := readServerMessage(t, conn); msg.Status != "live_started" {
		t.Fatalf("start_live reply = %+v", msg)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.starts) != 1 || ctrl.starts[0] != 87.5 {
		t.Errorf("start positions = %v, want [87.5]", ctrl.starts)
	}
}

func TestGateway_SecondHelloCannotRebindTab(t *testing.T) {
	ctrl := &fakeController{}
	s, conn := newTestGateway(t, ctrl, "tab-1")

	sendJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgHello, TabID: "tab-2"})
	if msg := readServerMessage(t, conn); msg.Type != gateway.MsgError {
		t.Fatalf("rebind reply = %+v, want error", msg)
	}

	// The original binding is intact and still receives pushes.
	s.Publish("tab-1", gateway.ServerMessage{Type: gateway.MsgInterim, Text: "still ours"})
	if msg := readServerMessage(t, conn); msg.Type != gateway.MsgInterim || msg.Text != "still ours" {
		t.Fatalf("got %+v, want the tab-1 push", msg)
	}
}

func TestGateway_RejectsCommandsBeforeHello(t *testing.T) {
	ctrl := &fakeController{}
	s, err := gateway.NewServer(gateway.Config{Controller: ctrl})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, strings.Replace(ts.URL, "http://", "ws://", 1)+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgStartLive})
	if msg := readServerMessage(t, conn); msg.Type != gateway.MsgError {
		t.Fatalf("reply = %+v, want error", msg)
	}
	if calls := ctrl.callList(); len(calls) != 0 {
		t.Errorf("controller saw calls before hello: %v", calls)
	}
}

func TestGateway_BinaryFramesCarryAudio(t *testing.T) {
	ctrl := &fakeController{}
	_, conn := newTestGateway(t, ctrl, "tab-1")

	samples := []float32{0, 0.5, -0.5, 0.25}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, audio.EncodePCM16(samples)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.audio) == 1
	})

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	got := ctrl.audio[0]
	if len(got) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(got), len(samples))
	}
	for i := range samples {
		if diff := got[i] - samples[i]; diff > 0.001 || diff < -0.001 {
			t.Errorf("sample[%d] = %f, want ~%f", i, got[i], samples[i])
		}
	}
}

func TestGateway_PublishReachesTabClients(t *testing.T) {
	ctrl := &fakeController{}
	s, conn := newTestGateway(t, ctrl, "tab-1")

	s.Publish("tab-1", gateway.ServerMessage{
		Type:    gateway.MsgFinal,
		Entries: []timeline.Entry{{Start: 1, End: 3, Text: "hello there"}},
	})
	s.Publish("tab-other", gateway.ServerMessage{Type: gateway.MsgInterim, Text: "not ours"})

	msg := readServerMessage(t, conn)
	if msg.Type != gateway.MsgFinal {
		t.Fatalf("got %+v, want final", msg)
	}
	if len(msg.Entries) != 1 || msg.Entries[0].Text != "hello there" {
		t.Errorf("entries = %+v", msg.Entries)
	}
}

func TestGateway_LastClientClosesTab(t *testing.T) {
	ctrl := &fakeController{}
	_, conn := newTestGateway(t, ctrl, "tab-1")

	conn.Close(websocket.StatusNormalClosure, "done")

	waitFor(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.closedTabs) == 1 && ctrl.closedTabs[0] == "tab-1"
	})
}

func TestGateway_UnknownCommandReturnsError(t *testing.T) {
	ctrl := &fakeController{}
	_, conn := newTestGateway(t, ctrl, "tab-1")

	sendJSON(t, conn, gateway.ClientMessage{Type: "rewind_time"})
	if msg := readServerMessage(t, conn); msg.Type != gateway.MsgError {
		t.Fatalf("reply = %+v, want error", msg)
	}
}
