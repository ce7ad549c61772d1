package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn. The test feeds inbound frames through a
// channel and inspects recorded outbound frames. Closing the conn unblocks
// ReadMessage with io.EOF, which is what a dropped transport looks like to
// the engine.
type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.in
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver marshals a server message and feeds it to the engine's read loop.
func (c *fakeConn) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	c.in <- data
}

func (c *fakeConn) deliverRaw(data []byte) {
	c.in <- data
}

// sentOfType returns the recorded outbound frames whose wire type matches.
func (c *fakeConn) sentOfType(msgType string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, frame := range c.sent {
		if got, err := PeekType(frame); err == nil && got == msgType {
			out = append(out, frame)
		}
	}
	return out
}

// fakeDialer hands out prepared connections in order. Dials past the end of
// the list fail, which is how tests exhaust the reconnect budget.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, fmt.Errorf("dial %s: no route", rawURL)
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testEngineConfig() *Config {
	cfg := DefaultConfig()
	cfg.PlayerID = "local-1"
	cfg.PlayerName = "Local"
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectBaseDelayMs = 1
	cfg.KeepAliveIntervalMs = 500
	return cfg
}

// startEngine wires an engine over fake connections and connects it.
func startEngine(t *testing.T, cfg *Config, conns ...*fakeConn) (*Engine, *Bus, *fakeDialer) {
	t.Helper()
	bus := NewBus()
	t.Cleanup(func() { bus.Close() })
	dialer := &fakeDialer{conns: conns}
	eng := NewEngine(cfg, bus, nil, dialer, nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng, bus, dialer
}

// collectEvents subscribes a recording handler and returns a snapshot func.
func collectEvents(bus *Bus, name string) func() []Event {
	var mu sync.Mutex
	var got []Event
	bus.Subscribe(name, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}, 0)
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}
}

func testMatchInfo(matchID string) MatchInfo {
	return MatchInfo{
		MatchID:     matchID,
		TrackID:     "sunset-sprint",
		TrackLength: 400,
		MaxPlayers:  4,
		PlayerIDs:   []string{"local-1", "rival-1"},
	}
}

func testRoster() []PlayerState {
	return []PlayerState{
		{PlayerID: "local-1", Name: "Local", Status: PlayerActive},
		{PlayerID: "rival-1", Name: "Rival", Status: PlayerActive},
	}
}

// seatEngine walks the engine from matchmaking into a running race.
func seatEngine(t *testing.T, eng *Engine, conn *fakeConn, matchID, token string) {
	t.Helper()
	conn.deliver(t, NewMatchFoundMsg(testMatchInfo(matchID), "local-1", token, false, testRoster()))
	conn.deliver(t, NewMatchStartMsg(matchID))
	waitUntil(t, time.Second, func() bool {
		snap, ok := eng.Snapshot()
		return ok && snap.Info.MatchID == matchID && snap.Status == MatchActive
	})
}

func snapshotPlayer(t *testing.T, eng *Engine, id string) Player {
	t.Helper()
	snap, ok := eng.Snapshot()
	if !ok {
		t.Fatalf("Snapshot: no match")
	}
	for _, p := range snap.Players {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("Snapshot: player %s not in roster", id)
	return Player{}
}

func decodeInputs(t *testing.T, frames [][]byte) []PlayerInputMsg {
	t.Helper()
	out := make([]PlayerInputMsg, 0, len(frames))
	for _, frame := range frames {
		var msg PlayerInputMsg
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("decode input: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// TestEngineIntentsViaBus verifies that host intents published on the bus
// turn into wire messages, and that leaving drops the local match mirror.
func TestEngineIntentsViaBus(t *testing.T) {
	conn := newFakeConn()
	eng, bus, _ := startEngine(t, testEngineConfig(), conn)

	if !eng.Connected() {
		t.Fatal("engine not connected after Start")
	}

	bus.Publish(NewJoinRaceEvent("sunset-sprint"))
	waitUntil(t, time.Second, func() bool { return len(conn.sentOfType(MsgJoinRace)) == 1 })
	var join JoinRaceMsg
	if err := json.Unmarshal(conn.sentOfType(MsgJoinRace)[0], &join); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if join.PlayerID != "local-1" || join.PlayerName != "Local" || join.TrackID != "sunset-sprint" {
		t.Errorf("join frame: got %+v", join)
	}

	bus.Publish(NewSpectateEvent("m-9"))
	waitUntil(t, time.Second, func() bool { return len(conn.sentOfType(MsgSpectateMatch)) == 1 })

	seatEngine(t, eng, conn, "m-1", "tok-1")
	bus.Publish(NewLeaveRaceEvent())
	waitUntil(t, time.Second, func() bool {
		_, ok := eng.Snapshot()
		return !ok && len(conn.sentOfType(MsgLeaveRace)) == 1
	})
}

// TestEngineApplyLocalInput verifies optimistic prediction: the displayed
// position moves immediately, the frame carries the sequence number and
// vector, and the metrics count the send.
func TestEngineApplyLocalInput(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	eng.ApplyLocalInput(Vec2{X: 2, Y: 1})
	waitUntil(t, time.Second, func() bool { return len(conn.sentOfType(MsgPlayerInput)) == 1 })

	inputs := decodeInputs(t, conn.sentOfType(MsgPlayerInput))
	if inputs[0].Seq != 1 {
		t.Errorf("seq: got %d, want 1", inputs[0].Seq)
	}
	if !nearlyEqual(inputs[0].Vector.X, 2) || !nearlyEqual(inputs[0].Vector.Y, 1) {
		t.Errorf("vector: got %+v, want {2 1}", inputs[0].Vector)
	}
	if inputs[0].ClientTime <= 0 {
		t.Errorf("client time: got %d, want > 0", inputs[0].ClientTime)
	}

	local := snapshotPlayer(t, eng, "local-1")
	if !nearlyEqual(local.Position.X, 2) || !nearlyEqual(local.Position.Y, 1) {
		t.Errorf("position: got %+v, want {2 1}", local.Position)
	}
	if !nearlyEqual(local.Velocity.X, 2) || !nearlyEqual(local.Velocity.Y, 1) {
		t.Errorf("velocity: got %+v, want {2 1}", local.Velocity)
	}

	eng.ApplyLocalInput(Vec2{X: 1, Y: 0})
	inputs = decodeInputs(t, conn.sentOfType(MsgPlayerInput))
	if len(inputs) != 2 || inputs[1].Seq != 2 {
		t.Fatalf("second input: got %d frames, last seq %d", len(inputs), inputs[len(inputs)-1].Seq)
	}
	local = snapshotPlayer(t, eng, "local-1")
	if !nearlyEqual(local.Position.X, 3) || !nearlyEqual(local.Position.Y, 1) {
		t.Errorf("position after second input: got %+v, want {3 1}", local.Position)
	}
	if got := eng.Metrics().Snapshot().InputsSent; got != 2 {
		t.Errorf("inputs sent: got %d, want 2", got)
	}
}

// TestEngineApplyLocalInput_NotActive verifies inputs are ignored before a
// match and during the waiting and countdown phases.
func TestEngineApplyLocalInput_NotActive(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)

	eng.ApplyLocalInput(Vec2{X: 1})

	conn.deliver(t, NewMatchFoundMsg(testMatchInfo("m-1"), "local-1", "tok-1", false, testRoster()))
	waitUntil(t, time.Second, func() bool {
		snap, ok := eng.Snapshot()
		return ok && snap.Status == MatchWaiting
	})
	eng.ApplyLocalInput(Vec2{X: 1})

	conn.deliver(t, NewMatchCountdownMsg("m-1", 3))
	waitUntil(t, time.Second, func() bool {
		snap, _ := eng.Snapshot()
		return snap.Status == MatchCountdown
	})
	eng.ApplyLocalInput(Vec2{X: 1})

	if got := len(conn.sentOfType(MsgPlayerInput)); got != 0 {
		t.Fatalf("input frames before race start: got %d, want 0", got)
	}
	if got := eng.Metrics().Snapshot().InputsSent; got != 0 {
		t.Errorf("inputs sent: got %d, want 0", got)
	}

	conn.deliver(t, NewMatchStartMsg("m-1"))
	waitUntil(t, time.Second, func() bool {
		snap, _ := eng.Snapshot()
		return snap.Status == MatchActive
	})
	eng.ApplyLocalInput(Vec2{X: 1})
	waitUntil(t, time.Second, func() bool { return len(conn.sentOfType(MsgPlayerInput)) == 1 })
	inputs := decodeInputs(t, conn.sentOfType(MsgPlayerInput))
	if inputs[0].Seq != 1 {
		t.Errorf("first live seq: got %d, want 1", inputs[0].Seq)
	}
}

// TestEngineReconcile_Deadband verifies that server divergence inside the
// threshold leaves the prediction untouched while other authoritative fields
// still apply.
func TestEngineReconcile_Deadband(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	eng.ApplyLocalInput(Vec2{X: 2})

	update := []PlayerState{
		{PlayerID: "local-1", Name: "Local", Position: Vec2{X: 5}, Score: 10, Rank: 1, Status: PlayerActive},
	}
	conn.deliver(t, NewPlayerUpdateMsg("m-1", update))
	waitUntil(t, time.Second, func() bool { return eng.Metrics().Snapshot().UpdatesReceived == 1 })

	local := snapshotPlayer(t, eng, "local-1")
	if !nearlyEqual(local.Position.X, 2) {
		t.Errorf("position: got %v, want 2 (no correction inside threshold)", local.Position.X)
	}
	if !nearlyEqual(local.LastServerPos.X, 5) {
		t.Errorf("last server pos: got %v, want 5", local.LastServerPos.X)
	}
	if local.Score != 10 || local.Rank != 1 {
		t.Errorf("authoritative fields: got score %v rank %d, want 10 and 1", local.Score, local.Rank)
	}
	if got := eng.Metrics().Snapshot().Corrections; got != 0 {
		t.Errorf("corrections: got %d, want 0", got)
	}
}

// TestEngineReconcile_Correction verifies that divergence past the threshold
// moves the prediction and the displayed position by the correction factor's
// share of the gap.
func TestEngineReconcile_Correction(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	eng.ApplyLocalInput(Vec2{X: 1})

	update := []PlayerState{
		{PlayerID: "local-1", Name: "Local", Position: Vec2{X: 16}, Status: PlayerActive},
	}
	conn.deliver(t, NewPlayerUpdateMsg("m-1", update))
	waitUntil(t, time.Second, func() bool { return eng.Metrics().Snapshot().Corrections == 1 })

	// gap 15, factor 0.3: prediction 1 -> 5.5, still short of the server.
	local := snapshotPlayer(t, eng, "local-1")
	if !nearlyEqual(local.Position.X, 5.5) {
		t.Errorf("position: got %v, want 5.5", local.Position.X)
	}

	metrics := eng.Metrics().Snapshot()
	if !nearlyEqual(metrics.MaxCorrection, 15) {
		t.Errorf("max correction: got %v, want 15", metrics.MaxCorrection)
	}

	eng.mu.Lock()
	pred := eng.match.Prediction.Position
	eng.mu.Unlock()
	if !nearlyEqual(pred.X, local.Position.X) {
		t.Errorf("prediction %v and displayed %v diverged", pred.X, local.Position.X)
	}
}

// TestEngineReconcile_AdoptsFirstUpdate verifies that before any local input
// the first authoritative position is adopted verbatim instead of corrected.
func TestEngineReconcile_AdoptsFirstUpdate(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	update := []PlayerState{
		{PlayerID: "local-1", Name: "Local", Position: Vec2{X: 7, Y: 3}, Status: PlayerActive},
	}
	conn.deliver(t, NewPlayerUpdateMsg("m-1", update))
	waitUntil(t, time.Second, func() bool { return eng.Metrics().Snapshot().UpdatesReceived == 1 })

	local := snapshotPlayer(t, eng, "local-1")
	if !nearlyEqual(local.Position.X, 7) || !nearlyEqual(local.Position.Y, 3) {
		t.Errorf("position: got %+v, want {7 3}", local.Position)
	}
	if got := eng.Metrics().Snapshot().Corrections; got != 0 {
		t.Errorf("corrections: got %d, want 0", got)
	}

	// Prediction continues from the adopted position.
	eng.ApplyLocalInput(Vec2{X: 1})
	local = snapshotPlayer(t, eng, "local-1")
	if !nearlyEqual(local.Position.X, 8) || !nearlyEqual(local.Position.Y, 3) {
		t.Errorf("position after input: got %+v, want {8 3}", local.Position)
	}
}

// TestEngineRemoteInterpolation verifies remotes ease toward their last
// reported position a factor at a time, closing the gap monotonically.
func TestEngineRemoteInterpolation(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	update := []PlayerState{
		{PlayerID: "rival-1", Name: "Rival", Position: Vec2{X: 10}, Velocity: Vec2{X: 1}, Status: PlayerActive},
	}
	conn.deliver(t, NewPlayerUpdateMsg("m-1", update))
	waitUntil(t, time.Second, func() bool { return eng.Metrics().Snapshot().UpdatesReceived == 1 })

	eng.Tick(0.016)
	rival := snapshotPlayer(t, eng, "rival-1")
	if !nearlyEqual(rival.Position.X, 2.5) {
		t.Errorf("after one tick: got %v, want 2.5", rival.Position.X)
	}

	eng.Tick(0.016)
	rival = snapshotPlayer(t, eng, "rival-1")
	if !nearlyEqual(rival.Position.X, 4.375) {
		t.Errorf("after two ticks: got %v, want 4.375", rival.Position.X)
	}

	prev := rival.Position.X
	for i := 0; i < 30; i++ {
		eng.Tick(0.016)
		cur := snapshotPlayer(t, eng, "rival-1").Position.X
		if cur < prev || cur > 10 {
			t.Fatalf("tick %d: position %v not converging monotonically from %v toward 10", i, cur, prev)
		}
		prev = cur
	}
	if 10-prev > 0.01 {
		t.Errorf("after 32 ticks: got %v, want within 0.01 of 10", prev)
	}
}

// TestEngineInterpolationSkipsDisconnected verifies a dropped rival freezes
// in place until the server reports the seat live again.
func TestEngineInterpolationSkipsDisconnected(t *testing.T) {
	conn := newFakeConn()
	eng, bus, _ := startEngine(t, testEngineConfig(), conn)
	dropped := collectEvents(bus, EventRacePlayerDisconnected)
	returned := collectEvents(bus, EventRacePlayerReconnected)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	update := []PlayerState{
		{PlayerID: "rival-1", Name: "Rival", Position: Vec2{X: 10}, Status: PlayerActive},
	}
	conn.deliver(t, NewPlayerUpdateMsg("m-1", update))
	conn.deliver(t, NewPlayerDisconnectedMsg("m-1", "rival-1"))
	waitUntil(t, time.Second, func() bool { return len(dropped()) == 1 })

	ev := dropped()[0].(PlayerConnectionEvent)
	if ev.MatchID != "m-1" || ev.PlayerID != "rival-1" {
		t.Errorf("dropped event: got %+v", ev)
	}

	eng.Tick(0.016)
	rival := snapshotPlayer(t, eng, "rival-1")
	if !nearlyEqual(rival.Position.X, 0) {
		t.Errorf("disconnected rival moved: got %v, want 0", rival.Position.X)
	}
	if rival.Status != PlayerDisconnected {
		t.Errorf("status: got %s, want %s", rival.Status, PlayerDisconnected)
	}

	conn.deliver(t, NewPlayerReconnectedMsg("m-1", "rival-1"))
	waitUntil(t, time.Second, func() bool { return len(returned()) == 1 })

	eng.Tick(0.016)
	rival = snapshotPlayer(t, eng, "rival-1")
	if !nearlyEqual(rival.Position.X, 2.5) {
		t.Errorf("returned rival: got %v, want 2.5", rival.Position.X)
	}
}

// TestEngineKeepAliveTimeout verifies that server silence past twice the
// keep-alive interval closes the connection. Silence is a transport failure,
// not a race timeout.
func TestEngineKeepAliveTimeout(t *testing.T) {
	cfg := testEngineConfig()
	cfg.KeepAliveIntervalMs = 30
	conn := newFakeConn()
	eng, bus, _ := startEngine(t, cfg, conn)
	timeouts := collectEvents(bus, EventRaceTimeout)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	time.Sleep(80 * time.Millisecond)
	eng.Tick(0.016)

	waitUntil(t, time.Second, func() bool { return conn.isClosed() })
	if got := len(timeouts()); got != 0 {
		t.Errorf("race timeout events on silence: got %d, want 0", got)
	}
}

// TestEngineRaceTimeout verifies the duration budget check: the first tick
// past the budget sends race_timeout to the server and publishes race:timeout
// exactly once, and the connection stays up while the server decides.
func TestEngineRaceTimeout(t *testing.T) {
	conn := newFakeConn()
	eng, bus, _ := startEngine(t, testEngineConfig(), conn)
	timeouts := collectEvents(bus, EventRaceTimeout)

	info := testMatchInfo("m-1")
	info.DurationSec = 2
	conn.deliver(t, NewMatchFoundMsg(info, "local-1", "tok-1", false, testRoster()))
	conn.deliver(t, MatchStartMsg{Type: MsgMatchStart, MatchID: "m-1", StartedAt: time.Now().Add(-3 * time.Second).UnixMilli()})
	waitUntil(t, time.Second, func() bool {
		snap, ok := eng.Snapshot()
		return ok && snap.Status == MatchActive
	})

	eng.Tick(0.016)
	waitUntil(t, time.Second, func() bool { return len(timeouts()) == 1 })

	ev := timeouts()[0].(RaceTimeoutEvent)
	if ev.MatchID != "m-1" {
		t.Errorf("timeout match: got %s, want m-1", ev.MatchID)
	}
	if ev.ElapsedMs <= 0 {
		t.Errorf("elapsed: got %d, want > 0", ev.ElapsedMs)
	}

	frames := conn.sentOfType(MsgRaceTimeout)
	if len(frames) != 1 {
		t.Fatalf("race_timeout frames: got %d, want 1", len(frames))
	}
	var notice RaceTimeoutMsg
	if err := json.Unmarshal(frames[0], &notice); err != nil {
		t.Fatalf("decode race_timeout: %v", err)
	}
	if notice.MatchID != "m-1" || notice.ElapsedMs <= 0 || notice.ClientTime <= 0 {
		t.Errorf("race_timeout frame: got %+v", notice)
	}
	if conn.isClosed() {
		t.Error("race timeout closed the connection")
	}

	// The notice must not repeat for this match.
	eng.Tick(0.016)
	time.Sleep(20 * time.Millisecond)
	if got := len(timeouts()); got != 1 {
		t.Errorf("timeout events: got %d, want 1", got)
	}
	if got := len(conn.sentOfType(MsgRaceTimeout)); got != 1 {
		t.Errorf("race_timeout frames after second tick: got %d, want 1", got)
	}
}

// TestEngineServerTick verifies the server heartbeat counter is mirrored into
// the snapshot and never walks backward.
func TestEngineServerTick(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	conn.deliver(t, NewServerTickMsg("m-1", 7))
	waitUntil(t, time.Second, func() bool {
		snap, ok := eng.Snapshot()
		return ok && snap.ServerTick == 7
	})

	// Stale and foreign beats leave the counter alone.
	conn.deliver(t, NewServerTickMsg("m-1", 3))
	conn.deliver(t, NewServerTickMsg("m-9", 11))
	time.Sleep(30 * time.Millisecond)
	snap, _ := eng.Snapshot()
	if snap.ServerTick != 7 {
		t.Errorf("server tick: got %d, want 7", snap.ServerTick)
	}
}

// TestEngineUnsolicitedPong verifies the client volunteers a pong at the
// keep-alive cadence on a quiet but healthy connection.
func TestEngineUnsolicitedPong(t *testing.T) {
	cfg := testEngineConfig()
	cfg.KeepAliveIntervalMs = 50
	conn := newFakeConn()
	eng, _, _ := startEngine(t, cfg, conn)

	time.Sleep(60 * time.Millisecond)

	// Fresh inbound traffic keeps the silence watchdog out of the picture.
	before := eng.Metrics().Snapshot().BytesReceived
	conn.deliver(t, NewMatchCountdownMsg("unknown", 3))
	waitUntil(t, time.Second, func() bool { return eng.Metrics().Snapshot().BytesReceived > before })

	eng.Tick(0.016)
	waitUntil(t, time.Second, func() bool { return len(conn.sentOfType(MsgPong)) == 1 })

	var pong PongMsg
	if err := json.Unmarshal(conn.sentOfType(MsgPong)[0], &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Timestamp != 0 {
		t.Errorf("unsolicited pong timestamp: got %d, want 0", pong.Timestamp)
	}
	if pong.ClientTime <= 0 {
		t.Errorf("client time: got %d, want > 0", pong.ClientTime)
	}

	// The cadence clock was just reset, so an immediate tick sends nothing.
	eng.Tick(0.016)
	if got := len(conn.sentOfType(MsgPong)); got != 1 {
		t.Errorf("pong frames: got %d, want 1", got)
	}
}

// TestEnginePingPong verifies the server ping is answered with a pong echoing
// the server timestamp, and that the advertised round trip is recorded.
func TestEnginePingPong(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)

	conn.deliver(t, PingMsg{Type: MsgPing, Timestamp: 777001, RTTMs: 42})
	waitUntil(t, time.Second, func() bool { return len(conn.sentOfType(MsgPong)) == 1 })

	var pong PongMsg
	if err := json.Unmarshal(conn.sentOfType(MsgPong)[0], &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Timestamp != 777001 {
		t.Errorf("echoed timestamp: got %d, want 777001", pong.Timestamp)
	}

	rtt := eng.Metrics().LastRTT()
	if rtt == nil || *rtt != 42 {
		t.Errorf("recorded rtt: got %v, want 42", rtt)
	}

	// rtt_ms zero means the server has no measurement yet; keep the old one.
	conn.deliver(t, PingMsg{Type: MsgPing, Timestamp: 777002})
	waitUntil(t, time.Second, func() bool { return len(conn.sentOfType(MsgPong)) == 2 })
	if rtt := eng.Metrics().LastRTT(); rtt == nil || *rtt != 42 {
		t.Errorf("rtt after empty ping: got %v, want 42", rtt)
	}
}

// TestEngineMalformedFramesDropped verifies bad frames are counted and
// dropped without killing the connection.
func TestEngineMalformedFramesDropped(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)

	conn.deliverRaw([]byte("{"))
	conn.deliverRaw([]byte(`{"type":"mystery"}`))
	conn.deliverRaw([]byte(`{"type":"player_update","players":"zzz"}`))

	waitUntil(t, time.Second, func() bool { return eng.Metrics().Snapshot().DroppedMessages == 3 })
	if !eng.Connected() {
		t.Error("connection dropped over malformed frames")
	}
	if _, ok := eng.Snapshot(); ok {
		t.Error("malformed frames created a match")
	}
}

// TestEngineReconnectAndResume verifies a dropped transport redials with
// backoff, asks for the held seat back with the rejoin token, and keeps the
// input sequence counting up across the resumed match.
func TestEngineReconnectAndResume(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	eng, bus, dialer := startEngine(t, testEngineConfig(), first, second)
	reconnecting := collectEvents(bus, EventNetworkReconnecting)
	found := collectEvents(bus, EventRaceFound)
	seatEngine(t, eng, first, "m-1", "tok-1")

	eng.ApplyLocalInput(Vec2{X: 1})
	eng.ApplyLocalInput(Vec2{X: 1})

	// Server-side drop.
	first.Close()

	waitUntil(t, 2*time.Second, func() bool { return len(second.sentOfType(MsgRejoinMatch)) == 1 })
	var rejoin RejoinMatchMsg
	if err := json.Unmarshal(second.sentOfType(MsgRejoinMatch)[0], &rejoin); err != nil {
		t.Fatalf("decode rejoin: %v", err)
	}
	if rejoin.PlayerID != "local-1" || rejoin.MatchID != "m-1" || rejoin.Token != "tok-1" {
		t.Errorf("rejoin frame: got %+v", rejoin)
	}

	if got := len(reconnecting()); got != 1 {
		t.Errorf("reconnecting events: got %d, want 1", got)
	} else if ev := reconnecting()[0].(NetworkReconnectingEvent); ev.Attempt != 1 {
		t.Errorf("attempt: got %d, want 1", ev.Attempt)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dials: got %d, want 2", got)
	}
	if got := eng.Metrics().Snapshot().Reconnects; got != 1 {
		t.Errorf("reconnects: got %d, want 1", got)
	}

	second.deliver(t, NewMatchFoundMsg(testMatchInfo("m-1"), "local-1", "tok-1", true, testRoster()))
	waitUntil(t, time.Second, func() bool { return len(found()) == 2 })

	// Resumed seat: the sequence picks up where it left off.
	eng.ApplyLocalInput(Vec2{X: 1})
	waitUntil(t, time.Second, func() bool { return len(second.sentOfType(MsgPlayerInput)) == 1 })
	inputs := decodeInputs(t, second.sentOfType(MsgPlayerInput))
	if inputs[0].Seq != 3 {
		t.Errorf("seq after resume: got %d, want 3", inputs[0].Seq)
	}
}

// TestEngineReconnect_Exhausted verifies that burning the whole reconnect
// budget escalates exactly one fatal network error and forces the session
// machine into its error state.
func TestEngineReconnect_Exhausted(t *testing.T) {
	bus := NewBus()
	t.Cleanup(func() { bus.Close() })
	machine, err := NewDefaultMachine(bus, 8)
	if err != nil {
		t.Fatalf("NewDefaultMachine: %v", err)
	}

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	cfg := testEngineConfig()
	eng := NewEngine(cfg, bus, machine, dialer, nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	errs := collectEvents(bus, EventNetworkError)
	reconnecting := collectEvents(bus, EventNetworkReconnecting)

	conn.Close()

	waitUntil(t, 2*time.Second, func() bool {
		return len(errs()) == 1 && machine.Current() == StateError
	})

	ev := errs()[0].(NetworkErrorEvent)
	if ev.Code != ErrNetwork || !ev.Fatal {
		t.Errorf("escalated error: got code %s fatal %v, want %s and true", ev.Code, ev.Fatal, ErrNetwork)
	}
	if got := len(reconnecting()); got != cfg.MaxReconnectAttempts {
		t.Errorf("reconnect attempts: got %d, want %d", got, cfg.MaxReconnectAttempts)
	}
	if got := dialer.dialCount(); got != 1+cfg.MaxReconnectAttempts {
		t.Errorf("dials: got %d, want %d", got, 1+cfg.MaxReconnectAttempts)
	}

	// The escalation must not repeat.
	time.Sleep(30 * time.Millisecond)
	if got := len(errs()); got != 1 {
		t.Errorf("network errors: got %d, want 1", got)
	}
}

// TestEngineFatalServerError verifies a fatal server error closes the
// connection and escalates without any reconnect attempt.
func TestEngineFatalServerError(t *testing.T) {
	first := newFakeConn()
	spare := newFakeConn()
	_, bus, dialer := startEngine(t, testEngineConfig(), first, spare)
	errs := collectEvents(bus, EventNetworkError)
	reconnecting := collectEvents(bus, EventNetworkReconnecting)

	first.deliver(t, NewErrorMsg("session_rejected", "rejoin token mismatch", true))

	waitUntil(t, time.Second, func() bool { return len(errs()) == 2 && first.isClosed() })
	server := errs()[0].(NetworkErrorEvent)
	if server.Code != "session_rejected" || !server.Fatal {
		t.Errorf("server error: got %+v", server)
	}
	escalated := errs()[1].(NetworkErrorEvent)
	if escalated.Code != ErrNetwork || !escalated.Fatal {
		t.Errorf("escalated error: got %+v", escalated)
	}

	time.Sleep(30 * time.Millisecond)
	if got := len(reconnecting()); got != 0 {
		t.Errorf("reconnecting events: got %d, want 0", got)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dials: got %d, want 1", got)
	}
}

// TestEngineServerError_NonFatal verifies advisory errors are republished
// and the connection stays up.
func TestEngineServerError_NonFatal(t *testing.T) {
	conn := newFakeConn()
	eng, bus, _ := startEngine(t, testEngineConfig(), conn)
	errs := collectEvents(bus, EventNetworkError)

	conn.deliver(t, NewErrorMsg("slow_down", "input rate limited", false))
	waitUntil(t, time.Second, func() bool { return len(errs()) == 1 })

	ev := errs()[0].(NetworkErrorEvent)
	if ev.Code != "slow_down" || ev.Fatal {
		t.Errorf("error event: got %+v", ev)
	}
	if conn.isClosed() || !eng.Connected() {
		t.Error("non-fatal error closed the connection")
	}
}

// TestEngineRaceEnd verifies the final rankings apply to the roster, the
// local reward tier is computed, and the rejoin token is discarded.
func TestEngineRaceEnd(t *testing.T) {
	conn := newFakeConn()
	eng, bus, _ := startEngine(t, testEngineConfig(), conn)
	ended := collectEvents(bus, EventRaceEnd)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	rankings := []RankEntry{
		{PlayerID: "local-1", Name: "Local", Rank: 1, Score: 400},
		{PlayerID: "rival-1", Name: "Rival", Rank: 2, Score: 350},
	}
	conn.deliver(t, NewMatchEndMsg("m-1", "local-1", rankings, DefaultRewards()))
	waitUntil(t, time.Second, func() bool { return len(ended()) == 1 })

	ev := ended()[0].(RaceEndEvent)
	if ev.WinnerID != "local-1" || len(ev.Rankings) != 2 {
		t.Errorf("race end event: got %+v", ev)
	}
	if ev.Tier != TierGold || ev.Reward != 500 {
		t.Errorf("local reward: got %s %d, want %s 500", ev.Tier, ev.Reward, TierGold)
	}

	snap, ok := eng.Snapshot()
	if !ok || snap.Status != MatchFinished {
		t.Fatalf("snapshot: got ok=%v status=%s, want finished match", ok, snap.Status)
	}
	for _, p := range snap.Players {
		if p.Status != PlayerFinished {
			t.Errorf("player %s status: got %s, want %s", p.ID, p.Status, PlayerFinished)
		}
	}
	if snap.Players[0].ID != "local-1" || snap.Players[0].Rank != 1 {
		t.Errorf("winner row: got %+v", snap.Players[0])
	}

	eng.mu.Lock()
	token := eng.rejoinToken
	eng.mu.Unlock()
	if token != "" {
		t.Errorf("rejoin token after race end: got %q, want empty", token)
	}
}

// TestEngineMatchFound_FreshResetsSeq verifies a brand new match restarts
// the input sequence while a resumed one does not.
func TestEngineMatchFound_FreshResetsSeq(t *testing.T) {
	conn := newFakeConn()
	eng, bus, _ := startEngine(t, testEngineConfig(), conn)
	found := collectEvents(bus, EventRaceFound)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	eng.ApplyLocalInput(Vec2{X: 1})
	eng.ApplyLocalInput(Vec2{X: 1})

	conn.deliver(t, NewMatchEndMsg("m-1", "local-1", nil, DefaultRewards()))
	conn.deliver(t, NewMatchFoundMsg(testMatchInfo("m-2"), "local-1", "tok-2", false, testRoster()))
	conn.deliver(t, NewMatchStartMsg("m-2"))
	waitUntil(t, time.Second, func() bool {
		snap, ok := eng.Snapshot()
		return ok && snap.Info.MatchID == "m-2" && snap.Status == MatchActive && len(found()) == 2
	})

	eng.ApplyLocalInput(Vec2{X: 1})
	inputs := decodeInputs(t, conn.sentOfType(MsgPlayerInput))
	if len(inputs) != 3 {
		t.Fatalf("input frames: got %d, want 3", len(inputs))
	}
	if got := inputs[2].Seq; got != 1 {
		t.Errorf("seq in fresh match: got %d, want 1", got)
	}
}

// TestEngineCountdown verifies countdown frames move the match phase and
// fire the countdown event, and that frames for other matches are ignored.
func TestEngineCountdown(t *testing.T) {
	conn := newFakeConn()
	eng, bus, _ := startEngine(t, testEngineConfig(), conn)
	counts := collectEvents(bus, EventRaceCountdown)

	conn.deliver(t, NewMatchFoundMsg(testMatchInfo("m-1"), "local-1", "tok-1", false, testRoster()))
	conn.deliver(t, NewMatchCountdownMsg("m-1", 3))
	waitUntil(t, time.Second, func() bool { return len(counts()) == 1 })

	ev := counts()[0].(RaceCountdownEvent)
	if ev.MatchID != "m-1" || ev.Seconds != 3 {
		t.Errorf("countdown event: got %+v", ev)
	}
	snap, _ := eng.Snapshot()
	if snap.Status != MatchCountdown {
		t.Errorf("status: got %s, want %s", snap.Status, MatchCountdown)
	}

	conn.deliver(t, NewMatchCountdownMsg("m-9", 3))
	time.Sleep(30 * time.Millisecond)
	if got := len(counts()); got != 1 {
		t.Errorf("countdown events after foreign match: got %d, want 1", got)
	}
}

// TestEngineItemAndPowerupEvents verifies track pickups and applied effects
// are republished on the bus with their payloads intact, and that effects sit
// on the roster mirror until their window lapses.
func TestEngineItemAndPowerupEvents(t *testing.T) {
	conn := newFakeConn()
	eng, bus, _ := startEngine(t, testEngineConfig(), conn)
	items := collectEvents(bus, EventRaceItem)
	powerups := collectEvents(bus, EventRacePowerup)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	conn.deliver(t, NewItemSpawnMsg("m-1", ItemInfo{ItemID: "it-1", Kind: "boost", Position: Vec2{X: 120, Y: -4}}))
	conn.deliver(t, NewPowerupUsedMsg("m-1", "rival-1", "boost", 3000))
	waitUntil(t, time.Second, func() bool { return len(items()) == 1 && len(powerups()) == 1 })

	item := items()[0].(RaceItemEvent)
	if item.MatchID != "m-1" || item.Item.ItemID != "it-1" || item.Item.Kind != "boost" {
		t.Errorf("item event: got %+v", item)
	}
	if !nearlyEqual(item.Item.Position.X, 120) {
		t.Errorf("item position: got %v, want 120", item.Item.Position.X)
	}

	power := powerups()[0].(RacePowerupEvent)
	if power.PlayerID != "rival-1" || power.Powerup != "boost" || power.DurationMs != 3000 {
		t.Errorf("powerup event: got %+v", power)
	}

	rival := snapshotPlayer(t, eng, "rival-1")
	if len(rival.Powerups) != 1 || rival.Powerups[0].Kind != "boost" {
		t.Fatalf("active powerups: got %+v, want one boost", rival.Powerups)
	}

	// A short-lived effect disappears on the first tick past its expiry; the
	// long one stays.
	conn.deliver(t, NewPowerupUsedMsg("m-1", "rival-1", "shield", 20))
	waitUntil(t, time.Second, func() bool { return len(powerups()) == 2 })

	time.Sleep(30 * time.Millisecond)
	eng.Tick(0.05)

	rival = snapshotPlayer(t, eng, "rival-1")
	if len(rival.Powerups) != 1 || rival.Powerups[0].Kind != "boost" {
		t.Errorf("after expiry: got %+v, want only the boost", rival.Powerups)
	}
}

// TestEngineSnapshotSorted verifies snapshots order players by rank and that
// players first seen in a state update join the roster.
func TestEngineSnapshotSorted(t *testing.T) {
	conn := newFakeConn()
	eng, _, _ := startEngine(t, testEngineConfig(), conn)
	seatEngine(t, eng, conn, "m-1", "tok-1")

	update := []PlayerState{
		{PlayerID: "local-1", Name: "Local", Rank: 2, Status: PlayerActive},
		{PlayerID: "rival-1", Name: "Rival", Rank: 1, Status: PlayerActive},
		{PlayerID: "zed-1", Name: "Zed", Rank: 3, Status: PlayerActive},
	}
	conn.deliver(t, NewPlayerUpdateMsg("m-1", update))
	waitUntil(t, time.Second, func() bool {
		snap, ok := eng.Snapshot()
		return ok && len(snap.Players) == 3
	})

	snap, _ := eng.Snapshot()
	order := []string{snap.Players[0].ID, snap.Players[1].ID, snap.Players[2].ID}
	want := []string{"rival-1", "local-1", "zed-1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("snapshot order: got %v, want %v", order, want)
		}
	}
}
