package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Engine keeps the local view of a race synchronized with the server. The
// local player moves optimistically on input and is reconciled against
// authoritative updates; remote players are smoothed toward their last
// reported positions. The engine publishes everything it learns on the Bus
// and never blocks on subscribers.
//
// The machine reference exists for one purpose: forcing the session into its
// error state when reconnection is exhausted or the server reports a fatal
// error. All other state-machine driving belongs to the host, via bus events.
type Engine struct {
	cfg     *Config
	bus     *Bus
	machine *Machine
	dialer  Dialer
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conn           Conn
	connID         uint64
	match          *Match
	rejoinToken    string
	inputSeq       uint64
	lastServerMsg  time.Time
	lastPongSent   time.Time
	timeoutSent    bool
	errorEscalated bool
	fatalServerErr bool
	closed         bool

	unsubs []func()
}

// MatchSnapshot is a render-safe copy of the engine's match view.
type MatchSnapshot struct {
	Info       MatchInfo `json:"info"`
	Status     string    `json:"status"`
	LocalID    string    `json:"localId"`
	ServerTick uint64    `json:"serverTick"`
	Players    []Player  `json:"players"`
}

// NewEngine wires an engine over its collaborators. Config must already be
// validated. Machine may be nil for hosts that handle fatal errors
// themselves.
func NewEngine(cfg *Config, bus *Bus, machine *Machine, dialer Dialer, metrics *Metrics) *Engine {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Engine{
		cfg:     cfg,
		bus:     bus,
		machine: machine,
		dialer:  dialer,
		metrics: metrics,
	}
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Start subscribes the engine to host intents and opens the first
// connection. The context bounds the engine's lifetime; Close releases
// everything early.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.unsubs = append(e.unsubs,
		e.bus.Subscribe(EventPlayerInput, func(ev Event) {
			if in, ok := ev.(PlayerInputEvent); ok {
				e.ApplyLocalInput(in.Vector)
			}
		}, 0),
		e.bus.Subscribe(EventJoinRace, func(ev Event) {
			if in, ok := ev.(JoinRaceEvent); ok {
				if err := e.JoinRace(in.TrackID); err != nil {
					log.Printf("[WARNING] engine: join race: %v", err)
				}
			}
		}, 0),
		e.bus.Subscribe(EventLeaveRace, func(ev Event) {
			if _, ok := ev.(LeaveRaceEvent); ok {
				if err := e.LeaveRace(); err != nil {
					log.Printf("[WARNING] engine: leave race: %v", err)
				}
			}
		}, 0),
		e.bus.Subscribe(EventSpectate, func(ev Event) {
			if in, ok := ev.(SpectateEvent); ok {
				if err := e.Spectate(in.MatchID); err != nil {
					log.Printf("[WARNING] engine: spectate: %v", err)
				}
			}
		}, 0),
	)

	return e.Connect(e.ctx)
}

// Connect dials the server and starts the read loop. Also used by the
// reconnect sequence; each successful connect supersedes the previous
// connection and resets error escalation.
func (e *Engine) Connect(ctx context.Context) error {
	conn, err := e.dialer.Dial(ctx, e.cfg.ServerURL)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("engine: closed")
	}
	if e.conn != nil {
		_ = e.conn.Close()
	}
	e.connID++
	id := e.connID
	e.conn = conn
	e.errorEscalated = false
	e.fatalServerErr = false
	now := time.Now()
	e.lastServerMsg = now
	e.lastPongSent = now
	e.mu.Unlock()

	e.metrics.RecordConnected()
	go e.readLoop(conn, id)
	e.bus.Publish(NewNetworkConnectedEvent(e.cfg.ServerURL))
	return nil
}

// Close shuts the engine down. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.conn
	e.conn = nil
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	e.metrics.RecordDisconnected()
	return nil
}

// Connected reports whether a live connection exists.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// Snapshot returns a copy of the current match view for rendering or the
// control API. The second return is false when no match is joined.
func (e *Engine) Snapshot() (MatchSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.match == nil {
		return MatchSnapshot{}, false
	}
	snap := MatchSnapshot{
		Info:       e.match.Info,
		Status:     e.match.Status,
		LocalID:    e.match.LocalID,
		ServerTick: e.match.ServerTick,
		Players:    make([]Player, 0, len(e.match.Players)),
	}
	for _, p := range e.match.Players {
		snap.Players = append(snap.Players, *p)
	}
	sort.Slice(snap.Players, func(i, j int) bool {
		if snap.Players[i].Rank != snap.Players[j].Rank {
			return snap.Players[i].Rank < snap.Players[j].Rank
		}
		return snap.Players[i].ID < snap.Players[j].ID
	})
	return snap, true
}

// JoinRace enters matchmaking for the given track.
func (e *Engine) JoinRace(trackID string) error {
	return e.send(NewJoinRaceMsg(e.cfg.PlayerID, e.cfg.PlayerName, trackID))
}

// LeaveRace abandons the current match and drops the local mirror.
func (e *Engine) LeaveRace() error {
	err := e.send(NewLeaveRaceMsg())
	e.mu.Lock()
	e.match = nil
	e.rejoinToken = ""
	e.timeoutSent = false
	e.mu.Unlock()
	return err
}

// Spectate subscribes to a running match without taking a seat.
func (e *Engine) Spectate(matchID string) error {
	return e.send(NewSpectateMatchMsg(matchID))
}

// ApplyLocalInput advances the local prediction by the input vector and
// forwards the input to the server. The displayed position moves immediately;
// the server's next update reconciles any divergence.
func (e *Engine) ApplyLocalInput(vec Vec2) {
	e.mu.Lock()
	if e.match == nil || e.match.Status != MatchActive {
		e.mu.Unlock()
		return
	}
	e.inputSeq++
	seq := e.inputSeq
	pred := &e.match.Prediction
	pred.Position = pred.Position.Add(vec)
	pred.Velocity = vec
	pred.InputSeq = seq
	pred.Applied = true
	if local := e.match.Local(); local != nil {
		local.Position = pred.Position
		local.Velocity = vec
	}
	e.mu.Unlock()

	if err := e.send(NewPlayerInputMsg(seq, vec)); err != nil {
		log.Printf("[DEBUG] engine: input %d not sent: %v", seq, err)
		return
	}
	e.metrics.RecordInputSent()
}

// Tick advances remote interpolation, runs the keep-alive watchdog, and
// raises the race timeout once when the race outlives its duration budget.
// Hosts call it at their frame rate; dt is seconds since the previous tick.
func (e *Engine) Tick(dt float64) {
	now := time.Now()
	budget := 2 * e.cfg.KeepAliveInterval()

	e.mu.Lock()
	if e.match != nil {
		factor := e.cfg.InterpolationFactor
		for id, p := range e.match.Players {
			p.ExpirePowerups(now)
			if id == e.match.LocalID || p.Status == PlayerDisconnected {
				continue
			}
			p.Position = p.Position.Lerp(p.LastServerPos, factor)
		}
	}
	var timeoutMatch string
	var timeoutElapsed int64
	if m := e.match; m != nil && !e.timeoutSent && m.Status == MatchActive &&
		m.Info.DurationSec > 0 && !m.StartedAt.IsZero() {
		if elapsed := now.Sub(m.StartedAt); elapsed > time.Duration(m.Info.DurationSec)*time.Second {
			e.timeoutSent = true
			timeoutMatch = m.Info.MatchID
			timeoutElapsed = elapsed.Milliseconds()
		}
	}
	conn := e.conn
	silentFor := now.Sub(e.lastServerMsg)
	silent := conn != nil && silentFor > budget
	needPong := conn != nil && !silent && now.Sub(e.lastPongSent) >= e.cfg.KeepAliveInterval()
	if needPong {
		e.lastPongSent = now
	}
	e.mu.Unlock()

	// Notify, never decide: the server stays authoritative for the outcome.
	if timeoutMatch != "" {
		if err := e.send(NewRaceTimeoutMsg(timeoutMatch, timeoutElapsed)); err != nil {
			log.Printf("[DEBUG] engine: race timeout not sent: %v", err)
		}
		e.bus.Publish(NewRaceTimeoutEvent(timeoutMatch, timeoutElapsed))
	}
	if silent {
		log.Printf("[WARNING] engine: no server traffic for %s, closing connection", silentFor.Round(time.Millisecond))
		_ = conn.Close()
		return
	}
	if needPong {
		_ = e.send(NewPongMsg(0))
	}
}

// send marshals once so the byte counter sees the real frame size.
func (e *Engine) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("engine: not connected")
	}
	if err := conn.WriteJSON(json.RawMessage(data)); err != nil {
		return err
	}
	e.metrics.RecordBytesSent(uint64(len(data)))
	return nil
}

func (e *Engine) readLoop(conn Conn, id uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			e.handleDisconnect(id, err)
			return
		}
		e.metrics.RecordBytesReceived(uint64(len(data)))

		e.mu.Lock()
		stale := e.connID != id || e.closed
		if !stale {
			e.lastServerMsg = time.Now()
		}
		e.mu.Unlock()
		if stale {
			return
		}

		e.handleMessage(data)
	}
}

func (e *Engine) handleDisconnect(id uint64, cause error) {
	e.mu.Lock()
	if e.connID != id || e.closed {
		e.mu.Unlock()
		return
	}
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	fatal := e.fatalServerErr
	e.mu.Unlock()

	e.metrics.RecordDisconnected()
	e.bus.Publish(NewNetworkDisconnectedEvent(cause.Error()))

	if fatal {
		e.escalateError("server closed the session with a fatal error")
		return
	}
	go e.reconnectLoop()
}

// reconnectLoop retries the connection with exponential backoff: base delay
// doubling per attempt, no jitter, a fixed attempt budget. Exhaustion forces
// the session machine into its error state exactly once.
func (e *Engine) reconnectLoop() {
	maxAttempts := e.cfg.MaxReconnectAttempts

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.ReconnectBaseDelay()
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := b.NextBackOff()
		e.bus.Publish(NewNetworkReconnectingEvent(attempt, delay))

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := e.Connect(e.ctx); err != nil {
			log.Printf("[WARNING] engine: reconnect attempt %d/%d failed: %v", attempt, maxAttempts, err)
			continue
		}
		e.metrics.RecordReconnect()
		e.resumeMatch()
		return
	}

	e.escalateError(fmt.Sprintf("gave up after %d reconnect attempts", maxAttempts))
}

// resumeMatch asks for the held seat back after a reconnect.
func (e *Engine) resumeMatch() {
	e.mu.Lock()
	match := e.match
	token := e.rejoinToken
	e.mu.Unlock()
	if match == nil || token == "" || match.Status == MatchFinished {
		return
	}
	if err := e.send(NewRejoinMatchMsg(e.cfg.PlayerID, match.Info.MatchID, token)); err != nil {
		log.Printf("[WARNING] engine: rejoin request not sent: %v", err)
	}
}

// escalateError pushes the session machine into its error state. The
// escalated flag makes this fire at most once per connection episode; a
// successful Connect resets it.
func (e *Engine) escalateError(reason string) {
	e.mu.Lock()
	if e.errorEscalated || e.closed {
		e.mu.Unlock()
		return
	}
	e.errorEscalated = true
	e.mu.Unlock()

	e.bus.Publish(NewNetworkErrorEvent(ErrNetwork, reason, true))
	if e.machine == nil {
		return
	}
	if !e.machine.RequestTransition(e.ctx, LabelConnectionError) {
		e.machine.ForceError(reason)
	}
}

func (e *Engine) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARNING] engine: message handler panic: %v", r)
		}
	}()

	msgType, err := PeekType(data)
	if err != nil {
		e.drop("?", err)
		return
	}

	switch msgType {
	case MsgMatchFound:
		var msg MatchFoundMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.handleMatchFound(msg)
	case MsgMatchCountdown:
		var msg MatchCountdownMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.handleCountdown(msg)
	case MsgMatchStart:
		var msg MatchStartMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.handleMatchStart(msg)
	case MsgPlayerUpdate:
		var msg PlayerUpdateMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.handlePlayerUpdate(msg)
	case MsgItemSpawn:
		var msg ItemSpawnMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.bus.Publish(NewRaceItemEvent(msg.MatchID, msg.Item))
	case MsgPowerupUsed:
		var msg PowerupUsedMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.applyPowerup(msg)
		e.bus.Publish(NewRacePowerupEvent(msg.MatchID, msg.PlayerID, msg.Kind, msg.DurationMs))
	case MsgMatchEnd:
		var msg MatchEndMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.handleMatchEnd(msg)
	case MsgPlayerDisconnected:
		var msg PlayerDisconnectedMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.setPlayerStatus(msg.MatchID, msg.PlayerID, PlayerDisconnected)
		e.bus.Publish(NewPlayerDisconnectedEvent(msg.MatchID, msg.PlayerID))
	case MsgPlayerReconnected:
		var msg PlayerReconnectedMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.setPlayerStatus(msg.MatchID, msg.PlayerID, PlayerActive)
		e.bus.Publish(NewPlayerReconnectedEvent(msg.MatchID, msg.PlayerID))
	case MsgServerTick:
		var msg ServerTickMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.handleServerTick(msg)
	case MsgPing:
		var msg PingMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.handlePing(msg)
	case MsgError:
		var msg ErrorMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			e.drop(msgType, err)
			return
		}
		e.handleServerError(msg)
	default:
		e.drop(msgType, fmt.Errorf("unknown type"))
	}
}

func (e *Engine) drop(msgType string, err error) {
	e.metrics.RecordDropped()
	log.Printf("[DEBUG] engine: dropping %s message: %v", msgType, err)
}

func (e *Engine) handleMatchFound(msg MatchFoundMsg) {
	match := NewMatch(msg.Match, msg.PlayerID)
	if msg.Resumed {
		match.Status = MatchActive
	}
	for _, ps := range msg.Players {
		match.Players[ps.PlayerID] = playerFromState(ps)
	}

	e.mu.Lock()
	e.match = match
	e.rejoinToken = msg.RejoinToken
	e.timeoutSent = false
	if !msg.Resumed {
		e.inputSeq = 0
	}
	e.mu.Unlock()

	e.bus.Publish(NewRaceFoundEvent(msg.Match))
}

func (e *Engine) handleCountdown(msg MatchCountdownMsg) {
	e.mu.Lock()
	if e.match == nil || e.match.Info.MatchID != msg.MatchID {
		e.mu.Unlock()
		return
	}
	e.match.Status = MatchCountdown
	e.mu.Unlock()

	e.bus.Publish(NewRaceCountdownEvent(msg.MatchID, msg.Seconds))
}

func (e *Engine) handleMatchStart(msg MatchStartMsg) {
	e.mu.Lock()
	if e.match == nil || e.match.Info.MatchID != msg.MatchID {
		e.mu.Unlock()
		return
	}
	e.match.Status = MatchActive
	e.match.StartedAt = time.UnixMilli(msg.StartedAt)
	e.timeoutSent = false
	e.mu.Unlock()

	e.bus.Publish(NewRaceStartEvent(msg.MatchID, msg.StartedAt))
}

// handlePlayerUpdate applies one authoritative snapshot: reconciliation for
// the local player, interpolation targets for everyone else.
func (e *Engine) handlePlayerUpdate(msg PlayerUpdateMsg) {
	e.mu.Lock()
	m := e.match
	if m == nil || m.Info.MatchID != msg.MatchID {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	for _, ps := range msg.Players {
		p, ok := m.Players[ps.PlayerID]
		if !ok {
			p = playerFromState(ps)
			m.Players[ps.PlayerID] = p
		}
		p.Score = ps.Score
		p.Rank = ps.Rank
		p.Status = ps.Status
		p.LastSeen = now
		if ps.PlayerID == m.LocalID {
			e.reconcileLocked(p, ps.Position)
			continue
		}
		p.LastServerPos = ps.Position
		p.Velocity = ps.Velocity
	}
	e.mu.Unlock()

	e.metrics.RecordUpdateReceived()
}

// reconcileLocked pulls the prediction toward the authoritative position.
// Divergence inside the threshold is left alone so the local feel stays
// smooth; beyond it, both the prediction and the displayed position move by
// the correction factor's share of the gap, which converges geometrically
// without ever overshooting.
func (e *Engine) reconcileLocked(local *Player, serverPos Vec2) {
	pred := &e.match.Prediction
	if !pred.Applied {
		pred.Position = serverPos
		local.Position = serverPos
		local.LastServerPos = serverPos
		return
	}
	local.LastServerPos = serverPos

	diff := serverPos.Sub(pred.Position)
	dist := diff.Len()
	if dist <= e.cfg.ReconcileThreshold {
		return
	}
	correction := diff.Scale(e.cfg.CorrectionFactor)
	pred.Position = pred.Position.Add(correction)
	local.Position = pred.Position
	e.metrics.RecordCorrection(dist)
}

func (e *Engine) handleMatchEnd(msg MatchEndMsg) {
	e.mu.Lock()
	m := e.match
	if m == nil || m.Info.MatchID != msg.MatchID {
		e.mu.Unlock()
		return
	}
	m.Status = MatchFinished
	e.rejoinToken = ""
	localID := m.LocalID
	for _, entry := range msg.Rankings {
		if p, ok := m.Players[entry.PlayerID]; ok {
			p.Rank = entry.Rank
			p.Score = entry.Score
			p.Status = PlayerFinished
		}
	}
	e.mu.Unlock()

	var tier RewardTier
	var reward int64
	for _, entry := range msg.Rankings {
		if entry.PlayerID == localID {
			tier = TierForRank(entry.Rank)
			reward = msg.Rewards.Amount(tier)
			break
		}
	}
	e.bus.Publish(NewRaceEndEvent(msg.MatchID, msg.WinnerID, msg.Rankings, tier, reward))
}

func (e *Engine) setPlayerStatus(matchID, playerID, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.match == nil || e.match.Info.MatchID != matchID {
		return
	}
	if p, ok := e.match.Players[playerID]; ok {
		p.Status = status
	}
}

// applyPowerup records a timed effect on the mirrored player. Effects for
// unknown players or foreign matches are dropped.
func (e *Engine) applyPowerup(msg PowerupUsedMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.match == nil || e.match.Info.MatchID != msg.MatchID {
		return
	}
	p, ok := e.match.Players[msg.PlayerID]
	if !ok {
		return
	}
	p.Powerups = append(p.Powerups, ActivePowerup{
		Kind:      msg.Kind,
		ExpiresAt: time.Now().Add(time.Duration(msg.DurationMs) * time.Millisecond),
	})
}

// handleServerTick mirrors the server's heartbeat counter. Stale or foreign
// beats are ignored; the counter never walks backward.
func (e *Engine) handleServerTick(msg ServerTickMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.match == nil || e.match.Info.MatchID != msg.MatchID {
		return
	}
	if msg.Tick > e.match.ServerTick {
		e.match.ServerTick = msg.Tick
	}
}

func (e *Engine) handlePing(msg PingMsg) {
	if msg.RTTMs > 0 {
		e.metrics.RecordRTT(msg.RTTMs)
	}
	e.mu.Lock()
	e.lastPongSent = time.Now()
	e.mu.Unlock()
	if err := e.send(NewPongMsg(msg.Timestamp)); err != nil {
		log.Printf("[DEBUG] engine: pong not sent: %v", err)
	}
}

// handleServerError republishes the failure. Fatal errors close the
// connection; the disconnect path then escalates instead of reconnecting,
// since the server has already refused the session.
func (e *Engine) handleServerError(msg ErrorMsg) {
	e.bus.Publish(NewNetworkErrorEvent(msg.Code, msg.Message, msg.Fatal))
	if !msg.Fatal {
		return
	}
	e.mu.Lock()
	e.fatalServerErr = true
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func playerFromState(ps PlayerState) *Player {
	return &Player{
		ID:            ps.PlayerID,
		Name:          ps.Name,
		Position:      ps.Position,
		Velocity:      ps.Velocity,
		Score:         ps.Score,
		Rank:          ps.Rank,
		Status:        ps.Status,
		LastServerPos: ps.Position,
		LastSeen:      time.Now(),
	}
}
