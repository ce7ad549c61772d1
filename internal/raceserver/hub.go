package raceserver

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftline/internal/core"
)

// Options tune the hub. Zero values fall back to production defaults; tests
// shrink the intervals to keep runs fast.
type Options struct {
	SessionSecret string
	TickInterval  time.Duration // state update cadence
	PingInterval  time.Duration // keep-alive cadence
	FillWait      time.Duration // start below capacity after this long
	ItemInterval  time.Duration // item spawn cadence, 0 disables
	RaceTimeout   time.Duration // hard cap on match duration
	PickupRadius  float64
}

func (o Options) withDefaults() Options {
	if o.SessionSecret == "" {
		o.SessionSecret = "driftline-dev-secret"
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 5 * time.Second
	}
	if o.FillWait <= 0 {
		o.FillWait = 10 * time.Second
	}
	if o.RaceTimeout <= 0 {
		o.RaceTimeout = 5 * time.Minute
	}
	if o.PickupRadius <= 0 {
		o.PickupRadius = 10
	}
	return o
}

// Hub owns matchmaking queues, live matches, and every connected client. One
// mutex guards all of it; writes to the network happen only after the lock is
// released.
type Hub struct {
	opts      Options
	catalog   *Catalog
	beatEvery uint64 // simulation ticks per server_tick heartbeat

	mu      sync.Mutex
	queues  map[string]*trackQueue
	matches map[string]*serverMatch
	closed  bool
}

type trackQueue struct {
	track   Track
	waiting []*client
	timer   *time.Timer
}

// client is one connected peer. Its fields are guarded by the hub mutex.
type client struct {
	conn core.Conn

	playerID  string
	name      string
	matchID   string
	spectator bool
	queued    string // track ID while waiting, empty otherwise
	gone      bool
}

type seat struct {
	playerID string
	name     string
	cl       *client // nil while disconnected

	pos            core.Vec2
	vel            core.Vec2
	score          float64
	rank           int
	status         string
	lastSeq        uint64
	finished       bool
	finishedAt     time.Time
	lastSeen       time.Time
	lastClientTime int64
	rtt            int64
}

type serverMatch struct {
	id         string
	track      Track
	status     string
	seats      map[string]*seat
	order      []string // seat creation order, the stable tie-break
	spectators map[*client]bool
	items      map[string]core.ItemInfo
	startedAt  time.Time
	tick       uint64
	stop       chan struct{}
	stopped    bool
}

// NewHub creates a hub over the given catalog.
func NewHub(catalog *Catalog, opts Options) *Hub {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	opts = opts.withDefaults()
	beat := uint64(time.Second / opts.TickInterval)
	if beat == 0 {
		beat = 1
	}
	return &Hub{
		opts:      opts,
		catalog:   catalog,
		beatEvery: beat,
		queues:    make(map[string]*trackQueue),
		matches:   make(map[string]*serverMatch),
	}
}

// matchBudget resolves a track's duration budget against the hub's hard cap.
func (h *Hub) matchBudget(t Track) time.Duration {
	budget := h.opts.RaceTimeout
	if d := time.Duration(t.DurationSec) * time.Second; d > 0 && d < budget {
		budget = d
	}
	return budget
}

// Close stops every match and drops every queue.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, q := range h.queues {
		if q.timer != nil {
			q.timer.Stop()
		}
	}
	var conns []core.Conn
	for _, m := range h.matches {
		if !m.stopped {
			m.stopped = true
			close(m.stop)
		}
		for _, s := range m.seats {
			if s.cl != nil {
				conns = append(conns, s.cl.conn)
			}
		}
		for sp := range m.spectators {
			conns = append(conns, sp.conn)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Counts reports live players and matches, for health output.
func (h *Hub) Counts() (players, matches int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.matches {
		for _, s := range m.seats {
			if s.cl != nil {
				players++
			}
		}
	}
	for _, q := range h.queues {
		players += len(q.waiting)
	}
	return players, len(h.matches)
}

// HandleConn serves one client connection until it drops. Blocks; callers run
// it per accepted connection.
func (h *Hub) HandleConn(conn core.Conn) {
	cl := &client{conn: conn}
	defer h.dropClient(cl)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		start := time.Now()
		h.handleMessage(cl, data)
		perfObserveInbound(len(data), time.Since(start))
	}
}

func (h *Hub) handleMessage(cl *client, data []byte) {
	msgType, err := core.PeekType(data)
	if err != nil {
		log.Printf("[DEBUG] hub: dropping malformed frame: %v", err)
		return
	}

	switch msgType {
	case core.MsgJoinRace:
		var msg core.JoinRaceMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[DEBUG] hub: malformed join_race: %v", err)
			return
		}
		h.handleJoin(cl, msg)
	case core.MsgRejoinMatch:
		var msg core.RejoinMatchMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[DEBUG] hub: malformed rejoin_match: %v", err)
			return
		}
		h.handleRejoin(cl, msg)
	case core.MsgSpectateMatch:
		var msg core.SpectateMatchMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[DEBUG] hub: malformed spectate_match: %v", err)
			return
		}
		h.handleSpectate(cl, msg)
	case core.MsgLeaveRace:
		h.handleLeave(cl)
	case core.MsgPlayerInput:
		var msg core.PlayerInputMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[DEBUG] hub: malformed player_input: %v", err)
			return
		}
		h.handleInput(cl, msg)
	case core.MsgPong:
		var msg core.PongMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[DEBUG] hub: malformed pong: %v", err)
			return
		}
		h.handlePong(cl, msg)
	case core.MsgRaceTimeout:
		var msg core.RaceTimeoutMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[DEBUG] hub: malformed race_timeout: %v", err)
			return
		}
		h.handleRaceTimeout(cl, msg)
	default:
		log.Printf("[DEBUG] hub: ignoring message type %q", msgType)
	}
}

func (h *Hub) handleJoin(cl *client, msg core.JoinRaceMsg) {
	if msg.PlayerID == "" {
		h.sendError(cl, core.ErrProtocol, "join_race needs a player_id", false)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if cl.matchID != "" || cl.queued != "" {
		h.mu.Unlock()
		h.sendError(cl, core.ErrProtocol, "already queued or racing", false)
		return
	}
	track, ok := h.catalog.Pick(msg.TrackID)
	if !ok {
		h.mu.Unlock()
		h.sendError(cl, core.ErrProtocol, fmt.Sprintf("unknown track %q", msg.TrackID), false)
		return
	}

	cl.playerID = msg.PlayerID
	cl.name = msg.PlayerName
	if cl.name == "" {
		cl.name = "racer"
	}
	cl.queued = track.ID

	q := h.queues[track.ID]
	if q == nil {
		q = &trackQueue{track: track}
		h.queues[track.ID] = q
	}
	q.waiting = append(q.waiting, cl)

	var starters []*client
	switch {
	case len(q.waiting) >= track.MaxPlayers:
		starters = q.waiting[:track.MaxPlayers]
		q.waiting = append([]*client(nil), q.waiting[track.MaxPlayers:]...)
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
	case len(q.waiting) >= track.MinPlayers && q.timer == nil:
		q.timer = time.AfterFunc(h.opts.FillWait, func() { h.fillExpired(track.ID) })
	}
	h.mu.Unlock()

	if starters != nil {
		h.startMatch(track, starters)
	}
}

// fillExpired starts a below-capacity match once the fill window closes.
func (h *Hub) fillExpired(trackID string) {
	h.mu.Lock()
	q := h.queues[trackID]
	if q == nil || h.closed {
		h.mu.Unlock()
		return
	}
	q.timer = nil
	if len(q.waiting) < q.track.MinPlayers {
		h.mu.Unlock()
		return
	}
	starters := q.waiting
	q.waiting = nil
	h.mu.Unlock()

	h.startMatch(q.track, starters)
}

func (h *Hub) startMatch(track Track, starters []*client) {
	m := &serverMatch{
		id:         uuid.NewString(),
		track:      track,
		status:     core.MatchWaiting,
		seats:      make(map[string]*seat, len(starters)),
		spectators: make(map[*client]bool),
		items:      make(map[string]core.ItemInfo),
		stop:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	now := time.Now()
	for i, cl := range starters {
		cl.queued = ""
		cl.matchID = m.id
		s := &seat{
			playerID: cl.playerID,
			name:     cl.name,
			cl:       cl,
			pos:      core.Vec2{X: 0, Y: float64(i) * 4},
			status:   core.PlayerActive,
			lastSeen: now,
		}
		m.seats[cl.playerID] = s
		m.order = append(m.order, cl.playerID)
	}
	h.matches[m.id] = m
	info := h.matchInfoLocked(m)
	roster := h.playerStatesLocked(m)
	h.mu.Unlock()

	for _, cl := range starters {
		token, err := core.DeriveRejoinToken(h.opts.SessionSecret, m.id, cl.playerID)
		if err != nil {
			log.Printf("[WARNING] hub: rejoin token for %s: %v", cl.playerID, err)
		}
		h.sendTo(cl, core.NewMatchFoundMsg(info, cl.playerID, token, false, roster))
	}

	log.Printf("[INFO] hub: match %s on %s with %d players", m.id, track.ID, len(starters))
	h.scheduleCountdown(m, track.CountdownSec)
	go h.runMatch(m)
}

// scheduleCountdown broadcasts one countdown second and chains the next via
// timer until the race begins.
func (h *Hub) scheduleCountdown(m *serverMatch, secondsLeft int) {
	h.mu.Lock()
	if m.stopped || m.status == core.MatchFinished {
		h.mu.Unlock()
		return
	}
	if secondsLeft <= 0 {
		m.status = core.MatchActive
		m.startedAt = time.Now()
		h.mu.Unlock()
		h.broadcast(m, core.NewMatchStartMsg(m.id))
		log.Printf("[INFO] hub: match %s started", m.id)
		return
	}
	m.status = core.MatchCountdown
	h.mu.Unlock()

	h.broadcast(m, core.NewMatchCountdownMsg(m.id, secondsLeft))
	time.AfterFunc(time.Second, func() { h.scheduleCountdown(m, secondsLeft-1) })
}

// runMatch drives the per-match clocks until the race ends.
func (h *Hub) runMatch(m *serverMatch) {
	tick := time.NewTicker(h.opts.TickInterval)
	defer tick.Stop()
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()

	var itemC <-chan time.Time
	var items *time.Timer
	if h.opts.ItemInterval > 0 {
		items = time.NewTimer(h.itemDelay())
		defer items.Stop()
		itemC = items.C
	}
	timeout := time.NewTimer(h.matchBudget(m.track))
	defer timeout.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-tick.C:
			h.tickMatch(m)
		case <-ping.C:
			h.pingMatch(m)
		case <-itemC:
			h.spawnItem(m)
			items.Reset(h.itemDelay())
		case <-timeout.C:
			log.Printf("[WARNING] hub: match %s hit the duration cap", m.id)
			h.finishMatch(m)
			return
		}
	}
}

// itemDelay jitters the spawn interval around the configured base so item
// drops cannot be timed.
func (h *Hub) itemDelay() time.Duration {
	base := h.opts.ItemInterval
	return base/2 + rand.N(base)
}

// tickMatch recomputes ranks, resolves item pickups, broadcasts the snapshot,
// and ends the race once every live seat has finished.
func (h *Hub) tickMatch(m *serverMatch) {
	type pickup struct {
		playerID string
		item     core.ItemInfo
	}

	h.mu.Lock()
	if m.status != core.MatchActive || m.stopped {
		h.mu.Unlock()
		return
	}

	var pickups []pickup
	for itemID, item := range m.items {
		for _, pid := range m.order {
			s := m.seats[pid]
			if s.status != core.PlayerActive || s.finished {
				continue
			}
			if s.pos.Sub(item.Position).Len() <= h.opts.PickupRadius {
				s.score += 25
				pickups = append(pickups, pickup{playerID: pid, item: item})
				delete(m.items, itemID)
				break
			}
		}
	}

	h.rankSeatsLocked(m)

	live, done := 0, 0
	for _, s := range m.seats {
		if s.status == core.PlayerDisconnected {
			continue
		}
		live++
		if s.finished {
			done++
		}
	}
	states := h.playerStatesLocked(m)
	finished := live == 0 || (live > 0 && done == live)
	m.tick++
	beat := m.tick%h.beatEvery == 0
	tickNo := m.tick
	h.mu.Unlock()

	for _, p := range pickups {
		h.broadcast(m, core.NewPowerupUsedMsg(m.id, p.playerID, p.item.Kind, 3000))
	}
	h.broadcast(m, core.NewPlayerUpdateMsg(m.id, states))
	if beat {
		h.broadcast(m, core.NewServerTickMsg(m.id, tickNo))
	}

	if finished {
		h.finishMatch(m)
	}
}

// pingMatch sends keep-alives and reaps seats that have gone silent.
func (h *Hub) pingMatch(m *serverMatch) {
	budget := 2 * h.opts.PingInterval
	now := time.Now()

	h.mu.Lock()
	if m.stopped {
		h.mu.Unlock()
		return
	}
	type target struct {
		cl   *client
		echo int64
		rtt  int64
	}
	var targets []target
	var reap []*client
	for _, pid := range m.order {
		s := m.seats[pid]
		if s.cl == nil {
			continue
		}
		if now.Sub(s.lastSeen) > budget {
			reap = append(reap, s.cl)
			continue
		}
		targets = append(targets, target{cl: s.cl, echo: s.lastClientTime, rtt: s.rtt})
	}
	for sp := range m.spectators {
		targets = append(targets, target{cl: sp})
	}
	h.mu.Unlock()

	for _, t := range targets {
		h.sendTo(t.cl, core.NewPingMsg(t.echo, t.rtt))
	}
	for _, cl := range reap {
		log.Printf("[INFO] hub: reaping silent player %s", cl.playerID)
		_ = cl.conn.Close()
	}
}

func (h *Hub) spawnItem(m *serverMatch) {
	kinds := []string{"boost", "nitro", "shield"}

	h.mu.Lock()
	if m.status != core.MatchActive || m.stopped {
		h.mu.Unlock()
		return
	}
	item := core.ItemInfo{
		ItemID: uuid.NewString(),
		Kind:   kinds[rand.IntN(len(kinds))],
		Position: core.Vec2{
			X: rand.Float64() * m.track.Length,
			Y: rand.Float64()*20 - 10,
		},
	}
	m.items[item.ItemID] = item
	h.mu.Unlock()

	h.broadcast(m, core.NewItemSpawnMsg(m.id, item))
}

// finishMatch closes the race, announces the final order, and forgets the
// match. Safe to call twice; only the first call does anything.
func (h *Hub) finishMatch(m *serverMatch) {
	h.mu.Lock()
	if m.status == core.MatchFinished {
		h.mu.Unlock()
		return
	}
	m.status = core.MatchFinished
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	rankings := h.rankSeatsLocked(m)
	winnerID := ""
	if len(rankings) > 0 {
		winnerID = rankings[0].PlayerID
	}
	for _, s := range m.seats {
		if s.cl != nil {
			s.cl.matchID = ""
		}
	}
	for sp := range m.spectators {
		sp.matchID = ""
		sp.spectator = false
	}
	delete(h.matches, m.id)
	h.mu.Unlock()

	h.broadcast(m, core.NewMatchEndMsg(m.id, winnerID, rankings, h.catalog.Rewards))
	log.Printf("[INFO] hub: match %s finished, winner %s", m.id, winnerID)
}

func (h *Hub) handleInput(cl *client, msg core.PlayerInputMsg) {
	h.mu.Lock()
	m := h.matches[cl.matchID]
	if m == nil || m.status != core.MatchActive {
		h.mu.Unlock()
		return
	}
	s := m.seats[cl.playerID]
	if s == nil || s.finished || s.status != core.PlayerActive {
		h.mu.Unlock()
		return
	}
	// Replays and out-of-order frames after a reconnect are dropped here.
	if msg.Seq <= s.lastSeq {
		h.mu.Unlock()
		return
	}
	s.lastSeq = msg.Seq
	s.lastSeen = time.Now()
	s.pos = s.pos.Add(msg.Vector)
	s.vel = msg.Vector
	s.score += msg.Vector.Len()
	if s.score >= m.track.Length {
		s.finished = true
		s.finishedAt = time.Now()
		s.status = core.PlayerFinished
	}
	h.mu.Unlock()
}

func (h *Hub) handlePong(cl *client, msg core.PongMsg) {
	now := time.Now()
	h.mu.Lock()
	m := h.matches[cl.matchID]
	if m == nil {
		h.mu.Unlock()
		return
	}
	if s := m.seats[cl.playerID]; s != nil {
		s.lastSeen = now
		s.lastClientTime = msg.ClientTime
		if msg.Timestamp > 0 {
			s.rtt = now.UnixMilli() - msg.Timestamp
		}
	}
	h.mu.Unlock()
}

// handleRaceTimeout takes a client's notice that the race outlived its
// duration budget. The notice is advisory: the match only ends if the hub's
// own clock agrees, so a client cannot end a race early.
func (h *Hub) handleRaceTimeout(cl *client, msg core.RaceTimeoutMsg) {
	h.mu.Lock()
	m := h.matches[msg.MatchID]
	if m == nil || m.id != cl.matchID || cl.spectator || m.status != core.MatchActive {
		h.mu.Unlock()
		return
	}
	expired := !m.startedAt.IsZero() && time.Since(m.startedAt) >= h.matchBudget(m.track)
	h.mu.Unlock()

	if !expired {
		log.Printf("[DEBUG] hub: early race_timeout from %s for match %s", cl.playerID, msg.MatchID)
		return
	}
	log.Printf("[INFO] hub: match %s timed out, reported by %s after %dms", msg.MatchID, cl.playerID, msg.ElapsedMs)
	h.finishMatch(m)
}

func (h *Hub) handleRejoin(cl *client, msg core.RejoinMatchMsg) {
	if !core.VerifyRejoinToken(h.opts.SessionSecret, msg.MatchID, msg.PlayerID, msg.Token) {
		h.sendError(cl, core.ErrProtocol, "invalid rejoin token", true)
		_ = cl.conn.Close()
		return
	}

	h.mu.Lock()
	m := h.matches[msg.MatchID]
	if m == nil || m.status == core.MatchFinished {
		h.mu.Unlock()
		h.sendError(cl, core.ErrProtocol, "match is gone", true)
		_ = cl.conn.Close()
		return
	}
	s := m.seats[msg.PlayerID]
	if s == nil {
		h.mu.Unlock()
		h.sendError(cl, core.ErrProtocol, "no seat in this match", true)
		_ = cl.conn.Close()
		return
	}
	var oldConn core.Conn
	if s.cl != nil && s.cl != cl {
		oldConn = s.cl.conn
		s.cl.matchID = ""
		s.cl.gone = true
	}
	s.cl = cl
	s.lastSeen = time.Now()
	if !s.finished {
		s.status = core.PlayerActive
	}
	cl.playerID = msg.PlayerID
	cl.name = s.name
	cl.matchID = m.id
	info := h.matchInfoLocked(m)
	roster := h.playerStatesLocked(m)
	h.mu.Unlock()

	if oldConn != nil {
		_ = oldConn.Close()
	}
	token, err := core.DeriveRejoinToken(h.opts.SessionSecret, m.id, msg.PlayerID)
	if err != nil {
		log.Printf("[WARNING] hub: rejoin token for %s: %v", msg.PlayerID, err)
	}
	h.sendTo(cl, core.NewMatchFoundMsg(info, msg.PlayerID, token, true, roster))
	h.broadcast(m, core.NewPlayerReconnectedMsg(m.id, msg.PlayerID))
	log.Printf("[INFO] hub: player %s rejoined match %s", msg.PlayerID, m.id)
}

func (h *Hub) handleSpectate(cl *client, msg core.SpectateMatchMsg) {
	h.mu.Lock()
	m := h.matches[msg.MatchID]
	if m == nil || m.status == core.MatchFinished {
		h.mu.Unlock()
		h.sendError(cl, core.ErrProtocol, "match is gone", false)
		return
	}
	if cl.matchID != "" || cl.queued != "" {
		h.mu.Unlock()
		h.sendError(cl, core.ErrProtocol, "already queued or racing", false)
		return
	}
	cl.matchID = m.id
	cl.spectator = true
	m.spectators[cl] = true
	info := h.matchInfoLocked(m)
	roster := h.playerStatesLocked(m)
	h.mu.Unlock()

	h.sendTo(cl, core.NewMatchFoundMsg(info, "", "", false, roster))
}

func (h *Hub) handleLeave(cl *client) {
	h.detach(cl, true)
}

// dropClient runs when a connection dies. The seat is kept for rejoin; only
// an explicit leave abandons it.
func (h *Hub) dropClient(cl *client) {
	h.detach(cl, false)
}

func (h *Hub) detach(cl *client, abandonSeat bool) {
	h.mu.Lock()
	if cl.gone {
		h.mu.Unlock()
		return
	}
	cl.gone = !abandonSeat // a leaver may queue again on the same connection

	if cl.queued != "" {
		if q := h.queues[cl.queued]; q != nil {
			for i, w := range q.waiting {
				if w == cl {
					q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
					break
				}
			}
		}
		cl.queued = ""
	}

	m := h.matches[cl.matchID]
	cl.matchID = ""
	if m == nil {
		h.mu.Unlock()
		return
	}
	if cl.spectator {
		delete(m.spectators, cl)
		cl.spectator = false
		h.mu.Unlock()
		return
	}

	s := m.seats[cl.playerID]
	if s == nil || s.cl != cl {
		h.mu.Unlock()
		return
	}
	s.cl = nil
	if abandonSeat {
		delete(m.seats, cl.playerID)
		for i, pid := range m.order {
			if pid == cl.playerID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	} else if !s.finished {
		s.status = core.PlayerDisconnected
	}
	finishedMatch := m.status == core.MatchFinished
	h.mu.Unlock()

	if !finishedMatch {
		h.broadcast(m, core.NewPlayerDisconnectedMsg(m.id, cl.playerID))
	}
}

// rankSeatsLocked orders seats by descending score with the seat creation
// order breaking ties, assigns 1-based ranks, and returns the table.
func (h *Hub) rankSeatsLocked(m *serverMatch) []core.RankEntry {
	ordered := make([]*seat, 0, len(m.order))
	for _, pid := range m.order {
		ordered = append(ordered, m.seats[pid])
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })

	out := make([]core.RankEntry, len(ordered))
	for i, s := range ordered {
		s.rank = i + 1
		out[i] = core.RankEntry{PlayerID: s.playerID, Name: s.name, Rank: s.rank, Score: s.score}
	}
	return out
}

func (h *Hub) matchInfoLocked(m *serverMatch) core.MatchInfo {
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return core.MatchInfo{
		MatchID:     m.id,
		TrackID:     m.track.ID,
		TrackLength: m.track.Length,
		MaxPlayers:  m.track.MaxPlayers,
		DurationSec: int(h.matchBudget(m.track) / time.Second),
		PlayerIDs:   ids,
	}
}

func (h *Hub) playerStatesLocked(m *serverMatch) []core.PlayerState {
	out := make([]core.PlayerState, 0, len(m.order))
	for _, pid := range m.order {
		s := m.seats[pid]
		out = append(out, core.PlayerState{
			PlayerID: s.playerID,
			Name:     s.name,
			Position: s.pos,
			Velocity: s.vel,
			Score:    s.score,
			Rank:     s.rank,
			Status:   s.status,
			LastSeq:  s.lastSeq,
		})
	}
	return out
}

// broadcast sends one message to every live seat and spectator. Recipients
// are snapshotted under the lock; writes happen outside it.
func (h *Hub) broadcast(m *serverMatch, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WARNING] hub: marshal broadcast: %v", err)
		return
	}

	h.mu.Lock()
	conns := make([]core.Conn, 0, len(m.seats)+len(m.spectators))
	for _, s := range m.seats {
		if s.cl != nil {
			conns = append(conns, s.cl.conn)
		}
	}
	for sp := range m.spectators {
		conns = append(conns, sp.conn)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(json.RawMessage(data)); err != nil {
			log.Printf("[DEBUG] hub: broadcast write: %v", err)
			continue
		}
		perfObserveOutbound(len(data))
	}
}

func (h *Hub) sendTo(cl *client, msg any) {
	if err := cl.conn.WriteJSON(msg); err != nil {
		log.Printf("[DEBUG] hub: write to %s: %v", cl.playerID, err)
	}
}

func (h *Hub) sendError(cl *client, code, message string, fatal bool) {
	h.sendTo(cl, core.NewErrorMsg(code, message, fatal))
}
