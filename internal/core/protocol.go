package core

import (
	"encoding/json"
	"fmt"
)

// Wire message types. Every frame is a JSON object whose "type" field names
// one of these; unknown types are dropped by both ends.
const (
	// client -> server
	MsgJoinRace      = "join_race"
	MsgRejoinMatch   = "rejoin_match"
	MsgLeaveRace     = "leave_race"
	MsgPlayerInput   = "player_input"
	MsgSpectateMatch = "spectate_match"
	MsgPong          = "pong"
	MsgRaceTimeout   = "race_timeout"

	// server -> client
	MsgMatchFound         = "match_found"
	MsgMatchCountdown     = "match_countdown"
	MsgMatchStart         = "match_start"
	MsgPlayerUpdate       = "player_update"
	MsgItemSpawn          = "item_spawn"
	MsgPowerupUsed        = "powerup_used"
	MsgMatchEnd           = "match_end"
	MsgPlayerDisconnected = "player_disconnected"
	MsgPlayerReconnected  = "player_reconnected"
	MsgPing               = "ping"
	MsgServerTick         = "server_tick"
	MsgError              = "error"
)

// MaxMessageSize bounds a single wire frame.
const MaxMessageSize = 64 * 1024

type envelope struct {
	Type string `json:"type"`
}

// PeekType reads the type field of a raw frame without decoding the body.
func PeekType(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty message")
	}
	if len(raw) > MaxMessageSize {
		return "", fmt.Errorf("message too large: %d bytes", len(raw))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("message missing type")
	}
	return env.Type, nil
}

// JoinRaceMsg asks the matchmaker for a seat on a track.
type JoinRaceMsg struct {
	Type       string `json:"type"`
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	TrackID    string `json:"track_id"`
}

func NewJoinRaceMsg(playerID, playerName, trackID string) JoinRaceMsg {
	return JoinRaceMsg{Type: MsgJoinRace, PlayerID: playerID, PlayerName: playerName, TrackID: trackID}
}

// RejoinMatchMsg resumes a seat in a running match after a reconnect. Token
// must verify against the match and player IDs or the server rejects with a
// fatal error.
type RejoinMatchMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id"`
	MatchID  string `json:"match_id"`
	Token    string `json:"token"`
}

func NewRejoinMatchMsg(playerID, matchID, token string) RejoinMatchMsg {
	return RejoinMatchMsg{Type: MsgRejoinMatch, PlayerID: playerID, MatchID: matchID, Token: token}
}

// LeaveRaceMsg abandons the current match or matchmaking queue.
type LeaveRaceMsg struct {
	Type string `json:"type"`
}

func NewLeaveRaceMsg() LeaveRaceMsg {
	return LeaveRaceMsg{Type: MsgLeaveRace}
}

// PlayerInputMsg carries one input vector. Seq increases by one per input;
// the server ignores anything at or below the last sequence it applied, so
// resends after a reconnect are harmless.
type PlayerInputMsg struct {
	Type       string `json:"type"`
	Seq        uint64 `json:"seq"`
	Vector     Vec2   `json:"vector"`
	ClientTime int64  `json:"client_time"`
}

func NewPlayerInputMsg(seq uint64, vector Vec2) PlayerInputMsg {
	return PlayerInputMsg{Type: MsgPlayerInput, Seq: seq, Vector: vector, ClientTime: nowMillis()}
}

// SpectateMatchMsg subscribes to a match's state stream without a seat.
type SpectateMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

func NewSpectateMatchMsg(matchID string) SpectateMatchMsg {
	return SpectateMatchMsg{Type: MsgSpectateMatch, MatchID: matchID}
}

// PongMsg answers a server ping. Timestamp echoes the ping's server clock so
// the server can measure round-trip time on its own clock; ClientTime is the
// client clock for liveness. Unsolicited keep-alive pongs carry Timestamp 0.
type PongMsg struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	ClientTime int64  `json:"client_time"`
}

func NewPongMsg(pingTimestamp int64) PongMsg {
	return PongMsg{Type: MsgPong, Timestamp: pingTimestamp, ClientTime: nowMillis()}
}

// RaceTimeoutMsg tells the server the race has outlived its duration budget on
// the client's clock. Advisory only; the server decides the actual outcome.
type RaceTimeoutMsg struct {
	Type       string `json:"type"`
	MatchID    string `json:"match_id"`
	ElapsedMs  int64  `json:"elapsed_ms"`
	ClientTime int64  `json:"client_time"`
}

func NewRaceTimeoutMsg(matchID string, elapsedMs int64) RaceTimeoutMsg {
	return RaceTimeoutMsg{Type: MsgRaceTimeout, MatchID: matchID, ElapsedMs: elapsedMs, ClientTime: nowMillis()}
}

// MatchFoundMsg seats the client (or a spectator) in a match. PlayerID is
// empty for spectators. RejoinToken lets the named player resume this seat
// after a transport drop.
type MatchFoundMsg struct {
	Type        string        `json:"type"`
	Match       MatchInfo     `json:"match"`
	PlayerID    string        `json:"player_id"`
	RejoinToken string        `json:"rejoin_token,omitempty"`
	Resumed     bool          `json:"resumed,omitempty"`
	Players     []PlayerState `json:"players"`
}

func NewMatchFoundMsg(match MatchInfo, playerID, token string, resumed bool, players []PlayerState) MatchFoundMsg {
	return MatchFoundMsg{Type: MsgMatchFound, Match: match, PlayerID: playerID, RejoinToken: token, Resumed: resumed, Players: players}
}

// MatchCountdownMsg ticks the pre-race countdown.
type MatchCountdownMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Seconds int    `json:"seconds"`
}

func NewMatchCountdownMsg(matchID string, seconds int) MatchCountdownMsg {
	return MatchCountdownMsg{Type: MsgMatchCountdown, MatchID: matchID, Seconds: seconds}
}

// MatchStartMsg opens the track.
type MatchStartMsg struct {
	Type      string `json:"type"`
	MatchID   string `json:"match_id"`
	StartedAt int64  `json:"started_at"`
}

func NewMatchStartMsg(matchID string) MatchStartMsg {
	return MatchStartMsg{Type: MsgMatchStart, MatchID: matchID, StartedAt: nowMillis()}
}

// PlayerState is one roster row inside a state update.
type PlayerState struct {
	PlayerID string  `json:"player_id"`
	Name     string  `json:"name"`
	Position Vec2    `json:"position"`
	Velocity Vec2    `json:"velocity"`
	Score    float64 `json:"score"`
	Rank     int     `json:"rank"`
	Status   string  `json:"status"`
	LastSeq  uint64  `json:"last_seq"`
}

// PlayerUpdateMsg is the authoritative per-tick snapshot of every player.
type PlayerUpdateMsg struct {
	Type       string        `json:"type"`
	MatchID    string        `json:"match_id"`
	Players    []PlayerState `json:"players"`
	ServerTime int64         `json:"server_time"`
}

func NewPlayerUpdateMsg(matchID string, players []PlayerState) PlayerUpdateMsg {
	return PlayerUpdateMsg{Type: MsgPlayerUpdate, MatchID: matchID, Players: players, ServerTime: nowMillis()}
}

// ServerTickMsg is the server's coarse heartbeat: a monotonic per-match tick
// counter on the server clock, sent about once a second.
type ServerTickMsg struct {
	Type       string `json:"type"`
	MatchID    string `json:"match_id"`
	Tick       uint64 `json:"tick"`
	ServerTime int64  `json:"server_time"`
}

func NewServerTickMsg(matchID string, tick uint64) ServerTickMsg {
	return ServerTickMsg{Type: MsgServerTick, MatchID: matchID, Tick: tick, ServerTime: nowMillis()}
}

// ItemSpawnMsg announces a pickup on the track.
type ItemSpawnMsg struct {
	Type    string   `json:"type"`
	MatchID string   `json:"match_id"`
	Item    ItemInfo `json:"item"`
}

func NewItemSpawnMsg(matchID string, item ItemInfo) ItemSpawnMsg {
	return ItemSpawnMsg{Type: MsgItemSpawn, MatchID: matchID, Item: item}
}

// PowerupUsedMsg announces an effect applied to a player.
type PowerupUsedMsg struct {
	Type       string `json:"type"`
	MatchID    string `json:"match_id"`
	PlayerID   string `json:"player_id"`
	Kind       string `json:"kind"`
	DurationMs int64  `json:"duration_ms"`
}

func NewPowerupUsedMsg(matchID, playerID, kind string, durationMs int64) PowerupUsedMsg {
	return PowerupUsedMsg{Type: MsgPowerupUsed, MatchID: matchID, PlayerID: playerID, Kind: kind, DurationMs: durationMs}
}

// MatchEndMsg closes the match with the final order.
type MatchEndMsg struct {
	Type     string      `json:"type"`
	MatchID  string      `json:"match_id"`
	WinnerID string      `json:"winner_id"`
	Rankings []RankEntry `json:"rankings"`
	Rewards  RewardTable `json:"rewards"`
}

func NewMatchEndMsg(matchID, winnerID string, rankings []RankEntry, rewards RewardTable) MatchEndMsg {
	return MatchEndMsg{Type: MsgMatchEnd, MatchID: matchID, WinnerID: winnerID, Rankings: rankings, Rewards: rewards}
}

// PlayerDisconnectedMsg marks a seat as disconnected; the seat is held for
// rejoin until the race ends.
type PlayerDisconnectedMsg struct {
	Type     string `json:"type"`
	MatchID  string `json:"match_id"`
	PlayerID string `json:"player_id"`
}

func NewPlayerDisconnectedMsg(matchID, playerID string) PlayerDisconnectedMsg {
	return PlayerDisconnectedMsg{Type: MsgPlayerDisconnected, MatchID: matchID, PlayerID: playerID}
}

// PlayerReconnectedMsg marks a held seat as live again.
type PlayerReconnectedMsg struct {
	Type     string `json:"type"`
	MatchID  string `json:"match_id"`
	PlayerID string `json:"player_id"`
}

func NewPlayerReconnectedMsg(matchID, playerID string) PlayerReconnectedMsg {
	return PlayerReconnectedMsg{Type: MsgPlayerReconnected, MatchID: matchID, PlayerID: playerID}
}

// PingMsg is the server keep-alive. Timestamp is the server clock; the client
// must echo it in a pong. Echo repeats the last client_time the server saw,
// and RTTMs is the server-measured round trip from that exchange.
type PingMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Echo      int64  `json:"echo"`
	RTTMs     int64  `json:"rtt_ms"`
}

func NewPingMsg(echo, rttMs int64) PingMsg {
	return PingMsg{Type: MsgPing, Timestamp: nowMillis(), Echo: echo, RTTMs: rttMs}
}

// ErrorMsg reports a server-side failure. Fatal errors mean the connection
// is about to close and a plain reconnect will not help.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

func NewErrorMsg(code, message string, fatal bool) ErrorMsg {
	return ErrorMsg{Type: MsgError, Code: code, Message: message, Fatal: fatal}
}
