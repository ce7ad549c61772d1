package core

import (
	"time"
)

// Event is the base interface for everything dispatched on the Bus.
// Hosts receive events through subscription, never poll.
type Event interface {
	EventType() string
	EventTime() int64
}

// baseEvent provides common event fields.
type baseEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func (e baseEvent) EventType() string { return e.Type }
func (e baseEvent) EventTime() int64  { return e.Timestamp }

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Bus event names. The set is closed: every name maps to exactly one payload
// type in this file.
const (
	EventStateChanged      = "state:changed"
	EventTransitionInvalid = "transition:invalid"
	EventTransitionBlocked = "transition:blocked"
	EventMachineError      = "machine:error"

	EventRaceFound              = "race:found"
	EventRaceCountdown          = "race:countdown"
	EventRaceStart              = "race:start"
	EventRaceEnd                = "race:end"
	EventRaceItem               = "race:item"
	EventRacePowerup            = "race:powerup"
	EventRaceTimeout            = "race:timeout"
	EventRacePlayerDisconnected = "race:player:disconnected"
	EventRacePlayerReconnected  = "race:player:reconnected"

	EventNetworkConnected    = "network:connected"
	EventNetworkDisconnected = "network:disconnected"
	EventNetworkReconnecting = "network:reconnecting"
	EventNetworkError        = "network:error"

	EventPlayerInput = "player:input"
	EventJoinRace    = "multiplayer:join:race"
	EventLeaveRace   = "multiplayer:leave:race"
	EventSpectate    = "multiplayer:spectate"

	EventMetricsSnapshot = "metrics:snapshot"
	EventConfigUpdated   = "config:updated"
)

// Event: state:changed
// Fires after the session machine completes a transition.
type StateChangedEvent struct {
	baseEvent
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

func NewStateChangedEvent(from, to, label string) Event {
	return StateChangedEvent{
		baseEvent: baseEvent{Type: EventStateChanged, Timestamp: nowMillis()},
		From:      from,
		To:        to,
		Label:     label,
	}
}

// Event: transition:invalid
// Fires when a requested label is not defined for the current state.
type TransitionInvalidEvent struct {
	baseEvent
	State string `json:"state"`
	Label string `json:"label"`
}

func NewTransitionInvalidEvent(state, label string) Event {
	return TransitionInvalidEvent{
		baseEvent: baseEvent{Type: EventTransitionInvalid, Timestamp: nowMillis()},
		State:     state,
		Label:     label,
	}
}

// Event: transition:blocked
// Fires when a guard rejects an otherwise legal transition.
type TransitionBlockedEvent struct {
	baseEvent
	From   string `json:"from"`
	To     string `json:"to"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

func NewTransitionBlockedEvent(from, to, label, reason string) Event {
	return TransitionBlockedEvent{
		baseEvent: baseEvent{Type: EventTransitionBlocked, Timestamp: nowMillis()},
		From:      from,
		To:        to,
		Label:     label,
		Reason:    reason,
	}
}

// Event: machine:error
// Fires when a hook or guard failure forces the machine into its error state.
type MachineErrorEvent struct {
	baseEvent
	State   string `json:"state"`
	Label   string `json:"label"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewMachineErrorEvent(state, label, code, message string) Event {
	return MachineErrorEvent{
		baseEvent: baseEvent{Type: EventMachineError, Timestamp: nowMillis()},
		State:     state,
		Label:     label,
		Code:      code,
		Message:   message,
	}
}

// Event: race:found
// Fires when the server assigns the client to a match.
type RaceFoundEvent struct {
	baseEvent
	Match MatchInfo `json:"match"`
}

func NewRaceFoundEvent(match MatchInfo) Event {
	return RaceFoundEvent{
		baseEvent: baseEvent{Type: EventRaceFound, Timestamp: nowMillis()},
		Match:     match,
	}
}

// Event: race:countdown
// Fires once per countdown second before the race starts.
type RaceCountdownEvent struct {
	baseEvent
	MatchID string `json:"matchId"`
	Seconds int    `json:"seconds"`
}

func NewRaceCountdownEvent(matchID string, seconds int) Event {
	return RaceCountdownEvent{
		baseEvent: baseEvent{Type: EventRaceCountdown, Timestamp: nowMillis()},
		MatchID:   matchID,
		Seconds:   seconds,
	}
}

// Event: race:start
// Fires when the match flips to racing.
type RaceStartEvent struct {
	baseEvent
	MatchID   string `json:"matchId"`
	StartedAt int64  `json:"startedAt"`
}

func NewRaceStartEvent(matchID string, startedAt int64) Event {
	return RaceStartEvent{
		baseEvent: baseEvent{Type: EventRaceStart, Timestamp: nowMillis()},
		MatchID:   matchID,
		StartedAt: startedAt,
	}
}

// Event: race:end
// Fires when the server ends the match. Carries the authoritative rankings
// and the local player's reward.
type RaceEndEvent struct {
	baseEvent
	MatchID  string      `json:"matchId"`
	WinnerID string      `json:"winnerId"`
	Rankings []RankEntry `json:"rankings"`
	Tier     RewardTier  `json:"tier"`
	Reward   int64       `json:"reward"`
}

func NewRaceEndEvent(matchID, winnerID string, rankings []RankEntry, tier RewardTier, reward int64) Event {
	return RaceEndEvent{
		baseEvent: baseEvent{Type: EventRaceEnd, Timestamp: nowMillis()},
		MatchID:   matchID,
		WinnerID:  winnerID,
		Rankings:  rankings,
		Tier:      tier,
		Reward:    reward,
	}
}

// Event: race:item
// Fires when the server spawns a track item.
type RaceItemEvent struct {
	baseEvent
	MatchID string   `json:"matchId"`
	Item    ItemInfo `json:"item"`
}

func NewRaceItemEvent(matchID string, item ItemInfo) Event {
	return RaceItemEvent{
		baseEvent: baseEvent{Type: EventRaceItem, Timestamp: nowMillis()},
		MatchID:   matchID,
		Item:      item,
	}
}

// Event: race:powerup
// Fires when any player activates a power-up.
type RacePowerupEvent struct {
	baseEvent
	MatchID    string `json:"matchId"`
	PlayerID   string `json:"playerId"`
	Powerup    string `json:"powerup"`
	DurationMs int64  `json:"durationMs"`
}

func NewRacePowerupEvent(matchID, playerID, powerup string, durationMs int64) Event {
	return RacePowerupEvent{
		baseEvent:  baseEvent{Type: EventRacePowerup, Timestamp: nowMillis()},
		MatchID:    matchID,
		PlayerID:   playerID,
		Powerup:    powerup,
		DurationMs: durationMs,
	}
}

// Event: race:timeout
// Fires once when the race outlives its duration budget on the local clock.
// The server is notified and stays authoritative for the outcome.
type RaceTimeoutEvent struct {
	baseEvent
	MatchID   string `json:"matchId"`
	ElapsedMs int64  `json:"elapsedMs"`
}

func NewRaceTimeoutEvent(matchID string, elapsedMs int64) Event {
	return RaceTimeoutEvent{
		baseEvent: baseEvent{Type: EventRaceTimeout, Timestamp: nowMillis()},
		MatchID:   matchID,
		ElapsedMs: elapsedMs,
	}
}

// Event: race:player:disconnected / race:player:reconnected
// Fires when a remote player drops or returns.
type PlayerConnectionEvent struct {
	baseEvent
	MatchID  string `json:"matchId"`
	PlayerID string `json:"playerId"`
}

func NewPlayerDisconnectedEvent(matchID, playerID string) Event {
	return PlayerConnectionEvent{
		baseEvent: baseEvent{Type: EventRacePlayerDisconnected, Timestamp: nowMillis()},
		MatchID:   matchID,
		PlayerID:  playerID,
	}
}

func NewPlayerReconnectedEvent(matchID, playerID string) Event {
	return PlayerConnectionEvent{
		baseEvent: baseEvent{Type: EventRacePlayerReconnected, Timestamp: nowMillis()},
		MatchID:   matchID,
		PlayerID:  playerID,
	}
}

// Event: network:connected
// Fires when the transport connection is established or re-established.
type NetworkConnectedEvent struct {
	baseEvent
	URL string `json:"url"`
}

func NewNetworkConnectedEvent(url string) Event {
	return NetworkConnectedEvent{
		baseEvent: baseEvent{Type: EventNetworkConnected, Timestamp: nowMillis()},
		URL:       url,
	}
}

// Event: network:disconnected
// Fires when the transport connection is lost.
type NetworkDisconnectedEvent struct {
	baseEvent
	Reason string `json:"reason"`
}

func NewNetworkDisconnectedEvent(reason string) Event {
	return NetworkDisconnectedEvent{
		baseEvent: baseEvent{Type: EventNetworkDisconnected, Timestamp: nowMillis()},
		Reason:    reason,
	}
}

// Event: network:reconnecting
// Fires before each backoff delay in the reconnect sequence.
type NetworkReconnectingEvent struct {
	baseEvent
	Attempt int   `json:"attempt"`
	DelayMs int64 `json:"delayMs"`
}

func NewNetworkReconnectingEvent(attempt int, delay time.Duration) Event {
	return NetworkReconnectingEvent{
		baseEvent: baseEvent{Type: EventNetworkReconnecting, Timestamp: nowMillis()},
		Attempt:   attempt,
		DelayMs:   delay.Milliseconds(),
	}
}

// Event: network:error
// Fires when the engine encounters a fatal or non-fatal network error.
type NetworkErrorEvent struct {
	baseEvent
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

func NewNetworkErrorEvent(code, message string, fatal bool) Event {
	return NetworkErrorEvent{
		baseEvent: baseEvent{Type: EventNetworkError, Timestamp: nowMillis()},
		Code:      code,
		Message:   message,
		Fatal:     fatal,
	}
}

// Event: player:input
// Inbound from the host: a local steering input to predict and forward.
type PlayerInputEvent struct {
	baseEvent
	Vector Vec2 `json:"vector"`
}

func NewPlayerInputEvent(vector Vec2) Event {
	return PlayerInputEvent{
		baseEvent: baseEvent{Type: EventPlayerInput, Timestamp: nowMillis()},
		Vector:    vector,
	}
}

// Event: multiplayer:join:race
// Inbound from the host: enter matchmaking.
type JoinRaceEvent struct {
	baseEvent
	TrackID string `json:"trackId"`
}

func NewJoinRaceEvent(trackID string) Event {
	return JoinRaceEvent{
		baseEvent: baseEvent{Type: EventJoinRace, Timestamp: nowMillis()},
		TrackID:   trackID,
	}
}

// Event: multiplayer:leave:race
// Inbound from the host: abandon the current match.
type LeaveRaceEvent struct {
	baseEvent
}

func NewLeaveRaceEvent() Event {
	return LeaveRaceEvent{
		baseEvent: baseEvent{Type: EventLeaveRace, Timestamp: nowMillis()},
	}
}

// Event: multiplayer:spectate
// Inbound from the host: watch a match without racing.
type SpectateEvent struct {
	baseEvent
	MatchID string `json:"matchId"`
}

func NewSpectateEvent(matchID string) Event {
	return SpectateEvent{
		baseEvent: baseEvent{Type: EventSpectate, Timestamp: nowMillis()},
		MatchID:   matchID,
	}
}

// Event: metrics:snapshot
// Periodic engine metrics snapshot (not for polling, for display updates).
type MetricsSnapshotEvent struct {
	baseEvent
	Snapshot MetricsSnapshot `json:"snapshot"`
}

func NewMetricsSnapshotEvent(snapshot MetricsSnapshot) Event {
	return MetricsSnapshotEvent{
		baseEvent: baseEvent{Type: EventMetricsSnapshot, Timestamp: nowMillis()},
		Snapshot:  snapshot,
	}
}

// Event: config:updated
// Fires after the bridge persists a new configuration.
type ConfigUpdatedEvent struct {
	baseEvent
}

func NewConfigUpdatedEvent() Event {
	return ConfigUpdatedEvent{
		baseEvent: baseEvent{Type: EventConfigUpdated, Timestamp: nowMillis()},
	}
}

// Error codes carried on machine:error and network:error events.
const (
	ErrHookFailure  = "ERR_HOOK_FAILURE"
	ErrGuardFailure = "ERR_GUARD_FAILURE"
	ErrNetwork      = "ERR_NETWORK"
	ErrProtocol     = "ERR_PROTOCOL"
	ErrTimeout      = "ERR_TIMEOUT"
)
