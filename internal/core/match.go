package core

import (
	"sort"
	"time"
)

// Match statuses, in lifecycle order.
const (
	MatchWaiting   = "waiting"
	MatchCountdown = "countdown"
	MatchActive    = "active"
	MatchFinished  = "finished"
)

// Player statuses.
const (
	PlayerActive       = "active"
	PlayerDisconnected = "disconnected"
	PlayerFinished     = "finished"
)

// RewardTier buckets finishing ranks for payout.
type RewardTier string

const (
	TierGold   RewardTier = "gold"
	TierSilver RewardTier = "silver"
	TierBronze RewardTier = "bronze"
)

// MatchInfo is the static description of a match as announced by the server.
// DurationSec is the race's duration budget; 0 means the server advertises no
// budget and the client never raises a race timeout.
type MatchInfo struct {
	MatchID     string   `json:"match_id"`
	TrackID     string   `json:"track_id"`
	TrackLength float64  `json:"track_length"`
	MaxPlayers  int      `json:"max_players"`
	DurationSec int      `json:"duration_sec"`
	PlayerIDs   []string `json:"player_ids"`
}

// RankEntry is one row of a finishing order.
type RankEntry struct {
	PlayerID string  `json:"player_id"`
	Name     string  `json:"name"`
	Rank     int     `json:"rank"`
	Score    float64 `json:"score"`
}

// ItemInfo describes a pickup on the track.
type ItemInfo struct {
	ItemID   string `json:"item_id"`
	Kind     string `json:"kind"`
	Position Vec2   `json:"position"`
}

// ActivePowerup is a timed effect on a player, kept until its expiry.
type ActivePowerup struct {
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Player is the live view of one participant. Position is what the host
// renders; for the local player it is the reconciled prediction, for remotes
// the interpolated server value.
type Player struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Position Vec2            `json:"position"`
	Velocity Vec2            `json:"velocity"`
	Score    float64         `json:"score"`
	Rank     int             `json:"rank"`
	Status   string          `json:"status"`
	Powerups []ActivePowerup `json:"powerups,omitempty"`

	// LastServerPos is the most recent authoritative position, the target
	// remote interpolation converges toward.
	LastServerPos Vec2 `json:"-"`

	LastSeen time.Time `json:"-"`
}

// ExpirePowerups drops effects whose expiry has passed. The kept effects land
// in a fresh slice so snapshots taken earlier keep reading stable data.
func (p *Player) ExpirePowerups(now time.Time) {
	expired := 0
	for _, pu := range p.Powerups {
		if !pu.ExpiresAt.After(now) {
			expired++
		}
	}
	if expired == 0 {
		return
	}
	if expired == len(p.Powerups) {
		p.Powerups = nil
		return
	}
	kept := make([]ActivePowerup, 0, len(p.Powerups)-expired)
	for _, pu := range p.Powerups {
		if pu.ExpiresAt.After(now) {
			kept = append(kept, pu)
		}
	}
	p.Powerups = kept
}

// Prediction is the local player's optimistic state, advanced on input before
// the server confirms it.
type Prediction struct {
	Position Vec2
	Velocity Vec2
	InputSeq uint64
	Applied  bool
}

// Match is the client-side mirror of one race.
type Match struct {
	Info    MatchInfo
	Status  string
	Players map[string]*Player

	LocalID    string
	Prediction Prediction

	StartedAt time.Time

	// ServerTick is the last heartbeat counter seen from the server.
	ServerTick uint64
}

// NewMatch builds an empty client mirror for the announced match.
func NewMatch(info MatchInfo, localID string) *Match {
	return &Match{
		Info:    info,
		Status:  MatchWaiting,
		Players: make(map[string]*Player),
		LocalID: localID,
	}
}

// Local returns the local player's row, or nil before the first roster.
func (m *Match) Local() *Player {
	return m.Players[m.LocalID]
}

// RecomputeRanks assigns 1-based ranks by descending score. Ties keep their
// previous relative order so ranks never flap between equal players.
func (m *Match) RecomputeRanks() []RankEntry {
	players := make([]*Player, 0, len(m.Players))
	for _, p := range m.Players {
		players = append(players, p)
	}
	// Deterministic base order before the stable pass.
	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })
	sort.SliceStable(players, func(i, j int) bool { return players[i].Score > players[j].Score })

	out := make([]RankEntry, len(players))
	for i, p := range players {
		p.Rank = i + 1
		out[i] = RankEntry{PlayerID: p.ID, Name: p.Name, Rank: p.Rank, Score: p.Score}
	}
	return out
}

// TierForRank maps a finishing rank to its payout tier: gold for first,
// silver for second and third, bronze below.
func TierForRank(rank int) RewardTier {
	switch {
	case rank <= 1:
		return TierGold
	case rank <= 3:
		return TierSilver
	default:
		return TierBronze
	}
}

// RewardTable holds the per-tier payout amounts.
type RewardTable struct {
	Gold   int64 `json:"gold" yaml:"gold"`
	Silver int64 `json:"silver" yaml:"silver"`
	Bronze int64 `json:"bronze" yaml:"bronze"`
}

// DefaultRewards mirrors the built-in track catalog payouts.
func DefaultRewards() RewardTable {
	return RewardTable{Gold: 500, Silver: 200, Bronze: 50}
}

// Amount returns the payout for a tier, zero for unknown tiers.
func (t RewardTable) Amount(tier RewardTier) int64 {
	switch tier {
	case TierGold:
		return t.Gold
	case TierSilver:
		return t.Silver
	case TierBronze:
		return t.Bronze
	default:
		return 0
	}
}
