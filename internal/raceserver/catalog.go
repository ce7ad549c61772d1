// Package raceserver implements the authoritative race server: matchmaking,
// the simulation tick, keep-alive, and seat recovery for reconnecting
// players.
package raceserver

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"driftline/internal/core"
)

// Track describes one raceable course. DurationSec is the race's duration
// budget; 0 leaves the hub's hard cap as the only limit.
type Track struct {
	ID           string  `yaml:"id" json:"id"`
	Name         string  `yaml:"name" json:"name"`
	Length       float64 `yaml:"length" json:"length"`
	MaxPlayers   int     `yaml:"max_players" json:"max_players"`
	MinPlayers   int     `yaml:"min_players" json:"min_players"`
	CountdownSec int     `yaml:"countdown_sec" json:"countdown_sec"`
	DurationSec  int     `yaml:"duration_sec" json:"duration_sec"`
}

// Catalog is the set of tracks a server offers plus the payout table.
type Catalog struct {
	Tracks  []Track          `yaml:"tracks" json:"tracks"`
	Rewards core.RewardTable `yaml:"rewards" json:"rewards"`

	mu   sync.Mutex
	next int
}

// DefaultCatalog returns the built-in track set used when no catalog file is
// configured.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Tracks: []Track{
			{ID: "sunset-sprint", Name: "Sunset Sprint", Length: 400, MaxPlayers: 4, MinPlayers: 2, CountdownSec: 3, DurationSec: 120},
			{ID: "harbor-loop", Name: "Harbor Loop", Length: 650, MaxPlayers: 6, MinPlayers: 2, CountdownSec: 3, DurationSec: 180},
			{ID: "night-circuit", Name: "Night Circuit", Length: 900, MaxPlayers: 8, MinPlayers: 3, CountdownSec: 5, DurationSec: 240},
		},
		Rewards: core.DefaultRewards(),
	}
}

// LoadCatalog reads a catalog YAML file. Missing reward amounts fall back to
// the defaults; tracks are validated.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if len(cat.Tracks) == 0 {
		return nil, fmt.Errorf("catalog: %s defines no tracks", path)
	}
	seen := make(map[string]bool, len(cat.Tracks))
	for i := range cat.Tracks {
		t := &cat.Tracks[i]
		if t.ID == "" {
			return nil, fmt.Errorf("catalog: track %d has no id", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("catalog: duplicate track %q", t.ID)
		}
		seen[t.ID] = true
		if t.Length <= 0 {
			return nil, fmt.Errorf("catalog: track %q needs a positive length", t.ID)
		}
		if t.MaxPlayers <= 0 {
			t.MaxPlayers = 4
		}
		if t.MinPlayers <= 0 {
			t.MinPlayers = 2
		}
		if t.MinPlayers > t.MaxPlayers {
			return nil, fmt.Errorf("catalog: track %q min_players exceeds max_players", t.ID)
		}
		if t.CountdownSec <= 0 {
			t.CountdownSec = 3
		}
		if t.DurationSec < 0 {
			return nil, fmt.Errorf("catalog: track %q has a negative duration", t.ID)
		}
	}
	defaults := core.DefaultRewards()
	if cat.Rewards.Gold == 0 {
		cat.Rewards.Gold = defaults.Gold
	}
	if cat.Rewards.Silver == 0 {
		cat.Rewards.Silver = defaults.Silver
	}
	if cat.Rewards.Bronze == 0 {
		cat.Rewards.Bronze = defaults.Bronze
	}
	return &cat, nil
}

// Track returns the track with the given ID.
func (c *Catalog) Track(id string) (Track, bool) {
	for _, t := range c.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// Pick resolves a join request's track. An empty ID rotates through the
// catalog so unspecified joins spread across tracks.
func (c *Catalog) Pick(id string) (Track, bool) {
	if id != "" {
		return c.Track(id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Tracks) == 0 {
		return Track{}, false
	}
	t := c.Tracks[c.next%len(c.Tracks)]
	c.next++
	return t, true
}
