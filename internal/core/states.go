package core

// Session state names.
const (
	StateIdle        = "idle"
	StateLoading     = "loading"
	StateMenu        = "menu"
	StatePlaying     = "playing"
	StatePaused      = "paused"
	StateGameOver    = "gameOver"
	StateRaceLobby   = "raceLobby"
	StateRacing      = "racing"
	StateRaceResults = "raceResults"
	StateError       = "error"
)

// Transition labels.
const (
	LabelStartGame       = "start_game"
	LabelLoadingComplete = "loading_complete"
	LabelLoadFailed      = "load_failed"
	LabelPauseGame       = "pause_game"
	LabelResumeGame      = "resume_game"
	LabelGameOver        = "game_over"
	LabelRestartGame     = "restart_game"
	LabelQuitGame        = "quit_game"
	LabelReturnToMenu    = "return_to_menu"
	LabelRetry           = "retry"
	LabelRaceFound       = "race_found"
	LabelRaceStart       = "race_start"
	LabelRaceComplete    = "race_complete"
	LabelLeaveRace       = "leave_race"
	LabelConnectionError = "connection_error"
	LabelContinue        = "continue"
)

// DefaultStates returns the session state table. Hooks are left nil so the
// host can attach its own; the shape of the graph is fixed.
func DefaultStates() []StateNode {
	return []StateNode{
		{
			Name: StateIdle,
			Transitions: map[string]string{
				LabelStartGame: StateLoading,
			},
		},
		{
			Name: StateLoading,
			Transitions: map[string]string{
				LabelLoadingComplete: StateMenu,
				LabelLoadFailed:      StateError,
			},
		},
		{
			Name: StateMenu,
			Transitions: map[string]string{
				LabelStartGame: StatePlaying,
				LabelRaceFound: StateRaceLobby,
			},
		},
		{
			Name: StatePlaying,
			Transitions: map[string]string{
				LabelPauseGame: StatePaused,
				LabelGameOver:  StateGameOver,
				LabelQuitGame:  StateMenu,
			},
		},
		{
			Name: StatePaused,
			Transitions: map[string]string{
				LabelResumeGame: StatePlaying,
				LabelQuitGame:   StateMenu,
			},
		},
		{
			Name: StateGameOver,
			Transitions: map[string]string{
				LabelRestartGame:  StatePlaying,
				LabelReturnToMenu: StateMenu,
			},
		},
		{
			Name: StateRaceLobby,
			Transitions: map[string]string{
				LabelRaceStart:       StateRacing,
				LabelLeaveRace:       StateMenu,
				LabelConnectionError: StateError,
			},
		},
		{
			Name: StateRacing,
			Transitions: map[string]string{
				LabelRaceComplete:    StateRaceResults,
				LabelLeaveRace:       StateMenu,
				LabelConnectionError: StateError,
			},
		},
		{
			Name: StateRaceResults,
			Transitions: map[string]string{
				LabelContinue: StateMenu,
			},
		},
		{
			Name: StateError,
			Transitions: map[string]string{
				LabelReturnToMenu: StateMenu,
				LabelRetry:        StateLoading,
			},
		},
	}
}

// NewDefaultMachine wires a machine over DefaultStates starting at idle.
func NewDefaultMachine(bus *Bus, historyCap int) (*Machine, error) {
	return NewMachine(bus, DefaultStates(), StateIdle, StateError, historyCap)
}

// WithHooks returns a copy of nodes with the named state's hooks replaced.
// Unknown names are ignored.
func WithHooks(nodes []StateNode, name string, enter, exit HookFunc, update UpdateFunc) []StateNode {
	out := make([]StateNode, len(nodes))
	copy(out, nodes)
	for i := range out {
		if out[i].Name == name {
			out[i].OnEnter = enter
			out[i].OnExit = exit
			out[i].OnUpdate = update
		}
	}
	return out
}
