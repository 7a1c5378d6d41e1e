package decision

import "fmt"

// Action is what the model wants done with a symbol
type Action string

const (
	ActionOpenLong   Action = "open_long"
	ActionOpenShort  Action = "open_short"
	ActionCloseLong  Action = "close_long"
	ActionCloseShort Action = "close_short"
	ActionHold       Action = "hold"
	ActionWait       Action = "wait"
)

// Valid reports whether the action is one of the known verbs
func (a Action) Valid() bool {
	switch a {
	case ActionOpenLong, ActionOpenShort, ActionCloseLong, ActionCloseShort, ActionHold, ActionWait:
		return true
	}
	return false
}

// IsOpen reports whether the action opens a position
func (a Action) IsOpen() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

// IsClose reports whether the action closes a position
func (a Action) IsClose() bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

// Decision is one per-symbol instruction from the model
type Decision struct {
	Symbol     string   `json:"symbol"`
	Action     Action   `json:"action"`
	Leverage   int      `json:"leverage,omitempty"`
	SizeUSD    float64  `json:"position_size_usd,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// Validate checks structural requirements on a single decision
func (d *Decision) Validate() error {
	if d.Symbol == "" {
		return fmt.Errorf("decision missing symbol")
	}
	if !d.Action.Valid() {
		return fmt.Errorf("invalid action %q for %s", d.Action, d.Symbol)
	}
	if d.Action.IsOpen() && d.SizeUSD <= 0 {
		return fmt.Errorf("open decision for %s missing position_size_usd", d.Symbol)
	}
	return nil
}

// Parsed is the full structured response from one model call
type Parsed struct {
	ChainOfThought    string     `json:"chain_of_thought,omitempty"`
	MarketAssessment  string     `json:"market_assessment,omitempty"`
	Decisions         []Decision `json:"decisions"`
	OverallConfidence float64    `json:"overall_confidence,omitempty"`
}
