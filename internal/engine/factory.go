package engine

import (
	"fmt"

	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/debate"
)

// New builds the engine for a strategy template. The provider is only
// consulted for AI strategies.
func New(deps Deps, strat *db.Strategy, provider debate.ClientProvider) (Engine, error) {
	switch strat.Type {
	case db.StrategyTypeGrid:
		return NewGridEngine(deps, strat.Config)
	case db.StrategyTypeDCA:
		return NewDCAEngine(deps, strat.Config)
	case db.StrategyTypeRSI:
		return NewRSIEngine(deps, strat.Config)
	case db.StrategyTypeAI:
		return NewAIEngine(deps, strat.Config, provider)
	default:
		return nil, fmt.Errorf("unknown strategy type: %s", strat.Type)
	}
}
