package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/debate"
	"github.com/quantflow/quantflow/internal/decision"
	"github.com/quantflow/quantflow/internal/market"
	"github.com/quantflow/quantflow/internal/position"
	"github.com/quantflow/quantflow/internal/strategy"
	"github.com/quantflow/quantflow/internal/trader"
)

// MinOrderUSD rejects dust orders the venue would refuse anyway
const MinOrderUSD = 10.0

// AIEngine drives one model-controlled agent per cycle
type AIEngine struct {
	base
	cfg      *strategy.AIConfig
	provider debate.ClientProvider
	debater  *debate.Engine
}

// NewAIEngine creates an AI engine from the agent's template config
func NewAIEngine(deps Deps, raw json.RawMessage, provider debate.ClientProvider) (*AIEngine, error) {
	cfg, err := strategy.ParseAI(raw)
	if err != nil {
		return nil, err
	}
	if deps.Agent.AIModel == nil && !deps.Agent.DebateEnabled {
		return nil, fmt.Errorf("ai agent %s has no model configured", deps.Agent.ID)
	}
	return &AIEngine{
		base: base{
			deps:         deps,
			log:          config.NewAgentLogger(deps.Agent.ID.String(), "ai"),
			strategyType: db.StrategyTypeAI,
		},
		cfg:      cfg,
		provider: provider,
		debater:  debate.NewEngine(provider),
	}, nil
}

// Type implements Engine
func (e *AIEngine) Type() db.StrategyType { return db.StrategyTypeAI }

// execResult is one decision's execution outcome, persisted with the record
type execResult struct {
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"`
	Executed    bool    `json:"executed"`
	SizeUSD     float64 `json:"size_usd,omitempty"`
	RealizedPnL float64 `json:"realized_pnl,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// RunCycle runs the full observe-decide-execute loop. A decision record is
// written for every cycle, including risk-gated and failed ones.
func (e *AIEngine) RunCycle(ctx context.Context, state json.RawMessage) (*CycleResult, error) {
	e.resetCycle()

	rec := &db.DecisionRecord{
		AgentID:   e.deps.Agent.ID,
		Timestamp: time.Now(),
	}
	if e.deps.Agent.AIModel != nil {
		rec.AIModel = *e.deps.Agent.AIModel
	}

	result := &CycleResult{UpdatedState: state}

	view, err := e.buildAccountView(ctx)
	if err != nil {
		return nil, err
	}
	if snap, err := json.Marshal(view); err == nil {
		rec.AccountSnapshot = snap
	}

	// Risk gate: a dead account must not trade, but the cycle still
	// leaves an audit row and the agent stays active
	if view.Equity <= 0 {
		msg := fmt.Sprintf("Risk limit reached: equity %.2f <= 0", view.Equity)
		rec.Error = &msg
		e.insertRecord(ctx, rec)
		result.Success = true
		result.Message = msg
		return result, nil
	}

	snapshots := e.buildSnapshots(ctx)
	if len(snapshots) == 0 {
		msg := "no market data available for any watchlist symbol"
		rec.Error = &msg
		e.insertRecord(ctx, rec)
		return nil, errors.New(msg)
	}
	if snap, err := json.Marshal(snapshots); err == nil {
		rec.MarketSnapshot = snap
	}

	systemPrompt := buildSystemPrompt(e.cfg, e.deps.Agent)
	userPrompt := buildUserPrompt(e.cfg, view, snapshots)
	rec.SystemPrompt = systemPrompt
	rec.UserPrompt = userPrompt

	var decisions []decision.Decision
	if e.deps.Agent.DebateEnabled && len(e.deps.Agent.DebateModels) >= debate.MinParticipants {
		decisions, err = e.generateDebate(ctx, systemPrompt, userPrompt, rec)
	} else {
		decisions, err = e.generateSingle(ctx, systemPrompt, userPrompt, rec)
	}
	if err != nil {
		msg := err.Error()
		rec.Error = &msg
		e.insertRecord(ctx, rec)
		return nil, err
	}

	decisions = e.sanitizeAll(decisions, snapshots)
	if decJSON, err := json.Marshal(decisions); err == nil {
		rec.Decisions = decJSON
	}

	execResults := e.execute(ctx, decisions, view, snapshots, result)
	if execJSON, err := json.Marshal(execResults); err == nil {
		rec.ExecutionResults = execJSON
	}

	e.insertRecord(ctx, rec)
	e.deps.publishDecision(ctx, map[string]any{
		"decisions": decisions,
		"executed":  result.TradesExecuted,
		"is_debate": rec.IsDebate,
	})

	result.Success = true
	result.Message = fmt.Sprintf("%d decisions, %d executed", len(decisions), result.TradesExecuted)
	return result, nil
}

// buildAccountView assembles the agent-isolated account summary, falling
// back to the trader's full account when position records are unavailable
func (e *AIEngine) buildAccountView(ctx context.Context) (*accountView, error) {
	state, err := e.deps.Trader.GetAccountState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account state: %w", err)
	}
	e.equity = state.Equity
	e.equityValid = true

	view := &accountView{
		Equity:           state.Equity,
		AvailableBalance: state.AvailableBalance,
		MarginUsed:       state.TotalMarginUsed,
		UnrealizedPnL:    state.UnrealizedPnL,
	}

	positions, err := e.deps.Positions.ListAgentPositions(ctx, e.deps.Agent.ID, db.PositionStatusOpen)
	if err != nil {
		e.log.Warn().Err(err).Msg("Position records unavailable, using full account view")
		return view, nil
	}
	view.Positions = positions
	return view, nil
}

func (e *AIEngine) buildSnapshots(ctx context.Context) []*market.Snapshot {
	var snapshots []*market.Snapshot
	for _, symbol := range e.cfg.Watchlist {
		snap, err := e.deps.Market.Build(ctx, symbol, e.cfg.Timeframes)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("Skipping symbol, market context failed")
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

func (e *AIEngine) generateSingle(ctx context.Context, systemPrompt, userPrompt string, rec *db.DecisionRecord) ([]decision.Decision, error) {
	client, err := e.provider.ClientFor(*e.deps.Agent.AIModel)
	if err != nil {
		return nil, err
	}
	resp, err := client.Generate(ctx, systemPrompt, userPrompt, true)
	if err != nil {
		return nil, fmt.Errorf("model generation failed: %w", err)
	}

	rec.RawResponse = resp.Content
	rec.AIModel = resp.Model
	rec.TokensUsed = resp.TokensUsed
	rec.LatencyMS = resp.LatencyMS

	parsed, err := decision.Parse(resp.Content)
	if err != nil {
		return nil, err
	}
	rec.ChainOfThought = parsed.ChainOfThought
	rec.MarketAssessment = parsed.MarketAssessment
	rec.OverallConfidence = parsed.OverallConfidence
	return parsed.Decisions, nil
}

func (e *AIEngine) generateDebate(ctx context.Context, systemPrompt, userPrompt string, rec *db.DecisionRecord) ([]decision.Decision, error) {
	mode := debate.ConsensusMode(e.deps.Agent.DebateConsensusMode)
	if mode == "" {
		mode = debate.ConsensusMajorityVote
	}

	rec.IsDebate = true
	rec.DebateModels = e.deps.Agent.DebateModels
	rec.DebateConsensusMode = string(mode)

	res, err := e.debater.Run(ctx, e.deps.Agent.DebateModels, systemPrompt, userPrompt, mode, e.deps.Agent.DebateMinParticipants)
	if err != nil {
		return nil, err
	}

	rec.TokensUsed = res.TokensUsed
	rec.DebateAgreementScore = res.AgreementScore
	if respJSON, err := json.Marshal(res.Participants); err == nil {
		rec.DebateResponses = respJSON
	}
	if !res.Valid {
		return nil, fmt.Errorf("debate invalid: too few successful participants")
	}
	return res.Decisions, nil
}

// sanitizeAll applies risk controls per symbol using that symbol's price
// and ATR (1h preferred) for stop auto-fill
func (e *AIEngine) sanitizeAll(decisions []decision.Decision, snapshots []*market.Snapshot) []decision.Decision {
	bySymbol := make(map[string]*market.Snapshot, len(snapshots))
	for _, s := range snapshots {
		bySymbol[s.Symbol] = s
	}

	var out []decision.Decision
	for _, d := range decisions {
		price, atr := 0.0, 0.0
		if snap, ok := bySymbol[d.Symbol]; ok {
			price = snap.Data.Mid
			atr = snapshotATR(snap)
		}
		sanitized := decision.Sanitize(&decision.Parsed{Decisions: []decision.Decision{d}}, e.cfg.Risk, price, atr)
		out = append(out, sanitized...)
	}
	return out
}

func snapshotATR(snap *market.Snapshot) float64 {
	for _, tf := range snap.Timeframes {
		if tf.Timeframe == "1h" && !math.IsNaN(tf.Indicators.ATR14) {
			return tf.Indicators.ATR14
		}
	}
	for _, tf := range snap.Timeframes {
		if !math.IsNaN(tf.Indicators.ATR14) {
			return tf.Indicators.ATR14
		}
	}
	return 0
}

// execute runs decisions in close -> open -> hold order. Domain conflicts
// become skipped entries with reasons, never cycle errors.
func (e *AIEngine) execute(ctx context.Context, decisions []decision.Decision, view *accountView, snapshots []*market.Snapshot, result *CycleResult) []execResult {
	watch := make(map[string]bool, len(e.cfg.Watchlist))
	for _, s := range e.cfg.Watchlist {
		watch[s] = true
	}

	ordered := make([]decision.Decision, len(decisions))
	copy(ordered, decisions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return actionRank(ordered[i].Action) < actionRank(ordered[j].Action)
	})

	openCount := len(view.Positions)
	minConfidence := e.cfg.Risk.MinConfidence
	if minConfidence == 0 {
		minConfidence = e.deps.Trading.MinConfidence
	}

	var results []execResult
	for _, d := range ordered {
		res := execResult{Symbol: d.Symbol, Action: string(d.Action)}

		switch {
		case !watch[d.Symbol]:
			res.Reason = "symbol not in watchlist"

		case d.Action == decision.ActionHold || d.Action == decision.ActionWait:
			res.Reason = "no action"

		case !decision.ShouldExecute(&d, minConfidence):
			res.Reason = fmt.Sprintf("confidence %.0f below minimum %.0f", d.Confidence, minConfidence)

		case d.Action.IsClose():
			pnl, _, err := e.closeWithIsolation(ctx, d.Symbol, nil)
			if err != nil {
				res.Reason = err.Error()
				e.log.Warn().Err(err).Str("symbol", d.Symbol).Msg("Close decision failed")
			} else {
				res.Executed = true
				res.RealizedPnL = pnl
				result.PnLChange += pnl
				result.TradesExecuted++
				openCount--
			}

		case d.Action.IsOpen():
			maxPositions := e.cfg.Risk.MaxPositions
			if maxPositions == 0 {
				maxPositions = e.deps.Trading.MaxPositions
			}
			if openCount >= maxPositions {
				res.Reason = fmt.Sprintf("max positions reached (%d)", maxPositions)
				break
			}

			notional, reason := e.sizeOpen(&d, view)
			if reason != "" {
				res.Reason = reason
				break
			}

			side := trader.SideLong
			if d.Action == decision.ActionOpenShort {
				side = trader.SideShort
			}
			_, err := e.openWithIsolation(ctx, d.Symbol, side, notional, d.Leverage, d.StopLoss, d.TakeProfit)
			if err != nil {
				res.Reason = err.Error()
				if errors.Is(err, position.ErrPositionConflict) || errors.Is(err, position.ErrCapitalExceeded) {
					e.log.Warn().Err(err).Str("symbol", d.Symbol).Msg("Open decision skipped")
				} else {
					e.log.Error().Err(err).Str("symbol", d.Symbol).Msg("Open decision failed")
				}
			} else {
				res.Executed = true
				res.SizeUSD = notional
				result.TradesExecuted++
				result.TotalSizeUSD += notional
				openCount++
			}
		}

		results = append(results, res)
	}
	return results
}

// sizeOpen caps the requested notional by margin limits. All caps are
// margin based so leverage scales the allowed notional.
func (e *AIEngine) sizeOpen(d *decision.Decision, view *accountView) (float64, string) {
	leverage := float64(maxInt(d.Leverage, 1))

	effectiveEquity := view.Equity
	if v, limited := e.deps.Agent.EffectiveCapital(view.Equity); limited {
		effectiveEquity = v
	}

	ratio := e.cfg.Risk.MaxPositionRatio
	if ratio == 0 {
		ratio = e.deps.Trading.MaxPositionRatio
	}
	maxByRatio := effectiveEquity * ratio * leverage
	maxByBalance := 0.95 * view.AvailableBalance * leverage

	notional := math.Min(d.SizeUSD, math.Min(maxByRatio, maxByBalance))
	minOrder := e.deps.Trading.MinOrderUSD
	if minOrder == 0 {
		minOrder = MinOrderUSD
	}
	if notional < minOrder {
		return 0, fmt.Sprintf("below min order size: %.2f < %.2f", notional, minOrder)
	}
	return notional, ""
}

func actionRank(a decision.Action) int {
	switch {
	case a.IsClose():
		return 0
	case a.IsOpen():
		return 1
	default:
		return 2
	}
}

func (e *AIEngine) insertRecord(ctx context.Context, rec *db.DecisionRecord) {
	if err := e.deps.Store.InsertDecision(ctx, rec); err != nil {
		e.log.Error().Err(err).Msg("Failed to persist decision record")
	}
}
