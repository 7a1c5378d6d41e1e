package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/market"
	"github.com/quantflow/quantflow/internal/strategy"
)

// decisionSchema is embedded verbatim in the system prompt so every model
// returns the same envelope
const decisionSchema = `{
  "chain_of_thought": "your reasoning process",
  "market_assessment": "one-paragraph market view",
  "decisions": [
    {
      "symbol": "BTC",
      "action": "open_long | open_short | close_long | close_short | hold | wait",
      "position_size_usd": 500,
      "leverage": 3,
      "stop_loss": 48000,
      "take_profit": 55000,
      "confidence": 75,
      "reasoning": "why"
    }
  ],
  "overall_confidence": 70
}`

// buildSystemPrompt renders the eight numbered sections in the strategy's
// language. Risk constraints come from the runtime controls, not the
// model's imagination.
func buildSystemPrompt(cfg *strategy.AIConfig, agent *db.Agent) string {
	var b strings.Builder

	en := cfg.Language != "zh"
	section := func(n int, titleEN, titleZH string) {
		if en {
			fmt.Fprintf(&b, "\n## %d. %s\n", n, titleEN)
		} else {
			fmt.Fprintf(&b, "\n## %d. %s\n", n, titleZH)
		}
	}

	section(1, "Role", "角色")
	if cfg.Persona != "" {
		b.WriteString(cfg.Persona + "\n")
	} else if en {
		b.WriteString("You are a disciplined crypto perpetuals trader managing one sub-account.\n")
	} else {
		b.WriteString("你是一名严格自律的加密货币永续合约交易员，管理一个子账户。\n")
	}

	section(2, "Trading Mode", "交易模式")
	if en {
		fmt.Fprintf(&b, "Execution mode: %s. Interval: every %d minutes.\n",
			agent.ExecutionMode, agent.ExecutionIntervalMinutes)
	} else {
		fmt.Fprintf(&b, "执行模式：%s。执行间隔：每 %d 分钟。\n",
			agent.ExecutionMode, agent.ExecutionIntervalMinutes)
	}

	section(3, "Hard Risk Constraints", "硬性风控约束")
	if en {
		fmt.Fprintf(&b, "- Max leverage: %dx\n- Max concurrent positions: %d\n- Max margin per position: %.0f%% of equity\n- Watchlist only: %s\n",
			cfg.Risk.MaxLeverage, cfg.Risk.MaxPositions, cfg.Risk.MaxPositionRatio*100,
			strings.Join(cfg.Watchlist, ", "))
	} else {
		fmt.Fprintf(&b, "- 最大杠杆：%dx\n- 最大同时持仓数：%d\n- 单仓最大保证金占比：%.0f%%\n- 仅限交易列表：%s\n",
			cfg.Risk.MaxLeverage, cfg.Risk.MaxPositions, cfg.Risk.MaxPositionRatio*100,
			strings.Join(cfg.Watchlist, ", "))
	}

	section(4, "Trading Frequency", "交易频率")
	if cfg.MarketAnalysis != "" {
		b.WriteString(cfg.MarketAnalysis + "\n")
	} else if en {
		b.WriteString("Quality over quantity. Holding and waiting are valid decisions.\n")
	} else {
		b.WriteString("重质不重量。持有和观望都是有效决策。\n")
	}

	section(5, "Entry Standards", "入场标准")
	if cfg.EntryRules != "" {
		b.WriteString(cfg.EntryRules + "\n")
	} else if en {
		b.WriteString("Enter only with multi-timeframe confluence and a defined invalidation level.\n")
	} else {
		b.WriteString("仅在多周期共振且有明确止损位时入场。\n")
	}

	section(6, "Decision Process", "决策流程")
	if cfg.ExitRules != "" {
		b.WriteString(cfg.ExitRules + "\n")
	} else if en {
		b.WriteString("Review existing positions first, then evaluate new entries, then decide.\n")
	} else {
		b.WriteString("先检查现有持仓，再评估新机会，最后输出决策。\n")
	}

	section(7, "Output Format", "输出格式")
	if en {
		b.WriteString("Respond with a single JSON object exactly matching this schema:\n")
	} else {
		b.WriteString("仅输出一个符合以下格式的 JSON 对象：\n")
	}
	b.WriteString(decisionSchema + "\n")

	if cfg.CustomNotes != "" || cfg.RiskNotes != "" {
		section(8, "Additional Instructions", "补充说明")
		if cfg.RiskNotes != "" {
			b.WriteString(cfg.RiskNotes + "\n")
		}
		if cfg.CustomNotes != "" {
			b.WriteString(cfg.CustomNotes + "\n")
		}
	}

	return b.String()
}

// accountView is the agent-isolated account summary rendered into prompts
// and persisted as the account snapshot
type accountView struct {
	Equity           float64             `json:"equity"`
	AvailableBalance float64             `json:"available_balance"`
	MarginUsed       float64             `json:"margin_used"`
	UnrealizedPnL    float64             `json:"unrealized_pnl"`
	Positions        []*db.AgentPosition `json:"positions"`
}

// buildUserPrompt renders account state, open positions and per-symbol
// market analysis
func buildUserPrompt(cfg *strategy.AIConfig, view *accountView, snapshots []*market.Snapshot) string {
	var b strings.Builder
	en := cfg.Language != "zh"

	if en {
		b.WriteString("# Account\n")
		fmt.Fprintf(&b, "Equity: %.2f USD, available: %.2f, margin used: %.2f, unrealized PnL: %.2f\n",
			view.Equity, view.AvailableBalance, view.MarginUsed, view.UnrealizedPnL)
	} else {
		b.WriteString("# 账户\n")
		fmt.Fprintf(&b, "净值：%.2f USD，可用：%.2f，已用保证金：%.2f，未实现盈亏：%.2f\n",
			view.Equity, view.AvailableBalance, view.MarginUsed, view.UnrealizedPnL)
	}

	if en {
		b.WriteString("\n# Open Positions\n")
	} else {
		b.WriteString("\n# 当前持仓\n")
	}
	if len(view.Positions) == 0 {
		if en {
			b.WriteString("none\n")
		} else {
			b.WriteString("无\n")
		}
	}
	for _, p := range view.Positions {
		fmt.Fprintf(&b, "- %s %s size %.6f (%.2f USD) entry %.4f leverage %dx\n",
			p.Symbol, p.Side, p.Size, p.SizeUSD, p.EntryPrice, p.Leverage)
	}

	if en {
		b.WriteString("\n# Market Analysis\n")
	} else {
		b.WriteString("\n# 市场分析\n")
	}
	for _, snap := range snapshots {
		fmt.Fprintf(&b, "\n## %s\n", snap.Symbol)
		fmt.Fprintf(&b, "mid %.4f, bid %.4f, ask %.4f, 24h volume %.0f\n",
			snap.Data.Mid, snap.Data.Bid, snap.Data.Ask, snap.Data.Volume24h)
		if snap.Data.FundingRate != nil {
			fmt.Fprintf(&b, "funding rate %.6f\n", *snap.Data.FundingRate)
		}
		for _, tf := range snap.Timeframes {
			ind := tf.Indicators
			fmt.Fprintf(&b, "[%s] ", tf.Timeframe)
			writeIndicator(&b, "RSI14", ind.RSI14)
			writeIndicator(&b, "EMA20", ind.EMA20)
			writeIndicator(&b, "SMA50", ind.SMA50)
			writeIndicator(&b, "MACD", ind.MACDHistogram)
			writeIndicator(&b, "ATR14", ind.ATR14)
			writeIndicator(&b, "BB_up", ind.BollingerUpper)
			writeIndicator(&b, "BB_low", ind.BollingerLower)
			b.WriteString("\n")
		}
	}

	return b.String()
}

func writeIndicator(b *strings.Builder, name string, v float64) {
	if math.IsNaN(v) {
		return
	}
	fmt.Fprintf(b, "%s=%.4f ", name, v)
}
