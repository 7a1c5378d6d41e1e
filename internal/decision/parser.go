// Package decision parses and sanitizes trading instructions out of raw
// model responses. Models wrap JSON in prose, fence it in markdown, or
// emit CJK punctuation inside what should be structural JSON; the parser
// works through a fallback chain before giving up.
package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantflow/quantflow/internal/strategy"
)

// cjkReplacer maps full-width punctuation that models emit inside JSON
// structure to their ASCII equivalents
var cjkReplacer = strings.NewReplacer(
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"‘", `'`,
	"’", `'`,
	"，", ",", // full-width comma
	"：", ":", // full-width colon
	"；", ";",
	"（", "(",
	"）", ")",
	"【", "[",
	"】", "]",
)

// Parse extracts the structured response from raw model output. The
// fallback chain: whole string as JSON object, fenced code blocks, a bare
// decision array, then balanced-brace extraction from surrounding prose.
func Parse(raw string) (*Parsed, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty model response")
	}

	candidates := []string{strings.TrimSpace(raw)}
	candidates = append(candidates, fencedBlocks(raw)...)
	if extracted := balancedBraces(raw); extracted != "" {
		candidates = append(candidates, extracted)
	}

	var lastErr error
	for _, candidate := range candidates {
		normalized := cjkReplacer.Replace(candidate)

		var parsed Parsed
		if err := json.Unmarshal([]byte(normalized), &parsed); err == nil && len(parsed.Decisions) > 0 {
			return &parsed, nil
		} else if err != nil {
			lastErr = err
		}

		// A bare array of decisions
		var decisions []Decision
		if err := json.Unmarshal([]byte(normalized), &decisions); err == nil && len(decisions) > 0 {
			return &Parsed{Decisions: decisions}, nil
		}
	}

	return nil, fmt.Errorf("no parseable decisions in model response: %v", lastErr)
}

// fencedBlocks returns the contents of every markdown code fence
func fencedBlocks(raw string) []string {
	var blocks []string
	rest := raw
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		// Skip the language tag up to the newline
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && nl < 20 {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		rest = rest[end+3:]
	}
	return blocks
}

// balancedBraces extracts the first top-level {...} span, tracking strings
// and escapes so braces inside reasoning text do not truncate the object
func balancedBraces(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return raw[start : i+1]
				}
			}
		}
	}
	return ""
}

// Sanitize normalizes a parsed response against the strategy's risk
// controls: clamps leverage, defaults confidence, fills missing stops from
// ATR, and drops structurally invalid decisions. A poor risk/reward ratio
// is logged, not rejected.
func Sanitize(parsed *Parsed, risk strategy.RiskControls, price, atr float64) []Decision {
	var out []Decision
	for _, d := range parsed.Decisions {
		if err := d.Validate(); err != nil {
			log.Warn().Err(err).Str("symbol", d.Symbol).Msg("Dropping invalid decision")
			continue
		}

		if d.Confidence == 0 {
			d.Confidence = 50
		}
		if d.Confidence < 0 {
			d.Confidence = 0
		}
		if d.Confidence > 100 {
			d.Confidence = 100
		}

		if d.Action.IsOpen() {
			if d.Leverage < 1 {
				d.Leverage = 1
			}
			if risk.MaxLeverage > 0 && d.Leverage > risk.MaxLeverage {
				log.Warn().
					Str("symbol", d.Symbol).
					Int("requested", d.Leverage).
					Int("max", risk.MaxLeverage).
					Msg("Clamping leverage to risk limit")
				d.Leverage = risk.MaxLeverage
			}

			fillStops(&d, price, atr)
			checkRiskReward(&d, price, risk.MinRiskReward)
		}

		out = append(out, d)
	}
	return out
}

// fillStops derives missing stop loss and take profit from ATR around the
// current price. Without ATR the stops stay unset.
func fillStops(d *Decision, price, atr float64) {
	if price <= 0 || atr <= 0 || math.IsNaN(atr) {
		return
	}

	dir := 1.0
	if d.Action == ActionOpenShort {
		dir = -1.0
	}
	if d.StopLoss == nil {
		sl := price - dir*2*atr
		d.StopLoss = &sl
	}
	if d.TakeProfit == nil {
		tp := price + dir*3*atr
		d.TakeProfit = &tp
	}
}

// checkRiskReward logs when the implied ratio is below the configured
// minimum. Advisory only, the decision still executes.
func checkRiskReward(d *Decision, price, minRR float64) {
	if minRR <= 0 || price <= 0 || d.StopLoss == nil || d.TakeProfit == nil {
		return
	}
	risk := math.Abs(price - *d.StopLoss)
	reward := math.Abs(*d.TakeProfit - price)
	if risk == 0 {
		return
	}
	if reward/risk < minRR {
		log.Warn().
			Str("symbol", d.Symbol).
			Float64("risk_reward", reward/risk).
			Float64("min", minRR).
			Msg("Decision below minimum risk/reward ratio")
	}
}

// ShouldExecute applies the confidence gate. Open decisions below the
// minimum are skipped; closes, holds and waits always pass.
func ShouldExecute(d *Decision, minConfidence float64) bool {
	if !d.Action.IsOpen() {
		return true
	}
	return d.Confidence >= minConfidence
}
