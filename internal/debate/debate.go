// Package debate runs the same market context past several models in
// parallel and merges their decisions into a consensus.
package debate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantflow/quantflow/internal/ai"
	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/decision"
)

// ConsensusMode selects how participant votes are merged
type ConsensusMode string

const (
	ConsensusMajorityVote      ConsensusMode = "majority_vote"
	ConsensusHighestConfidence ConsensusMode = "highest_confidence"
	ConsensusWeightedAverage   ConsensusMode = "weighted_average"
	ConsensusUnanimous         ConsensusMode = "unanimous"
)

const (
	// MinParticipants and MaxParticipants bound the debate size
	MinParticipants = 2
	MaxParticipants = 5

	// ParticipantTimeout is the per-model generation budget
	ParticipantTimeout = 120 * time.Second
)

// ParticipantResult is one model's contribution
type ParticipantResult struct {
	Model     string            `json:"model"`
	Parsed    *decision.Parsed  `json:"parsed,omitempty"`
	Response  *ai.Response      `json:"-"`
	RawOutput string            `json:"raw_output,omitempty"`
	Err       error             `json:"-"`
	Error     string            `json:"error,omitempty"`
	Decisions []decision.Decision `json:"decisions,omitempty"`
}

// Result is the merged outcome of a debate round
type Result struct {
	Decisions      []decision.Decision `json:"decisions"`
	AgreementScore float64             `json:"agreement_score"`
	Mode           ConsensusMode       `json:"mode"`
	Participants   []ParticipantResult `json:"participants"`
	TokensUsed     int                 `json:"tokens_used"`
	Valid          bool                `json:"valid"`
}

// ClientProvider resolves a model id to a client. *ai.Factory satisfies it.
type ClientProvider interface {
	ClientFor(model string) (ai.Client, error)
}

// Engine orchestrates debate rounds
type Engine struct {
	factory ClientProvider
	log     zerolog.Logger
}

// NewEngine creates a debate engine over the client factory
func NewEngine(factory ClientProvider) *Engine {
	return &Engine{factory: factory, log: config.NewLogger("debate")}
}

// Run fans the prompts out to the models and merges the survivors. The
// round is invalid when fewer than minParticipants models produce a
// parseable response; partial failures otherwise degrade gracefully.
func (e *Engine) Run(ctx context.Context, models []string, systemPrompt, userPrompt string, mode ConsensusMode, minParticipants int) (*Result, error) {
	if len(models) < MinParticipants || len(models) > MaxParticipants {
		return nil, fmt.Errorf("debate requires %d to %d models, got %d", MinParticipants, MaxParticipants, len(models))
	}
	if minParticipants < MinParticipants {
		minParticipants = MinParticipants
	}

	results := make([]ParticipantResult, len(models))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, model := range models {
		i, model := i, model
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, ParticipantTimeout)
			defer cancel()

			pr := ParticipantResult{Model: model}
			defer func() {
				if pr.Err != nil {
					pr.Error = pr.Err.Error()
				}
				mu.Lock()
				results[i] = pr
				mu.Unlock()
			}()

			client, err := e.factory.ClientFor(model)
			if err != nil {
				pr.Err = err
				return nil
			}
			resp, err := client.Generate(pctx, systemPrompt, userPrompt, true)
			if err != nil {
				e.log.Warn().Err(err).Str("model", model).Msg("Debate participant failed")
				pr.Err = err
				return nil
			}
			pr.Response = resp
			pr.RawOutput = resp.Content

			parsed, err := decision.Parse(resp.Content)
			if err != nil {
				e.log.Warn().Err(err).Str("model", model).Msg("Debate participant unparseable")
				pr.Err = err
				return nil
			}
			pr.Parsed = parsed
			pr.Decisions = parsed.Decisions
			return nil
		})
	}
	_ = g.Wait() // participant errors are recorded, never propagated

	var successes []ParticipantResult
	tokens := 0
	for _, r := range results {
		if r.Response != nil {
			tokens += r.Response.TokensUsed
		}
		if r.Err == nil && r.Parsed != nil {
			successes = append(successes, r)
		}
	}

	result := &Result{
		Mode:         mode,
		Participants: results,
		TokensUsed:   tokens,
	}
	if len(successes) < minParticipants {
		e.log.Error().
			Int("successes", len(successes)).
			Int("required", minParticipants).
			Msg("Debate round invalid, too few participants")
		return result, nil
	}

	result.Valid = true
	result.AgreementScore = agreementScore(successes)
	result.Decisions = merge(successes, mode)
	return result, nil
}

// agreementScore is the mean pairwise Jaccard similarity over each
// participant's set of actionable (symbol, action) votes. Hold and wait
// are not actionable. Two empty sets agree perfectly.
func agreementScore(participants []ParticipantResult) float64 {
	sets := make([]map[string]bool, len(participants))
	for i, p := range participants {
		set := make(map[string]bool)
		for _, d := range p.Decisions {
			if d.Action == decision.ActionHold || d.Action == decision.ActionWait {
				continue
			}
			set[d.Symbol+"|"+string(d.Action)] = true
		}
		sets[i] = set
	}

	var total float64
	pairs := 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			total += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 1.0
	}
	return total / float64(pairs)
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

type vote struct {
	action    decision.Action
	decisions []decision.Decision
	weights   []float64
	count     int
}

func (v *vote) totalWeight() float64 {
	var total float64
	for _, w := range v.weights {
		total += w
	}
	return total
}

// overallConfidence is a participant's self-reported confidence in its whole
// decision document, with the same default as per-decision confidence
func overallConfidence(p ParticipantResult) float64 {
	if p.Parsed != nil && p.Parsed.OverallConfidence > 0 {
		return p.Parsed.OverallConfidence
	}
	return 50
}

// merge combines participant decisions per symbol under the chosen mode.
// highest_confidence adopts one participant's document wholesale; the other
// modes vote per (symbol, action).
func merge(participants []ParticipantResult, mode ConsensusMode) []decision.Decision {
	if mode == ConsensusHighestConfidence {
		// Take the most self-assured participant's decisions as one block so
		// its entry and exit plan stays internally consistent
		best := 0
		for i := 1; i < len(participants); i++ {
			if overallConfidence(participants[i]) > overallConfidence(participants[best]) {
				best = i
			}
		}
		return participants[best].Decisions
	}

	// Group votes by (symbol, action). Each decision carries the weight
	// overall_confidence x confidence / 100 for the weighted mode.
	votes := make(map[string]*vote)
	symbols := make(map[string]bool)
	var symbolOrder []string
	for _, p := range participants {
		overall := overallConfidence(p)
		for _, d := range p.Decisions {
			key := d.Symbol + "|" + string(d.Action)
			if votes[key] == nil {
				votes[key] = &vote{action: d.Action}
			}
			votes[key].decisions = append(votes[key].decisions, d)
			votes[key].weights = append(votes[key].weights, overall*d.Confidence/100)
			votes[key].count++
			if !symbols[d.Symbol] {
				symbols[d.Symbol] = true
				symbolOrder = append(symbolOrder, d.Symbol)
			}
		}
	}

	var out []decision.Decision
	for _, symbol := range symbolOrder {
		var symbolVotes []*vote
		for key, v := range votes {
			if strings.HasPrefix(key, symbol+"|") {
				symbolVotes = append(symbolVotes, v)
			}
		}
		if d, ok := mergeSymbol(symbolVotes, len(participants), mode); ok {
			out = append(out, d)
		}
	}
	return out
}

func mergeSymbol(symbolVotes []*vote, participantCount int, mode ConsensusMode) (decision.Decision, bool) {
	// Deterministic ordering: most votes first, ties by higher total weight
	sort.Slice(symbolVotes, func(i, j int) bool {
		if symbolVotes[i].count != symbolVotes[j].count {
			return symbolVotes[i].count > symbolVotes[j].count
		}
		return symbolVotes[i].totalWeight() > symbolVotes[j].totalWeight()
	})

	switch mode {
	case ConsensusUnanimous:
		if len(symbolVotes) != 1 || symbolVotes[0].count != participantCount {
			return decision.Decision{}, false
		}
		return averageVote(symbolVotes[0]), true

	case ConsensusWeightedAverage:
		// Greatest combined weight wins regardless of vote count, so one
		// very confident dissenter can outvote a lukewarm majority. Hold
		// and wait carry no weight.
		var winner *vote
		for _, v := range symbolVotes {
			if v.action == decision.ActionHold || v.action == decision.ActionWait {
				continue
			}
			if winner == nil || v.totalWeight() > winner.totalWeight() {
				winner = v
			}
		}
		if winner == nil || winner.totalWeight() <= 0 {
			return decision.Decision{}, false
		}
		return weightedAverageVote(winner), true

	default: // majority_vote
		winner := symbolVotes[0]
		if winner.count*2 <= participantCount {
			return decision.Decision{}, false
		}
		return averageVote(winner), true
	}
}

// averageVote merges same-action decisions with plain means
func averageVote(v *vote) decision.Decision {
	out := v.decisions[0]
	if len(v.decisions) == 1 {
		return out
	}

	var confidence, size, sl, tp float64
	slCount, tpCount := 0, 0
	for _, d := range v.decisions {
		confidence += d.Confidence
		size += d.SizeUSD
		if d.StopLoss != nil {
			sl += *d.StopLoss
			slCount++
		}
		if d.TakeProfit != nil {
			tp += *d.TakeProfit
			tpCount++
		}
	}
	n := float64(len(v.decisions))
	out.Confidence = confidence / n
	out.SizeUSD = size / n
	if slCount > 0 {
		avg := sl / float64(slCount)
		out.StopLoss = &avg
	}
	if tpCount > 0 {
		avg := tp / float64(tpCount)
		out.TakeProfit = &avg
	}
	return out
}

// weightedAverageVote merges same-action decisions weighting parameters by
// each decision's overall x per-decision confidence weight
func weightedAverageVote(v *vote) decision.Decision {
	out := v.decisions[0]
	if len(v.decisions) == 1 {
		return out
	}

	var weight, confidence, size, sl, tp, slWeight, tpWeight float64
	for i, d := range v.decisions {
		w := v.weights[i]
		if w <= 0 {
			w = 1
		}
		weight += w
		confidence += d.Confidence * w
		size += d.SizeUSD * w
		if d.StopLoss != nil {
			sl += *d.StopLoss * w
			slWeight += w
		}
		if d.TakeProfit != nil {
			tp += *d.TakeProfit * w
			tpWeight += w
		}
	}
	out.Confidence = confidence / weight
	out.SizeUSD = size / weight
	if slWeight > 0 {
		avg := sl / slWeight
		out.StopLoss = &avg
	}
	if tpWeight > 0 {
		avg := tp / tpWeight
		out.TakeProfit = &avg
	}
	return out
}
