// Package ambiguity decides whether a recognition result is clear enough to
// act on and interprets the user's answer when it is not.
package ambiguity

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"taskdialog/internal/domain"
)

type Config struct {
	// DefaultThreshold applies to intents without their own threshold.
	DefaultThreshold float64
	// Margin is the lead the top candidate needs over the runner-up.
	Margin float64
	// CandidateFloor is the confidence a candidate needs to be offered.
	CandidateFloor float64
	MaxCandidates  int
	// MaxTurns is how many unresolved turns pass before a choice is forced.
	MaxTurns int
}

func DefaultConfig() Config {
	return Config{
		DefaultThreshold: 0.7,
		Margin:           0.1,
		CandidateFloor:   0.3,
		MaxCandidates:    3,
		MaxTurns:         3,
	}
}

type Verdict int

const (
	VerdictNoMatch Verdict = iota
	VerdictClear
	VerdictAmbiguous
)

func (v Verdict) String() string {
	switch v {
	case VerdictClear:
		return "clear"
	case VerdictAmbiguous:
		return "ambiguous"
	}
	return "no_match"
}

type Assessment struct {
	Verdict Verdict
	// Chosen is set for VerdictClear.
	Chosen domain.Candidate
	// Candidates is the ranked choice list for VerdictAmbiguous.
	Candidates []domain.Candidate
}

type Resolver struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = def.DefaultThreshold
	}
	if cfg.Margin <= 0 {
		cfg.Margin = def.Margin
	}
	if cfg.CandidateFloor <= 0 {
		cfg.CandidateFloor = def.CandidateFloor
	}
	if cfg.MaxCandidates < 2 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cfg: cfg, logger: logger}
}

// Threshold returns the intent's own threshold or the configured default.
func (r *Resolver) Threshold(intent domain.Intent) float64 {
	if intent.Threshold > 0 {
		return intent.Threshold
	}
	return r.cfg.DefaultThreshold
}

// Assess ranks the recognition against the active intents. Candidates naming
// an unknown or inactive intent are ignored.
func (r *Resolver) Assess(rec domain.Recognition, intents map[string]domain.Intent) Assessment {
	var ranked []domain.Candidate
	for _, c := range rec.Candidates() {
		in, ok := intents[c.Intent]
		if !ok || !in.Active {
			continue
		}
		c.Label = in.Label()
		c.Priority = in.Priority
		ranked = append(ranked, c)
	}
	if len(ranked) == 0 {
		return Assessment{Verdict: VerdictNoMatch}
	}
	domain.SortCandidates(ranked)

	top := ranked[0]
	var runnerUp float64
	if len(ranked) > 1 {
		runnerUp = ranked[1].Confidence
	}
	clearsThreshold := top.Confidence+domain.ConfidenceEpsilon >= r.Threshold(intents[top.Intent])
	if clearsThreshold && top.Confidence-runnerUp+domain.ConfidenceEpsilon >= r.cfg.Margin {
		return Assessment{Verdict: VerdictClear, Chosen: top}
	}

	var offered []domain.Candidate
	for _, c := range ranked {
		if c.Confidence+domain.ConfidenceEpsilon < r.cfg.CandidateFloor {
			continue
		}
		offered = append(offered, c)
		if len(offered) == r.cfg.MaxCandidates {
			break
		}
	}
	if len(offered) < 2 {
		return Assessment{Verdict: VerdictNoMatch, Candidates: offered}
	}
	return Assessment{Verdict: VerdictAmbiguous, Candidates: offered}
}

var ordinals = map[string]int{
	"一": 1, "二": 2, "两": 2, "三": 3, "四": 4, "五": 5,
	"first": 1, "second": 2, "third": 3,
}

// Resolve reads answer as a choice among amb's candidates: by 1-based index
// ("2", "第二个"), by intent name or by display name.
func (r *Resolver) Resolve(answer string, amb *domain.IntentAmbiguity) (domain.Candidate, bool) {
	if amb == nil || len(amb.Candidates) == 0 {
		return domain.Candidate{}, false
	}
	a := strings.ToLower(strings.TrimSpace(strings.TrimRight(strings.TrimSpace(answer), "。！？!?.,，")))
	if a == "" {
		return domain.Candidate{}, false
	}
	if idx, ok := parseIndex(a); ok && idx >= 1 && idx <= len(amb.Candidates) {
		return amb.Candidates[idx-1], true
	}
	for _, c := range amb.Candidates {
		if a == strings.ToLower(c.Intent) || (c.Label != "" && a == strings.ToLower(c.Label)) {
			return c, true
		}
	}
	// "我要订机票" names exactly one candidate by its label
	var hit []domain.Candidate
	for _, c := range amb.Candidates {
		if c.Label != "" && strings.Contains(a, strings.ToLower(c.Label)) {
			hit = append(hit, c)
		}
	}
	if len(hit) == 1 {
		return hit[0], true
	}
	return domain.Candidate{}, false
}

func parseIndex(a string) (int, bool) {
	s := strings.TrimPrefix(a, "选")
	s = strings.TrimPrefix(s, "第")
	s = strings.TrimSuffix(s, "个")
	s = strings.TrimSuffix(s, "项")
	s = strings.TrimSuffix(s, "号")
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if n, ok := ordinals[s]; ok {
		return n, true
	}
	return 0, false
}

// Exhausted reports whether amb has stayed unresolved for MaxTurns turns.
func (r *Resolver) Exhausted(amb *domain.IntentAmbiguity) bool {
	return amb != nil && amb.Turns >= r.cfg.MaxTurns
}

// Force picks the highest-priority candidate, confidence breaking ties.
func (r *Resolver) Force(conversationID string, amb *domain.IntentAmbiguity) (domain.Candidate, bool) {
	if amb == nil || len(amb.Candidates) == 0 {
		return domain.Candidate{}, false
	}
	best := amb.Candidates[0]
	for _, c := range amb.Candidates[1:] {
		if c.Priority > best.Priority || (c.Priority == best.Priority && c.Confidence > best.Confidence) {
			best = c
		}
	}
	r.logger.Warn("ambiguity unresolved, forcing choice",
		"conversation_id", conversationID,
		"intent", best.Intent,
		"turns", amb.Turns,
		"candidates", len(amb.Candidates),
	)
	return best, true
}

// Prompt renders the numbered choice list shown to the user.
func Prompt(candidates []domain.Candidate) string {
	var b strings.Builder
	b.WriteString("请问您想办理哪一项？")
	for i, c := range candidates {
		label := c.Label
		if label == "" {
			label = c.Intent
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, label)
	}
	return b.String()
}
