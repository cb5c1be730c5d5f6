package intent

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"taskdialog/internal/domain"
)

// IntentSource lists the intents a lexical match may choose from.
type IntentSource interface {
	Intents(ctx context.Context) (map[string]domain.Intent, error)
}

// Lexical scores an utterance against each intent's example utterances with
// character-bigram overlap. It needs no external service and is the fallback
// when no classifier is configured.
type Lexical struct {
	source IntentSource
}

func NewLexical(source IntentSource) *Lexical {
	return &Lexical{source: source}
}

func (l *Lexical) Recognize(ctx context.Context, utterance string, _ map[string]string) (domain.Recognition, error) {
	intents, err := l.source.Intents(ctx)
	if err != nil {
		return domain.Recognition{}, err
	}
	text := normalize(utterance)
	if text == "" {
		return domain.Recognition{}, nil
	}

	var scored []domain.Candidate
	for name, in := range intents {
		best := 0.0
		for _, ex := range append([]string{in.DisplayName}, in.Examples...) {
			if s := similarity(text, normalize(ex)); s > best {
				best = s
			}
		}
		if best > 0 {
			scored = append(scored, domain.Candidate{Intent: name, Confidence: round2(best), Priority: in.Priority})
		}
	}
	if len(scored) == 0 {
		return domain.Recognition{}, nil
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Confidence != scored[j].Confidence {
			return scored[i].Confidence > scored[j].Confidence
		}
		return scored[i].Intent < scored[j].Intent
	})
	rec := domain.Recognition{Intent: scored[0].Intent, Confidence: scored[0].Confidence}
	for _, c := range scored[1:] {
		rec.Alternatives = append(rec.Alternatives, domain.Candidate{Intent: c.Intent, Confidence: c.Confidence})
	}
	return rec, nil
}

// similarity is 1 for equal strings, a containment score when one holds the
// other, and the Dice coefficient of character bigrams otherwise.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(rb) >= 2 && strings.Contains(a, b) {
		return 0.6 + 0.4*float64(len(rb))/float64(len(ra))
	}
	if len(ra) >= 2 && strings.Contains(b, a) {
		return 0.6 + 0.4*float64(len(ra))/float64(len(rb))
	}
	ba, bb := bigrams(ra), bigrams(rb)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	shared := 0
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			shared += min(n, m)
		}
	}
	return 2 * float64(shared) / float64(len(ra)-1+len(rb)-1)
}

func bigrams(r []rune) map[[2]rune]int {
	out := make(map[[2]rune]int, len(r))
	for i := 0; i+1 < len(r); i++ {
		out[[2]rune{r[i], r[i+1]}]++
	}
	return out
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
