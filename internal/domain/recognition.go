package domain

// Recognition is what the external classifier returns for one utterance.
type Recognition struct {
	Intent       string            `json:"intent"`
	Confidence   float64           `json:"confidence"`
	Alternatives []Candidate       `json:"alternatives,omitempty"`
	Entities     map[string]string `json:"entities,omitempty"`
}

// Candidates flattens the primary result and alternatives, keeping the
// highest confidence seen per intent.
func (r Recognition) Candidates() []Candidate {
	best := make(map[string]Candidate, len(r.Alternatives)+1)
	order := make([]string, 0, len(r.Alternatives)+1)
	add := func(c Candidate) {
		if c.Intent == "" {
			return
		}
		prev, ok := best[c.Intent]
		if !ok {
			order = append(order, c.Intent)
		}
		if !ok || c.Confidence > prev.Confidence {
			best[c.Intent] = c
		}
	}
	add(Candidate{Intent: r.Intent, Confidence: r.Confidence})
	for _, alt := range r.Alternatives {
		add(alt)
	}
	out := make([]Candidate, 0, len(order))
	for _, name := range order {
		out = append(out, best[name])
	}
	return out
}

type Extraction struct {
	Raw        string  `json:"raw_value"`
	Confidence float64 `json:"confidence"`
}
