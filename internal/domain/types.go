package domain

import (
	"sort"
	"time"
)

type SlotType string

const (
	SlotText    SlotType = "TEXT"
	SlotNumber  SlotType = "NUMBER"
	SlotDate    SlotType = "DATE"
	SlotTime    SlotType = "TIME"
	SlotEnum    SlotType = "ENUM"
	SlotBoolean SlotType = "BOOLEAN"
	SlotPhone   SlotType = "PHONE"
	SlotEmail   SlotType = "EMAIL"
)

func (t SlotType) Valid() bool {
	switch t {
	case SlotText, SlotNumber, SlotDate, SlotTime, SlotEnum, SlotBoolean, SlotPhone, SlotEmail:
		return true
	}
	return false
}

type DependencyKind string

const (
	// DependencyRequires only orders elicitation.
	DependencyRequires DependencyKind = "requires"
	// DependencyDiffersFrom orders elicitation and rejects a value equal to the dependency's value.
	DependencyDiffersFrom DependencyKind = "differs_from"
)

type SlotDependency struct {
	Slot string         `json:"slot" yaml:"slot"`
	Kind DependencyKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

type ValidationRules struct {
	MinLength    int      `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength    int      `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Min          *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max          *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern      string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Enum         []string `json:"enum,omitempty" yaml:"enum,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

type Slot struct {
	Name         string           `json:"name" yaml:"name"`
	DisplayName  string           `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Type         SlotType         `json:"type" yaml:"type"`
	Required     bool             `json:"required" yaml:"required"`
	Order        int              `json:"order,omitempty" yaml:"order,omitempty"`
	Rules        ValidationRules  `json:"rules,omitempty" yaml:"rules,omitempty"`
	Prompt       string           `json:"prompt" yaml:"prompt"`
	Examples     []string         `json:"examples,omitempty" yaml:"examples,omitempty"`
	Dependencies []SlotDependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

func (s Slot) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

type Intent struct {
	ID          string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string   `json:"name" yaml:"name"`
	DisplayName string   `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Threshold   float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Priority    int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Active      bool     `json:"active" yaml:"active"`
	Examples    []string `json:"examples,omitempty" yaml:"examples,omitempty"`
	Slots       []Slot   `json:"slots,omitempty" yaml:"slots,omitempty"`
}

func (i Intent) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Name
}

func (i Intent) Slot(name string) (Slot, bool) {
	for _, s := range i.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}

// HasSlot reports whether the intent owns a slot with the same name and type.
func (i Intent) HasSlot(name string, typ SlotType) bool {
	s, ok := i.Slot(name)
	return ok && s.Type == typ
}

type FunctionCall struct {
	Intent          string            `json:"intent" yaml:"intent"`
	Endpoint        string            `json:"endpoint" yaml:"endpoint"`
	Method          string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	ParamMapping    map[string]string `json:"param_mapping,omitempty" yaml:"param_mapping,omitempty"`
	RetryTimes      int               `json:"retry_times,omitempty" yaml:"retry_times,omitempty"`
	RetryDelay      time.Duration     `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	Backoff         float64           `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	SuccessTemplate string            `json:"success_template" yaml:"success_template"`
	ErrorTemplate   string            `json:"error_template" yaml:"error_template"`
}

type PromptTemplate struct {
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content" yaml:"content"`
}

type SlotSource string

const (
	SourceExtractor   SlotSource = "extractor"
	SourceRecognizer  SlotSource = "recognizer"
	SourceUserContext SlotSource = "user_context"
	SourceCarryover   SlotSource = "carryover"
)

type SlotValue struct {
	Slot       string     `json:"slot"`
	Type       SlotType   `json:"type"`
	Raw        string     `json:"raw"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	Turn       int        `json:"turn"`
	Source     SlotSource `json:"source"`
}

type Session struct {
	ID                   string    `json:"id"`
	ActiveConversationID string    `json:"active_conversation_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastActiveAt         time.Time `json:"last_active_at"`
}

type Candidate struct {
	Intent     string  `json:"intent"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
	Priority   int     `json:"priority,omitempty"`
}

// ConfidenceEpsilon absorbs float rounding when a confidence or a difference
// of confidences is compared against a threshold or margin.
const ConfidenceEpsilon = 1e-9

// SortCandidates orders by confidence, then priority, both descending.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Confidence != cs[j].Confidence {
			return cs[i].Confidence > cs[j].Confidence
		}
		return cs[i].Priority > cs[j].Priority
	})
}

type IntentAmbiguity struct {
	Candidates   []Candidate `json:"candidates"`
	RaisedAtTurn int         `json:"raised_at_turn"`
	Turns        int         `json:"turns"`
}

type IntentTransfer struct {
	From    string               `json:"from"`
	To      string               `json:"to"`
	Carried []string             `json:"carried"`
	Dropped map[string]SlotValue `json:"dropped,omitempty"`
	Turn    int                  `json:"turn"`
	At      time.Time            `json:"at"`
}

type Conversation struct {
	ID               string               `json:"id"`
	SessionID        string               `json:"session_id"`
	Status           ConversationStatus   `json:"status"`
	Intent           string               `json:"intent,omitempty"`
	IntentConfidence float64              `json:"intent_confidence,omitempty"`
	Turn             int                  `json:"turn"`
	Slots            map[string]SlotValue `json:"slots"`
	Attempts         map[string]int       `json:"attempts"`
	Ambiguity        *IntentAmbiguity     `json:"ambiguity,omitempty"`
	Transfers        []IntentTransfer     `json:"transfers,omitempty"`
	LastReply        string               `json:"last_reply,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	LastActiveAt     time.Time            `json:"last_active_at"`
}

// Clone returns a deep copy so callers never share maps with a store.
func (c Conversation) Clone() Conversation {
	out := c
	out.Slots = make(map[string]SlotValue, len(c.Slots))
	for k, v := range c.Slots {
		out.Slots[k] = v
	}
	out.Attempts = make(map[string]int, len(c.Attempts))
	for k, v := range c.Attempts {
		out.Attempts[k] = v
	}
	if c.Ambiguity != nil {
		amb := *c.Ambiguity
		amb.Candidates = append([]Candidate(nil), c.Ambiguity.Candidates...)
		out.Ambiguity = &amb
	}
	if c.Transfers != nil {
		out.Transfers = make([]IntentTransfer, len(c.Transfers))
		for i, t := range c.Transfers {
			t.Carried = append([]string(nil), t.Carried...)
			if t.Dropped != nil {
				dropped := make(map[string]SlotValue, len(t.Dropped))
				for k, v := range t.Dropped {
					dropped[k] = v
				}
				t.Dropped = dropped
			}
			out.Transfers[i] = t
		}
	}
	return out
}

type Turn struct {
	ConversationID string             `json:"conversation_id"`
	SessionID      string             `json:"session_id"`
	Turn           int                `json:"turn"`
	Utterance      string             `json:"utterance"`
	Reply          string             `json:"reply"`
	Status         ConversationStatus `json:"status"`
	Intent         string             `json:"intent,omitempty"`
	At             time.Time          `json:"at"`
}

type TurnRequest struct {
	SessionID      string            `json:"session_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Utterance      string            `json:"utterance"`
	Context        map[string]string `json:"context,omitempty"`
}

type TurnResponse struct {
	SessionID           string               `json:"session_id"`
	ConversationID      string               `json:"conversation_id"`
	Reply               string               `json:"reply"`
	Status              ConversationStatus   `json:"conversation_status"`
	ActiveIntent        string               `json:"active_intent,omitempty"`
	MissingSlots        []string             `json:"missing_slots,omitempty"`
	AmbiguityCandidates []Candidate          `json:"ambiguity_candidates,omitempty"`
	Trace               []ConversationStatus `json:"trace,omitempty"`
}
