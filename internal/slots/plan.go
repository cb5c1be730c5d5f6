package slots

import (
	"fmt"
	"regexp"
	"sort"

	"taskdialog/internal/domain"
)

// Plan returns the intent's slots in elicitation order: dependencies before
// dependents, otherwise by Order then declaration. It rejects unknown slot
// references, unknown types, bad patterns, required slots that depend on
// optional ones, and cycles.
func Plan(intent domain.Intent) ([]domain.Slot, error) {
	index := make(map[string]int, len(intent.Slots))
	for i, s := range intent.Slots {
		if s.Name == "" {
			return nil, &domain.ConfigError{Intent: intent.Name, Err: fmt.Errorf("slot #%d has no name", i)}
		}
		if _, dup := index[s.Name]; dup {
			return nil, &domain.ConfigError{Intent: intent.Name, Slot: s.Name, Err: fmt.Errorf("duplicate slot")}
		}
		if !s.Type.Valid() {
			return nil, &domain.ConfigError{Intent: intent.Name, Slot: s.Name, Err: fmt.Errorf("unknown slot type %q", s.Type)}
		}
		if s.Rules.Pattern != "" {
			if _, err := regexp.Compile(s.Rules.Pattern); err != nil {
				return nil, &domain.ConfigError{Intent: intent.Name, Slot: s.Name, Err: fmt.Errorf("bad pattern: %w", err)}
			}
		}
		if s.Type == domain.SlotEnum && len(s.Rules.Enum) == 0 {
			return nil, &domain.ConfigError{Intent: intent.Name, Slot: s.Name, Err: fmt.Errorf("enum slot without values")}
		}
		index[s.Name] = i
	}

	indegree := make([]int, len(intent.Slots))
	dependents := make([][]int, len(intent.Slots))
	for i, s := range intent.Slots {
		for _, dep := range s.Dependencies {
			j, ok := index[dep.Slot]
			if !ok {
				return nil, &domain.ConfigError{Intent: intent.Name, Slot: s.Name, Err: fmt.Errorf("%w: dependency %q", domain.ErrSlotNotFound, dep.Slot)}
			}
			switch dep.Kind {
			case "", domain.DependencyRequires, domain.DependencyDiffersFrom:
			default:
				return nil, &domain.ConfigError{Intent: intent.Name, Slot: s.Name, Err: fmt.Errorf("unknown dependency kind %q", dep.Kind)}
			}
			if s.Required && !intent.Slots[j].Required {
				return nil, &domain.ConfigError{Intent: intent.Name, Slot: s.Name, Err: fmt.Errorf("required slot depends on optional slot %q", dep.Slot)}
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	less := func(a, b int) bool {
		sa, sb := intent.Slots[a], intent.Slots[b]
		if sa.Order != sb.Order {
			return sa.Order < sb.Order
		}
		return a < b
	}

	ready := make([]int, 0, len(intent.Slots))
	for i := range intent.Slots {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]domain.Slot, 0, len(intent.Slots))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return less(ready[a], ready[b]) })
		next := ready[0]
		ready = ready[1:]
		out = append(out, intent.Slots[next])
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(out) != len(intent.Slots) {
		var stuck []string
		for i, s := range intent.Slots {
			if indegree[i] > 0 {
				stuck = append(stuck, s.Name)
			}
		}
		return nil, &domain.ConfigError{Intent: intent.Name, Err: fmt.Errorf("%w among %v", domain.ErrCyclicDependency, stuck)}
	}
	return out, nil
}

// Compile returns a copy of the intent with slots in plan order.
func Compile(intent domain.Intent) (domain.Intent, error) {
	ordered, err := Plan(intent)
	if err != nil {
		return domain.Intent{}, err
	}
	out := intent
	out.Slots = ordered
	return out, nil
}
