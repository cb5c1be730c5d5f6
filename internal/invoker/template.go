package invoker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMissingKey = errors.New("template key missing")

// Fields lists the placeholder names in tmpl in order of appearance, without
// duplicates. A placeholder is {name} or a dotted path such as {order.id}.
func Fields(tmpl string) []string {
	var out []string
	seen := map[string]bool{}
	scan(tmpl, func(key string) {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}, nil)
	return out
}

// Render substitutes every placeholder from vars. Dotted paths walk nested
// maps. A key that cannot be resolved is an error, never an empty string.
func Render(tmpl string, vars map[string]any) (string, error) {
	var b strings.Builder
	var missing []string
	scan(tmpl, func(key string) {
		v, ok := Lookup(vars, key)
		if !ok {
			missing = append(missing, key)
			return
		}
		b.WriteString(format(v))
	}, func(literal string) {
		b.WriteString(literal)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}
	return b.String(), nil
}

// Missing returns the placeholders of tmpl that vars cannot resolve.
func Missing(tmpl string, vars map[string]any) []string {
	var out []string
	for _, key := range Fields(tmpl) {
		if _, ok := Lookup(vars, key); !ok {
			out = append(out, key)
		}
	}
	return out
}

func Lookup(vars map[string]any, path string) (any, bool) {
	if v, ok := vars[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func scan(tmpl string, onKey func(string), onLiteral func(string)) {
	emit := func(s string) {
		if onLiteral != nil && s != "" {
			onLiteral(s)
		}
	}
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			emit(tmpl)
			return
		}
		end := strings.IndexByte(tmpl[open+1:], '}')
		if end < 0 {
			emit(tmpl)
			return
		}
		key := strings.TrimSpace(tmpl[open+1 : open+1+end])
		if !validKey(key) {
			emit(tmpl[:open+1])
			tmpl = tmpl[open+1:]
			continue
		}
		emit(tmpl[:open])
		onKey(key)
		tmpl = tmpl[open+end+2:]
	}
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		switch {
		case r == '_' || r == '.' || r == '-':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	case map[string]any, []any:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	}
	return fmt.Sprint(v)
}
