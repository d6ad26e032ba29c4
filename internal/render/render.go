package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

// Secret tags an environment value that must never reach event payloads.
// Rendered output carries the real value; Redact replaces it in any context
// copy that is persisted.
type Secret string

const Redacted = "[REDACTED]"

// Error names the offending expression and the reason rendering failed.
// Undefined marks a reference into state that does not exist; EvalBool treats
// those as false instead of failing the node.
type Error struct {
	Expr      string
	Reason    string
	Undefined bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("template error in %q: %s", e.Expr, e.Reason)
}

var funcMap = template.FuncMap{
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && strings.TrimSpace(s) == "" {
			return def
		}
		return val
	},
	"tojson": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"quote": strconv.Quote,
	"num":   toFloat,
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case nil:
		return 0, fmt.Errorf("cannot convert nil to number")
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

// Render resolves template expressions in v against the scope. Mappings and
// lists are traversed; every leaf string is rendered independently. Opaque
// non-string leaves pass through as literals.
func Render(v any, sc *Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return RenderString(t, sc)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			r, err := Render(inner, sc)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			r, err := Render(inner, sc)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap is Render specialized for action configurations.
func RenderMap(m map[string]any, sc *Scope) (map[string]any, error) {
	out, err := Render(m, sc)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return out.(map[string]any), nil
}

// pathExpr matches a string that is exactly one bare dotted reference, e.g.
// "{{ .fetch.result.rows }}". Those resolve to the typed value instead of its
// string rendering, so collections and objects survive the round trip.
var pathExpr = regexp.MustCompile(`^\{\{\s*\.([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}$`)

func RenderString(s string, sc *Scope) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	if m := pathExpr.FindStringSubmatch(s); m != nil {
		v, ok := lookupPath(sc, m[1])
		if !ok {
			return nil, &Error{Expr: s, Reason: "undefined reference ." + m[1], Undefined: true}
		}
		return v, nil
	}
	tmpl, err := template.New("expr").Option("missingkey=error").Funcs(funcMap).Parse(s)
	if err != nil {
		return nil, &Error{Expr: s, Reason: err.Error()}
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, sc.Flatten()); err != nil {
		return nil, &Error{
			Expr:      s,
			Reason:    err.Error(),
			Undefined: strings.Contains(err.Error(), "no entry for key"),
		}
	}
	out := sb.String()
	if strings.Contains(out, "<no value>") {
		return nil, &Error{Expr: s, Reason: "undefined reference", Undefined: true}
	}
	return out, nil
}

func lookupPath(sc *Scope, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur, ok := sc.Lookup(parts[0])
	if !ok {
		return nil, false
	}
	for _, p := range parts[1:] {
		switch node := cur.(type) {
		case map[string]any:
			cur, ok = node[p]
			if !ok {
				return nil, false
			}
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// EvalBool evaluates a when predicate. The empty predicate is true. Undefined
// references evaluate to false so success and failure branches can probe state
// that the other outcome never wrote; every other render error is surfaced.
func EvalBool(expr string, sc *Scope) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	v, err := RenderString(expr, sc)
	if err != nil {
		var rErr *Error
		if errors.As(err, &rErr) && rErr.Undefined {
			return false, nil
		}
		return false, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "0", "no", "off", "null", "<no value>":
			return false
		}
		return true
	case nil:
		return false
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

// Redact deep-copies v with every Secret leaf replaced, for event context
// persistence.
func Redact(v any) any {
	switch t := v.(type) {
	case Secret:
		return Redacted
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = Redact(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = Redact(inner)
		}
		return out
	default:
		return v
	}
}
