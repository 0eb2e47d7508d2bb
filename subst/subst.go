// Package subst implements the substitution primitives used to splice values
// from an incoming message into rule fragments: a dotted-key flattening of
// the message body, a recursive "%(key)s" template expansion, and the
// resolution of embedded {lambda: ...} nodes.
package subst

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atlasgurus/badgestone/expr"
)

// wholePlaceholder matches a string that is exactly one placeholder, e.g.
// "%(msg.count)i" or "%(msg.authors)s".  When the resolved value is not a
// string the placeholder substitutes with the raw value, preserving its type:
// this is how a recipient template can expand to a list of author mappings.
var wholePlaceholder = regexp.MustCompile(`^%\(([^()]+)\)([a-zA-Z])$`)

var anyPlaceholder = regexp.MustCompile(`%\(([^()]+)\)[a-zA-Z]`)

// Flatten walks a nested mapping and produces a dotted-key table.  A nested
// map under "a" with child "b" yields both "a" (bound to the subtree) and
// "a.b".  String scalars are lowercased on emission; everything else passes
// through untouched.  Flatten of an already-flat table is a fixpoint.
func Flatten(m map[string]interface{}) map[string]interface{} {
	subs := make(map[string]interface{}, len(m))
	flattenInto(subs, "", m)
	return subs
}

func flattenInto(subs map[string]interface{}, prefix string, m map[string]interface{}) {
	for key, value := range m {
		dotted := key
		if prefix != "" {
			dotted = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]interface{}:
			subs[dotted] = v
			flattenInto(subs, dotted, v)
		case string:
			subs[dotted] = strings.ToLower(v)
		default:
			subs[dotted] = value
		}
	}
}

// Format recursively copies obj, expanding "%(key)s" placeholders from subs.
// A string that consists of exactly one non-string-conversion placeholder
// (e.g. "%(msg.count)i") whose resolved value is not a string is replaced by
// the value itself.  An unresolved key is an error: the rule referenced a
// message field that does not exist.
func Format(obj interface{}, subs map[string]interface{}) (interface{}, error) {
	switch o := obj.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(o))
		for key, value := range o {
			formatted, err := Format(value, subs)
			if err != nil {
				return nil, err
			}
			result[key] = formatted
		}
		return result, nil
	case []interface{}:
		result := make([]interface{}, len(o))
		for i, item := range o {
			formatted, err := Format(item, subs)
			if err != nil {
				return nil, err
			}
			result[i] = formatted
		}
		return result, nil
	case string:
		return formatString(o, subs)
	default:
		return obj, nil
	}
}

func formatString(s string, subs map[string]interface{}) (interface{}, error) {
	if m := wholePlaceholder.FindStringSubmatch(s); m != nil {
		value, ok := subs[m[1]]
		if !ok {
			return nil, fmt.Errorf("no substitution for %q", m[1])
		}
		return value, nil
	}

	var missing string
	result := anyPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		key := anyPlaceholder.FindStringSubmatch(match)[1]
		value, ok := subs[key]
		if !ok {
			missing = key
			return match
		}
		return fmt.Sprintf("%v", value)
	})
	if missing != "" {
		return nil, fmt.Errorf("no substitution for %q", missing)
	}
	return result, nil
}

// IsLambda reports whether obj is a single-key {lambda: "expression"} node
// and returns the expression source when it is.
func IsLambda(obj interface{}) (string, bool) {
	m, ok := obj.(map[string]interface{})
	if !ok || len(m) != 1 {
		return "", false
	}
	source, ok := m["lambda"].(string)
	return source, ok
}

// ResolveLambdas recursively replaces {lambda: "expression"} nodes with the
// result of evaluating the expression with the given argument bound to name
// (typically "msg" bound to the message body).
func ResolveLambdas(obj interface{}, name string, arg interface{}) (interface{}, error) {
	if source, ok := IsLambda(obj); ok {
		return expr.Evaluate(source, name, arg)
	}
	switch o := obj.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(o))
		for key, value := range o {
			resolved, err := ResolveLambdas(value, name, arg)
			if err != nil {
				return nil, err
			}
			result[key] = resolved
		}
		return result, nil
	case []interface{}:
		result := make([]interface{}, len(o))
		for i, item := range o {
			resolved, err := ResolveLambdas(item, name, arg)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil
	default:
		return obj, nil
	}
}
