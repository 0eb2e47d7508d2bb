package condition

import (
	"github.com/atlasgurus/badgestone/types"
)

// A trigger or criteria node is a mapping with exactly one key: a boolean
// operator over a list of child nodes, or one of the leaf keys.  Anything
// else is a definition error, reported as an ErrorCondition so a whole load
// pass can keep going and collect every broken rule.

var operators = map[string]bool{"all": true, "any": true, "not": true}

// ParseTrigger builds the cheap-match predicate.  Leaf keys: topic
// (suffix match), category, lambda.
func ParseTrigger(node interface{}, factory *Factory, appctx *types.AppContext) Condition {
	return parseNode(node, factory, appctx, func(key string, value interface{}) Condition {
		switch key {
		case "topic":
			suffix, ok := value.(string)
			if !ok {
				return NewErrorCondition(appctx.Errorf("trigger topic must be a string, got %T", value))
			}
			return factory.NewTopicCond(suffix)
		case "category":
			category, ok := value.(string)
			if !ok {
				return NewErrorCondition(appctx.Errorf("trigger category must be a string, got %T", value))
			}
			return factory.NewCategoryCond(category)
		case "lambda":
			source, ok := value.(string)
			if !ok {
				return NewErrorCondition(appctx.Errorf("trigger lambda must be a string, got %T", value))
			}
			return factory.CacheCondition(NewExprCond(source, appctx))
		default:
			return NewErrorCondition(appctx.Errorf(
				"%q is not a possible trigger field, choose from [all any not topic category lambda]", key))
		}
	})
}

// ParseCriteria builds the heavy-match predicate.  The only leaf key is
// datanommer, backed by the archival store.
func ParseCriteria(node interface{}, history History, factory *Factory, appctx *types.AppContext) Condition {
	return parseNode(node, factory, appctx, func(key string, value interface{}) Condition {
		switch key {
		case "datanommer":
			d, ok := value.(map[string]interface{})
			if !ok {
				return NewErrorCondition(appctx.Errorf("datanommer criteria must be a mapping, got %T", value))
			}
			return factory.CacheCondition(NewDatanommerCond(d, history, appctx))
		default:
			return NewErrorCondition(appctx.Errorf(
				"%q is not a possible criteria field, choose from [all any not datanommer]", key))
		}
	})
}

type leafParser func(key string, value interface{}) Condition

func parseNode(node interface{}, factory *Factory, appctx *types.AppContext, parseLeaf leafParser) Condition {
	m, ok := node.(map[string]interface{})
	if !ok {
		return NewErrorCondition(appctx.Errorf("predicate node must be a mapping, got %T", node))
	}
	if len(m) != 1 {
		return NewErrorCondition(appctx.Errorf(
			"no more than one key allowed per predicate node, use an operator (all, any, not); got %d keys", len(m)))
	}

	var key string
	var value interface{}
	for k, v := range m {
		key, value = k, v
	}

	if key == "not" {
		// Negation takes a single node, not a list.
		child := parseNode(value, factory, appctx, parseLeaf)
		return factory.NewNotCond(child)
	}

	if operators[key] {
		list, ok := value.([]interface{})
		if !ok {
			return NewErrorCondition(appctx.Errorf("operator %q only accepts lists, got %T", key, value))
		}
		children := types.MapSlice(list, func(childNode interface{}) Condition {
			return parseNode(childNode, factory, appctx, parseLeaf)
		})
		if key == "all" {
			return factory.NewAllCond(children...)
		}
		return factory.NewAnyCond(children...)
	}

	return parseLeaf(key, value)
}
