package condition

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/expr"
	"github.com/atlasgurus/badgestone/subst"
	"github.com/atlasgurus/badgestone/types"
)

// History is the archival message store seen from a criteria leaf.  The
// real implementation lives in the datanommer package; tests provide fakes.
type History interface {
	// Signature returns the set of query parameter names Grep accepts.
	// "defer" is reserved by the engine and never a valid filter key.
	Signature() map[string]bool
	// Grep runs the query described by args.  With defer=true no rows
	// are fetched; total and the reusable query handle come back.
	Grep(ctx context.Context, args map[string]interface{}) (total int64, pages int, query Query, err error)
}

// Query is a deferred historical query handle.  It is expr.Callable so a
// lambda operation can invoke e.g. query.count().
type Query interface {
	expr.Callable
	// Run executes a named operation ("count", ...) on the handle.
	Run(ctx context.Context, operation string) (interface{}, error)
}

type conditionFunc func(result interface{}) (bool, error)

// DatanommerCond gates a rule on the archival store: a filter (with
// per-message template substitution), an operation over the deferred query,
// and a threshold condition on the operation's result.
type DatanommerCond struct {
	Filter        map[string]interface{}
	Operation     interface{} // "count", a method name, or {lambda: ...}
	ConditionName string
	condition     conditionFunc
	history       History
	Hash          uint64
	appctx        *types.AppContext
}

var conditionNames = []string{
	"is greater than or equal to",
	"greater than or equal to",
	"is greater than",
	"greater than",
	"is less than or equal to",
	"less than or equal to",
	"less than",
	"equal to",
	"is equal to",
	"is not",
	"is not equal to",
	"lambda",
}

func compareThreshold(name string, threshold, result interface{}) (bool, error) {
	t, tok := toComparable(threshold)
	v, vok := toComparable(result)
	if !tok || !vok {
		return false, fmt.Errorf("condition %q needs numeric values, got %T and %T", name, threshold, result)
	}
	switch name {
	case "greater than or equal to", "is greater than or equal to":
		return v >= t, nil
	case "greater than", "is greater than":
		return v > t, nil
	case "less than or equal to", "is less than or equal to":
		return v <= t, nil
	case "less than":
		return v < t, nil
	case "equal to", "is equal to":
		return v == t, nil
	case "is not", "is not equal to":
		return v != t, nil
	default:
		return false, fmt.Errorf("unknown condition %q", name)
	}
}

func toComparable(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func lambdaCondition(source string) (conditionFunc, error) {
	program, err := expr.Compile(source)
	if err != nil {
		return nil, err
	}
	return func(result interface{}) (bool, error) {
		value, err := program.Run("value", result)
		if err != nil {
			return false, err
		}
		return expr.Truthy(value), nil
	}, nil
}

// NewDatanommerCond validates and constructs the criteria leaf.  Shape
// violations (bad filter keys, unknown condition names, multi-key condition
// mappings) are definition errors surfaced as an ErrorCondition.
func NewDatanommerCond(d map[string]interface{}, history History, appctx *types.AppContext) Condition {
	for _, required := range []string{"filter", "operation", "condition"} {
		if _, ok := d[required]; !ok {
			return NewErrorCondition(appctx.Errorf("datanommer criteria requires %q", required))
		}
	}
	for key := range d {
		switch key {
		case "filter", "operation", "condition":
		default:
			return NewErrorCondition(appctx.Errorf("%q is not a possible datanommer field", key))
		}
	}

	filter, ok := d["filter"].(map[string]interface{})
	if !ok {
		return NewErrorCondition(appctx.Errorf("datanommer filter must be a mapping, got %T", d["filter"]))
	}
	signature := history.Signature()
	for key := range filter {
		if key == "defer" || !signature[key] {
			return NewErrorCondition(appctx.Errorf(
				"%q is not a possible filter field, choose from %v", key, signatureNames(signature)))
		}
	}

	operation := d["operation"]
	switch op := operation.(type) {
	case string:
		// "count" or a named query operation; checked at run time
		// against the handle.
	case map[string]interface{}:
		if _, isLambda := subst.IsLambda(op); !isLambda {
			return NewErrorCondition(appctx.Errorf("datanommer operation mapping must be {lambda: ...}"))
		}
	default:
		return NewErrorCondition(appctx.Errorf("datanommer operation must be a string or {lambda: ...}, got %T", operation))
	}

	conditionMap, ok := d["condition"].(map[string]interface{})
	if !ok {
		return NewErrorCondition(appctx.Errorf("datanommer condition must be a mapping, got %T", d["condition"]))
	}
	if len(conditionMap) != 1 {
		return NewErrorCondition(appctx.Errorf(
			"no more than one condition allowed, use one of %v", conditionNames))
	}
	var conditionName string
	var conditionValue interface{}
	for name, value := range conditionMap {
		conditionName, conditionValue = name, value
	}

	var cond conditionFunc
	if conditionName == "lambda" {
		source, ok := conditionValue.(string)
		if !ok {
			return NewErrorCondition(appctx.Errorf("condition lambda must be a string, got %T", conditionValue))
		}
		lambdaFn, err := lambdaCondition(source)
		if err != nil {
			return NewErrorCondition(appctx.LogError(err))
		}
		cond = lambdaFn
	} else {
		known := false
		for _, name := range conditionNames {
			if name == conditionName {
				known = true
				break
			}
		}
		if !known {
			return NewErrorCondition(appctx.Errorf(
				"%q is not a valid condition key, use one of %v", conditionName, conditionNames))
		}
		name, threshold := conditionName, conditionValue
		cond = func(result interface{}) (bool, error) {
			return compareThreshold(name, threshold, result)
		}
	}

	return &DatanommerCond{
		Filter:        filter,
		Operation:     operation,
		ConditionName: conditionName,
		condition:     cond,
		history:       history,
		Hash: HashUints([]uint64{
			uint64(DatanommerCondKind),
			HashString(fmt.Sprintf("%v|%v|%v", filter, operation, conditionMap)),
		}),
		appctx: appctx,
	}
}

func signatureNames(signature map[string]bool) []string {
	names := make([]string, 0, len(signature))
	for name := range signature {
		names = append(names, name)
	}
	return names
}

func (c *DatanommerCond) GetKind() CondKind        { return DatanommerCondKind }
func (c *DatanommerCond) GetOperands() []Condition { return nil }
func (c *DatanommerCond) GetHash() uint64          { return c.Hash }
func (c *DatanommerCond) Equals(o Condition) bool  { return c.Hash == o.GetHash() }

// Matches runs the three-step datanommer check: build the query from the
// filter formatted with the message, run the operation against the deferred
// query handle, apply the condition to the result.  Store failures are
// evaluation errors: logged, and the criteria counts as not matched.
func (c *DatanommerCond) Matches(ctx context.Context, msg *types.Message) bool {
	result, err := c.run(ctx, msg)
	if err != nil {
		c.appctx.Log.Warn("datanommer criteria evaluated false on error",
			zap.Error(err), zap.String("topic", msg.Topic), zap.String("message_id", msg.ID))
		return false
	}
	return result
}

func (c *DatanommerCond) run(ctx context.Context, msg *types.Message) (bool, error) {
	args, err := c.buildQueryArgs(msg)
	if err != nil {
		return false, err
	}
	args["defer"] = true
	total, _, query, err := c.history.Grep(ctx, args)
	if err != nil {
		return false, err
	}

	var result interface{}
	switch op := c.Operation.(type) {
	case string:
		if op == "count" {
			result = total
		} else {
			result, err = query.Run(ctx, op)
			if err != nil {
				return false, err
			}
		}
	case map[string]interface{}:
		source, err := c.formatLambdaOperation(msg)
		if err != nil {
			return false, err
		}
		// The expression evaluator has no context parameter; handles
		// that support it carry the context themselves.
		if binder, ok := query.(interface {
			BindContext(ctx context.Context) Query
		}); ok {
			query = binder.BindContext(ctx)
		}
		result, err = expr.Evaluate(source, "query", query)
		if err != nil {
			return false, err
		}
	}
	return c.condition(result)
}

// buildQueryArgs formats the filter with the message substitutions and
// resolves embedded lambdas.  This is how a rule expresses "messages with
// the same topic as the one that just arrived" via %(topic)s.
func (c *DatanommerCond) buildQueryArgs(msg *types.Message) (map[string]interface{}, error) {
	formatted, err := subst.Format(c.Filter, messageSubstitutions(msg))
	if err != nil {
		return nil, err
	}
	resolved, err := subst.ResolveLambdas(formatted, "msg", mapOrEmpty(msg.Body))
	if err != nil {
		return nil, err
	}
	args := resolved.(map[string]interface{})

	// Pagure messages carry authors as [{name, fullname}, ...], sometimes
	// nested one list deep.  Reduce to the inner list, then to names.
	if rawUsers, ok := args["users"].([]interface{}); ok {
		for _, item := range rawUsers {
			if inner, ok := item.([]interface{}); ok {
				rawUsers = inner
			}
		}
		args["users"] = rawUsers
		authors, err := subst.ExtractAuthors(rawUsers)
		if err != nil {
			return nil, err
		}
		if authors != nil {
			users := make([]interface{}, len(authors))
			for i, a := range authors {
				users[i] = a
			}
			args["users"] = users
		}
	}
	return args, nil
}

func (c *DatanommerCond) formatLambdaOperation(msg *types.Message) (string, error) {
	formatted, err := subst.Format(c.Operation, messageSubstitutions(msg))
	if err != nil {
		return "", err
	}
	source, ok := subst.IsLambda(formatted)
	if !ok {
		return "", fmt.Errorf("operation lambda lost its shape after formatting: %v", formatted)
	}
	return source, nil
}

// messageSubstitutions exposes the message body under "msg." dotted keys
// plus the envelope topic and id.
func messageSubstitutions(msg *types.Message) map[string]interface{} {
	subs := subst.Flatten(map[string]interface{}{"msg": mapOrEmpty(msg.Body)})
	subs["topic"] = msg.Topic
	subs["id"] = msg.ID
	return subs
}
