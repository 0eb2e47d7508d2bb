// Package expr is the sandboxed expression evaluator behind the "lambda"
// leaves of badge rules.  An expression is parsed once with go/parser and
// interpreted by a switch over the AST: literals, the single named argument,
// arithmetic, comparison, boolean logic, indexing, selector access on
// mappings, a fixed set of builtin functions, and method calls on values
// that opt in through the Callable interface.  Assignments, imports,
// arbitrary identifiers and host access do not parse or do not evaluate.
package expr

import (
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Callable lets a host object expose named operations to expressions.  The
// archival query handle implements it so that a criteria lambda can say
// "query.count() >= 5".
type Callable interface {
	CallMethod(name string, args []interface{}) (interface{}, error)
}

// Program is a compiled expression, safe for concurrent Run calls.
type Program struct {
	source string
	root   ast.Expr
}

// ifKeyword rewrites "if(" to "ifFunc(" so that the intuitive conditional
// function does not collide with the Go parser's keyword.
var ifKeyword = regexp.MustCompile(`\bif\s*\(`)

func preprocessExpression(source string) string {
	return ifKeyword.ReplaceAllString(normalizeQuotes(source), "ifFunc(")
}

// normalizeQuotes turns single-quoted string literals into double-quoted
// ones.  Rule authors write both; the parser only accepts double quotes.
func normalizeQuotes(source string) string {
	var b strings.Builder
	inDouble, inSingle := false, false
	for i := 0; i < len(source); i++ {
		ch := source[i]
		switch {
		case ch == '\\' && (inDouble || inSingle):
			b.WriteByte(ch)
			if i+1 < len(source) {
				i++
				b.WriteByte(source[i])
			}
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteByte(ch)
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte('"')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func Compile(source string) (*Program, error) {
	root, err := parser.ParseExpr(preprocessExpression(source))
	if err != nil {
		return nil, fmt.Errorf("parsing expression %q: %w", source, err)
	}
	return &Program{source: source, root: root}, nil
}

// Run evaluates the program with arg bound to name.
func (p *Program) Run(name string, arg interface{}) (interface{}, error) {
	e := &evaluator{name: name, arg: arg}
	result, err := e.eval(p.root)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", p.source, err)
	}
	return result, nil
}

// Evaluate compiles and runs a single-argument expression.
func Evaluate(source string, name string, arg interface{}) (interface{}, error) {
	p, err := Compile(source)
	if err != nil {
		return nil, err
	}
	return p.Run(name, arg)
}

// Truthy applies the truthiness convention rule authors expect: nil, false,
// zero, empty string and empty containers are false, everything else true.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

type evaluator struct {
	name string
	arg  interface{}
}

func (e *evaluator) eval(node ast.Expr) (interface{}, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		return evalLiteral(n)
	case *ast.Ident:
		return e.evalIdent(n)
	case *ast.ParenExpr:
		return e.eval(n.X)
	case *ast.UnaryExpr:
		return e.evalUnary(n)
	case *ast.BinaryExpr:
		return e.evalBinary(n)
	case *ast.SelectorExpr:
		return e.evalSelector(n)
	case *ast.IndexExpr:
		return e.evalIndex(n)
	case *ast.CallExpr:
		return e.evalCall(n)
	default:
		return nil, fmt.Errorf("unsupported syntax %T", node)
	}
}

func evalLiteral(lit *ast.BasicLit) (interface{}, error) {
	switch lit.Kind {
	case token.INT:
		return strconv.ParseInt(lit.Value, 0, 64)
	case token.FLOAT:
		return strconv.ParseFloat(lit.Value, 64)
	case token.STRING:
		return strconv.Unquote(lit.Value)
	default:
		return nil, fmt.Errorf("unsupported literal %s", lit.Value)
	}
}

func (e *evaluator) evalIdent(ident *ast.Ident) (interface{}, error) {
	switch ident.Name {
	case e.name:
		return e.arg, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "nil", "null":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown identifier %q", ident.Name)
	}
}

func (e *evaluator) evalUnary(n *ast.UnaryExpr) (interface{}, error) {
	operand, err := e.eval(n.X)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case token.NOT:
		return !Truthy(operand), nil
	case token.SUB:
		if i, ok := asInt(operand); ok {
			return -i, nil
		}
		if f, ok := toFloat(operand); ok {
			return -f, nil
		}
		return nil, fmt.Errorf("cannot negate %T", operand)
	default:
		return nil, fmt.Errorf("unsupported unary operator %s", n.Op)
	}
}

func (e *evaluator) evalBinary(n *ast.BinaryExpr) (interface{}, error) {
	// Logical operators short-circuit.
	if n.Op == token.LAND || n.Op == token.LOR {
		left, err := e.eval(n.X)
		if err != nil {
			return nil, err
		}
		if n.Op == token.LAND && !Truthy(left) {
			return false, nil
		}
		if n.Op == token.LOR && Truthy(left) {
			return true, nil
		}
		right, err := e.eval(n.Y)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := e.eval(n.X)
	if err != nil {
		return nil, err
	}
	right, err := e.eval(n.Y)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case token.EQL:
		return equal(left, right), nil
	case token.NEQ:
		return !equal(left, right), nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		return order(n.Op, left, right)
	case token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
		return arithmetic(n.Op, left, right)
	default:
		return nil, fmt.Errorf("unsupported operator %s", n.Op)
	}
}

func (e *evaluator) evalSelector(n *ast.SelectorExpr) (interface{}, error) {
	base, err := e.eval(n.X)
	if err != nil {
		return nil, err
	}
	m, ok := base.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("selector .%s on non-mapping %T", n.Sel.Name, base)
	}
	value, ok := m[n.Sel.Name]
	if !ok {
		return nil, fmt.Errorf("no field %q", n.Sel.Name)
	}
	return value, nil
}

func (e *evaluator) evalIndex(n *ast.IndexExpr) (interface{}, error) {
	base, err := e.eval(n.X)
	if err != nil {
		return nil, err
	}
	index, err := e.eval(n.Index)
	if err != nil {
		return nil, err
	}
	switch b := base.(type) {
	case map[string]interface{}:
		key, ok := index.(string)
		if !ok {
			return nil, fmt.Errorf("mapping index must be a string, got %T", index)
		}
		value, ok := b[key]
		if !ok {
			return nil, fmt.Errorf("no field %q", key)
		}
		return value, nil
	case []interface{}:
		i, ok := toInt(index)
		if !ok {
			return nil, fmt.Errorf("list index must be an integer, got %T", index)
		}
		if i < 0 || int(i) >= len(b) {
			return nil, fmt.Errorf("index %d out of range (len %d)", i, len(b))
		}
		return b[i], nil
	case string:
		i, ok := toInt(index)
		if !ok {
			return nil, fmt.Errorf("string index must be an integer, got %T", index)
		}
		if i < 0 || int(i) >= len(b) {
			return nil, fmt.Errorf("index %d out of range (len %d)", i, len(b))
		}
		return string(b[i]), nil
	default:
		return nil, fmt.Errorf("cannot index %T", base)
	}
}

func (e *evaluator) evalCall(n *ast.CallExpr) (interface{}, error) {
	// Method call on a Callable host object, e.g. query.count().
	if sel, ok := n.Fun.(*ast.SelectorExpr); ok {
		base, err := e.eval(sel.X)
		if err != nil {
			return nil, err
		}
		callable, ok := base.(Callable)
		if !ok {
			return nil, fmt.Errorf("%T has no callable methods", base)
		}
		args, err := e.evalArgs(n.Args)
		if err != nil {
			return nil, err
		}
		return callable.CallMethod(sel.Sel.Name, args)
	}

	ident, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, fmt.Errorf("unsupported call syntax %T", n.Fun)
	}
	builtin, ok := builtins[ident.Name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", ident.Name)
	}
	args, err := e.evalArgs(n.Args)
	if err != nil {
		return nil, err
	}
	return builtin(args)
}

func (e *evaluator) evalArgs(args []ast.Expr) ([]interface{}, error) {
	result := make([]interface{}, len(args))
	for i, arg := range args {
		value, err := e.eval(arg)
		if err != nil {
			return nil, err
		}
		result[i] = value
	}
	return result, nil
}

type builtinFunc func(args []interface{}) (interface{}, error)

var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"len":        funcLen,
		"contains":   funcContains,
		"startswith": funcStartswith,
		"endswith":   funcEndswith,
		"lower":      funcLower,
		"upper":      funcUpper,
		"split":      funcSplit,
		"join":       funcJoin,
		"matches":    funcMatches,
		"json":       funcJSON,
		"int":        funcInt,
		"float":      funcFloat,
		"str":        funcStr,
		"abs":        funcAbs,
		"set":        funcSet,
		"time":       funcTime,
		"ifFunc":     funcIf,
	}
}

func argCount(name string, args []interface{}, want int) error {
	if len(args) != want {
		return fmt.Errorf("%s expects %d argument(s), got %d", name, want, len(args))
	}
	return nil
}

func funcLen(args []interface{}) (interface{}, error) {
	if err := argCount("len", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return int64(len(v)), nil
	case []interface{}:
		return int64(len(v)), nil
	case map[string]interface{}:
		return int64(len(v)), nil
	case nil:
		return int64(0), nil
	default:
		return nil, fmt.Errorf("len of %T", args[0])
	}
}

func funcContains(args []interface{}) (interface{}, error) {
	if err := argCount("contains", args, 2); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		needle, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("contains on a string needs a string, got %T", args[1])
		}
		return strings.Contains(v, needle), nil
	case []interface{}:
		for _, item := range v {
			if equal(item, args[1]) {
				return true, nil
			}
		}
		return false, nil
	case map[string]interface{}:
		key, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("contains on a mapping needs a string key, got %T", args[1])
		}
		_, present := v[key]
		return present, nil
	default:
		return nil, fmt.Errorf("contains on %T", args[0])
	}
}

func stringPair(name string, args []interface{}) (string, string, error) {
	if err := argCount(name, args, 2); err != nil {
		return "", "", err
	}
	a, aok := args[0].(string)
	b, bok := args[1].(string)
	if !aok || !bok {
		return "", "", fmt.Errorf("%s expects two strings", name)
	}
	return a, b, nil
}

func funcStartswith(args []interface{}) (interface{}, error) {
	a, b, err := stringPair("startswith", args)
	if err != nil {
		return nil, err
	}
	return strings.HasPrefix(a, b), nil
}

func funcEndswith(args []interface{}) (interface{}, error) {
	a, b, err := stringPair("endswith", args)
	if err != nil {
		return nil, err
	}
	return strings.HasSuffix(a, b), nil
}

func oneString(name string, args []interface{}) (string, error) {
	if err := argCount(name, args, 1); err != nil {
		return "", err
	}
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%s expects a string, got %T", name, args[0])
	}
	return s, nil
}

func funcLower(args []interface{}) (interface{}, error) {
	s, err := oneString("lower", args)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func funcUpper(args []interface{}) (interface{}, error) {
	s, err := oneString("upper", args)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func funcSplit(args []interface{}) (interface{}, error) {
	a, b, err := stringPair("split", args)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(a, b)
	result := make([]interface{}, len(parts))
	for i, p := range parts {
		result[i] = p
	}
	return result, nil
}

func funcJoin(args []interface{}) (interface{}, error) {
	if err := argCount("join", args, 2); err != nil {
		return nil, err
	}
	list, ok := args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("join expects a list, got %T", args[0])
	}
	sep, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("join expects a string separator, got %T", args[1])
	}
	parts := make([]string, len(list))
	for i, item := range list {
		parts[i] = fmt.Sprintf("%v", item)
	}
	return strings.Join(parts, sep), nil
}

func funcMatches(args []interface{}) (interface{}, error) {
	pattern, s, err := stringPair("matches", args)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern in matches: %w", err)
	}
	return re.MatchString(s), nil
}

func funcJSON(args []interface{}) (interface{}, error) {
	if err := argCount("json", args, 1); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(args[0])
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func funcInt(args []interface{}) (interface{}, error) {
	if err := argCount("int", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return strconv.ParseInt(v, 10, 64)
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		if f, ok := toFloat(args[0]); ok {
			return int64(f), nil
		}
		return nil, fmt.Errorf("int of %T", args[0])
	}
}

func funcFloat(args []interface{}) (interface{}, error) {
	if err := argCount("float", args, 1); err != nil {
		return nil, err
	}
	if s, ok := args[0].(string); ok {
		return strconv.ParseFloat(s, 64)
	}
	if f, ok := toFloat(args[0]); ok {
		return f, nil
	}
	return nil, fmt.Errorf("float of %T", args[0])
}

func funcStr(args []interface{}) (interface{}, error) {
	if err := argCount("str", args, 1); err != nil {
		return nil, err
	}
	return fmt.Sprintf("%v", args[0]), nil
}

func funcAbs(args []interface{}) (interface{}, error) {
	if err := argCount("abs", args, 1); err != nil {
		return nil, err
	}
	if i, ok := asInt(args[0]); ok {
		if i < 0 {
			return -i, nil
		}
		return i, nil
	}
	if f, ok := toFloat(args[0]); ok {
		return math.Abs(f), nil
	}
	return nil, fmt.Errorf("abs of %T", args[0])
}

// funcSet deduplicates a list, keeping first-seen order.
func funcSet(args []interface{}) (interface{}, error) {
	if err := argCount("set", args, 1); err != nil {
		return nil, err
	}
	list, ok := args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("set expects a list, got %T", args[0])
	}
	var result []interface{}
	for _, item := range list {
		duplicate := false
		for _, seen := range result {
			if equal(seen, item) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			result = append(result, item)
		}
	}
	return result, nil
}

func funcTime(args []interface{}) (interface{}, error) {
	if err := argCount("time", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return dateparse.ParseAny(v)
	case time.Time:
		return v, nil
	default:
		if f, ok := toFloat(args[0]); ok {
			sec, frac := math.Modf(f)
			return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
		}
		return nil, fmt.Errorf("time of %T", args[0])
	}
}

func funcIf(args []interface{}) (interface{}, error) {
	if err := argCount("if", args, 3); err != nil {
		return nil, err
	}
	if Truthy(args[0]) {
		return args[1], nil
	}
	return args[2], nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// asInt reports integer values without losing float-ness: floats stay floats
// so integer arithmetic never truncates them.
func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func equal(x, y interface{}) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	xf, xok := toFloat(x)
	yf, yok := toFloat(y)
	if xok && yok {
		return xf == yf
	}
	if xt, ok := x.(time.Time); ok {
		if yt, ok := y.(time.Time); ok {
			return xt.Equal(yt)
		}
	}
	return x == y
}

func order(op token.Token, x, y interface{}) (interface{}, error) {
	var cmp int
	xf, xok := toFloat(x)
	yf, yok := toFloat(y)
	switch {
	case xok && yok:
		switch {
		case xf < yf:
			cmp = -1
		case xf > yf:
			cmp = 1
		}
	default:
		xs, sok := x.(string)
		ys, tok := y.(string)
		if sok && tok {
			cmp = strings.Compare(xs, ys)
			break
		}
		xt, uok := x.(time.Time)
		yt, vok := y.(time.Time)
		if uok && vok {
			switch {
			case xt.Before(yt):
				cmp = -1
			case xt.After(yt):
				cmp = 1
			}
			break
		}
		return nil, fmt.Errorf("cannot compare %T with %T", x, y)
	}
	switch op {
	case token.LSS:
		return cmp < 0, nil
	case token.LEQ:
		return cmp <= 0, nil
	case token.GTR:
		return cmp > 0, nil
	default:
		return cmp >= 0, nil
	}
}

func arithmetic(op token.Token, x, y interface{}) (interface{}, error) {
	if op == token.ADD {
		if xs, ok := x.(string); ok {
			if ys, ok := y.(string); ok {
				return xs + ys, nil
			}
		}
	}

	xi, xIsInt := asInt(x)
	yi, yIsInt := asInt(y)
	if xIsInt && yIsInt {
		switch op {
		case token.ADD:
			return xi + yi, nil
		case token.SUB:
			return xi - yi, nil
		case token.MUL:
			return xi * yi, nil
		case token.QUO:
			if yi == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return xi / yi, nil
		case token.REM:
			if yi == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return xi % yi, nil
		}
	}

	xf, xok := toFloat(x)
	yf, yok := toFloat(y)
	if !xok || !yok {
		return nil, fmt.Errorf("cannot apply %s to %T and %T", op, x, y)
	}
	switch op {
	case token.ADD:
		return xf + yf, nil
	case token.SUB:
		return xf - yf, nil
	case token.MUL:
		return xf * yf, nil
	case token.QUO:
		if yf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return xf / yf, nil
	case token.REM:
		return math.Mod(xf, yf), nil
	default:
		return nil, fmt.Errorf("unsupported operator %s", op)
	}
}
