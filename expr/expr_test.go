package expr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlasgurus/badgestone/expr"
)

func eval(t *testing.T, source string, arg interface{}) interface{} {
	t.Helper()
	result, err := expr.Evaluate(source, "msg", arg)
	require.NoError(t, err, "evaluating %q", source)
	return result
}

func TestEvaluateBasics(t *testing.T) {
	body := map[string]interface{}{
		"count": 5,
		"name":  "ralph",
		"tags":  []interface{}{"infra", "badges"},
		"update": map[string]interface{}{
			"status": "testing",
		},
	}

	cases := []struct {
		source string
		want   interface{}
	}{
		{"msg.count + 1", int64(6)},
		{"msg.count * 2 == 10", true},
		{"msg.count > 4 && msg.count < 6", true},
		{"msg.count >= 5", true},
		{"msg.count > 5", false},
		{"!(msg.count == 5)", false},
		{"msg.name == 'ralph'", true},
		{"msg.update.status == 'testing'", true},
		{"msg.tags[0]", "infra"},
		{"len(msg.tags)", int64(2)},
		{"contains(msg.tags, 'badges')", true},
		{"startswith(msg.name, 'ra')", true},
		{"endswith(msg.name, 'ph')", true},
		{"upper(msg.name)", "RALPH"},
		{"'pre-' + msg.name", "pre-ralph"},
		{"if(msg.count > 3, 'big', 'small')", "big"},
		{"matches('^r.l.h$', msg.name)", true},
		{"int('12') + msg.count", int64(17)},
		{"abs(0 - 3)", int64(3)},
	}
	for _, tc := range cases {
		t.Run(tc.source, func(t *testing.T) {
			require.Equal(t, tc.want, eval(t, tc.source, body))
		})
	}
}

func TestEvaluateShortCircuit(t *testing.T) {
	body := map[string]interface{}{"ok": false}
	// The right side would fail on a missing field; && must not reach it.
	result := eval(t, "msg.ok && msg.missing.deeper", body)
	require.Equal(t, false, result)

	result = eval(t, "true || msg.missing.deeper", body)
	require.Equal(t, true, result)
}

func TestEvaluateErrors(t *testing.T) {
	body := map[string]interface{}{"count": 1}

	t.Run("missing field", func(t *testing.T) {
		_, err := expr.Evaluate("msg.absent == 1", "msg", body)
		require.Error(t, err)
	})

	t.Run("unknown identifier", func(t *testing.T) {
		_, err := expr.Evaluate("other.count", "msg", body)
		require.Error(t, err)
	})

	t.Run("no statements or assignments", func(t *testing.T) {
		_, err := expr.Compile("msg = 1")
		require.Error(t, err)
	})

	t.Run("unknown function", func(t *testing.T) {
		_, err := expr.Evaluate("exec('rm')", "msg", body)
		require.Error(t, err)
	})
}

func TestCallable(t *testing.T) {
	query := fakeQuery{count: 5}
	result, err := expr.Evaluate("query.count() == 5", "query", query)
	require.NoError(t, err)
	require.Equal(t, true, result)
}

type fakeQuery struct {
	count int64
}

func (q fakeQuery) CallMethod(name string, args []interface{}) (interface{}, error) {
	if name == "count" {
		return q.count, nil
	}
	return nil, errFakeMethod(name)
}

type errFakeMethod string

func (e errFakeMethod) Error() string { return "no method " + string(e) }

func TestTruthy(t *testing.T) {
	require.False(t, expr.Truthy(nil))
	require.False(t, expr.Truthy(false))
	require.False(t, expr.Truthy(0))
	require.False(t, expr.Truthy(""))
	require.False(t, expr.Truthy([]interface{}{}))
	require.True(t, expr.Truthy(1))
	require.True(t, expr.Truthy("x"))
	require.True(t, expr.Truthy([]interface{}{1}))
}
