package condition_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	c "github.com/atlasgurus/badgestone/condition"
	"github.com/atlasgurus/badgestone/types"
)

// fakeHistory records the last grep and answers with a fixed count.
type fakeHistory struct {
	count    int64
	err      error
	lastArgs map[string]interface{}
	greps    int
}

func (h *fakeHistory) Signature() map[string]bool {
	return map[string]bool{
		"topics": true, "users": true, "categories": true,
		"start": true, "end": true, "rows_per_page": true,
	}
}

func (h *fakeHistory) Grep(ctx context.Context, args map[string]interface{}) (int64, int, c.Query, error) {
	h.greps++
	h.lastArgs = args
	if h.err != nil {
		return 0, 0, nil, h.err
	}
	return h.count, 1, &fakeQuery{count: h.count}, nil
}

type fakeQuery struct {
	count int64
}

func (q *fakeQuery) Run(ctx context.Context, operation string) (interface{}, error) {
	if operation != "count" {
		return nil, fmt.Errorf("unknown operation %q", operation)
	}
	return q.count, nil
}

func (q *fakeQuery) CallMethod(name string, args []interface{}) (interface{}, error) {
	return q.Run(context.Background(), name)
}

func datanommerNode(filter map[string]interface{}, operation, cond interface{}) map[string]interface{} {
	return map[string]interface{}{
		"filter":    filter,
		"operation": operation,
		"condition": cond,
	}
}

func TestDatanommerCondValidation(t *testing.T) {
	history := &fakeHistory{}
	appctx := types.NewAppContext(nil)

	t.Run("missing required key", func(t *testing.T) {
		cond := c.NewDatanommerCond(map[string]interface{}{
			"filter":    map[string]interface{}{},
			"operation": "count",
		}, history, appctx)
		require.Error(t, c.AsError(cond))
	})

	t.Run("filter keys must come from the store signature", func(t *testing.T) {
		cond := c.NewDatanommerCond(datanommerNode(
			map[string]interface{}{"nonsense": "x"},
			"count",
			map[string]interface{}{"greater than": 0},
		), history, appctx)
		require.Error(t, c.AsError(cond))
	})

	t.Run("defer is reserved", func(t *testing.T) {
		cond := c.NewDatanommerCond(datanommerNode(
			map[string]interface{}{"defer": true},
			"count",
			map[string]interface{}{"greater than": 0},
		), history, appctx)
		require.Error(t, c.AsError(cond))
	})

	t.Run("condition with two keys", func(t *testing.T) {
		cond := c.NewDatanommerCond(datanommerNode(
			map[string]interface{}{"topics": "%(topic)s"},
			"count",
			map[string]interface{}{"greater than": 0, "less than": 5},
		), history, appctx)
		require.Error(t, c.AsError(cond))
	})

	t.Run("unknown condition name", func(t *testing.T) {
		cond := c.NewDatanommerCond(datanommerNode(
			map[string]interface{}{"topics": "%(topic)s"},
			"count",
			map[string]interface{}{"roughly equal to": 0},
		), history, appctx)
		require.Error(t, c.AsError(cond))
	})
}

func TestDatanommerCondThresholds(t *testing.T) {
	ctx := context.Background()
	appctx := types.NewAppContext(nil)
	m := msg("org.fedoraproject.prod.bodhi.update.comment", nil)

	cases := []struct {
		name      string
		count     int64
		threshold int
		want      bool
	}{
		{"greater than or equal to", 2, 2, true},
		{"greater than or equal to", 1, 2, false},
		{"greater than", 2, 2, false},
		{"greater than", 3, 2, true},
		{"is greater than", 2, 2, false},
		{"is greater than", 3, 2, true},
		{"less than or equal to", 2, 2, true},
		{"less than", 2, 2, false},
		{"equal to", 2, 2, true},
		{"is not", 2, 2, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s count=%d threshold=%d", tc.name, tc.count, tc.threshold), func(t *testing.T) {
			history := &fakeHistory{count: tc.count}
			cond := c.NewDatanommerCond(datanommerNode(
				map[string]interface{}{"topics": "%(topic)s"},
				"count",
				map[string]interface{}{tc.name: tc.threshold},
			), history, appctx)
			require.NoError(t, c.AsError(cond))
			require.Equal(t, tc.want, cond.Matches(ctx, m))
		})
	}
}

func TestDatanommerCondFilterSubstitution(t *testing.T) {
	ctx := context.Background()
	appctx := types.NewAppContext(nil)
	history := &fakeHistory{count: 1}

	cond := c.NewDatanommerCond(datanommerNode(
		map[string]interface{}{
			"topics": []interface{}{"%(topic)s"},
			"users":  []interface{}{"%(msg.agent.username)s"},
		},
		"count",
		map[string]interface{}{"greater than or equal to": 1},
	), history, appctx)
	require.NoError(t, c.AsError(cond))

	m := msg("org.fedoraproject.prod.bodhi.update.comment", map[string]interface{}{
		"agent": map[string]interface{}{"username": "lmacken"},
	})
	require.True(t, cond.Matches(ctx, m))

	require.Equal(t, true, history.lastArgs["defer"])
	require.Equal(t,
		[]interface{}{"org.fedoraproject.prod.bodhi.update.comment"},
		history.lastArgs["topics"])
	require.Equal(t, []interface{}{"lmacken"}, history.lastArgs["users"])
}

func TestDatanommerCondPagureUsers(t *testing.T) {
	ctx := context.Background()
	appctx := types.NewAppContext(nil)
	history := &fakeHistory{count: 1}

	cond := c.NewDatanommerCond(datanommerNode(
		map[string]interface{}{"users": "%(msg.authors)s"},
		"count",
		map[string]interface{}{"greater than or equal to": 1},
	), history, appctx)
	require.NoError(t, c.AsError(cond))

	m := msg("org.fedoraproject.prod.pagure.git.receive", map[string]interface{}{
		"authors": []interface{}{
			map[string]interface{}{"name": "pingou", "fullname": "Pierre"},
			map[string]interface{}{"name": "lsedlar", "fullname": "Lubomir"},
		},
	})
	require.True(t, cond.Matches(ctx, m))
	require.Equal(t, []interface{}{"pingou", "lsedlar"}, history.lastArgs["users"])
}

func TestDatanommerCondLambdaOperation(t *testing.T) {
	ctx := context.Background()
	appctx := types.NewAppContext(nil)

	node := datanommerNode(
		map[string]interface{}{"topics": "%(topic)s"},
		map[string]interface{}{"lambda": "query.count() == %(msg.some_value)s"},
		map[string]interface{}{"lambda": "value"},
	)
	m := msg("org.fedoraproject.prod.bodhi.update.comment", map[string]interface{}{
		"some_value": 5,
	})

	t.Run("count equals the templated value", func(t *testing.T) {
		history := &fakeHistory{count: 5}
		cond := c.NewDatanommerCond(node, history, appctx)
		require.NoError(t, c.AsError(cond))
		require.True(t, cond.Matches(ctx, m))
	})

	t.Run("count differs from the templated value", func(t *testing.T) {
		history := &fakeHistory{count: 6}
		cond := c.NewDatanommerCond(node, history, appctx)
		require.NoError(t, c.AsError(cond))
		require.False(t, cond.Matches(ctx, m))
	})
}

func TestDatanommerCondStoreFailure(t *testing.T) {
	ctx := context.Background()
	appctx := types.NewAppContext(nil)
	history := &fakeHistory{err: fmt.Errorf("connection refused")}

	cond := c.NewDatanommerCond(datanommerNode(
		map[string]interface{}{"topics": "%(topic)s"},
		"count",
		map[string]interface{}{"greater than": 0},
	), history, appctx)
	require.NoError(t, c.AsError(cond))
	require.False(t, cond.Matches(ctx, msg("a.b.c.d", nil)))
}
