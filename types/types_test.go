package types_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlasgurus/badgestone/types"
)

func TestMessageCategory(t *testing.T) {
	cases := []struct {
		topic string
		want  string
	}{
		{"org.fedoraproject.prod.bodhi.update.comment", "bodhi"},
		{"org.fedoraproject.prod.pkgdb", "pkgdb"},
		{"too.short.topic", ""},
		{"", ""},
	}
	for _, tc := range cases {
		msg := &types.Message{Topic: tc.topic}
		require.Equal(t, tc.want, msg.Category(), "topic %q", tc.topic)
	}
}

func TestStringSet(t *testing.T) {
	s := types.NewStringSet("a", "b", "c")
	require.True(t, s.Contains("a"))
	require.False(t, s.Contains("z"))

	filtered := s.Filter(func(e string) bool { return e != "b" })
	require.True(t, filtered.Equals(types.NewStringSet("a", "c")))
	require.True(t, s.Contains("b"), "filter must not mutate the receiver")

	mapped := s.Map(func(e string) (string, bool) {
		if e == "c" {
			return "", false
		}
		return e + "!", true
	})
	require.True(t, mapped.Equals(types.NewStringSet("a!", "b!")))

	require.ElementsMatch(t, []string{"a", "b", "c"}, s.ToSlice())
}

func TestAppContextErrors(t *testing.T) {
	appctx := types.NewAppContext(nil)
	require.Equal(t, 0, appctx.NumErrors())

	err := appctx.Errorf("bad rule %d", 7)
	require.Error(t, err)
	require.Equal(t, 1, appctx.NumErrors())
	require.Equal(t, "bad rule 7", appctx.GetError(0).Error())

	appctx.LogError(fmt.Errorf("second"))
	require.Equal(t, 2, appctx.NumErrors())
}
