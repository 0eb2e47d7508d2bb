package fasjson_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasgurus/badgestone/fasjson"
	"github.com/atlasgurus/badgestone/types"
)

func newTestClient(t *testing.T, handler http.Handler) (*fasjson.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := fasjson.New(types.NewAppContext(nil), server.URL, 2*time.Second)
	return client, server
}

func TestGetUser(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/toshio/":
			fmt.Fprint(w, `{"result":{"username":"toshio"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	t.Run("found", func(t *testing.T) {
		username, found, err := client.GetUser(context.Background(), "toshio")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "toshio", username)
	})

	t.Run("clean 404 is not an error", func(t *testing.T) {
		_, found, err := client.GetUser(context.Background(), "nobody")
		require.NoError(t, err)
		require.False(t, found)
	})
}

func TestUserExistsCachesPositives(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/v1/users/toshio/":
			fmt.Fprint(w, `{"result":{"username":"toshio"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	for i := 0; i < 3; i++ {
		exists, err := client.UserExists(context.Background(), "toshio")
		require.NoError(t, err)
		require.True(t, exists)
	}
	require.EqualValues(t, 1, hits.Load(), "positive answers are cached")

	for i := 0; i < 2; i++ {
		exists, err := client.UserExists(context.Background(), "nobody")
		require.NoError(t, err)
		require.False(t, exists)
	}
	require.EqualValues(t, 3, hits.Load(), "negative answers are not cached")
}

func TestSearchByGitHub(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/search/users/", r.URL.Path)
		switch r.URL.Query().Get("github_username__exact") {
		case "dummygh":
			fmt.Fprint(w, `{"result":[{"username":"dummy"}],"page":{"total_results":1}}`)
		case "popular":
			fmt.Fprint(w, `{"result":[{"username":"a"},{"username":"b"}],"page":{"total_results":2}}`)
		default:
			fmt.Fprint(w, `{"result":[],"page":{"total_results":0}}`)
		}
	}))

	t.Run("unique match", func(t *testing.T) {
		username, err := client.SearchByGitHub(context.Background(), "dummygh")
		require.NoError(t, err)
		require.Equal(t, "dummy", username)
	})

	t.Run("ambiguous match resolves to nothing", func(t *testing.T) {
		username, err := client.SearchByGitHub(context.Background(), "popular")
		require.NoError(t, err)
		require.Empty(t, username)
	})

	t.Run("no match resolves to nothing", func(t *testing.T) {
		username, err := client.SearchByGitHub(context.Background(), "ghost")
		require.NoError(t, err)
		require.Empty(t, username)
	})
}

func TestSearchByEmail(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") == "ralph@example.com" {
			fmt.Fprint(w, `{"result":[{"username":"ralph"}],"page":{"total_results":1}}`)
			return
		}
		fmt.Fprint(w, `{"result":[],"page":{"total_results":0}}`)
	}))

	username, err := client.SearchByEmail(context.Background(), "ralph@example.com")
	require.NoError(t, err)
	require.Equal(t, "ralph", username)
}

func TestServerErrorsPropagate(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, _, err := client.GetUser(context.Background(), "toshio")
	require.Error(t, err)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 5; i++ {
		_, _, err := client.GetUser(context.Background(), "toshio")
		require.Error(t, err)
	}
	// The breaker is now open; calls fail fast without reaching the server.
	_, _, err := client.GetUser(context.Background(), "toshio")
	require.Error(t, err)
}
