// Package fasjson is the client for the community account directory.  It is
// the most expensive collaborator in the award pipeline, so lookups go
// through a circuit breaker and positive existence checks are LRU-cached.
package fasjson

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zyedidia/generic/cache"
	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/types"
)

const defaultTimeout = 10 * time.Second
const existsCacheSize = 4096

type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	appctx  *types.AppContext

	mu     sync.Mutex
	exists *cache.Cache[string, bool]
}

func New(appctx *types.AppContext, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "fasjson",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		appctx: appctx,
		exists: cache.New[string, bool](existsCacheSize),
	}
}

type userResult struct {
	Username string `json:"username"`
}

type getUserResponse struct {
	Result userResult `json:"result"`
}

type searchResponse struct {
	Result []userResult `json:"result"`
	Page   struct {
		TotalResults int `json:"total_results"`
	} `json:"page"`
}

// GetUser fetches an account by name; found is false on a clean 404.
func (c *Client) GetUser(ctx context.Context, username string) (string, bool, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/", c.baseURL, url.PathEscape(username))
	body, status, err := c.get(ctx, endpoint)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNotFound {
		return "", false, nil
	}
	var decoded getUserResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", false, fmt.Errorf("decoding fasjson user response: %w", err)
	}
	return decoded.Result.Username, decoded.Result.Username != "", nil
}

// UserExists reports whether the account is real.  This is the last and
// most expensive filter of the award pipeline; positive answers are cached.
func (c *Client) UserExists(ctx context.Context, username string) (bool, error) {
	c.mu.Lock()
	cached, ok := c.exists.Get(username)
	c.mu.Unlock()
	if ok {
		return cached, nil
	}
	_, found, err := c.GetUser(ctx, username)
	if err != nil {
		return false, err
	}
	if found {
		// Negative answers are not cached: accounts get created.
		c.mu.Lock()
		c.exists.Put(username, true)
		c.mu.Unlock()
	}
	return found, nil
}

// SearchByEmail resolves an email to an account name; "" when the search
// does not return exactly one account.
func (c *Client) SearchByEmail(ctx context.Context, email string) (string, error) {
	return c.searchOne(ctx, url.Values{"email": []string{email}})
}

// SearchByGitHub resolves a GitHub login to an account name; "" when the
// search does not return exactly one account.
func (c *Client) SearchByGitHub(ctx context.Context, login string) (string, error) {
	return c.searchOne(ctx, url.Values{"github_username__exact": []string{login}})
}

func (c *Client) searchOne(ctx context.Context, query url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/search/users/?%s", c.baseURL, query.Encode())
	body, status, err := c.get(ctx, endpoint)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}
	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decoding fasjson search response: %w", err)
	}
	if decoded.Page.TotalResults != 1 || len(decoded.Result) != 1 {
		c.appctx.Log.Debug("fasjson search was not unique",
			zap.Int("total_results", decoded.Page.TotalResults))
		return "", nil
	}
	return decoded.Result[0].Username, nil
}

type response struct {
	body   []byte
	status int
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
			return nil, fmt.Errorf("fasjson returned %s for %s", resp.Status, endpoint)
		}
		return response{body: body, status: resp.StatusCode}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := result.(response)
	return r.body, r.status, nil
}
