package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/types"
)

// Directory is the slice of the account directory the translators need.
// The real implementation is fasjson.Client.
type Directory interface {
	GetUser(ctx context.Context, username string) (string, bool, error)
	UserExists(ctx context.Context, username string) (bool, error)
	SearchByEmail(ctx context.Context, email string) (string, error)
	SearchByGitHub(ctx context.Context, login string) (string, error)
}

// translator maps one raw identifier to an account name.  ok=false drops
// the identifier from the awardee set.
type translator func(ctx context.Context, id string) (string, bool)

var githubUserURI = regexp.MustCompile(`^https?://api\.github\.com/users/([a-z][a-z0-9-]+)$`)

// translators builds the identity-translation pipeline for a rule.  The
// entries are applied in this fixed order when the matching flag is set.
type translators struct {
	nick2fas    translator
	email2fas   translator
	openid2fas  translator
	github2fas  translator
	distgit2fas translator
	krb2fas     translator
}

func newTranslators(directory Directory, idProviderHost, distgitHost, primaryDomain string, appctx *types.AppContext) *translators {
	// Account names can start with a digit and carry hyphens; dist-git path
	// segments additionally allow underscores and mixed case.
	openidPattern := regexp.MustCompile(
		fmt.Sprintf(`^https?://([a-z0-9][a-z0-9-]*)\.%s$`, regexp.QuoteMeta(idProviderHost)))
	distgitPattern := regexp.MustCompile(
		fmt.Sprintf(`^https?://%s/user/([a-zA-Z0-9_][a-zA-Z0-9_-]*)$`, regexp.QuoteMeta(distgitHost)))

	return &translators{
		nick2fas: func(ctx context.Context, nick string) (string, bool) {
			username, found, err := directory.GetUser(ctx, nick)
			if err != nil {
				appctx.Log.Warn("nick2fas lookup failed", zap.String("nick", nick), zap.Error(err))
				return "", false
			}
			if !found {
				return "", false
			}
			return username, true
		},

		email2fas: func(ctx context.Context, email string) (string, bool) {
			if nick, ok := strings.CutSuffix(email, "@"+primaryDomain); ok {
				return nick, true
			}
			username, err := directory.SearchByEmail(ctx, email)
			if err != nil {
				appctx.Log.Warn("email2fas search failed", zap.String("email", email), zap.Error(err))
				return "", false
			}
			return username, username != ""
		},

		// An agent string that is not an OpenID URI passes through unchanged.
		openid2fas: func(ctx context.Context, openid string) (string, bool) {
			if m := openidPattern.FindStringSubmatch(openid); m != nil {
				return m[1], true
			}
			return openid, true
		},

		github2fas: func(ctx context.Context, uri string) (string, bool) {
			m := githubUserURI.FindStringSubmatch(uri)
			if m == nil {
				return uri, true
			}
			username, err := directory.SearchByGitHub(ctx, m[1])
			if err != nil {
				appctx.Log.Warn("github2fas search failed", zap.String("uri", uri), zap.Error(err))
				return "", false
			}
			// "" means the search was not unique; drop rather than guess.
			return username, username != ""
		},

		distgit2fas: func(ctx context.Context, uri string) (string, bool) {
			if m := distgitPattern.FindStringSubmatch(uri); m != nil {
				return m[1], true
			}
			return uri, true
		},

		krb2fas: func(ctx context.Context, principal string) (string, bool) {
			name, _, _ := strings.Cut(principal, "/")
			return name, true
		},
	}
}
