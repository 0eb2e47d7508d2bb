// Package rules turns YAML badge definitions into executable award rules
// and owns the per-message eligibility pipeline.
package rules

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/condition"
	"github.com/atlasgurus/badgestone/subst"
	"github.com/atlasgurus/badgestone/tahrir"
	"github.com/atlasgurus/badgestone/types"
)

// AssertionStore is the slice of the badge database a rule needs: badge
// registration at load time, dedup and opt-out checks at match time.
type AssertionStore interface {
	AddBadge(ctx context.Context, badge tahrir.BadgeDef) (string, error)
	AssertionExists(ctx context.Context, badgeID, email string) (bool, error)
	PersonOptedOut(ctx context.Context, email string) (bool, error)
}

// Deps carries the collaborators threaded through rule construction.
type Deps struct {
	Factory   *condition.Factory
	History   condition.History
	Directory Directory

	IDProviderHostname string
	DistgitHostname    string
	PrimaryDomain      string

	AppCtx *types.AppContext
}

var requiredFields = []string{
	"name", "image_url", "description", "creator",
	"discussion", "issuer_id", "trigger", "criteria",
}

var possibleFields = func() types.StringSet {
	possible := types.NewStringSet(requiredFields...)
	possible.Add("tags")
	possible.Add("recipient")
	for _, flag := range []string{
		"recipient_nick2fas", "recipient_email2fas", "recipient_openid2fas",
		"recipient_github2fas", "recipient_distgit2fas", "recipient_krb2fas",
	} {
		possible.Add(flag)
	}
	return possible
}()

var bannedUsernames = types.NewStringSet("bodhi", "oscar", "apache", "koji", "taskotron")

// BadgeRule is the in-memory form of one YAML badge definition.
type BadgeRule struct {
	Name        string
	BadgeID     string
	Description string
	Image       string
	Creator     string
	Discussion  string
	IssuerID    string
	Tags        []string

	Trigger  condition.Condition
	Criteria condition.Condition

	recipientKey string
	nick2fas     bool
	email2fas    bool
	openid2fas   bool
	github2fas   bool
	distgit2fas  bool
	krb2fas      bool

	translate     *translators
	directory     Directory
	primaryDomain string
	appctx        *types.AppContext
}

// NewBadgeRule validates the definition shape and compiles the trigger and
// criteria.  Any violation is a definition error: the rule is rejected and
// the caller moves on to the next file.
func NewBadgeRule(def map[string]interface{}, issuerID string, deps *Deps) (*BadgeRule, error) {
	for key := range def {
		if !possibleFields.Contains(key) {
			return nil, fmt.Errorf("%q is not a possible field, choose from %v",
				key, possibleFields.ToSlice())
		}
	}
	for _, key := range requiredFields {
		if _, ok := def[key]; !ok {
			return nil, fmt.Errorf("badge rule requires %q", key)
		}
	}

	str := func(key string) string {
		s, _ := def[key].(string)
		return s
	}
	rule := &BadgeRule{
		Name:        str("name"),
		Description: str("description"),
		Image:       str("image_url"),
		Creator:     str("creator"),
		Discussion:  str("discussion"),
		IssuerID:    issuerID,
		BadgeID:     tahrir.BadgeIDFromName(str("name")),

		recipientKey: str("recipient"),
		nick2fas:     boolField(def, "recipient_nick2fas"),
		email2fas:    boolField(def, "recipient_email2fas"),
		openid2fas:   boolField(def, "recipient_openid2fas"),
		github2fas:   boolField(def, "recipient_github2fas"),
		distgit2fas:  boolField(def, "recipient_distgit2fas"),
		krb2fas:      boolField(def, "recipient_krb2fas"),

		translate: newTranslators(deps.Directory,
			deps.IDProviderHostname, deps.DistgitHostname, deps.PrimaryDomain, deps.AppCtx),
		directory:     deps.Directory,
		primaryDomain: deps.PrimaryDomain,
		appctx:        deps.AppCtx,
	}
	if rule.Name == "" {
		return nil, fmt.Errorf("badge rule name must be a non-empty string")
	}
	if tags, ok := def["tags"].([]interface{}); ok {
		for _, tag := range tags {
			rule.Tags = append(rule.Tags, fmt.Sprintf("%v", tag))
		}
	}

	rule.Trigger = condition.ParseTrigger(def["trigger"], deps.Factory, deps.AppCtx)
	if err := condition.AsError(rule.Trigger); err != nil {
		return nil, fmt.Errorf("trigger of %q: %w", rule.Name, err)
	}
	rule.Criteria = condition.ParseCriteria(def["criteria"], deps.History, deps.Factory, deps.AppCtx)
	if err := condition.AsError(rule.Criteria); err != nil {
		return nil, fmt.Errorf("criteria of %q: %w", rule.Name, err)
	}
	return rule, nil
}

func boolField(def map[string]interface{}, key string) bool {
	b, _ := def[key].(bool)
	return b
}

// Register upserts the badge definition in the assertion store and pins the
// derived badge id.  Called on every rule load; the upsert is idempotent.
func (r *BadgeRule) Register(ctx context.Context, store AssertionStore) error {
	id, err := store.AddBadge(ctx, tahrir.BadgeDef{
		Name:        r.Name,
		Image:       r.Image,
		Description: r.Description,
		Criteria:    r.Discussion,
		Tags:        r.Tags,
		IssuerID:    r.IssuerID,
	})
	if err != nil {
		return err
	}
	r.BadgeID = id
	return nil
}

func (r *BadgeRule) Email(user string) string {
	return user + "@" + r.primaryDomain
}

// Matches runs the eligibility pipeline and returns the accounts that should
// receive this badge for this message.  Stages run cheapest first: trigger,
// recipient extraction and translation, banned and IP and dedup and opt-out
// filters, the historical criteria, and only then the directory existence
// check.  Evaluation errors drain to an empty set; the returned error is
// reserved for data that indicates an upstream schema change.
func (r *BadgeRule) Matches(ctx context.Context, msg *types.Message, store AssertionStore) (types.StringSet, error) {
	empty := types.NewStringSet()

	if !r.Trigger.Matches(ctx, msg) {
		return empty, nil
	}

	awardees, err := r.initialAwardees(ctx, msg)
	if err != nil {
		return empty, err
	}

	awardees = awardees.Filter(func(user string) bool {
		return !bannedUsernames.Contains(user)
	})
	awardees = awardees.Filter(func(user string) bool {
		return !strings.HasPrefix(user, "192.168.") && !strings.HasPrefix(user, "10.")
	})
	if len(awardees) == 0 {
		return awardees, nil
	}

	// Dedup and opt-out are local database checks, still cheaper than the
	// archival queries the criteria will run.
	awardees = awardees.Filter(func(user string) bool {
		email := r.Email(user)
		exists, err := store.AssertionExists(ctx, r.BadgeID, email)
		if err != nil {
			r.appctx.Log.Warn("dedup check failed, withholding award",
				zap.String("badge_id", r.BadgeID), zap.String("email", email), zap.Error(err))
			return false
		}
		if exists {
			return false
		}
		optedOut, err := store.PersonOptedOut(ctx, email)
		if err != nil {
			r.appctx.Log.Warn("opt-out check failed, withholding award",
				zap.String("badge_id", r.BadgeID), zap.String("email", email), zap.Error(err))
			return false
		}
		return !optedOut
	})
	if len(awardees) == 0 {
		return awardees, nil
	}

	if !r.Criteria.Matches(ctx, msg) {
		return empty, nil
	}

	// The most expensive filter runs last, only on otherwise-winning
	// candidates: make sure the account actually exists.
	awardees = awardees.Filter(func(user string) bool {
		exists, err := r.directory.UserExists(ctx, user)
		if err != nil {
			r.appctx.Log.Warn("existence check failed, withholding award",
				zap.String("user", user), zap.Error(err))
			return false
		}
		return exists
	})
	return awardees, nil
}

// initialAwardees computes the candidate set before filtering: either the
// expanded recipient template with the requested identity translations, or
// the bus message's derived username set.
func (r *BadgeRule) initialAwardees(ctx context.Context, msg *types.Message) (types.StringSet, error) {
	if r.recipientKey == "" {
		return types.NewStringSet(msg.Usernames...), nil
	}

	subs := subst.Flatten(map[string]interface{}{"msg": mapOrEmpty(msg.Body)})
	obj, err := subst.Format(r.recipientKey, subs)
	if err != nil {
		// Partial message without the templated key; not this rule's event.
		r.appctx.Log.Debug("recipient template did not resolve",
			zap.String("badge_id", r.BadgeID), zap.Error(err))
		return types.NewStringSet(), nil
	}

	var raw []interface{}
	switch v := obj.(type) {
	case nil:
		// A message can carry null for its agent, e.g. a comment from
		// someone without an account.
	case string:
		raw = []interface{}{v}
	case int, int64, float64:
		raw = []interface{}{fmt.Sprintf("%v", v)}
	case []interface{}:
		raw = v
	default:
		return types.NewStringSet(), fmt.Errorf("recipient %q expanded to %T", r.recipientKey, obj)
	}

	// Pagure messages list authors as {name, fullname} mappings.  An entry
	// without a name means the message schema changed; that error must
	// surface instead of silently dropping an awardee.
	authors, err := subst.ExtractAuthors(raw)
	if err != nil {
		return types.NewStringSet(), err
	}

	awardees := types.NewStringSet()
	if authors != nil {
		awardees = types.NewStringSet(authors...)
	} else {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				awardees.Add(s)
			} else if item != nil {
				awardees.Add(fmt.Sprintf("%v", item))
			}
		}
	}

	for _, step := range []struct {
		enabled bool
		fn      translator
	}{
		{r.nick2fas, r.translate.nick2fas},
		{r.email2fas, r.translate.email2fas},
		{r.openid2fas, r.translate.openid2fas},
		{r.github2fas, r.translate.github2fas},
		{r.distgit2fas, r.translate.distgit2fas},
		{r.krb2fas, r.translate.krb2fas},
	} {
		if step.enabled {
			fn := step.fn
			awardees = awardees.Map(func(id string) (string, bool) {
				return fn(ctx, id)
			})
		}
	}
	awardees = awardees.Filter(func(user string) bool { return user != "" })
	return awardees, nil
}

func mapOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
