// Package engine drives badge awarding: the consumer loop that evaluates
// every incoming bus message against the active rule set, and the periodic
// task that hot-reloads the rules.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/cloudflare/ahocorasick"
	"github.com/dchest/siphash"
	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/condition"
	"github.com/atlasgurus/badgestone/rules"
	"github.com/atlasgurus/badgestone/types"
)

// AwardStore is the assertion-store surface the consumer needs on top of
// what rule matching already uses.
type AwardStore interface {
	rules.AssertionStore
	AddPerson(ctx context.Context, email string) error
	AddAssertion(ctx context.Context, badgeID, email, evidenceURL string) error
}

// MessageSource yields decoded bus messages.  Next returns io.EOF when the
// source is drained.
type MessageSource interface {
	Next(ctx context.Context) (*types.Message, error)
}

const lockStripes = 64

type Consumer struct {
	repo           *rules.Repo
	store          AwardStore
	datagrepperURL string
	consumeDelay   time.Duration
	appctx         *types.AppContext

	// Striped award locks serialise concurrent awards of the same badge to
	// the same recipient.  The store's unique index is the real guarantee;
	// the locks just keep the duplicate-insert path quiet.
	locks [lockStripes]sync.Mutex

	mu        sync.Mutex
	prefilter *prefilter
}

func NewConsumer(repo *rules.Repo, store AwardStore, datagrepperURL string,
	consumeDelay time.Duration, appctx *types.AppContext) *Consumer {
	return &Consumer{
		repo:           repo,
		store:          store,
		datagrepperURL: datagrepperURL,
		consumeDelay:   consumeDelay,
		appctx:         appctx,
	}
}

// Run drains the source, evaluating one message at a time.  It returns nil
// on a drained source or a cancelled context.
func (c *Consumer) Run(ctx context.Context, source MessageSource) error {
	for {
		msg, err := source.Next(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}
		c.HandleMessage(ctx, msg)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// HandleMessage evaluates one message against the current rule snapshot.
// Errors from a single rule are logged and never abort the remaining rules.
func (c *Consumer) HandleMessage(ctx context.Context, msg *types.Message) {
	// The same message must settle into the archival store before any
	// criteria counts it; querying too early skews the counts.
	if c.consumeDelay > 0 {
		select {
		case <-time.After(c.consumeDelay):
		case <-ctx.Done():
			return
		}
	}

	snapshot := c.repo.Rules()
	link := fmt.Sprintf("%s/id?id=%s&is_raw=true&size=extra-large",
		c.datagrepperURL, url.QueryEscape(msg.ID))

	c.appctx.Log.Debug("received message",
		zap.String("topic", msg.Topic), zap.String("message_id", msg.ID))

	for _, rule := range c.candidates(snapshot, msg) {
		recipients, err := rule.Matches(ctx, msg, c.store)
		if err != nil {
			c.appctx.Log.Error("rule evaluation failed",
				zap.String("badge_id", rule.BadgeID),
				zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		for recipient := range recipients {
			if err := c.award(ctx, rule, recipient, link); err != nil {
				c.appctx.Log.Error("award failed",
					zap.String("badge_id", rule.BadgeID),
					zap.String("recipient", recipient), zap.Error(err))
			}
		}
	}

	c.appctx.Log.Debug("done with message",
		zap.String("topic", msg.Topic), zap.String("message_id", msg.ID))
}

func (c *Consumer) award(ctx context.Context, rule *rules.BadgeRule, recipient, link string) error {
	lock := c.awardLock(rule.BadgeID, recipient)
	lock.Lock()
	defer lock.Unlock()

	email := rule.Email(recipient)
	if err := c.store.AddPerson(ctx, email); err != nil {
		return err
	}
	return c.store.AddAssertion(ctx, rule.BadgeID, email, link)
}

func (c *Consumer) awardLock(badgeID, recipient string) *sync.Mutex {
	h := siphash.Hash(0, 0, []byte(badgeID+"\x00"+recipient))
	return &c.locks[h%lockStripes]
}

// prefilter skips rules whose trigger cannot possibly match the topic.  The
// hints come from the trigger trees; rules with opaque triggers (lambdas,
// negations) are always evaluated.
type prefilter struct {
	snapshot []*rules.BadgeRule
	matcher  *ahocorasick.Matcher
	hinted   [][]*rules.BadgeRule
	opaque   []*rules.BadgeRule
}

func buildPrefilter(snapshot []*rules.BadgeRule) *prefilter {
	pf := &prefilter{snapshot: snapshot}

	// Rules sharing a hint (two badges on the same category, say) share one
	// dictionary pattern: the matcher reports each distinct pattern once, so
	// the bucket has to carry every rule hinted by it.
	byHint := make(map[string][]*rules.BadgeRule)
	var order []string
	for _, rule := range snapshot {
		hints, ok := condition.TopicHints(rule.Trigger)
		if !ok {
			pf.opaque = append(pf.opaque, rule)
			continue
		}
		for _, hint := range hints {
			if _, seen := byHint[hint]; !seen {
				order = append(order, hint)
			}
			byHint[hint] = append(byHint[hint], rule)
		}
	}

	patterns := make([][]byte, 0, len(order))
	for _, hint := range order {
		patterns = append(patterns, []byte(hint))
		pf.hinted = append(pf.hinted, byHint[hint])
	}
	if len(patterns) > 0 {
		pf.matcher = ahocorasick.NewMatcher(patterns)
	}
	return pf
}

// candidates returns the snapshot's rules worth evaluating for the topic.
func (c *Consumer) candidates(snapshot []*rules.BadgeRule, msg *types.Message) []*rules.BadgeRule {
	c.mu.Lock()
	if c.prefilter == nil || !sameSnapshot(c.prefilter.snapshot, snapshot) {
		c.prefilter = buildPrefilter(snapshot)
	}
	pf := c.prefilter
	c.mu.Unlock()

	result := append([]*rules.BadgeRule(nil), pf.opaque...)
	seen := make(map[*rules.BadgeRule]bool, len(result))
	for _, rule := range result {
		seen[rule] = true
	}
	if pf.matcher != nil {
		for _, hit := range pf.matcher.Match([]byte(msg.Topic)) {
			for _, rule := range pf.hinted[hit] {
				if !seen[rule] {
					seen[rule] = true
					result = append(result, rule)
				}
			}
		}
	}
	return result
}

func sameSnapshot(a, b []*rules.BadgeRule) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}
