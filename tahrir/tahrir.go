// Package tahrir is the client for the badge-assertion database: badge
// definitions, person records, and the assertions that say "this person
// holds this badge".  The composite unique index on (badge_id, person_id)
// is the authority for at-most-once awards; everything else is optimization.
package tahrir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/types"
)

const uniqueViolation = pq.ErrorCode("23505")

// NotificationCallback publishes the badge-awarded event after a successful
// assertion insert.  The engine is agnostic to its transport; the default
// deployment publishes back onto the bus.
type NotificationCallback func(ctx context.Context, badgeID, email string) error

const notifyAttempts = 3

// BadgeDef is what the rule repository registers per YAML definition.
type BadgeDef struct {
	Name        string
	Image       string
	Description string
	Criteria    string
	Tags        []string
	IssuerID    string
}

type Database struct {
	db     *sqlx.DB
	appctx *types.AppContext
	notify NotificationCallback
}

func New(appctx *types.AppContext, uri string, notify NotificationCallback) (*Database, error) {
	db, err := sqlx.Connect("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("connecting to tahrir db: %w", err)
	}
	return &Database{db: db, appctx: appctx, notify: notify}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(appctx *types.AppContext, db *sqlx.DB, notify NotificationCallback) *Database {
	return &Database{db: db, appctx: appctx, notify: notify}
}

func (t *Database) Close() error {
	return t.db.Close()
}

var idSeparators = regexp.MustCompile(`[^a-z0-9]+`)

// BadgeIDFromName derives the stable badge identifier from its display name,
// e.g. "Speak Up!" -> "speak-up".
func BadgeIDFromName(name string) string {
	id := idSeparators.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(id, "-")
}

// AddIssuer upserts an issuer and returns its id.
func (t *Database) AddIssuer(ctx context.Context, origin, name, org, contact string) (string, error) {
	id := BadgeIDFromName(name)
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO issuers (id, origin, name, org, contact)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET origin = EXCLUDED.origin, org = EXCLUDED.org, contact = EXCLUDED.contact`,
		id, origin, name, org, contact)
	if err != nil {
		return "", fmt.Errorf("upserting issuer %q: %w", name, err)
	}
	return id, nil
}

// AddBadge upserts a badge definition and returns its derived id.  Called
// on every rule load, so it must be idempotent.
func (t *Database) AddBadge(ctx context.Context, badge BadgeDef) (string, error) {
	id := BadgeIDFromName(badge.Name)
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO badges (id, name, image, description, criteria, tags, issuer_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET image = EXCLUDED.image, description = EXCLUDED.description,
		    criteria = EXCLUDED.criteria, tags = EXCLUDED.tags,
		    issuer_id = EXCLUDED.issuer_id`,
		id, badge.Name, badge.Image, badge.Description, badge.Criteria,
		strings.Join(badge.Tags, ","), badge.IssuerID)
	if err != nil {
		return "", fmt.Errorf("upserting badge %q: %w", badge.Name, err)
	}
	return id, nil
}

// AddPerson ensures a person record exists for the email.
func (t *Database) AddPerson(ctx context.Context, email string) error {
	nickname := strings.SplitN(email, "@", 2)[0]
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO persons (id, email, nickname, opt_out)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (email) DO NOTHING`,
		uuid.NewString(), email, nickname)
	if err != nil {
		return fmt.Errorf("inserting person %q: %w", email, err)
	}
	return nil
}

func (t *Database) AssertionExists(ctx context.Context, badgeID, email string) (bool, error) {
	var exists bool
	err := t.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM assertions a
			JOIN persons p ON p.id = a.person_id
			WHERE a.badge_id = $1 AND p.email = $2)`,
		badgeID, email)
	if err != nil {
		return false, fmt.Errorf("checking assertion (%s, %s): %w", badgeID, email, err)
	}
	return exists, nil
}

func (t *Database) PersonOptedOut(ctx context.Context, email string) (bool, error) {
	var optOut bool
	err := t.db.GetContext(ctx, &optOut,
		`SELECT opt_out FROM persons WHERE email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking opt-out for %q: %w", email, err)
	}
	return optOut, nil
}

// AddAssertion records the award.  A duplicate (badge, person) insert is the
// expected outcome of the award race between concurrent workers: it is
// swallowed and logged at warn, and the unique index stays the source of
// truth.  On a genuine insert the notification callback fires with bounded
// retry.
func (t *Database) AddAssertion(ctx context.Context, badgeID, email, evidenceURL string) error {
	var personID string
	err := t.db.GetContext(ctx, &personID,
		`SELECT id FROM persons WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("looking up person %q: %w", email, err)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO assertions (id, badge_id, person_id, issued_on, evidence_url, recipient)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), badgeID, personID, time.Now().UTC(), evidenceURL, email)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			t.appctx.Log.Warn("assertion already exists, lost the award race",
				zap.String("badge_id", badgeID), zap.String("email", email))
			return nil
		}
		return fmt.Errorf("inserting assertion (%s, %s): %w", badgeID, email, err)
	}

	t.appctx.Log.Info("awarded badge",
		zap.String("badge_id", badgeID), zap.String("email", email))
	t.sendNotification(ctx, badgeID, email)
	return nil
}

func (t *Database) sendNotification(ctx context.Context, badgeID, email string) {
	if t.notify == nil {
		return
	}
	backoff := time.Second
	var err error
	for attempt := 1; attempt <= notifyAttempts; attempt++ {
		if err = t.notify(ctx, badgeID, email); err == nil {
			return
		}
		t.appctx.Log.Warn("badge notification failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt < notifyAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
		}
	}
	t.appctx.Log.Error("giving up on badge notification",
		zap.String("badge_id", badgeID), zap.String("email", email), zap.Error(err))
}
