package tahrir_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/atlasgurus/badgestone/tahrir"
	"github.com/atlasgurus/badgestone/types"
)

func newTestDB(t *testing.T, notify tahrir.NotificationCallback) (*tahrir.Database, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return tahrir.NewWithDB(types.NewAppContext(nil), db, notify), mock
}

func TestBadgeIDFromName(t *testing.T) {
	cases := map[string]string{
		"Speak Up!":        "speak-up",
		"Like a Rock":      "like-a-rock",
		"bodhi":            "bodhi",
		"  Spaces  Galore": "spaces-galore",
	}
	for name, want := range cases {
		require.Equal(t, want, tahrir.BadgeIDFromName(name), "name %q", name)
	}
}

func TestAddBadge(t *testing.T) {
	db, mock := newTestDB(t, nil)
	mock.ExpectExec("INSERT INTO badges").
		WithArgs("speak-up", "Speak Up!", "http://img", "desc", "http://disc",
			"community,bodhi", "fedora-project").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := db.AddBadge(context.Background(), tahrir.BadgeDef{
		Name:        "Speak Up!",
		Image:       "http://img",
		Description: "desc",
		Criteria:    "http://disc",
		Tags:        []string{"community", "bodhi"},
		IssuerID:    "fedora-project",
	})
	require.NoError(t, err)
	require.Equal(t, "speak-up", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssertionExists(t *testing.T) {
	db, mock := newTestDB(t, nil)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("speak-up", "toshio@fedoraproject.org").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := db.AssertionExists(context.Background(), "speak-up", "toshio@fedoraproject.org")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPersonOptedOut(t *testing.T) {
	db, mock := newTestDB(t, nil)

	t.Run("opted out", func(t *testing.T) {
		mock.ExpectQuery("SELECT opt_out FROM persons").
			WithArgs("ralph@fedoraproject.org").
			WillReturnRows(sqlmock.NewRows([]string{"opt_out"}).AddRow(true))
		optedOut, err := db.PersonOptedOut(context.Background(), "ralph@fedoraproject.org")
		require.NoError(t, err)
		require.True(t, optedOut)
	})

	t.Run("unknown person is not opted out", func(t *testing.T) {
		mock.ExpectQuery("SELECT opt_out FROM persons").
			WithArgs("nobody@fedoraproject.org").
			WillReturnRows(sqlmock.NewRows([]string{"opt_out"}))
		optedOut, err := db.PersonOptedOut(context.Background(), "nobody@fedoraproject.org")
		require.NoError(t, err)
		require.False(t, optedOut)
	})
}

func TestAddAssertion(t *testing.T) {
	t.Run("insert fires the notification", func(t *testing.T) {
		var notified []string
		db, mock := newTestDB(t, func(ctx context.Context, badgeID, email string) error {
			notified = append(notified, badgeID+"|"+email)
			return nil
		})
		mock.ExpectQuery("SELECT id FROM persons").
			WithArgs("toshio@fedoraproject.org").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("person-1"))
		mock.ExpectExec("INSERT INTO assertions").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := db.AddAssertion(context.Background(), "speak-up",
			"toshio@fedoraproject.org", "http://evidence")
		require.NoError(t, err)
		require.Equal(t, []string{"speak-up|toshio@fedoraproject.org"}, notified)
	})

	t.Run("duplicate insert is swallowed and does not notify", func(t *testing.T) {
		var notified int
		db, mock := newTestDB(t, func(ctx context.Context, badgeID, email string) error {
			notified++
			return nil
		})
		mock.ExpectQuery("SELECT id FROM persons").
			WithArgs("toshio@fedoraproject.org").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("person-1"))
		mock.ExpectExec("INSERT INTO assertions").
			WillReturnError(&pq.Error{Code: "23505"})

		err := db.AddAssertion(context.Background(), "speak-up",
			"toshio@fedoraproject.org", "http://evidence")
		require.NoError(t, err)
		require.Zero(t, notified)
	})

	t.Run("other insert errors propagate", func(t *testing.T) {
		db, mock := newTestDB(t, nil)
		mock.ExpectQuery("SELECT id FROM persons").
			WithArgs("toshio@fedoraproject.org").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("person-1"))
		mock.ExpectExec("INSERT INTO assertions").
			WillReturnError(fmt.Errorf("disk full"))

		err := db.AddAssertion(context.Background(), "speak-up",
			"toshio@fedoraproject.org", "http://evidence")
		require.ErrorContains(t, err, "disk full")
	})
}

func TestAddPerson(t *testing.T) {
	db, mock := newTestDB(t, nil)
	mock.ExpectExec("INSERT INTO persons").
		WithArgs(sqlmock.AnyArg(), "toshio@fedoraproject.org", "toshio").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.AddPerson(context.Background(), "toshio@fedoraproject.org"))
	require.NoError(t, mock.ExpectationsWereMet())
}
