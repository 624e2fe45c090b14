package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"tessera.org/internal/ability"
	"tessera.org/internal/auth"
	"tessera.org/internal/condition"
	"tessera.org/internal/fault"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return New(db), mock
}

var userCols = []string{"id", "tenant_id", "username", "password_hash", "status", "settings", "created_at"}

func TestFindByUsername(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("from users.*lower\\(username\\) = lower\\(\\$2\\)").
		WithArgs("t1", "Alice").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "t1", "alice", "hash", "active", []byte(`{"region":"north"}`), created))

	u, err := store.FindByUsername(context.Background(), "t1", "Alice")
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, "north", u.Settings["region"])
	require.Equal(t, created, u.CreatedAt)

	mock.ExpectQuery("from users where id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(userCols))
	_, err = store.Find(context.Background(), "missing")
	require.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemberships(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select ur.role_id, r.name, r.description, coalesce\\(ur.active, true\\)").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "name", "description", "active", "assigned_at"}).
			AddRow("buyer", "Buyer", "", true, at).
			AddRow("agent", "Agent", "sells", false, at))

	ms, err := store.Memberships(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, "u1", ms[0].UserID)
	require.True(t, ms[0].Active)
	require.False(t, ms[1].Active)
	require.Equal(t, "sells", ms[1].Description)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHoldsRole(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select exists").WithArgs("u1", "agent").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	held, err := store.HoldsRole(context.Background(), "u1", "agent")
	require.NoError(t, err)
	require.True(t, held)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPreferenceDefaultsWhenAbsent(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from user_preferences").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"auto_login", "default_role_id", "recent_role_ids", "updated_at"}))

	p, err := store.Preference(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, auth.Preference{UserID: "u1"}, p)

	mock.ExpectQuery("from user_preferences").WithArgs("u2").
		WillReturnRows(sqlmock.NewRows([]string{"auto_login", "default_role_id", "recent_role_ids", "updated_at"}).
			AddRow(true, "agent", []byte(`["agent","buyer"]`), time.Now()))
	p, err = store.Preference(context.Background(), "u2")
	require.NoError(t, err)
	require.True(t, p.AutoLogin)
	require.Equal(t, []string{"agent", "buyer"}, p.RecentRoleIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRotatesInOneTransaction(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("insert into user_preferences\\(user_id, updated_at\\).*do nothing").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select recent_role_ids from user_preferences where user_id = \\$1 for update").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"recent_role_ids"}).AddRow([]byte(`["buyer","agent"]`)))
	mock.ExpectExec("update user_preferences set recent_role_ids").
		WithArgs("u1", []byte(`["agent","buyer"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into user_preferences\\(user_id, auto_login, default_role_id").
		WithArgs("u1", true, "agent").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("insert into user_sessions.*generation = user_sessions.generation \\+ 1").
		WithArgs("u1", "rt-2").
		WillReturnRows(sqlmock.NewRows([]string{"refresh_id", "generation", "updated_at"}).AddRow("rt-2", int64(4), now))
	mock.ExpectCommit()

	rec, err := store.Commit(context.Background(), "u1", auth.SessionUpdate{
		Rotate:    true,
		RefreshID: "rt-2",
		UseRole:   "agent",
		Default:   &auth.DefaultRole{RoleID: "agent", AutoLogin: true},
	})
	require.NoError(t, err)
	require.Equal(t, auth.SessionRecord{UserID: "u1", RefreshID: "rt-2", Generation: 4, UpdatedAt: now}, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRevokeStoresNull(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("insert into user_sessions").
		WithArgs("u1", nil).
		WillReturnRows(sqlmock.NewRows([]string{"refresh_id", "generation", "updated_at"}).AddRow("", int64(2), time.Now()))
	mock.ExpectCommit()

	rec, err := store.Commit(context.Background(), "u1", auth.SessionUpdate{Rotate: true})
	require.NoError(t, err)
	require.Empty(t, rec.RefreshID)
	require.Equal(t, int64(2), rec.Generation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRollsBackOnFailure(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into user_preferences").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := store.Commit(context.Background(), "u1", auth.SessionUpdate{UseRole: "a"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitUseRoleStartsEmptyList(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into user_preferences").WithArgs("u1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("for update").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"recent_role_ids"}).AddRow([]byte(`[]`)))
	mock.ExpectExec("update user_preferences").
		WithArgs("u1", []byte(`["buyer"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from user_sessions").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"refresh_id", "generation", "updated_at"}))
	mock.ExpectCommit()

	_, err := store.Commit(context.Background(), "u1", auth.SessionUpdate{UseRole: "buyer"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitWithoutRotateReadsSession(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into user_preferences").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("from user_sessions").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"refresh_id", "generation", "updated_at"}))
	mock.ExpectCommit()

	rec, err := store.Commit(context.Background(), "u1", auth.SessionUpdate{Default: &auth.DefaultRole{}})
	require.NoError(t, err)
	require.Equal(t, auth.SessionRecord{UserID: "u1"}, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserAbilitiesDecodeRows(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := at.Add(time.Hour)

	cols := []string{"id", "user_id", "tenant_id", "role_context_id", "action", "subject",
		"conditions", "fields", "inverted", "priority", "reason", "expires_at", "created_at"}
	mock.ExpectQuery("from user_abilities").
		WithArgs("u1", "t1", at).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("o1", "u1", "t1", "agent", "update", "Property",
				[]byte(`{"agent_id":"${user.id}"}`), []byte(`["price"]`), false, 5, "cover", expires, at).
			AddRow("o2", "u1", "t1", "", "read", "Lead",
				[]byte(`not json`), nil, true, 0, "", nil, at))

	got, err := store.UserAbilitiesForUser(context.Background(), "u1", "t1", at)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, ability.ActionUpdate, got[0].Action)
	require.Equal(t, "${user.id}", got[0].Conditions["agent_id"])
	require.Equal(t, []string{"price"}, got[0].Fields)
	require.Equal(t, 15, got[0].EffectivePriority())
	require.NotNil(t, got[0].ExpiresAt)
	require.True(t, got[0].ExpiresAt.Equal(expires))

	require.Nil(t, got[1].ExpiresAt)
	require.Nil(t, got[1].Fields)
	require.ErrorIs(t, condition.Validate(got[1].Conditions), condition.ErrMalformed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAbilitiesForRole(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectQuery("from abilities").WithArgs("agent").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role_id", "action", "subject", "conditions", "fields", "inverted", "priority", "created_at"}).
			AddRow("a1", "agent", "manage", "all", nil, nil, false, 0, at))

	got, err := store.AbilitiesForRole(context.Background(), "agent")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ability.ActionManage, got[0].Action)
	require.Nil(t, got[0].Conditions)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAbilityEncodesJSON(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectQuery("insert into abilities").
		WithArgs("a1", "agent", "read", "Lead", []byte(`{"status":"open"}`), nil, false, 3).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(at))

	a, err := store.CreateAbility(context.Background(), ability.Ability{
		ID:         "a1",
		RoleID:     "agent",
		Action:     ability.ActionRead,
		Subject:    "Lead",
		Conditions: condition.Conditions{"status": "open"},
		Priority:   3,
	})
	require.NoError(t, err)
	require.Equal(t, at, a.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserAbilityMapsForeignKeyViolation(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("insert into user_abilities").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation, ConstraintName: "user_abilities_user_id_fkey"})

	_, err := store.CreateUserAbility(context.Background(), ability.UserAbility{
		UserID:   "ghost",
		TenantID: "t1",
		Action:   ability.ActionRead,
		Subject:  "Lead",
	})
	require.ErrorIs(t, err, fault.ErrConflict)
	require.Equal(t, fault.ReasonInvalidRule, fault.ReasonOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNilDatabase(t *testing.T) {
	var s Store
	_, err := s.Find(context.Background(), "u1")
	require.ErrorIs(t, err, errNoDB)
	_, err = s.Commit(context.Background(), "u1", auth.SessionUpdate{})
	require.ErrorIs(t, err, errNoDB)
	require.ErrorIs(t, s.Ping(context.Background()), errNoDB)
}

func TestCreateUserDuplicate(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "t1", "alice", "hash", "active", []byte(`{}`)).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreateUser(context.Background(), auth.User{TenantID: "t1", Username: "alice", PasswordHash: "hash"})
	require.ErrorIs(t, err, fault.ErrConflict)
	require.Equal(t, fault.ReasonDuplicate, fault.ReasonOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignRoleUnknownRole(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("insert into user_roles").
		WithArgs("u1", "ghost", true).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := store.AssignRole(context.Background(), "u1", "ghost", true)
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
