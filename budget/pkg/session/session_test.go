package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	laketesting "github.com/kkwann/midoproject2/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type fakeUsers struct {
	ds  *dataset.Dataset
	err error
}

func (f *fakeUsers) Load(_ context.Context, key string) (*dataset.Dataset, error) {
	if key != DefaultUsersKey {
		return nil, dataset.ErrUnknownDataset
	}
	return f.ds, f.err
}

func testUsers() *fakeUsers {
	ds := dataset.New("users", []dataset.Column{
		{Name: "employeeNumber", Type: dataset.TypeNumber},
		{Name: "employeeName", Type: dataset.TypeText},
		{Name: "jobTitle", Type: dataset.TypeText},
		{Name: "password", Type: dataset.TypeText},
	})
	ds.Append(map[string]any{"employeeNumber": 1.0, "employeeName": "김철수", "jobTitle": "팀장", "password": "secret"})
	ds.Append(map[string]any{"employeeNumber": 2.0, "employeeName": "이영희", "jobTitle": "사원", "password": "1234"})
	return &fakeUsers{ds: ds}
}

func newTestAuthenticator(t *testing.T, clock clockwork.Clock, users *fakeUsers) (*Authenticator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(clock)
	a, err := NewAuthenticator(AuthenticatorConfig{
		Logger: laketesting.NewLogger(),
		Users:  users,
		Store:  store,
		Clock:  clock,
	})
	require.NoError(t, err)
	return a, store
}

func TestBudget_Session_Login(t *testing.T) {
	t.Parallel()

	t.Run("valid credentials", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		a, store := newTestAuthenticator(t, clock, testUsers())

		token, s, err := a.Login(t.Context(), "김철수", "secret")
		require.NoError(t, err)
		require.NotEmpty(t, token)
		require.Equal(t, "김철수", s.Username)
		require.Equal(t, "팀장", s.JobTitle)
		require.True(t, s.Authenticated)
		require.Equal(t, clock.Now().Add(DefaultLifetime), s.ExpiresAt)
		require.Equal(t, 1, store.Len())

		got, err := a.Authenticate(t.Context(), token)
		require.NoError(t, err)
		require.Equal(t, s.ID, got.ID)
	})

	t.Run("numeric password matches its text form", func(t *testing.T) {
		t.Parallel()
		users := testUsers()
		users.ds.Rows[1].Values["password"] = 1234.0
		a, _ := newTestAuthenticator(t, clockwork.NewFakeClock(), users)
		_, _, err := a.Login(t.Context(), "이영희", "1234")
		require.NoError(t, err)
	})

	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "wrong password", username: "김철수", password: "nope"},
		{name: "unknown user", username: "박민수", password: "secret"},
		{name: "another user's password", username: "김철수", password: "1234"},
		{name: "empty password", username: "김철수", password: ""},
		{name: "empty username", username: "", password: "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, store := newTestAuthenticator(t, clockwork.NewFakeClock(), testUsers())
			_, _, err := a.Login(t.Context(), tt.username, tt.password)
			require.ErrorIs(t, err, ErrInvalidCredentials)
			require.Zero(t, store.Len())
		})
	}

	t.Run("users unavailable", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("warehouse down")
		a, _ := newTestAuthenticator(t, clockwork.NewFakeClock(), &fakeUsers{err: boom})
		_, _, err := a.Login(t.Context(), "김철수", "secret")
		require.ErrorIs(t, err, boom)
		require.NotErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestBudget_Session_AuthenticateAndLogout(t *testing.T) {
	t.Parallel()

	t.Run("expired session", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		a, store := newTestAuthenticator(t, clock, testUsers())
		token, _, err := a.Login(t.Context(), "김철수", "secret")
		require.NoError(t, err)

		clock.Advance(DefaultLifetime)
		_, err = a.Authenticate(t.Context(), token)
		require.ErrorIs(t, err, ErrNotAuthenticated)
		require.Zero(t, store.Len())
	})

	t.Run("logout", func(t *testing.T) {
		t.Parallel()
		a, _ := newTestAuthenticator(t, clockwork.NewFakeClock(), testUsers())
		token, _, err := a.Login(t.Context(), "김철수", "secret")
		require.NoError(t, err)

		require.NoError(t, a.Logout(t.Context(), token))
		_, err = a.Authenticate(t.Context(), token)
		require.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("missing or unknown token", func(t *testing.T) {
		t.Parallel()
		a, _ := newTestAuthenticator(t, clockwork.NewFakeClock(), testUsers())
		_, err := a.Authenticate(t.Context(), "")
		require.ErrorIs(t, err, ErrNotAuthenticated)
		_, err = a.Authenticate(t.Context(), "bogus")
		require.ErrorIs(t, err, ErrNotAuthenticated)
		require.ErrorIs(t, a.Logout(t.Context(), ""), ErrNotAuthenticated)
	})
}

func TestBudget_Session_MemoryStore(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	ctx := t.Context()

	s := &Session{Username: "a", ExpiresAt: clock.Now().Add(time.Minute)}
	require.NoError(t, store.Create(ctx, "h1", s))

	// Stored sessions are copies.
	s.Username = "mutated"
	got, err := store.Get(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "a", got.Username)

	clock.Advance(2 * time.Minute)
	require.NoError(t, store.Create(ctx, "h2", &Session{Username: "b", ExpiresAt: clock.Now().Add(time.Minute)}))
	require.Equal(t, 1, store.Len())

	_, err = store.Get(ctx, "h1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBudget_Session_Context(t *testing.T) {
	t.Parallel()

	_, ok := FromContext(t.Context())
	require.False(t, ok)

	s := &Session{Username: "김철수"}
	got, ok := FromContext(NewContext(t.Context(), s))
	require.True(t, ok)
	require.Same(t, s, got)

	_, ok = FromContext(NewContext(t.Context(), nil))
	require.False(t, ok)
}
