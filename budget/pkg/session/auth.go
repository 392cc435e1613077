package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
)

const (
	DefaultLifetime = 12 * time.Hour
	DefaultUsersKey = "users"
)

// UserSource loads the users dataset. *loader.Loader satisfies it.
type UserSource interface {
	Load(ctx context.Context, key string) (*dataset.Dataset, error)
}

type AuthenticatorConfig struct {
	Logger   *slog.Logger
	Users    UserSource
	Store    Store
	Clock    clockwork.Clock
	UsersKey string
	Lifetime time.Duration
}

func (cfg *AuthenticatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Users == nil {
		return errors.New("users source is required")
	}
	if cfg.Store == nil {
		return errors.New("session store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.UsersKey == "" {
		cfg.UsersKey = DefaultUsersKey
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	return nil
}

// Authenticator checks credentials against the users dataset
// (employeeName, password, jobTitle) and issues bearer tokens.
type Authenticator struct {
	log *slog.Logger
	cfg AuthenticatorConfig
}

func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Authenticator{log: cfg.Logger, cfg: cfg}, nil
}

// Login returns a new bearer token and its session when username and
// password match a user row.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, *Session, error) {
	if username == "" || password == "" {
		return "", nil, ErrInvalidCredentials
	}
	users, err := a.cfg.Users.Load(ctx, a.cfg.UsersKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load users: %w", err)
	}

	var jobTitle string
	found := false
	for _, row := range users.Rows {
		if dataset.FormatValue(row.Get("employeeName")) != username {
			continue
		}
		stored := dataset.FormatValue(row.Get("password"))
		if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1 {
			jobTitle = dataset.FormatValue(row.Get("jobTitle"))
			found = true
			break
		}
	}
	if !found {
		a.log.Info("auth: login rejected", "username", username)
		return "", nil, ErrInvalidCredentials
	}

	token, tokenHash, err := generateToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	now := a.cfg.Clock.Now()
	s := &Session{
		ID:            uuid.New(),
		Username:      username,
		JobTitle:      jobTitle,
		Authenticated: true,
		CreatedAt:     now,
		ExpiresAt:     now.Add(a.cfg.Lifetime),
	}
	if err := a.cfg.Store.Create(ctx, tokenHash, s); err != nil {
		return "", nil, err
	}
	a.log.Info("auth: login", "username", username, "session", s.ID)
	return token, s, nil
}

// Authenticate resolves a bearer token to its session.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	s, err := a.cfg.Store.Get(ctx, HashToken(token))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}
	s.Authenticated = true
	return s, nil
}

func (a *Authenticator) Logout(ctx context.Context, token string) error {
	if token == "" {
		return ErrNotAuthenticated
	}
	return a.cfg.Store.Delete(ctx, HashToken(token))
}
