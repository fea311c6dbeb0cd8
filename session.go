package crm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// Session is the signed-in identity and its credential.
type Session struct {
	User  User
	Token string
}

// ============================================================================
// Persistence
// ============================================================================

// Persister keeps a session across restarts. Load returns (nil, nil) when
// nothing is stored.
type Persister interface {
	Load() (*Session, error)
	Save(s *Session) error
	Clear() error
}

// MemoryPersister keeps the session in process memory.
type MemoryPersister struct {
	mu sync.Mutex
	s  *Session
}

func NewMemoryPersister() *MemoryPersister { return &MemoryPersister{} }

func (m *MemoryPersister) Load() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return nil, nil
	}
	s := *m.s
	return &s, nil
}

func (m *MemoryPersister) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.s = &cp
	return nil
}

func (m *MemoryPersister) Clear() error {
	m.mu.Lock()
	m.s = nil
	m.mu.Unlock()
	return nil
}

type sessionFile struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Email    string `toml:"email"`
	FullName string `toml:"full_name"`
	Role     string `toml:"role"`
}

// FilePersister stores the session as TOML at Path with owner-only permissions.
type FilePersister struct {
	Path string
}

func (f FilePersister) Load() (*Session, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read session: %w", err)
	}
	var sf sessionFile
	if err := toml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("cannot parse session: %w", err)
	}
	if sf.Token == "" {
		return nil, nil
	}
	return &Session{
		Token: sf.Token,
		User:  User{ID: sf.UserID, Email: sf.Email, FullName: sf.FullName, Role: Role(sf.Role)},
	}, nil
}

func (f FilePersister) Save(s *Session) error {
	data, err := toml.Marshal(sessionFile{
		Token:    s.Token,
		UserID:   s.User.ID,
		Email:    s.User.Email,
		FullName: s.User.FullName,
		Role:     string(s.User.Role),
	})
	if err != nil {
		return fmt.Errorf("cannot marshal session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("cannot create session directory: %w", err)
	}
	if err := os.WriteFile(f.Path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write session: %w", err)
	}
	return nil
}

func (f FilePersister) Clear() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove session: %w", err)
	}
	return nil
}

// ============================================================================
// SessionStore
// ============================================================================

// SessionStore drives the session lifecycle and keeps the REST client and the
// push channel on the same credential.
type SessionStore struct {
	api     *Client
	rt      *RealtimeClient
	persist Persister
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	current *Session
}

// NewSessionStore wires the store as api's auth-failure handler.
func NewSessionStore(api *Client, rt *RealtimeClient, p Persister, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p == nil {
		p = NewMemoryPersister()
	}
	s := &SessionStore{
		api:     api,
		rt:      rt,
		persist: p,
		logger:  logger.Named("session"),
		now:     time.Now,
	}
	api.SetAuthFailureHandler(s.ForceSignOut)
	return s
}

// Current returns a copy of the active session, or nil.
func (s *SessionStore) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// SignIn logs in, persists the session and opens the push channel.
func (s *SessionStore) SignIn(ctx context.Context, email, password string) (*Session, error) {
	res, err := s.api.Auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, fmt.Errorf("login returned no token: %w", ErrNoToken)
	}
	sess := &Session{User: res.User, Token: res.Token}
	if err := s.persist.Save(sess); err != nil {
		s.logger.Warn("session not persisted", zap.Error(err))
	}
	s.activate(ctx, sess)
	return s.Current(), nil
}

// Restore resumes a persisted session. It returns (nil, nil) when none is stored
// and ErrSessionExpired when the stored token's exp claim has passed.
func (s *SessionStore) Restore(ctx context.Context) (*Session, error) {
	sess, err := s.persist.Load()
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Token == "" {
		return nil, nil
	}
	if tokenExpired(sess.Token, s.now()) {
		_ = s.persist.Clear()
		return nil, ErrSessionExpired
	}
	s.activate(ctx, sess)
	return s.Current(), nil
}

func (s *SessionStore) activate(ctx context.Context, sess *Session) {
	s.api.SetToken(sess.Token)
	s.rt.SetToken(sess.Token)

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	s.logger.Info("signed in", zap.String("user_id", sess.User.ID), zap.String("role", string(sess.User.Role)))
	if err := s.rt.Connect(ctx); err != nil {
		// A failed dial is already being retried by the channel.
		s.logger.Warn("push channel not open yet", zap.Error(err))
	}
}

// SignOut logs out server-side and tears the session down locally. Local
// teardown happens even if the logout request fails.
func (s *SessionStore) SignOut(ctx context.Context) error {
	err := s.api.Auth.Logout(ctx)
	s.teardown()
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ForceSignOut tears the session down locally without calling the backend.
// It runs when the backend rejects the credential.
func (s *SessionStore) ForceSignOut() {
	s.logger.Warn("credential rejected, signing out")
	s.teardown()
}

func (s *SessionStore) teardown() {
	if err := s.rt.Disconnect(); err != nil {
		s.logger.Debug("close channel", zap.Error(err))
	}
	s.rt.SetToken("")
	s.api.SetToken("")
	if err := s.persist.Clear(); err != nil {
		s.logger.Warn("session not cleared", zap.Error(err))
	}
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// tokenExpired reports whether token is a JWT whose exp claim is at or before now.
// Opaque tokens and JWTs without exp never expire client-side.
func tokenExpired(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	return ok && !exp.After(now)
}

// TokenExpiry returns the exp claim of a JWT, if present.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
