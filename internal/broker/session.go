// session.go holds the broker session capability. Credential storage and the
// broker's login handshake live outside this repo; the gateway only needs a
// bearer token it can attach to requests and refresh when the broker reports
// it expired.
package broker

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Session supplies the bearer token for broker requests. Implementations must
// be safe for concurrent use; Refresh may be called from any gateway call
// that observes an expired token.
type Session interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// EnvSession resolves a credentials ref to an environment variable holding
// the current bearer token. Refresh re-reads the variable, so an external
// credential helper can rotate the token under a running process.
type EnvSession struct {
	ref string

	mu    sync.RWMutex
	token string
}

// NewEnvSession creates a session for one account's credentials ref.
func NewEnvSession(credentialsRef string) (*EnvSession, error) {
	s := &EnvSession{ref: credentialsRef}
	if err := s.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EnvSession) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", &Error{Kind: KindAuthExpired, Op: "session.token", Message: "no token available"}
	}
	return s.token, nil
}

func (s *EnvSession) Refresh(ctx context.Context) error {
	tok := os.Getenv(s.ref)
	if tok == "" {
		return fmt.Errorf("credentials ref %q resolves to empty token", s.ref)
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return nil
}

// StaticSession is a fixed-token session used by tests and mock mode.
type StaticSession string

func (s StaticSession) Token(ctx context.Context) (string, error) { return string(s), nil }
func (s StaticSession) Refresh(ctx context.Context) error         { return nil }

// SessionSet maps account IDs to their sessions.
type SessionSet map[string]Session

// For returns the session for an account.
func (ss SessionSet) For(accountID string) (Session, error) {
	s, ok := ss[accountID]
	if !ok {
		return nil, fmt.Errorf("no session for account %q", accountID)
	}
	return s, nil
}
