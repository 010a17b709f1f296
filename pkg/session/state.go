package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
)

var errTornDown = errors.New("session torn down")

// State is the process-wide buyer session. Order views receive it explicitly and
// observe Done/OnUnauthorized instead of listening for a page-wide signal.
type State struct {
	mu           sync.Mutex
	token        string
	expiresAt    time.Time
	unauthorized bool
	reason       string
	tornDown     bool
	done         chan struct{}
	listeners    map[int]func(reason string)
	nextID       int
	now          func() time.Time
}

// New returns an uninitialized (anonymous) session.
func New() *State {
	return &State{
		done:      make(chan struct{}),
		listeners: make(map[int]func(string)),
		now:       time.Now,
	}
}

// Init installs a bearer token. Non-empty tokens must be JWTs; the expiry claim is read
// without verifying the signature, which stays the server's job.
func (s *State) Init(token string) error {
	token = strings.TrimSpace(token)
	var expiresAt time.Time
	if token != "" {
		claims := &jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "parse session token")
		}
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return errTornDown
	}
	if s.unauthorized {
		s.done = make(chan struct{})
	}
	s.token = token
	s.expiresAt = expiresAt
	s.unauthorized = false
	s.reason = ""
	return nil
}

// Token returns the bearer token for outgoing calls. An empty token means anonymous.
func (s *State) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return "", pkgerrors.Wrap(pkgerrors.CodeUnauthorized, errTornDown, "session unavailable")
	}
	if s.unauthorized {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "session unauthorized: "+s.reason)
	}
	if !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt) {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "session token expired")
	}
	return s.token, nil
}

// MarkUnauthorized flips the session into the unauthorized state once and notifies listeners.
func (s *State) MarkUnauthorized(reason string) {
	s.mu.Lock()
	if s.unauthorized || s.tornDown {
		s.mu.Unlock()
		return
	}
	s.unauthorized = true
	s.reason = reason
	close(s.done)
	listeners := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(reason)
	}
}

// Unauthorized reports whether the server rejected the session.
func (s *State) Unauthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unauthorized
}

// OnUnauthorized registers fn and returns a function that removes it.
func (s *State) OnUnauthorized(fn func(reason string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Done is closed when the session becomes unauthorized or is torn down.
func (s *State) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Teardown releases listeners and closes Done. The state cannot be re-initialized.
func (s *State) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return
	}
	s.tornDown = true
	if !s.unauthorized {
		close(s.done)
	}
	s.listeners = make(map[int]func(string))
	s.token = ""
}
